// Package api exposes the price service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/price"
)

// Query defaults and bounds.
const (
	DefaultCurrency     = "usd"
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

var (
	coinIDPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,99}$`)
	currencyPattern = regexp.MustCompile(`^[a-z]{2,10}$`)
)

// PriceService is the part of price.Service the handlers use.
type PriceService interface {
	GetPrice(ctx context.Context, coinID, currency string) (price.Quote, error)
	GetHistory(ctx context.Context, coinID, currency string, limit int) ([]price.Record, error)
}

// Handler serves the price endpoints.
type Handler struct {
	svc    PriceService
	logger *slog.Logger
}

// New creates a Handler.
func New(svc PriceService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the price routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/price/{coinId}", h.getPrice)
	r.Get("/price/{coinId}/history", h.getHistory)
}

func (h *Handler) getPrice(w http.ResponseWriter, r *http.Request) {
	coinID, currency, err := coinAndCurrency(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}

	q, err := h.svc.GetPrice(r.Context(), coinID, currency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	coinID, currency, err := coinAndCurrency(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}
	limit, err := historyLimit(r)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}

	records, err := h.svc.GetHistory(r.Context(), coinID, currency, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := apierror.Classify(err)
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(r.Context(), level, "price request failed",
		"path", r.URL.Path,
		"status", status,
		"error_code", code,
		"error", err,
	)
	apierror.WriteError(w, r, err)
}

func coinAndCurrency(r *http.Request) (string, string, error) {
	coinID := strings.ToLower(chi.URLParam(r, "coinId"))
	if !coinIDPattern.MatchString(coinID) {
		return "", "", &apierror.ValidationError{Field: "coinId", Message: "must be a lowercase coin identifier"}
	}

	currency := DefaultCurrency
	if c := r.URL.Query().Get("currency"); c != "" {
		currency = strings.ToLower(c)
	}
	if !currencyPattern.MatchString(currency) {
		return "", "", &apierror.ValidationError{Field: "currency", Message: "must be a currency code such as usd"}
	}
	return coinID, currency, nil
}

func historyLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxHistoryLimit {
		return 0, &apierror.ValidationError{
			Field:   "limit",
			Message: "must be an integer between 1 and " + strconv.Itoa(MaxHistoryLimit),
		}
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
