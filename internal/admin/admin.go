// Package admin provides operator endpoints for runtime inspection of the
// gateway and manual breaker recovery. All endpoints are protected by an IP
// allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/batcher"
	"github.com/dskow/price-gateway/internal/circuitbreaker"
	"github.com/dskow/price-gateway/internal/config"
	"github.com/dskow/price-gateway/internal/ratelimit"
)

const redacted = "***"

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// BatchLister lists batches that have not flushed yet.
type BatchLister interface {
	Pending() []batcher.PendingBatch
}

// Handler provides admin API endpoints.
type Handler struct {
	config      ConfigProvider
	limiter     *ratelimit.Limiter
	breakers    map[string]*circuitbreaker.Breaker
	order       []string
	batches     BatchLister
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	cfg ConfigProvider,
	limiter *ratelimit.Limiter,
	breakers []*circuitbreaker.Breaker,
	batches BatchLister,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		nets = append(nets, ipNet)
	}

	byName := make(map[string]*circuitbreaker.Breaker, len(breakers))
	order := make([]string, 0, len(breakers))
	for _, cb := range breakers {
		byName[cb.Name()] = cb
		order = append(order, cb.Name())
	}

	return &Handler{
		config:      cfg,
		limiter:     limiter,
		breakers:    byName,
		order:       order,
		batches:     batches,
		allowedNets: nets,
		logger:      logger,
	}
}

// Register mounts the admin routes under /admin on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.guard)
		r.Get("/breakers", h.breakersHandler)
		r.Post("/breakers/{name}/reset", h.resetHandler)
		r.Get("/batches", h.batchesHandler)
		r.Get("/config", h.configHandler)
		r.Get("/limiters", h.limitersHandler)
	})
}

// guard rejects callers outside the allowlist.
func (h *Handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	snaps := make([]circuitbreaker.Snapshot, 0, len(h.order))
	for _, name := range h.order {
		snaps = append(snaps, h.breakers[name].Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": snaps})
}

func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cb, ok := h.breakers[name]
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no circuit breaker named "+strconv.Quote(name))
		return
	}

	before := cb.State()
	cb.Reset()
	h.logger.Info("circuit breaker reset by operator",
		"name", name,
		"previous_state", before.String(),
		"client_ip", extractIP(r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, cb.Snapshot())
}

func (h *Handler) batchesHandler(w http.ResponseWriter, r *http.Request) {
	pending := h.batches.Pending()
	writeJSON(w, http.StatusOK, map[string]any{
		"batches": pending,
		"total":   len(pending),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := *h.config.Current()

	if cfg.Auth.JWTSecret != "" {
		cfg.Auth.JWTSecret = redacted
	}
	if cfg.Upstream.APIKey != "" {
		cfg.Upstream.APIKey = redacted
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = redacted
	}

	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	pageSize := 100
	page := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= 1000 {
		pageSize = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v >= 0 {
		page = v
	}

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
