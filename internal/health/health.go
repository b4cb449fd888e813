// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/price-gateway/internal/circuitbreaker"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	defaultReadinessCacheTTL = 2 * time.Second
	pingTimeout              = time.Second
)

// Pinger reports whether the cache store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readinessReport struct {
	Status   string            `json:"status"`
	Cache    string            `json:"cache"`
	Breakers map[string]string `json:"breakers"`
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	store    Pinger
	breakers []*circuitbreaker.Breaker
	logger   *slog.Logger
	cacheTTL time.Duration

	// Cached readiness result so frequent probes do not ping the store on
	// every poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler. An unreachable store only degrades
// readiness, since every cache access already falls back to a miss; an open
// breaker makes the gateway not ready.
func New(store Pinger, breakers []*circuitbreaker.Breaker, logger *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		breakers: breakers,
		logger:   logger,
		cacheTTL: defaultReadinessCacheTTL,
	}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < h.cacheTTL {
		body, status := h.cachedResult, h.cachedStatus
		h.cacheMu.RUnlock()
		writeBody(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	report := readinessReport{
		Status:   "ready",
		Cache:    "ok",
		Breakers: make(map[string]string, len(h.breakers)),
	}
	status := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := h.store.Ping(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("cache store unreachable", "error", err)
			report.Cache = "unreachable"
			report.Status = "degraded"
		}
	}

	for _, cb := range h.breakers {
		st := cb.State()
		report.Breakers[cb.Name()] = st.String()
		if st == circuitbreaker.StateOpen {
			report.Status = "not ready"
			status = http.StatusServiceUnavailable
		}
	}

	body, _ := json.Marshal(report)
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = status
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
