package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/price-gateway/internal/cache"
	"github.com/dskow/price-gateway/internal/circuitbreaker"
	"github.com/dskow/price-gateway/internal/metrics"
)

func init() {
	metrics.Init()
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func get(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding %s: %v", path, err)
	}
	return rec, body
}

func newBreaker(t *testing.T) *circuitbreaker.Breaker {
	return circuitbreaker.New(t.Name(), circuitbreaker.Config{
		FailureThreshold:    1,
		ResetTimeout:        time.Hour,
		HalfOpenMaxAttempts: 1,
	}, slog.Default())
}

func trip(cb *circuitbreaker.Breaker) {
	cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
}

func TestLiveness_AlwaysReturns200(t *testing.T) {
	rec, body := get(t, New(downStore{}, nil, slog.Default()), "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestReadiness_Ready(t *testing.T) {
	cb := newBreaker(t)
	rec, body := get(t, New(cache.NewMemoryStore(), []*circuitbreaker.Breaker{cb}, slog.Default()), "/ready")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "ready" || body["cache"] != "ok" {
		t.Errorf("unexpected body %v", body)
	}
	breakers := body["breakers"].(map[string]any)
	if breakers[cb.Name()] != "closed" {
		t.Errorf("expected closed breaker, got %v", breakers)
	}
}

func TestReadiness_StoreDownIsDegraded(t *testing.T) {
	rec, body := get(t, New(downStore{}, []*circuitbreaker.Breaker{newBreaker(t)}, slog.Default()), "/ready")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 while degraded, got %d", rec.Code)
	}
	if body["status"] != "degraded" || body["cache"] != "unreachable" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestReadiness_OpenBreakerNotReady(t *testing.T) {
	cb := newBreaker(t)
	trip(cb)

	rec, body := get(t, New(cache.NewMemoryStore(), []*circuitbreaker.Breaker{cb}, slog.Default()), "/ready")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "not ready" {
		t.Errorf("expected not ready, got %v", body["status"])
	}
}

func TestReadiness_ResultIsCached(t *testing.T) {
	cb := newBreaker(t)
	h := New(cache.NewMemoryStore(), []*circuitbreaker.Breaker{cb}, slog.Default())
	h.cacheTTL = time.Hour

	get(t, h, "/ready")
	trip(cb)

	rec, _ := get(t, h, "/ready")
	if rec.Code != http.StatusOK {
		t.Errorf("expected cached 200, got %d", rec.Code)
	}

	h.cacheTTL = 0
	rec, _ = get(t, h, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected fresh 503, got %d", rec.Code)
	}
}
