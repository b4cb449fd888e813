package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/price-gateway/internal/config"
)

const (
	testSecret   = "end-to-end-secret-key-32-chars!!"
	testIssuer   = "https://auth.example.com"
	testAudience = "price-gateway"
)

// fakeGecko answers /simple/price for bitcoin and counts price calls.
type fakeGecko struct {
	calls  atomic.Int32
	status atomic.Int32
}

func (f *fakeGecko) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/v3/coins/list":
		io.WriteString(w, `[{"id":"bitcoin","symbol":"btc","name":"Bitcoin"}]`)
	case "/api/v3/simple/price":
		f.calls.Add(1)
		if s := f.status.Load(); s != 0 {
			w.WriteHeader(int(s))
			io.WriteString(w, `{"error":"unavailable"}`)
			return
		}
		if strings.Contains(r.URL.Query().Get("ids"), "bitcoin") {
			io.WriteString(w, `{"bitcoin":{"usd":42000.5}}`)
			return
		}
		io.WriteString(w, `{}`)
	default:
		http.NotFound(w, r)
	}
}

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Current() *config.Config { return s.cfg }

type stack struct {
	gw       *gateway
	upstream *fakeGecko
	url      string
}

func newStack(t *testing.T, extra string) *stack {
	t.Helper()

	gecko := &fakeGecko{}
	up := httptest.NewServer(gecko)
	t.Cleanup(up.Close)

	cfg, err := config.LoadFromBytes([]byte(fmt.Sprintf(`
redis:
  driver: memory
upstream:
  base_url: %q
retry:
  max_retries: 1
  base_delay_ms: 1
  max_delay_ms: 2
%s`, up.URL+"/api/v3", extra)))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	gw := newGateway(cfg, staticConfig{cfg}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(gw.handler)
	t.Cleanup(func() {
		srv.Close()
		gw.coalescer.Close(context.Background())
		gw.limiter.Stop()
		gw.store.Close()
	})
	return &stack{gw: gw, upstream: gecko, url: srv.URL}
}

func get(t *testing.T, url string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	data, _ := io.ReadAll(resp.Body)
	json.Unmarshal(data, &body)
	return resp, body
}

func token(t *testing.T, scope string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "e2e-user",
		"iss":   testIssuer,
		"aud":   testAudience,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestGateway_ConcurrentRequestsShareOneUpstreamCall(t *testing.T) {
	s := newStack(t, `
batch:
  window_ms: 2000
  threshold: 3
`)

	var wg sync.WaitGroup
	statuses := make([]int, 3)
	for i := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(s.url + "/price/bitcoin")
			if err != nil {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	for i, code := range statuses {
		if code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, code)
		}
	}
	if got := s.upstream.calls.Load(); got != 1 {
		t.Errorf("expected 1 upstream call for 3 coalesced requests, got %d", got)
	}
}

func TestGateway_SecondRequestServedFromCache(t *testing.T) {
	s := newStack(t, `
batch:
  threshold: 1
`)

	_, first := get(t, s.url+"/price/bitcoin?currency=usd", nil)
	if first["price"] != 42000.5 || first["from_cache"] != false {
		t.Fatalf("unexpected first quote: %v", first)
	}

	_, second := get(t, s.url+"/price/bitcoin?currency=usd", nil)
	if second["from_cache"] != true {
		t.Errorf("expected cached quote, got %v", second)
	}
	if got := s.upstream.calls.Load(); got != 1 {
		t.Errorf("expected 1 upstream call, got %d", got)
	}
}

func TestGateway_HistoryRecordsFreshQuotes(t *testing.T) {
	s := newStack(t, `
batch:
  threshold: 1
`)

	get(t, s.url+"/price/bitcoin", nil)

	resp, err := http.Get(s.url + "/price/bitcoin/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0]["coin_id"] != "bitcoin" {
		t.Errorf("expected one bitcoin record, got %v", records)
	}
}

func TestGateway_UnknownCoinIsNotFound(t *testing.T) {
	s := newStack(t, `
batch:
  threshold: 1
`)

	resp, body := get(t, s.url+"/price/notacoin", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["error_code"] != "GATEWAY_NOT_FOUND" {
		t.Errorf("unexpected error body: %v", body)
	}
}

func TestGateway_UnmatchedRouteCarriesStackHeaders(t *testing.T) {
	s := newStack(t, "")

	resp, body := get(t, s.url+"/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["error_code"] != "GATEWAY_NOT_FOUND" {
		t.Errorf("unexpected error body: %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on error response")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on error response")
	}
}

func TestGateway_ProbesAndMetricsBypassAuth(t *testing.T) {
	s := newStack(t, fmt.Sprintf(`
auth:
  enabled: true
  jwt_secret: %q
  issuer: %q
  audience: %q
`, testSecret, testIssuer, testAudience))

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		resp, _ := get(t, s.url+path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200 without token, got %d", path, resp.StatusCode)
		}
	}
}

func TestGateway_AuthFlow(t *testing.T) {
	s := newStack(t, fmt.Sprintf(`
batch:
  threshold: 1
auth:
  enabled: true
  jwt_secret: %q
  issuer: %q
  audience: %q
  scopes: ["prices:read"]
`, testSecret, testIssuer, testAudience))

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing token", nil, http.StatusUnauthorized},
		{"garbage token", map[string]string{"Authorization": "Bearer not-a-jwt"}, http.StatusUnauthorized},
		{"insufficient scope", map[string]string{"Authorization": "Bearer " + token(t, "other")}, http.StatusForbidden},
		{"valid token", map[string]string{"Authorization": "Bearer " + token(t, "prices:read")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, s.url+"/price/bitcoin", tt.headers)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d (%v)", tt.want, resp.StatusCode, body)
			}
		})
	}
}

func TestGateway_ClientRateLimit(t *testing.T) {
	s := newStack(t, `
batch:
  threshold: 1
client_rate_limit:
  enabled: true
  requests_per_second: 0.01
  burst_size: 2
`)

	var limited int
	for range 4 {
		resp, _ := get(t, s.url+"/price/bitcoin", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 2 {
		t.Errorf("expected 2 limited requests after burst of 2, got %d", limited)
	}
}

func TestGateway_UpstreamBudgetExhausted(t *testing.T) {
	s := newStack(t, `
batch:
  threshold: 1
rate_limit:
  max_per_window: 1
`)

	minute := time.Now().UTC().Truncate(time.Minute)
	if resp, _ := get(t, s.url+"/price/bitcoin?currency=usd", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first call to pass, got %d", resp.StatusCode)
	}
	resp, body := get(t, s.url+"/price/bitcoin?currency=eur", nil)
	if !time.Now().UTC().Truncate(time.Minute).Equal(minute) {
		t.Skip("window rolled over between calls")
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the window budget is spent, got %d", resp.StatusCode)
	}
	if body["error_code"] != "GATEWAY_RATE_LIMIT_EXCEEDED" {
		t.Errorf("unexpected error body: %v", body)
	}
	if got := s.upstream.calls.Load(); got != 1 {
		t.Errorf("expected the rejected call to skip upstream, got %d calls", got)
	}
}

func TestGateway_CircuitOpensAndReadinessFails(t *testing.T) {
	s := newStack(t, `
batch:
  threshold: 1
circuit_breaker:
  failure_threshold: 2
  reset_timeout_ms: 60000
`)
	s.upstream.status.Store(http.StatusServiceUnavailable)

	for i := range 2 {
		resp, _ := get(t, s.url+"/price/bitcoin", nil)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("call %d: expected 502, got %d", i, resp.StatusCode)
		}
	}
	callsWhenOpened := s.upstream.calls.Load()

	resp, body := get(t, s.url+"/price/bitcoin", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["error_code"] != "GATEWAY_CIRCUIT_OPEN" {
		t.Fatalf("expected circuit open, got %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After while open")
	}
	if s.upstream.calls.Load() != callsWhenOpened {
		t.Error("expected no upstream call while open")
	}

	if resp, _ := get(t, s.url+"/ready", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected /ready to fail while the breaker is open, got %d", resp.StatusCode)
	}
}

func TestGateway_AdminBreakerReset(t *testing.T) {
	s := newStack(t, `
batch:
  threshold: 1
circuit_breaker:
  failure_threshold: 1
  reset_timeout_ms: 60000
admin:
  enabled: true
  ip_allowlist: ["127.0.0.0/8"]
`)
	s.upstream.status.Store(http.StatusServiceUnavailable)
	get(t, s.url+"/price/bitcoin", nil)
	s.upstream.status.Store(0)

	resp, err := http.Post(s.url+"/admin/breakers/coingecko/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from reset, got %d", resp.StatusCode)
	}

	if resp, _ := get(t, s.url+"/price/bitcoin", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("expected traffic to flow after reset, got %d", resp.StatusCode)
	}
}

func TestGateway_AdminDisabledByDefault(t *testing.T) {
	s := newStack(t, "")

	if resp, _ := get(t, s.url+"/admin/breakers", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected admin routes to be absent, got %d", resp.StatusCode)
	}
}

func TestGateway_DrainAnswersPendingRequests(t *testing.T) {
	s := newStack(t, `
batch:
  window_ms: 60000
  threshold: 10
`)

	done := make(chan int, 1)
	go func() {
		resp, err := http.Get(s.url + "/price/bitcoin")
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(s.gw.coalescer.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never joined a batch")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.gw.coalescer.Close(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Errorf("expected drained request to succeed, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not answered by the drain")
	}

	resp, body := get(t, s.url+"/price/bitcoin?currency=eur", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["error_code"] != "GATEWAY_SHUTTING_DOWN" {
		t.Errorf("expected shutting down after drain, got %d %v", resp.StatusCode, body)
	}
}

func TestGateway_ApplyConfig(t *testing.T) {
	s := newStack(t, "")

	next, err := config.LoadFromBytes([]byte(`
rate_limit:
  max_per_window: 7
`))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	s.gw.applyConfig(next)

	if got := s.gw.window.Max(); got != 7 {
		t.Errorf("expected window budget 7 after reload, got %d", got)
	}
}
