package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/config"
	"github.com/dskow/price-gateway/internal/metrics"
)

func init() {
	metrics.Init()
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.UpstreamConfig{
		BaseURL:         srv.URL + "/api/v3/",
		APIKey:          "demo-key",
		TimeoutMs:       500,
		MaxIdleConns:    2,
		IdleConnTimeout: time.Second,
	}, slog.Default())
}

func TestClient_Fetch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/simple/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ids"); got != "bitcoin,ethereum" {
			t.Errorf("unexpected ids %q", got)
		}
		if got := r.URL.Query().Get("vs_currencies"); got != "usd" {
			t.Errorf("unexpected vs_currencies %q", got)
		}
		if got := r.Header.Get(APIKeyHeader); got != "demo-key" {
			t.Errorf("expected api key header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bitcoin":{"usd":64000.5},"ethereum":{"usd":3100}}`))
	})

	prices, err := c.Fetch(context.Background(), []string{"bitcoin", "ethereum"}, []string{"usd"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := prices.Lookup("bitcoin", "usd"); !ok || v != 64000.5 {
		t.Errorf("expected bitcoin 64000.5, got %v ok=%v", v, ok)
	}
	if _, ok := prices.Lookup("bitcoin", "eur"); ok {
		t.Error("expected eur to be absent")
	}
	if _, ok := prices.Lookup("dogecoin", "usd"); ok {
		t.Error("expected dogecoin to be absent")
	}
}

func TestClient_HTTPErrorCarriesStatusAndMessage(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"json error field", http.StatusTooManyRequests, `{"error":"rate limited"}`, "rate limited"},
		{"coingecko status envelope", http.StatusUnauthorized, `{"status":{"error_code":10002,"error_message":"invalid api key"}}`, "invalid api key"},
		{"plain body", http.StatusServiceUnavailable, `oops`, "upstream returned Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.Fetch(context.Background(), []string{"bitcoin"}, []string{"usd"})
			var upErr *apierror.UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("expected UpstreamError, got %v", err)
			}
			if upErr.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, upErr.Status)
			}
			if upErr.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, upErr.Message)
			}
		})
	}
}

func TestClient_TransportErrorHasNoStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New(config.UpstreamConfig{BaseURL: addr, TimeoutMs: 200}, slog.Default())
	_, err := c.Fetch(context.Background(), []string{"bitcoin"}, []string{"usd"})

	var upErr *apierror.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upErr.Status != 0 || upErr.Err == nil {
		t.Errorf("expected transport failure without status, got %+v", upErr)
	}
}

func TestClient_TimeoutPerAttempt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})

	start := time.Now()
	_, err := c.Fetch(context.Background(), []string{"bitcoin"}, []string{"usd"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("request outlived the configured timeout")
	}
}

func TestClient_DecodeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := c.Fetch(context.Background(), []string{"bitcoin"}, []string{"usd"})
	var upErr *apierror.UpstreamError
	if !errors.As(err, &upErr) || upErr.Status != http.StatusOK {
		t.Fatalf("expected decode UpstreamError with status 200, got %v", err)
	}
}

func TestClient_CoinsList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/coins/list" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"bitcoin","symbol":"btc","name":"Bitcoin"}]`))
	})

	coins, err := c.CoinsList(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(coins) != 1 || coins[0].Symbol != "btc" {
		t.Errorf("unexpected coins %+v", coins)
	}
}
