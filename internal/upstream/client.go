// Package upstream is the HTTP client for the CoinGecko-style price source.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/config"
	"github.com/dskow/price-gateway/internal/metrics"
)

// APIKeyHeader carries the demo API key on every request.
const APIKeyHeader = "x-cg-demo-api-key"

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 4 << 10

// Prices maps coin id to currency to price, as returned by /simple/price.
type Prices map[string]map[string]float64

// Lookup returns the price of id in unit.
func (p Prices) Lookup(id, unit string) (float64, bool) {
	units, ok := p[id]
	if !ok {
		return 0, false
	}
	v, ok := units[unit]
	return v, ok
}

// Coin is one entry of /coins/list.
type Coin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Client calls the upstream price source. Every failure is returned as a
// *apierror.UpstreamError so callers can classify it by status.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client with a pooled transport sized by cfg.
func New(cfg config.UpstreamConfig, logger *slog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
	transport.IdleConnTimeout = cfg.IdleConnTimeout

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout(),
		http:    &http.Client{Transport: transport},
		logger:  logger,
	}
}

// Fetch returns prices for the given coin ids in the given currencies.
func (c *Client) Fetch(ctx context.Context, ids, units []string) (Prices, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", strings.Join(units, ","))

	var out Prices
	if err := c.get(ctx, "/simple/price", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CoinsList returns every coin the upstream knows about.
func (c *Client) CoinsList(ctx context.Context) ([]Coin, error) {
	var out []Coin
	if err := c.get(ctx, "/coins/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, dst any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &apierror.UpstreamError{Message: "building request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamCalls.WithLabelValues("transport_error").Inc()
		c.logger.Warn("upstream request failed", "path", path, "error", err)
		return &apierror.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("upstream response",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamCalls.WithLabelValues("http_error").Inc()
		return &apierror.UpstreamError{
			Status:  resp.StatusCode,
			Message: errorMessage(resp),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		metrics.UpstreamCalls.WithLabelValues("decode_error").Inc()
		return &apierror.UpstreamError{
			Status:  resp.StatusCode,
			Message: "decoding response",
			Err:     err,
		}
	}

	metrics.UpstreamCalls.WithLabelValues("success").Inc()
	return nil
}

// errorMessage extracts the "error" field of a JSON error body, falling back
// to the status text.
func errorMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && len(body) > 0 {
		var payload struct {
			Error  json.RawMessage `json:"error"`
			Status struct {
				ErrorMessage string `json:"error_message"`
			} `json:"status"`
		}
		if json.Unmarshal(body, &payload) == nil {
			var msg string
			if json.Unmarshal(payload.Error, &msg) == nil && msg != "" {
				return msg
			}
			if payload.Status.ErrorMessage != "" {
				return payload.Status.ErrorMessage
			}
		}
	}
	return fmt.Sprintf("upstream returned %s", http.StatusText(resp.StatusCode))
}
