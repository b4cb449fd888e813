// Package main provides a stand-in for the CoinGecko API used in local runs
// and load tests. It serves deterministic prices for /simple/price and a
// small /coins/list, and can inject latency and failures so the gateway's
// coalescing, retry and circuit breaker paths can be exercised end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type faults struct {
	failRate   float64
	failStatus int
	latency    time.Duration
}

type server struct {
	faults faults
	logger *slog.Logger
	calls  atomic.Int64
}

var coins = []map[string]string{
	{"id": "bitcoin", "symbol": "btc", "name": "Bitcoin"},
	{"id": "ethereum", "symbol": "eth", "name": "Ethereum"},
	{"id": "solana", "symbol": "sol", "name": "Solana"},
	{"id": "dogecoin", "symbol": "doge", "name": "Dogecoin"},
}

func main() {
	port := flag.Int("port", 9000, "port to listen on")
	failRate := flag.Float64("fail-rate", 0, "fraction of requests answered with -fail-status (0..1)")
	failStatus := flag.Int("fail-status", http.StatusServiceUnavailable, "status code for injected failures")
	latency := flag.Duration("latency", 0, "delay added to every response")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}

	s := &server{
		faults: faults{failRate: *failRate, failStatus: *failStatus, latency: *latency},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	addr := fmt.Sprintf(":%d", *port)
	s.logger.Info("fakegecko listening", "addr", addr, "fail_rate", *failRate, "latency", *latency)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		s.logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/simple/price", s.inject(s.simplePrice))
	mux.HandleFunc("GET /api/v3/coins/list", s.inject(s.coinsList))

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/429 → 429 Too Many Requests
	mux.HandleFunc("GET /__status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 100 || code > 599 {
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, map[string]any{"error": http.StatusText(code)})
	})
	mux.HandleFunc("GET /__calls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int64{"calls": s.calls.Load()})
	})
	return mux
}

// inject counts the call and applies the configured latency and failures.
func (s *server) inject(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := s.calls.Add(1)
		if s.faults.latency > 0 {
			select {
			case <-time.After(s.faults.latency):
			case <-r.Context().Done():
				return
			}
		}
		if s.faults.failRate > 0 && rand.Float64() < s.faults.failRate {
			s.logger.Info("injected failure", "call", n, "status", s.faults.failStatus)
			if s.faults.failStatus == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "1")
			}
			writeJSON(w, s.faults.failStatus, map[string]any{"error": http.StatusText(s.faults.failStatus)})
			return
		}
		next(w, r)
	}
}

func (s *server) simplePrice(w http.ResponseWriter, r *http.Request) {
	ids := splitList(r.URL.Query().Get("ids"))
	units := splitList(r.URL.Query().Get("vs_currencies"))
	if len(ids) == 0 || len(units) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ids and vs_currencies are required"})
		return
	}

	known := make(map[string]bool, len(coins))
	for _, c := range coins {
		known[c["id"]] = true
	}

	// Unknown ids are omitted, matching the real API.
	out := make(map[string]map[string]float64, len(ids))
	for _, id := range ids {
		if !known[id] {
			continue
		}
		quotes := make(map[string]float64, len(units))
		for _, u := range units {
			quotes[u] = priceFor(id, u, time.Now())
		}
		out[id] = quotes
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) coinsList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, coins)
}

// priceFor derives a stable base price per pair and drifts it each minute.
func priceFor(id, unit string, now time.Time) float64 {
	h := fnv.New32a()
	h.Write([]byte(id + ":" + unit))
	base := float64(h.Sum32()%100000) + 1
	drift := float64(now.Unix()/60%20) / 1000
	return base * (1 + drift)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
