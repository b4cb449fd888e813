// Package metrics provides Prometheus instrumentation for the price gateway.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts API requests by route pattern, method, and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// CacheLookups counts cache-aside reads by result (hit, miss, error).
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Cache-aside lookups by result",
		},
		[]string{"result"},
	)

	// CacheErrors counts failed cache operations by operation name.
	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_errors_total",
			Help: "Cache operations that failed and were degraded",
		},
		[]string{"op"},
	)

	// BatchesFlushed counts batch flushes by trigger and outcome.
	BatchesFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_batches_flushed_total",
			Help: "Batch flushes by trigger (timer, threshold, drain) and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	// BatchSize observes the number of waiters served by one flush.
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_batch_size",
			Help:    "Waiters resolved per batch flush",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
		},
	)

	// ActiveBatches tracks batches waiting for their flush.
	ActiveBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_batches",
			Help: "Batches currently registered and awaiting flush",
		},
	)

	// UpstreamCalls counts upstream attempts by outcome.
	UpstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_calls_total",
			Help: "Upstream price source calls by outcome",
		},
		[]string{"outcome"},
	)

	// RetryTotal counts retry attempts by operation label.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"operation"},
	)

	// RateLimitHits counts rate limit rejections by quota origin.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"origin"},
	)

	// CircuitBreakerState reports the current breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerStateChanges counts breaker transitions.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// CircuitBreakerRejections counts calls failed fast by an open breaker.
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejections_total",
			Help: "Calls rejected without invoking the protected operation",
		},
		[]string{"name"},
	)

	// ConfigReloads counts configuration reload attempts by result.
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_config_reloads_total",
			Help: "Configuration reload attempts",
		},
		[]string{"result"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)
)

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(collectors()...)
	})
}

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		CacheLookups,
		CacheErrors,
		BatchesFlushed,
		BatchSize,
		ActiveBatches,
		UpstreamCalls,
		RetryTotal,
		RateLimitHits,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		CircuitBreakerRejections,
		ConfigReloads,
		AuthFailures,
	}
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
