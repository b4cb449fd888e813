package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dskow/price-gateway/internal/admin"
	"github.com/dskow/price-gateway/internal/api"
	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/auth"
	"github.com/dskow/price-gateway/internal/batcher"
	"github.com/dskow/price-gateway/internal/cache"
	"github.com/dskow/price-gateway/internal/circuitbreaker"
	"github.com/dskow/price-gateway/internal/config"
	"github.com/dskow/price-gateway/internal/health"
	"github.com/dskow/price-gateway/internal/metrics"
	"github.com/dskow/price-gateway/internal/middleware"
	"github.com/dskow/price-gateway/internal/price"
	"github.com/dskow/price-gateway/internal/ratelimit"
	"github.com/dskow/price-gateway/internal/retry"
	"github.com/dskow/price-gateway/internal/upstream"
)

// gateway holds the wired components that outlive a single request.
type gateway struct {
	logger    *slog.Logger
	store     cache.Store
	window    *ratelimit.Window
	breaker   *circuitbreaker.Breaker
	coalescer *batcher.Batcher
	service   *price.Service
	limiter   *ratelimit.Limiter
	handler   http.Handler
}

func newGateway(cfg *config.Config, provider admin.ConfigProvider, logger *slog.Logger) *gateway {
	// Metrics are always registered so collectors are safe to use; the
	// endpoint is only exposed when enabled.
	metrics.Init()

	store, repo := buildStorage(cfg, logger)
	aside := cache.NewAside(store, cache.AsideOptions{
		OpTimeout:         cfg.Redis.OpTimeout(),
		InvalidateRetries: cfg.Cache.InvalidateRetries,
		InvalidateDelay:   time.Duration(cfg.Cache.InvalidateDelayMs) * time.Millisecond,
	}, logger)

	gw := &gateway{
		logger:  logger,
		store:   store,
		window:  ratelimit.NewWindow(store, cfg.Upstream.Name, cfg.RateLimit.MaxPerWindow, logger),
		breaker: circuitbreaker.New(cfg.Upstream.Name, breakerConfig(cfg.CircuitBreaker), logger),
		limiter: ratelimit.New(cfg.ClientRateLimit, cfg.Server.TrustedProxies, logger),
	}

	gw.coalescer = batcher.New(batcher.Config{
		Window:       cfg.Batch.Window(),
		Threshold:    cfg.Batch.Threshold,
		FlushTimeout: cfg.Batch.FlushTimeout(),
		CacheTTL:     cfg.Cache.TTL(),
		Retry: retry.Policy{
			Name:       cfg.Upstream.Name,
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay(),
			MaxDelay:   cfg.Retry.MaxDelay(),
		},
	}, aside, gw.window, gw.breaker, logger)

	gw.service = price.NewService(gw.coalescer, upstream.New(cfg.Upstream, logger), repo, aside, cfg.Cache.HistoryTTL(), logger)
	gw.handler = gw.routes(cfg, provider)
	return gw
}

// routes builds the public handler. Price routes run
// Recovery → RequestID → SecurityHeaders → Logging → Deadline → Auth →
// client RateLimit → handler; probes and metrics bypass the stack.
func (gw *gateway) routes(cfg *config.Config, provider admin.ConfigProvider) http.Handler {
	breakers := []*circuitbreaker.Breaker{gw.breaker}

	r := chi.NewRouter()
	r.Use(
		middleware.Recovery(gw.logger),
		middleware.RequestID,
		middleware.SecurityHeaders(),
		middleware.Logging(gw.logger),
		middleware.Deadline(cfg.Server.RequestTimeout()),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no such endpoint")
	})
	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(auth.Middleware(cfg.Auth, gw.logger))
		}
		r.Use(gw.limiter.Middleware())
		api.New(gw.service, gw.logger).Register(r)
	})
	if cfg.Admin.Enabled {
		admin.New(provider, gw.limiter, breakers, gw.coalescer, cfg.Admin.IPAllowlist, gw.logger).Register(r)
		gw.logger.Info("admin API enabled", "allowlist", cfg.Admin.IPAllowlist)
	}

	mux := http.NewServeMux()
	health.New(gw.store, breakers, gw.logger).RegisterRoutes(mux)
	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		gw.logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}
	mux.Handle("/", r)
	return mux
}

// applyConfig pushes hot-reloadable settings into running components.
func (gw *gateway) applyConfig(cfg *config.Config) {
	gw.window.SetMax(cfg.RateLimit.MaxPerWindow)
	gw.limiter.UpdateConfig(cfg.ClientRateLimit)
	gw.breaker.UpdateConfig(breakerConfig(cfg.CircuitBreaker))
}

// refreshSymbols loads the coin symbol table in the background. Quotes are
// served without symbols until it completes.
func (gw *gateway) refreshSymbols(timeout time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := gw.service.RefreshSymbols(ctx, gw.window); err != nil {
			gw.logger.Warn("coin symbols unavailable, quotes will omit symbol", "error", err)
		}
	}()
}

func buildStorage(cfg *config.Config, logger *slog.Logger) (cache.Store, price.Repository) {
	if cfg.Redis.Driver == "memory" {
		logger.Info("using in-process cache store")
		return cache.NewMemoryStore(), price.NewMemoryRepository(cfg.History.MaxRecords)
	}

	rs := cache.NewRedisStore(cache.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Timeout:  cfg.Redis.OpTimeout(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		// Cache access degrades to misses until redis is back.
		logger.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}
	return rs, price.NewRedisRepository(rs.Client(), cfg.History.MaxRecords)
}

func breakerConfig(c config.CircuitBreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    c.FailureThreshold,
		ResetTimeout:        c.ResetTimeout(),
		HalfOpenMaxAttempts: c.HalfOpenMaxAttempts,
	}
}
