// Package main is the entry point for the price gateway. It loads
// configuration, wires the cache, resilience stack and request coalescer,
// starts the HTTP server, and drains pending batches on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dskow/price-gateway/internal/batcher"
	"github.com/dskow/price-gateway/internal/cache"
	"github.com/dskow/price-gateway/internal/config"
	"github.com/dskow/price-gateway/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"cache_driver", cfg.Redis.Driver,
		"upstream", cfg.Upstream.BaseURL,
		"batch_window_ms", cfg.Batch.WindowMs,
		"batch_threshold", cfg.Batch.Threshold,
		"upstream_max_per_window", cfg.RateLimit.MaxPerWindow,
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if err := run(*configPath, cfg, logger); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("gateway stopped gracefully")
}

func run(configPath string, cfg *config.Config, logger *slog.Logger) error {
	reloader := config.NewReloader(configPath, cfg, logger)
	gw := newGateway(cfg, reloader, logger)
	defer gw.limiter.Stop()

	gw.refreshSymbols(cfg.Upstream.Timeout())

	reloader.OnReload(gw.applyConfig)
	reloader.Start()
	defer reloader.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      gw.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting gateway", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	}

	return shutdown(srv, gw.coalescer, gw.store, cfg.Server.ShutdownTimeout, logger)
}

// shutdown stops accepting requests and drains pending batches at the same
// time, so handlers parked on a batch are answered instead of waiting out its
// window. The store closes last because the drain writes through to it.
func shutdown(srv *http.Server, coalescer *batcher.Batcher, store cache.Store, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("draining in-flight requests",
		"timeout", timeout,
		"pending_batches", len(coalescer.Pending()),
	)

	httpDone := make(chan error, 1)
	go func() { httpDone <- srv.Shutdown(ctx) }()

	var errs []error
	if err := coalescer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("batch drain: %w", err))
	}
	if err := <-httpDone; err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing cache store: %w", err))
	}
	return errors.Join(errs...)
}
