package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/price-gateway/internal/metrics"
)

// reloadDebounce absorbs the burst of events editors emit on a single save.
const reloadDebounce = 300 * time.Millisecond

// Reloader keeps the live configuration and swaps it when the file changes
// on disk or the process receives SIGHUP (Unix only, see reload_unix.go).
// Only settings that running components can adopt in place are pushed to
// OnReload callbacks; the rest take effect on restart.
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    filepath.Clean(path),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers fn to run with the new config after each successful
// reload. Callbacks run in registration order on the reloading goroutine.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching for changes. The containing directory is watched
// rather than the file itself so saves that replace the file by rename
// (editors, mounted ConfigMaps) are still seen. A watcher failure is logged
// and leaves SIGHUP as the only trigger.
func (r *Reloader) Start() {
	r.registerSignalHandler()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create config watcher", "error", err)
		return
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		r.logger.Error("failed to watch config directory", "dir", dir, "error", err)
		watcher.Close()
		return
	}
	r.watcher = watcher

	r.logger.Info("config watcher started", "path", r.path)
	go r.watchLoop()
}

// Stop terminates the watcher and signal handler. Safe to call twice.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload reads and validates the file. A valid config replaces the current
// one and is handed to every callback; an invalid one is logged and dropped.
// It reports whether the swap happened.
func (r *Reloader) Reload() bool {
	newCfg, err := Load(r.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		r.logger.Error("config reload rejected, keeping current config",
			"path", r.path,
			"error", err,
		)
		return false
	}
	for _, w := range newCfg.Warnings {
		r.logger.Warn("config warning", "message", w)
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)
	for _, cb := range callbacks {
		cb(newCfg)
	}

	metrics.ConfigReloads.WithLabelValues("applied").Inc()
	r.logger.Info("configuration reloaded", "path", r.path)
	return true
}

func (r *Reloader) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() { r.Reload() })
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("config watcher error", "error", err)
		case <-r.stopCh:
			return
		}
	}
}

// logChanges reports the hot-reloadable settings that moved, and warns when
// restart-only settings were edited.
func (r *Reloader) logChanges(old, new *Config) {
	if old.RateLimit.MaxPerWindow != new.RateLimit.MaxPerWindow {
		r.logger.Info("upstream budget changed",
			"old_max_per_window", old.RateLimit.MaxPerWindow,
			"new_max_per_window", new.RateLimit.MaxPerWindow,
		)
	}
	if old.ClientRateLimit != new.ClientRateLimit {
		r.logger.Info("client rate limit changed",
			"enabled", new.ClientRateLimit.Enabled,
			"old_rps", old.ClientRateLimit.RequestsPerSecond,
			"new_rps", new.ClientRateLimit.RequestsPerSecond,
			"old_burst", old.ClientRateLimit.BurstSize,
			"new_burst", new.ClientRateLimit.BurstSize,
		)
	}
	if old.CircuitBreaker != new.CircuitBreaker {
		r.logger.Info("circuit breaker config changed",
			"failure_threshold", new.CircuitBreaker.FailureThreshold,
			"reset_timeout_ms", new.CircuitBreaker.ResetTimeoutMs,
			"half_open_max_attempts", new.CircuitBreaker.HalfOpenMaxAttempts,
		)
	}
	if old.Batch != new.Batch || old.Cache != new.Cache || old.Retry != new.Retry || old.Redis != new.Redis {
		r.logger.Warn("batch, cache, retry and redis settings take effect on restart")
	}
}
