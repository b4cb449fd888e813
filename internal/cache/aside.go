package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/metrics"
)

// AsideOptions configures an Aside.
type AsideOptions struct {
	// OpTimeout bounds every single store operation. Zero means no bound
	// beyond the caller's context.
	OpTimeout time.Duration
	// InvalidateRetries is how many extra attempts Invalidate makes.
	InvalidateRetries int
	// InvalidateDelay is the pause between invalidation attempts.
	InvalidateDelay time.Duration
}

// Aside is the cache-aside layer over a Store. No method returns a store
// failure: reads degrade to a miss, writes and invalidations are logged and
// counted, and correctness rests on TTL expiry.
type Aside struct {
	store  Store
	opts   AsideOptions
	logger *slog.Logger
}

// NewAside wraps store.
func NewAside(store Store, opts AsideOptions, logger *slog.Logger) *Aside {
	if opts.InvalidateRetries < 0 {
		opts.InvalidateRetries = 0
	}
	return &Aside{store: store, opts: opts, logger: logger}
}

// Backend returns the wrapped store.
func (a *Aside) Backend() Store { return a.store }

func (a *Aside) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.opts.OpTimeout)
}

// Lookup decodes the JSON value at key into dst and reports whether it did.
// An unreachable store or an undecodable value is treated as a miss.
func (a *Aside) Lookup(ctx context.Context, key string, dst any) bool {
	opCtx, cancel := a.opContext(ctx)
	defer cancel()

	raw, ok, err := a.store.Get(opCtx, key)
	if err != nil {
		a.degraded("get", key, err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		a.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return false
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return true
}

// Store writes v as JSON under key with the given TTL.
func (a *Aside) Store(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("encoding cache value", "key", key, "error", err)
		return
	}

	opCtx, cancel := a.opContext(ctx)
	defer cancel()

	if err := a.store.SetWithTTL(opCtx, key, raw, ttl); err != nil {
		a.degraded("set", key, err)
	}
}

// Invalidate deletes every key matching pattern, retrying a bounded number
// of times. A final failure is logged and swallowed.
func (a *Aside) Invalidate(ctx context.Context, pattern string) {
	var b backoff.BackOff = backoff.NewConstantBackOff(a.opts.InvalidateDelay)
	b = backoff.WithMaxRetries(b, uint64(a.opts.InvalidateRetries))
	bctx := backoff.WithContext(b, ctx)

	deleted := 0
	op := func() error {
		opCtx, cancel := a.opContext(ctx)
		defer cancel()

		keys, err := a.store.Scan(opCtx, pattern)
		if err != nil {
			return err
		}
		if err := a.store.DeleteAll(opCtx, keys...); err != nil {
			return err
		}
		deleted = len(keys)
		return nil
	}
	notify := func(err error, next time.Duration) {
		a.logger.Warn("cache invalidation failed, retrying",
			"pattern", pattern,
			"retry_in_ms", next.Milliseconds(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, bctx, notify); err != nil {
		a.degraded("invalidate", pattern, err)
		return
	}
	if deleted > 0 {
		a.logger.Debug("cache invalidated", "pattern", pattern, "keys", deleted)
	}
}

func (a *Aside) degraded(op, key string, err error) {
	metrics.CacheErrors.WithLabelValues(op).Inc()
	a.logger.Warn("cache unavailable, degrading",
		"error", &apierror.CacheUnavailableError{Op: op, Key: key, Err: err},
	)
}
