package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/cache"
	"github.com/dskow/price-gateway/internal/metrics"
)

// WindowLength is the span of one fixed rate-limit window.
const WindowLength = time.Minute

// Window is a fixed-window counter over a shared Store. Every process that
// shares the store shares the budget.
type Window struct {
	store  cache.Store
	name   string
	max    atomic.Int64
	logger *slog.Logger
	now    func() time.Time
}

// NewWindow creates a limiter allowing max calls per minute to the named
// dependency.
func NewWindow(store cache.Store, name string, max int, logger *slog.Logger) *Window {
	w := &Window{
		store:  store,
		name:   name,
		logger: logger,
		now:    time.Now,
	}
	w.max.Store(int64(max))
	return w
}

// SetMax changes the per-window budget.
func (w *Window) SetMax(max int) {
	w.max.Store(int64(max))
}

// Max returns the per-window budget.
func (w *Window) Max() int {
	return int(w.max.Load())
}

// Key returns the counter key for the window containing t.
func (w *Window) Key(t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s", w.name, t.UTC().Format("200601021504"))
}

// CheckAndIncrement consumes one call from the current window. It returns a
// *apierror.RateLimitError once the window's budget is spent. If the store
// cannot be reached the call is allowed.
func (w *Window) CheckAndIncrement(ctx context.Context) error {
	now := w.now()
	key := w.Key(now)

	count, err := w.store.Increment(ctx, key)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("ratelimit").Inc()
		w.logger.Warn("rate limit counter unavailable, allowing call",
			"limiter", w.name,
			"error", err,
		)
		return nil
	}

	if count == 1 {
		if err := w.store.Expire(ctx, key, WindowLength); err != nil {
			w.logger.Warn("failed to set rate limit window expiry",
				"key", key,
				"error", err,
			)
		}
	}

	limit := w.max.Load()
	if count > limit {
		metrics.RateLimitHits.WithLabelValues(string(apierror.OriginUpstreamQuota)).Inc()
		w.logger.Warn("upstream rate limit reached",
			"limiter", w.name,
			"count", count,
			"max", limit,
		)
		return &apierror.RateLimitError{
			Origin:     apierror.OriginUpstreamQuota,
			Limit:      int(limit),
			RetryAfter: now.Truncate(WindowLength).Add(WindowLength).Sub(now),
		}
	}
	return nil
}
