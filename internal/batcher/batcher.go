// Package batcher coalesces concurrent price requests for the same key into
// a single upstream call. A flush runs the upstream budget check, the circuit
// breaker and the retry loop in that order, writes the result through to the
// cache, and fans the outcome out to every waiter.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/cache"
	"github.com/dskow/price-gateway/internal/metrics"
	"github.com/dskow/price-gateway/internal/retry"
	"github.com/dskow/price-gateway/internal/upstream"
)

// ErrClosed is returned for requests made after Close.
var ErrClosed = fmt.Errorf("batcher: %w", apierror.ErrShuttingDown)

// Flush triggers, used as metric labels.
const (
	triggerTimer     = "timer"
	triggerThreshold = "threshold"
	triggerDrain     = "drain"
)

// Key identifies a coalescing unit: one resource priced in one unit.
type Key struct {
	Resource string
	Unit     string
}

func (k Key) String() string {
	return k.Resource + ":" + k.Unit
}

// CacheKey is the primary cache key for the price of k.
func (k Key) CacheKey() string {
	return "price:" + k.Resource + ":" + k.Unit
}

// Fetcher performs one upstream attempt for key.
type Fetcher func(ctx context.Context, key Key) (upstream.Prices, error)

// RateLimiter consumes one unit of upstream budget or fails.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context) error
}

// Breaker runs op under circuit breaker protection.
type Breaker interface {
	Execute(ctx context.Context, op func(context.Context) error) error
}

// Config holds coalescing parameters.
type Config struct {
	// Window is how long a batch collects waiters before flushing.
	Window time.Duration
	// Threshold flushes a batch early once it holds this many waiters.
	// Values below 2 flush every request on arrival.
	Threshold int
	// FlushTimeout bounds one whole flush, retries included.
	FlushTimeout time.Duration
	// CacheTTL is applied when writing fresh values.
	CacheTTL time.Duration
	// Retry drives the retry loop inside the breaker.
	Retry retry.Policy
}

type batch struct {
	key       Key
	waiters   []*Future
	createdAt time.Time
	timer     *time.Timer
	fetch     Fetcher
}

// PendingBatch describes a batch that has not flushed yet.
type PendingBatch struct {
	Key     string `json:"key"`
	Waiters int    `json:"waiters"`
	AgeMs   int64  `json:"age_ms"`
}

// Batcher is the request coalescer. At most one batch per key is active at
// any time, and a batch is removed from the active set before its flush
// starts, so requests arriving mid-flush form a new batch.
type Batcher struct {
	cfg     Config
	aside   *cache.Aside
	limiter RateLimiter
	breaker Breaker
	logger  *slog.Logger

	mu     sync.Mutex
	active map[Key]*batch
	closed bool

	submits sync.WaitGroup
	flushes sync.WaitGroup
}

// New creates a Batcher.
func New(cfg Config, aside *cache.Aside, limiter RateLimiter, breaker Breaker, logger *slog.Logger) *Batcher {
	return &Batcher{
		cfg:     cfg,
		aside:   aside,
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
		active:  make(map[Key]*batch),
	}
}

// RequestValue returns immediately with a Future for the value of key. The
// cache is consulted first; a hit resolves the future without touching any
// batch. On a miss the caller joins the active batch for key, creating it
// with fetch if there is none.
func (b *Batcher) RequestValue(ctx context.Context, key Key, fetch Fetcher) *Future {
	f := newFuture()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		f.resolve(Result{}, ErrClosed)
		return f
	}
	b.submits.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.submits.Done()
		b.submit(ctx, key, fetch, f)
	}()
	return f
}

// Get is RequestValue followed by Wait.
func (b *Batcher) Get(ctx context.Context, key Key, fetch Fetcher) (Result, error) {
	return b.RequestValue(ctx, key, fetch).Wait(ctx)
}

func (b *Batcher) submit(ctx context.Context, key Key, fetch Fetcher, f *Future) {
	var cached upstream.Prices
	if b.aside.Lookup(ctx, key.CacheKey(), &cached) {
		b.logger.Debug("cache hit", "key", key.String())
		f.resolve(Result{Value: cached, FromCache: true}, nil)
		return
	}

	if err := ctx.Err(); err != nil {
		f.resolve(Result{}, err)
		return
	}

	// The flush gets its own goroutine so submits covers only the lookup
	// and the join; Close must not wait on a fetch before it can drain.
	if bt := b.join(key, fetch, f); bt != nil {
		go b.flush(bt, triggerThreshold)
	}
}

// join adds f to the active batch for key or creates one. It returns a
// batch the caller must flush now, or nil. The whole decision is made under
// one lock so two callers can never both create a batch for the same key.
func (b *Batcher) join(key Key, fetch Fetcher, f *Future) *batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bt, ok := b.active[key]; ok {
		bt.waiters = append(bt.waiters, f)
		b.logger.Debug("request added to batch",
			"key", key.String(),
			"waiters", len(bt.waiters),
			"threshold", b.cfg.Threshold,
		)
		if len(bt.waiters) < b.cfg.Threshold {
			return nil
		}
		b.logger.Info("batch threshold reached, flushing early",
			"key", key.String(),
			"waiters", len(bt.waiters),
		)
		b.detachLocked(bt)
		return bt
	}

	bt := &batch{
		key:       key,
		waiters:   []*Future{f},
		createdAt: time.Now(),
		fetch:     fetch,
	}
	if b.cfg.Threshold <= 1 {
		b.flushes.Add(1)
		return bt
	}

	bt.timer = time.AfterFunc(b.cfg.Window, func() { b.onTimer(bt) })
	b.active[key] = bt
	metrics.ActiveBatches.Inc()
	b.logger.Info("batch created",
		"key", key.String(),
		"window_ms", b.cfg.Window.Milliseconds(),
		"threshold", b.cfg.Threshold,
	)
	return nil
}

// detachLocked removes bt from the active set and stops its timer. The
// caller owns the flush. Must be called with b.mu held.
func (b *Batcher) detachLocked(bt *batch) {
	delete(b.active, bt.key)
	if bt.timer != nil {
		bt.timer.Stop()
	}
	metrics.ActiveBatches.Dec()
	b.flushes.Add(1)
}

func (b *Batcher) onTimer(bt *batch) {
	b.mu.Lock()
	if b.active[bt.key] != bt {
		// Already detached by a threshold flush or a drain.
		b.mu.Unlock()
		return
	}
	b.detachLocked(bt)
	b.mu.Unlock()

	b.flush(bt, triggerTimer)
}

// flush resolves every waiter of a detached batch with the same outcome.
func (b *Batcher) flush(bt *batch, trigger string) {
	defer b.flushes.Done()

	ctx := context.Background()
	if b.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.FlushTimeout)
		defer cancel()
	}

	value, err := b.fetch(ctx, bt)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.BatchesFlushed.WithLabelValues(trigger, outcome).Inc()
	metrics.BatchSize.Observe(float64(len(bt.waiters)))

	res := Result{Value: value}
	for _, w := range bt.waiters {
		w.resolve(res, err)
	}

	elapsed := time.Since(bt.createdAt).Milliseconds()
	if err != nil {
		b.logger.Error("batch failed",
			"key", bt.key.String(),
			"trigger", trigger,
			"waiters", len(bt.waiters),
			"elapsed_ms", elapsed,
			"error", err,
		)
		return
	}
	b.logger.Info("batch flushed",
		"key", bt.key.String(),
		"trigger", trigger,
		"waiters", len(bt.waiters),
		"elapsed_ms", elapsed,
	)
}

// fetch runs rate limiter, breaker and retry loop, then writes through.
func (b *Batcher) fetch(ctx context.Context, bt *batch) (upstream.Prices, error) {
	if err := b.limiter.CheckAndIncrement(ctx); err != nil {
		return nil, err
	}

	policy := b.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		b.logger.Warn("upstream call failed, retrying",
			"key", bt.key.String(),
			"attempt", attempt+1,
			"max_attempts", policy.MaxRetries+1,
			"retry_in_ms", delay.Milliseconds(),
			"error", err,
		)
	}

	var value upstream.Prices
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, policy, func(ctx context.Context) error {
			v, err := bt.fetch(ctx, bt.key)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
	})
	if err != nil {
		return nil, asUpstreamError(err)
	}

	b.aside.Store(ctx, bt.key.CacheKey(), value, b.cfg.CacheTTL)
	return value, nil
}

// asUpstreamError keeps taxonomy errors as they are and wraps anything else
// so callers always see the upstream failure with its cause attached.
func asUpstreamError(err error) error {
	var (
		up *apierror.UpstreamError
		co *apierror.CircuitOpenError
		rl *apierror.RateLimitError
		nf *apierror.NotFoundError
	)
	if errors.As(err, &up) || errors.As(err, &co) || errors.As(err, &rl) || errors.As(err, &nf) {
		return err
	}
	return &apierror.UpstreamError{Err: err}
}

// Pending lists batches waiting for their flush, oldest first.
func (b *Batcher) Pending() []PendingBatch {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	out := make([]PendingBatch, 0, len(b.active))
	for _, bt := range b.active {
		out = append(out, PendingBatch{
			Key:     bt.key.String(),
			Waiters: len(bt.waiters),
			AgeMs:   now.Sub(bt.createdAt).Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgeMs > out[j].AgeMs })
	return out
}

// Close stops accepting requests, flushes every active batch once without
// waiting for its window, and waits for all flushes to finish or ctx to end.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := waitCtx(ctx, &b.submits); err != nil {
		return fmt.Errorf("waiting for in-flight submissions: %w", err)
	}

	b.mu.Lock()
	pending := make([]*batch, 0, len(b.active))
	for _, bt := range b.active {
		b.detachLocked(bt)
		pending = append(pending, bt)
	}
	b.mu.Unlock()

	if len(pending) > 0 {
		b.logger.Info("draining pending batches", "count", len(pending))
	}
	for _, bt := range pending {
		go b.flush(bt, triggerDrain)
	}

	if err := waitCtx(ctx, &b.flushes); err != nil {
		return fmt.Errorf("waiting for flushes: %w", err)
	}
	return nil
}

func waitCtx(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
