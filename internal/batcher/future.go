package batcher

import (
	"context"
	"sync"

	"github.com/dskow/price-gateway/internal/upstream"
)

// Result is what a Future resolves to.
type Result struct {
	Value     upstream.Prices `json:"value"`
	FromCache bool            `json:"from_cache"`
}

// Future is one caller's stake in a batch. It is resolved exactly once.
type Future struct {
	done chan struct{}
	once sync.Once
	res  Result
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve settles the future. Later calls are ignored.
func (f *Future) resolve(res Result, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends. Giving up on ctx does
// not withdraw the caller from its batch; the batch still flushes.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	default:
	}

	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
