// Package price serves current quotes through the request coalescer and
// keeps a per-coin history of freshly fetched values.
package price

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/batcher"
	"github.com/dskow/price-gateway/internal/cache"
	"github.com/dskow/price-gateway/internal/upstream"
)

// Source is the upstream price source.
type Source interface {
	Fetch(ctx context.Context, ids, units []string) (upstream.Prices, error)
	CoinsList(ctx context.Context) ([]upstream.Coin, error)
}

// Quote is the answer to a price request.
type Quote struct {
	Record
	FromCache bool `json:"from_cache"`
}

// HistoryKey is the cache key of one history listing.
func HistoryKey(coinID, currency string, limit int) string {
	return fmt.Sprintf("history:%s:%s:%d", coinID, currency, limit)
}

// HistoryPattern matches every cached history listing of a coin and currency.
func HistoryPattern(coinID, currency string) string {
	return "history:" + coinID + ":" + currency + ":*"
}

// loadTimeout bounds a shared history read or symbol refresh.
const loadTimeout = 30 * time.Second

// Service answers price and history requests.
type Service struct {
	batcher    *batcher.Batcher
	source     Source
	repo       Repository
	aside      *cache.Aside
	historyTTL time.Duration
	logger     *slog.Logger

	symbols atomic.Pointer[map[string]string]
	// loads collapses concurrent history reads and symbol refreshes.
	loads singleflight.Group
}

// NewService creates a Service. historyTTL applies to cached history listings.
func NewService(b *batcher.Batcher, source Source, repo Repository, aside *cache.Aside, historyTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		batcher:    b,
		source:     source,
		repo:       repo,
		aside:      aside,
		historyTTL: historyTTL,
		logger:     logger,
	}
}

func (s *Service) fetch(ctx context.Context, key batcher.Key) (upstream.Prices, error) {
	return s.source.Fetch(ctx, []string{key.Resource}, []string{key.Unit})
}

// GetPrice returns the current price of coinID in currency. Fresh values are
// recorded in the history and invalidate its cached listings; cached values
// are returned as they are.
func (s *Service) GetPrice(ctx context.Context, coinID, currency string) (Quote, error) {
	res, err := s.batcher.Get(ctx, batcher.Key{Resource: coinID, Unit: currency}, s.fetch)
	if err != nil {
		return Quote{}, err
	}

	value, ok := res.Value.Lookup(coinID, currency)
	if !ok {
		return Quote{}, &apierror.NotFoundError{Resource: coinID, Unit: currency}
	}

	rec := Record{
		CoinID:   coinID,
		Symbol:   s.symbolFor(coinID),
		Price:    value,
		Currency: currency,
	}
	if res.FromCache {
		s.logger.Debug("price served from cache, skipping history write",
			"coin", coinID,
			"currency", currency,
			"price", value,
		)
		return Quote{Record: rec, FromCache: true}, nil
	}

	saved, err := s.repo.Save(ctx, rec)
	if err != nil {
		// The quote is still good; only the history misses a point.
		s.logger.Error("saving price record",
			"coin", coinID,
			"currency", currency,
			"error", err,
		)
		rec.FetchedAt = time.Now().UTC()
		return Quote{Record: rec}, nil
	}

	s.aside.Invalidate(ctx, HistoryPattern(coinID, currency))
	s.logger.Info("price saved",
		"coin", coinID,
		"currency", currency,
		"price", value,
		"id", saved.ID,
	)
	return Quote{Record: saved}, nil
}

// GetHistory returns at most limit records for coinID in currency, newest
// first. Non-empty listings are cached until the next fresh price.
func (s *Service) GetHistory(ctx context.Context, coinID, currency string, limit int) ([]Record, error) {
	key := HistoryKey(coinID, currency, limit)

	var cached []Record
	if s.aside.Lookup(ctx, key, &cached) {
		s.logger.Debug("history cache hit", "key", key)
		return cached, nil
	}

	v, shared, err := s.load(ctx, key, func(ctx context.Context) (any, error) {
		records, err := s.repo.FindHistory(ctx, coinID, currency, limit)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			s.aside.Store(ctx, key, records, s.historyTTL)
		}
		return records, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if shared {
		s.logger.Debug("history read shared", "key", key)
	}
	return v.([]Record), nil
}

// RefreshSymbols loads the coin list used to fill in ticker symbols. It
// spends one unit of the upstream budget through limiter; concurrent calls
// share a single load.
func (s *Service) RefreshSymbols(ctx context.Context, limiter batcher.RateLimiter) error {
	_, _, err := s.load(ctx, "symbols", func(ctx context.Context) (any, error) {
		if err := limiter.CheckAndIncrement(ctx); err != nil {
			return nil, err
		}
		coins, err := s.source.CoinsList(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading coin list: %w", err)
		}

		m := make(map[string]string, len(coins))
		for _, c := range coins {
			m[c.ID] = c.Symbol
		}
		s.symbols.Store(&m)
		s.logger.Info("coin symbols loaded", "count", len(m))
		return nil, nil
	})
	return err
}

// load runs fn once per key across concurrent callers. fn gets a context
// detached from any single caller, so one caller giving up does not fail the
// others; each caller still returns as soon as its own ctx ends.
func (s *Service) load(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, bool, error) {
	ch := s.loads.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return fn(loadCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *Service) symbolFor(coinID string) string {
	m := s.symbols.Load()
	if m == nil {
		return ""
	}
	return (*m)[coinID]
}
