package price

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

// Record is one persisted price observation.
type Record struct {
	ID        string    `json:"id,omitempty"`
	CoinID    string    `json:"coin_id"`
	Symbol    string    `json:"symbol,omitempty"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	FetchedAt time.Time `json:"fetched_at,omitzero"`
}

// Repository stores price observations, newest first per coin and currency.
type Repository interface {
	// Save assigns ID and FetchedAt and stores rec.
	Save(ctx context.Context, rec Record) (Record, error)
	// FindHistory returns at most limit records, newest first.
	FindHistory(ctx context.Context, coinID, currency string, limit int) ([]Record, error)
}

func recordsKey(coinID, currency string) string {
	return "records:" + coinID + ":" + currency
}

func stamp(rec Record, now time.Time) Record {
	rec.ID = xid.NewWithTime(now).String()
	rec.FetchedAt = now.UTC()
	return rec
}

// RedisRepository keeps a capped list per coin and currency.
type RedisRepository struct {
	rdb        *redis.Client
	maxRecords int64
	now        func() time.Time
}

// NewRedisRepository creates a repository that retains at most maxRecords
// observations per coin and currency.
func NewRedisRepository(rdb *redis.Client, maxRecords int) *RedisRepository {
	return &RedisRepository{rdb: rdb, maxRecords: int64(maxRecords), now: time.Now}
}

func (r *RedisRepository) Save(ctx context.Context, rec Record) (Record, error) {
	rec = stamp(rec, r.now())
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encoding record: %w", err)
	}

	key := recordsKey(rec.CoinID, rec.Currency)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, raw)
		pipe.LTrim(ctx, key, 0, r.maxRecords-1)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("saving record %s: %w", key, err)
	}
	return rec, nil
}

func (r *RedisRepository) FindHistory(ctx context.Context, coinID, currency string, limit int) ([]Record, error) {
	key := recordsKey(coinID, currency)
	raws, err := r.rdb.LRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading history %s: %w", key, err)
	}

	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decoding history %s: %w", key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// MemoryRepository is an in-process Repository for the memory cache driver.
type MemoryRepository struct {
	mu         sync.RWMutex
	lists      map[string][]Record
	maxRecords int
	now        func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository(maxRecords int) *MemoryRepository {
	return &MemoryRepository{
		lists:      make(map[string][]Record),
		maxRecords: maxRecords,
		now:        time.Now,
	}
}

func (m *MemoryRepository) Save(_ context.Context, rec Record) (Record, error) {
	rec = stamp(rec, m.now())
	key := recordsKey(rec.CoinID, rec.Currency)

	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]Record{rec}, m.lists[key]...)
	if len(list) > m.maxRecords {
		list = list[:m.maxRecords]
	}
	m.lists[key] = list
	return rec, nil
}

func (m *MemoryRepository) FindHistory(_ context.Context, coinID, currency string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[recordsKey(coinID, currency)]
	if limit < len(list) {
		list = list[:limit]
	}
	out := make([]Record, len(list))
	copy(out, list)
	return out, nil
}
