// Package cache holds the key-value store port used for cache-aside reads,
// write-through after upstream fetches, and shared rate-limit counters.
package cache

import (
	"context"
	"time"
)

// Store is the key-value port the gateway consumes. Implementations must
// make Increment atomic across every process sharing the store.
type Store interface {
	// Get returns the raw value for key. ok is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Increment(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Scan returns every key matching a glob-style pattern such as
	// "history:bitcoin:usd:*".
	Scan(ctx context.Context, pattern string) ([]string, error)
	DeleteAll(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}
