package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is not present in the cache.
var ErrCacheMiss = errors.New("cache miss")

// Store is the key-value shadow consumed by the coordination components.
// Every method is best-effort: callers fall back to local state on error
// and never let a Store failure block an admission decision.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Sorted-set operations used to mirror rate-limit windows.
	WindowAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error
	WindowTrim(ctx context.Context, key string, maxScore float64) error
	WindowSize(ctx context.Context, key string) (int64, error)

	PoolStats() PoolStats
	Ping(ctx context.Context) error
	Close() error
}

// PoolStats reports connection pool usage for observability.
type PoolStats struct {
	TotalConns int
	IdleConns  int
}
