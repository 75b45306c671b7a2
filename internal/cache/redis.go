package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_cache_misses_total",
		Help: "Total number of cache misses",
	})

	cacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_cache_errors_total",
		Help: "Total number of cache errors",
	})
)

// RedisCache implements the Store interface over Redis
type RedisCache struct {
	client *redis.Client
	prefix string
}

// Config holds Redis cache configuration
type Config struct {
	Address      string
	Password     string
	DB           int
	Prefix       string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(cfg Config) (*RedisCache, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: cfg.Prefix,
	}, nil
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		cacheMisses.Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		cacheErrors.Inc()
		return nil, fmt.Errorf("cache get error: %w", err)
	}

	cacheHits.Inc()
	return val, nil
}

// Set stores a value in cache with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		cacheErrors.Inc()
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

// SetNX sets a value only if the key doesn't exist
func (c *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, value, ttl).Result()
	if err != nil {
		cacheErrors.Inc()
		return false, fmt.Errorf("cache setnx error: %w", err)
	}
	return ok, nil
}

// Delete removes a value from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		cacheErrors.Inc()
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

// Exists checks if a key exists in cache
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		cacheErrors.Inc()
		return false, fmt.Errorf("cache exists error: %w", err)
	}
	return count > 0, nil
}

// GetJSON retrieves and unmarshals JSON from cache
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

// SetJSON marshals and stores JSON in cache
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	return c.Set(ctx, key, data, ttl)
}

// Keys returns all keys matching a pattern (prefix stripped)
func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	iter := c.client.Scan(ctx, 0, c.prefix+pattern, 0).Iterator()

	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(c.prefix):])
	}
	if err := iter.Err(); err != nil {
		cacheErrors.Inc()
		return nil, fmt.Errorf("cache scan error: %w", err)
	}
	return keys, nil
}

// WindowAdd appends a scored member to a window set, trims nothing, and
// refreshes the key TTL in a single pipeline round trip.
func (c *RedisCache) WindowAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	fullKey := c.prefix + key

	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, fullKey, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, fullKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		cacheErrors.Inc()
		return fmt.Errorf("cache window add error: %w", err)
	}
	return nil
}

// WindowTrim removes window members with score at or below maxScore
func (c *RedisCache) WindowTrim(ctx context.Context, key string, maxScore float64) error {
	max := strconv.FormatFloat(maxScore, 'f', -1, 64)
	if err := c.client.ZRemRangeByScore(ctx, c.prefix+key, "-inf", max).Err(); err != nil {
		cacheErrors.Inc()
		return fmt.Errorf("cache window trim error: %w", err)
	}
	return nil
}

// WindowSize returns the number of members in a window set
func (c *RedisCache) WindowSize(ctx context.Context, key string) (int64, error) {
	count, err := c.client.ZCard(ctx, c.prefix+key).Result()
	if err != nil {
		cacheErrors.Inc()
		return 0, fmt.Errorf("cache window size error: %w", err)
	}
	return count, nil
}

// PoolStats reports connection pool usage
func (c *RedisCache) PoolStats() PoolStats {
	stats := c.client.PoolStats()
	return PoolStats{
		TotalConns: int(stats.TotalConns),
		IdleConns:  int(stats.IdleConns),
	}
}

// Ping checks cache connection
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping error: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
