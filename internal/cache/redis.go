package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raulstechtips/stock-etl/internal/config"
)

const pingTimeout = 2 * time.Second

// RedisBackend implements Store and Scanner over Redis. SCAN keeps
// invalidation non-blocking in production, unlike KEYS.
type RedisBackend struct {
	client *redis.Client
}

// Compile-time interface assertions.
var (
	_ Store   = (*RedisBackend)(nil)
	_ Scanner = (*RedisBackend)(nil)
)

// NewRedisBackend creates a Redis cache backend from a DSN
// (e.g. redis://localhost:6379/0). Returns an error if the DSN cannot be
// parsed.
func NewRedisBackend(dsn string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid cache DSN: %w", err)
	}

	return &RedisBackend{client: redis.NewClient(opt)}, nil
}

// LoadDSN returns the cache backend DSN from the environment.
func LoadDSN() string {
	return config.GetEnvStr("CACHE_DSN", "redis://localhost:6379/0")
}

// Ping verifies connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return b.client.Ping(ctx).Err()
}

// Get returns the cached value and whether it was present.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	return value, true
}

// Set stores a value with a TTL.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// ScanKeys returns all keys matching the pattern using SCAN.
func (b *RedisBackend) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string

	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning cache keys: %w", err)
	}

	return keys, nil
}

// Delete removes keys and returns how many were deleted.
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := b.client.Del(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("deleting cache keys: %w", err)
	}

	return int(deleted), nil
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
