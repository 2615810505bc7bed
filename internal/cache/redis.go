package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"unveil/internal/types"
)

// RedisCache implements Cache over github.com/redis/go-redis/v9. Values
// above the compression threshold are deflated transparently.
type RedisCache struct {
	client    *redis.Client
	threshold int
	logger    *slog.Logger
}

// NewRedisCache connects to addr (e.g. "127.0.0.1:6379").
func NewRedisCache(addr string, db int, threshold int, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		client:    redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		threshold: threshold,
		logger:    logger.With("component", "redis_cache"),
	}
}

// Ping verifies connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	stored, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &types.CacheError{Op: "get", Key: key, Err: types.ErrCacheMiss}
		}
		return "", &types.CacheError{Op: "get", Key: key, Err: err}
	}
	value, err := decodeValue(stored)
	if err != nil {
		return "", &types.CacheError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	encoded, err := encodeValue(value, c.threshold)
	if err != nil {
		return &types.CacheError{Op: "set", Key: key, Err: err}
	}
	if err := c.client.Set(ctx, key, encoded, ttl).Err(); err != nil {
		return &types.CacheError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Incr implements Cache.
func (c *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, &types.CacheError{Op: "incr", Key: key, Err: err}
	}
	return n, nil
}

// Expire implements Cache.
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return &types.CacheError{Op: "expire", Key: key, Err: err}
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
