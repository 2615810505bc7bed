package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"unveil/internal/types"
)

// MemoryCache is an in-process Cache used by tests and cache-less runs.
// It applies the same compression encoding as the Redis adapter so the
// sentinel path is exercised either way.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	threshold int
	now       func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(threshold int) *MemoryCache {
	return &MemoryCache{
		entries:   make(map[string]memoryEntry),
		threshold: threshold,
		now:       time.Now,
	}
}

func (c *MemoryCache) get(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	e, ok := c.get(key)
	c.mu.Unlock()
	if !ok {
		return "", &types.CacheError{Op: "get", Key: key, Err: types.ErrCacheMiss}
	}
	value, err := decodeValue(e.value)
	if err != nil {
		return "", &types.CacheError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	encoded, err := encodeValue(value, c.threshold)
	if err != nil {
		return &types.CacheError{Op: "set", Key: key, Err: err}
	}
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: encoded, expiresAt: expires}
	c.mu.Unlock()
	return nil
}

// Incr implements Cache.
func (c *MemoryCache) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, _ := c.get(key)
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil && e.value != "" {
		return 0, &types.CacheError{Op: "incr", Key: key, Err: err}
	}
	n++
	c.entries[key] = memoryEntry{value: strconv.FormatInt(n, 10), expiresAt: e.expiresAt}
	return n, nil
}

// Expire implements Cache.
func (c *MemoryCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.get(key)
	if !ok {
		return &types.CacheError{Op: "expire", Key: key, Err: types.ErrCacheMiss}
	}
	e.expiresAt = c.now().Add(ttl)
	c.entries[key] = e
	return nil
}

// Close implements Cache.
func (c *MemoryCache) Close() error { return nil }

// TTL reports the remaining lifetime of a key. Test helper.
func (c *MemoryCache) TTL(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.get(key)
	if !ok {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return e.expiresAt.Sub(c.now()), true
}

// StoredRaw returns the encoded value as stored, sentinel included. Test helper.
func (c *MemoryCache) StoredRaw(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.get(key)
	return e.value, ok
}
