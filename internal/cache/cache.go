package cache

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// TTLs are fixed by design, not environment-bound.
const (
	// SuccessTTL covers rewritten and sanitized pages.
	SuccessTTL = 3600 * time.Second

	// PlaceholderTTL covers blocked and upgrade-required placeholders.
	PlaceholderTTL = 600 * time.Second
)

// compressedSentinel prefixes values stored in compressed form. Callers
// never see it; the read path strips it transparently.
const compressedSentinel = "__COMPRESSED__:"

// DefaultCompressThreshold is the serialized size above which values are
// compressed before storage.
const DefaultCompressThreshold = 5000

// Cache is the key-addressed TTL store the pipeline writes results to.
// Implementations must be safe for concurrent use. All failures surface as
// errors; the pipeline treats them as best-effort.
type Cache interface {
	// Get returns the value for key, or types.ErrCacheMiss-wrapped error
	// when absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically increments the integer at key and returns the result.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire resets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Close releases the underlying client.
	Close() error
}

// HTMLKey derives the cache key for a URL and unlock flag.
func HTMLKey(url string, unlock bool) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%t", url, unlock)))
	return "html:" + hex.EncodeToString(sum[:])
}

// encodeValue compresses values above threshold and prefixes the sentinel.
func encodeValue(value string, threshold int) (string, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	if len(value) <= threshold {
		return value, nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write([]byte(value)); err != nil {
		return "", fmt.Errorf("deflate value: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("flush deflate: %w", err)
	}
	return compressedSentinel + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decodeValue reverses encodeValue, auto-detecting the sentinel.
func decodeValue(stored string) (string, error) {
	if !strings.HasPrefix(stored, compressedSentinel) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, compressedSentinel))
	if err != nil {
		return "", fmt.Errorf("decode compressed value: %w", err)
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("inflate value: %w", err)
	}
	return string(plain), nil
}
