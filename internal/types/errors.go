package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrInvalidURL    = errors.New("invalid URL")
	ErrSSRFRefused   = errors.New("refused private or reserved address")
	ErrTimeout       = errors.New("request timed out")
	ErrMaxRetries    = errors.New("max retries exceeded")
	ErrEmptyResponse = errors.New("empty response body")
	ErrCacheMiss     = errors.New("cache miss")
)

// FetchError wraps errors that occur during fetching.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
	Retryable  bool
	RetryAfter time.Duration // populated from Retry-After header on HTTP 429
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch error for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch error for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetryable() bool { return e.Retryable }

// RewriteError wraps errors that occur during DOM rewriting.
type RewriteError struct {
	URL    string
	Parser string
	Err    error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite error for %s (parser=%s): %v", e.URL, e.Parser, e.Err)
}

func (e *RewriteError) Unwrap() error { return e.Err }

// CacheError wraps errors from the cache adapter. The pipeline treats the
// cache as best-effort, so these are logged and swallowed at the call site.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache error (%s %s): %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
