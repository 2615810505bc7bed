// Package resilience provides the retry machinery shared by the transports
// and the pipeline: exponential backoff with jitter, retry predicates over
// errors and status codes, and a helper to bound a blocking call.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	"unveil/internal/types"
)

// RetryPolicy bounds the attempt loop. The ceiling actually applied at
// runtime is the minimum of MaxAttempts and the autotuner's floor.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultPolicy mirrors the transports' defaults.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      300 * time.Millisecond,
	}
}

// Backoff returns the sleep before the given attempt (1-based):
// min(MaxDelay, BaseDelay * 2^(attempt-1)) plus uniform jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// CallWithRetries invokes call until it succeeds, the status predicate
// passes, or attempts run out. The last error (or a FetchError for the
// final rejected status) is surfaced on exhaustion.
func CallWithRetries(
	ctx context.Context,
	call func(ctx context.Context) (*types.Response, error),
	retryOnError func(error) bool,
	retryOnStatus map[int]bool,
	policy RetryPolicy,
) (*types.Response, int, error) {
	var lastErr error
	var lastResp *types.Response

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := call(ctx)
		if err == nil {
			if resp != nil && retryOnStatus[resp.StatusCode] && attempt < attempts {
				lastResp = resp
				lastErr = &types.FetchError{
					URL:        resp.FinalURL,
					StatusCode: resp.StatusCode,
					Err:        fmt.Errorf("retryable status %d", resp.StatusCode),
					Retryable:  true,
				}
			} else {
				return resp, attempt, nil
			}
		} else {
			lastErr = err
			if retryOnError != nil && !retryOnError(err) {
				return nil, attempt, err
			}
		}

		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, policy.Backoff(attempt)); err != nil {
			return nil, attempt, err
		}
	}

	if lastResp != nil && lastErr != nil {
		// Status-based retries exhausted; hand back the final response.
		return lastResp, attempts, nil
	}
	return nil, attempts, fmt.Errorf("%w after %d attempts: %w", types.ErrMaxRetries, attempts, lastErr)
}

// CallBlockingWithTimeout runs fn on its own goroutine and fails with
// types.ErrTimeout when it outlives the deadline. The goroutine is left to
// finish on its own; fn must not hold locks the caller needs.
func CallBlockingWithTimeout(ctx context.Context, fn func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", types.ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sleep waits for d or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable checks if a network error warrants a retry. Covers timeouts,
// connection resets, unexpected EOF, and connection refused; context
// cancellation is not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fetchErr *types.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}
