package resilience

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"unveil/internal/types"
)

// fastPolicy keeps backoff negligible so tests run quickly.
func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Microsecond,
		MaxDelay:    time.Millisecond,
	}
}

func TestBackoffDoubles(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffCappedAtMaxDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	if got := p.Backoff(10); got != 3*time.Second {
		t.Errorf("backoff(10) = %s, want cap %s", got, 3*time.Second)
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, Jitter: 50 * time.Millisecond}
	for i := 0; i < 100; i++ {
		got := p.Backoff(1)
		if got < 100*time.Millisecond || got >= 150*time.Millisecond {
			t.Fatalf("jittered backoff %s outside [100ms,150ms)", got)
		}
	}
}

func TestCallWithRetriesSucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	resp, attempts, err := CallWithRetries(context.Background(),
		func(ctx context.Context) (*types.Response, error) {
			calls++
			if calls < 3 {
				return nil, &types.FetchError{Err: errors.New("transient"), Retryable: true}
			}
			return &types.Response{StatusCode: 200}, nil
		},
		IsRetryable, nil, fastPolicy(5))

	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d calls = %d, want 3", attempts, calls)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCallWithRetriesRespectsBudget(t *testing.T) {
	calls := 0
	_, attempts, err := CallWithRetries(context.Background(),
		func(ctx context.Context) (*types.Response, error) {
			calls++
			return nil, &types.FetchError{Err: errors.New("always"), Retryable: true}
		},
		IsRetryable, nil, fastPolicy(3))

	if calls != 3 {
		t.Errorf("calls = %d, want exactly 3", calls)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if !errors.Is(err, types.ErrMaxRetries) {
		t.Errorf("err = %v, want ErrMaxRetries", err)
	}
}

func TestCallWithRetriesStopsOnFatalError(t *testing.T) {
	calls := 0
	_, attempts, err := CallWithRetries(context.Background(),
		func(ctx context.Context) (*types.Response, error) {
			calls++
			return nil, &types.FetchError{Err: errors.New("fatal"), Retryable: false}
		},
		IsRetryable, nil, fastPolicy(5))

	if calls != 1 || attempts != 1 {
		t.Errorf("fatal error retried: calls=%d attempts=%d", calls, attempts)
	}
	if err == nil {
		t.Error("expected error")
	}
}

func TestCallWithRetriesRetryOnStatus(t *testing.T) {
	calls := 0
	resp, attempts, err := CallWithRetries(context.Background(),
		func(ctx context.Context) (*types.Response, error) {
			calls++
			if calls < 2 {
				return &types.Response{StatusCode: 503}, nil
			}
			return &types.Response{StatusCode: 200}, nil
		},
		IsRetryable, map[int]bool{503: true}, fastPolicy(3))

	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if attempts != 2 || resp.StatusCode != 200 {
		t.Errorf("attempts=%d status=%d", attempts, resp.StatusCode)
	}
}

func TestCallWithRetriesStatusExhaustionReturnsLastResponse(t *testing.T) {
	resp, attempts, err := CallWithRetries(context.Background(),
		func(ctx context.Context) (*types.Response, error) {
			return &types.Response{StatusCode: 503}, nil
		},
		IsRetryable, map[int]bool{503: true}, fastPolicy(2))

	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if resp == nil || resp.StatusCode != 503 {
		t.Fatalf("want final 503 response back, got %+v", resp)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestCallWithRetriesContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := CallWithRetries(ctx,
		func(ctx context.Context) (*types.Response, error) {
			return nil, &types.FetchError{Err: errors.New("x"), Retryable: true}
		},
		IsRetryable, nil, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCallBlockingWithTimeout(t *testing.T) {
	err := CallBlockingWithTimeout(context.Background(), func() error {
		return nil
	}, time.Second)
	if err != nil {
		t.Errorf("fast fn: %v", err)
	}

	err = CallBlockingWithTimeout(context.Background(), func() error {
		time.Sleep(5 * time.Second)
		return nil
	}, 20*time.Millisecond)
	if !errors.Is(err, types.ErrTimeout) {
		t.Errorf("slow fn err = %v, want ErrTimeout", err)
	}
}

func TestSleepCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	if err != context.Canceled {
		t.Errorf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not return promptly on cancel")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"retryable fetch error", &types.FetchError{Err: errors.New("x"), Retryable: true}, true},
		{"fatal fetch error", &types.FetchError{Err: errors.New("x"), Retryable: false}, false},
		{"unexpected EOF", io.ErrUnexpectedEOF, true},
		{"eof", io.EOF, true},
		{"plain error", errors.New("whatever"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}
