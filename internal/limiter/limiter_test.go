package limiter

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"unveil/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestAcquireRelease(t *testing.T) {
	l := New(2, testLogger)

	if _, err := l.Acquire(context.Background(), types.PriorityStandard); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := l.Acquire(context.Background(), types.PriorityStandard); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if got := l.InFlight(); got != 2 {
		t.Errorf("in-flight = %d, want 2", got)
	}

	l.Release()
	l.Release()
	if got := l.InFlight(); got != 0 {
		t.Errorf("in-flight after release = %d, want 0", got)
	}
}

func TestPriorityOrdering(t *testing.T) {
	l := New(1, testLogger)

	// Occupy the only slot.
	if _, err := l.Acquire(context.Background(), types.PriorityStandard); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Enqueue waiters one at a time so queue membership is deterministic.
	depth := 0
	for _, p := range []int{types.PriorityGuest, types.PriorityPremium, types.PriorityStandard} {
		wg.Add(1)
		p := p
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), p); err != nil {
				t.Errorf("acquire priority %d: %v", p, err)
				return
			}
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			l.Release()
		}()
		depth++
		waitForQueueDepth(t, l, depth)
	}

	l.Release()
	wg.Wait()

	want := []int{types.PriorityPremium, types.PriorityStandard, types.PriorityGuest}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("wake order = %v, want %v", order, want)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	l := New(1, testLogger)
	if _, err := l.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), types.PriorityStandard); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release()
		}()
		waitForQueueDepth(t, l, i+1)
	}

	l.Release()
	wg.Wait()

	for i := 0; i < 4; i++ {
		if order[i] != i {
			t.Fatalf("same-priority wake order = %v, want FIFO", order)
		}
	}
}

func TestCancelledWaiterDoesNotLeakSlot(t *testing.T) {
	l := New(1, testLogger)
	if _, err := l.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, 0)
		errCh <- err
	}()
	waitForQueueDepth(t, l, 1)
	cancel()

	if err := <-errCh; err != context.Canceled {
		t.Fatalf("cancelled acquire error = %v, want context.Canceled", err)
	}

	// The slot must still be usable after the cancelled waiter.
	l.Release()
	done := make(chan struct{})
	go func() {
		if _, err := l.Acquire(context.Background(), 0); err != nil {
			t.Errorf("acquire after cancel: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slot leaked: acquire after cancelled waiter never completed")
	}
}

func TestSetMaxConcurrencyGrowWakesWaiters(t *testing.T) {
	l := New(1, testLogger)
	if _, err := l.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if _, err := l.Acquire(context.Background(), 0); err != nil {
			t.Errorf("acquire: %v", err)
		}
		close(done)
	}()
	waitForQueueDepth(t, l, 1)

	l.SetMaxConcurrency(2)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("growing concurrency did not wake the waiter")
	}
}

func TestSetMaxConcurrencyShrinkDrains(t *testing.T) {
	l := New(2, testLogger)
	l.Acquire(context.Background(), 0)
	l.Acquire(context.Background(), 0)

	l.SetMaxConcurrency(1)

	done := make(chan struct{})
	go func() {
		if _, err := l.Acquire(context.Background(), 0); err != nil {
			t.Errorf("acquire: %v", err)
		}
		close(done)
	}()
	waitForQueueDepth(t, l, 1)

	// First release only brings in-flight down to the new cap.
	l.Release()
	select {
	case <-done:
		t.Fatal("waiter admitted while still over the shrunk cap")
	case <-time.After(100 * time.Millisecond):
	}

	l.Release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never admitted after drain")
	}
}

func TestLimitReleaseIsIdempotent(t *testing.T) {
	l := New(1, testLogger)
	release, _, err := l.Limit(context.Background(), 0)
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	release()
	release() // second call must be a no-op
	if got := l.InFlight(); got != 0 {
		t.Errorf("in-flight = %d, want 0", got)
	}
}

func waitForQueueDepth(t *testing.T, l *PriorityLimiter, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.QueueDepth() >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d", depth)
}
