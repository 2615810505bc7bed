// Package limiter gates outbound fetches behind a bounded-concurrency
// priority queue. Waiters are woken lowest-priority-value first, FIFO within
// a priority.
package limiter

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// waiter is one queued Acquire call.
type waiter struct {
	priority  int
	seq       uint64
	ready     chan struct{}
	granted   bool
	cancelled bool
	index     int
}

// PriorityLimiter allows at most max concurrent holders. The mutex wraps
// queue mutation only; nothing blocks while holding it.
type PriorityLimiter struct {
	mu       sync.Mutex
	max      int
	inFlight int
	seq      uint64
	waiters  waiterQueue
	logger   *slog.Logger
}

// New creates a limiter with the given initial concurrency.
func New(maxConcurrency int, logger *slog.Logger) *PriorityLimiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	l := &PriorityLimiter{
		max:     maxConcurrency,
		waiters: make(waiterQueue, 0, 64),
		logger:  logger.With("component", "priority_limiter"),
	}
	heap.Init(&l.waiters)
	return l
}

// Acquire blocks until a slot is free, returning the time spent waiting.
// On context cancellation the ticket is discarded and no slot leaks.
func (l *PriorityLimiter) Acquire(ctx context.Context, priority int) (time.Duration, error) {
	l.mu.Lock()
	if l.inFlight < l.max {
		l.inFlight++
		l.mu.Unlock()
		return 0, nil
	}

	w := &waiter{
		priority: priority,
		seq:      l.seq,
		ready:    make(chan struct{}),
	}
	l.seq++
	heap.Push(&l.waiters, w)
	l.mu.Unlock()

	start := time.Now()
	select {
	case <-w.ready:
		return time.Since(start), nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// Wakeup raced with cancellation; hand the slot to the next
			// eligible waiter.
			l.releaseLocked()
			l.mu.Unlock()
			return time.Since(start), ctx.Err()
		}
		w.cancelled = true
		if w.index >= 0 {
			heap.Remove(&l.waiters, w.index)
		}
		l.mu.Unlock()
		return time.Since(start), ctx.Err()
	}
}

// Release frees a slot, waking the highest-priority waiter if any.
func (l *PriorityLimiter) Release() {
	l.mu.Lock()
	l.releaseLocked()
	l.mu.Unlock()
}

// releaseLocked passes the freed slot on. Caller holds the mutex.
func (l *PriorityLimiter) releaseLocked() {
	for l.waiters.Len() > 0 && l.inFlight <= l.max {
		w := heap.Pop(&l.waiters).(*waiter)
		if w.cancelled {
			continue
		}
		w.granted = true
		close(w.ready)
		return
	}
	l.inFlight--
}

// grantLocked wakes waiters while capacity allows. Caller holds the mutex.
func (l *PriorityLimiter) grantLocked() {
	for l.inFlight < l.max && l.waiters.Len() > 0 {
		w := heap.Pop(&l.waiters).(*waiter)
		if w.cancelled {
			continue
		}
		w.granted = true
		l.inFlight++
		close(w.ready)
	}
}

// Limit acquires a slot and returns a release closure for scoped use.
func (l *PriorityLimiter) Limit(ctx context.Context, priority int) (release func(), waited time.Duration, err error) {
	waited, err = l.Acquire(ctx, priority)
	if err != nil {
		return nil, waited, err
	}
	var once sync.Once
	return func() { once.Do(l.Release) }, waited, nil
}

// SetMaxConcurrency resizes the cap. Growing wakes additional waiters;
// shrinking lets in-flight work drain naturally.
func (l *PriorityLimiter) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	l.mu.Lock()
	old := l.max
	l.max = n
	if n > old {
		l.grantLocked()
	}
	l.mu.Unlock()

	if old != n {
		l.logger.Info("concurrency adjusted", "from", old, "to", n)
	}
}

// MaxConcurrency returns the current cap.
func (l *PriorityLimiter) MaxConcurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// InFlight returns the number of active holders.
func (l *PriorityLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// QueueDepth returns the number of live waiters.
func (l *PriorityLimiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.waiters {
		if !w.cancelled {
			n++
		}
	}
	return n
}

// --- Priority Queue Implementation ---

type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	// Lower priority value = higher priority; insertion order breaks ties.
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	n := len(*q)
	w := x.(*waiter)
	w.index = n
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil // GC
	w.index = -1
	*q = old[:n-1]
	return w
}
