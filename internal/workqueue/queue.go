// Package workqueue provides the bounded task queues shared by the tile loader
// threads and the consumer thread.
package workqueue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when a push would exceed the queue depth.
	// Producers must size queues to their peak in-flight count.
	ErrQueueFull = errors.New("work queue is full")
	// ErrNilCallback is returned when submitting a task without a callback.
	ErrNilCallback = errors.New("nil task callback")
)

// Queue is a bounded multi-producer/multi-consumer FIFO. Items are copied into
// a ring allocated once at construction; every push also posts to a counting
// semaphore that idle consumers block on.
type Queue[T any] struct {
	mu    sync.Mutex
	ring  []T
	head  int
	count int

	sem chan struct{}

	// active counts items that were popped but not yet marked Done.
	active atomic.Int64

	pushed   atomic.Uint64
	popped   atomic.Uint64
	rejected atomic.Uint64
}

// NewQueue creates a queue holding at most depth items.
func NewQueue[T any](depth int) *Queue[T] {
	if depth <= 0 {
		panic("workqueue: depth must be positive")
	}
	return &Queue[T]{
		ring: make([]T, depth),
		sem:  make(chan struct{}, depth),
	}
}

// Push copies item into the ring. It never blocks.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.count == len(q.ring) {
		q.mu.Unlock()
		q.rejected.Add(1)
		return ErrQueueFull
	}
	q.ring[(q.head+q.count)%len(q.ring)] = item
	q.count++
	q.mu.Unlock()

	q.pushed.Add(1)

	// A full semaphore already holds enough tokens to wake every consumer.
	select {
	case q.sem <- struct{}{}:
	default:
	}
	return nil
}

// TryPop removes the oldest item without blocking. A successful pop must be
// followed by Done once the item has been handled.
func (q *Queue[T]) TryPop() (T, bool) {
	var zero T
	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return zero, false
	}
	item := q.ring[q.head]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.active.Add(1)
	q.mu.Unlock()

	q.popped.Add(1)
	return item, true
}

// Done marks one popped item as handled.
func (q *Queue[T]) Done() {
	q.active.Add(-1)
}

// Wait blocks until an item may be available, stop is closed, or timeout
// elapses. A zero timeout waits without bound. The return value is only a
// hint: another consumer may have taken the item.
func (q *Queue[T]) Wait(stop <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-q.sem:
			return true
		case <-stop:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.sem:
		return true
	case <-stop:
		return false
	case <-timer.C:
		return false
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue depth.
func (q *Queue[T]) Cap() int {
	return len(q.ring)
}

// IsWaiting reports whether any item is queued.
func (q *Queue[T]) IsWaiting() bool {
	return q.Len() > 0
}

// Pending reports whether any item is queued or popped but not yet Done.
func (q *Queue[T]) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count > 0 || q.active.Load() > 0
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Rejected uint64 `json:"rejected"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Stats returns the current counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Pushed:   q.pushed.Load(),
		Popped:   q.popped.Load(),
		Rejected: q.rejected.Load(),
		Depth:    q.Len(),
		Capacity: q.Cap(),
	}
}
