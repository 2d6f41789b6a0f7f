// Package fifo contains an unbounded, goroutine-safe FIFO queue
// whose consumer can block until a value is available.
package fifo

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO queue.
// Any number of goroutines may push concurrently.
// Pop blocks until a value is pushed or its context is canceled,
// and it is woken immediately on push rather than polling.
//
// The zero value is not usable; call [New].
type Queue[T any] struct {
	mu    sync.Mutex
	items []T

	// 1-buffered, so a push while the consumer is busy is never lost.
	ready chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
	}
}

// Push appends v to the back of the queue.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
		// Already signaled.
	}
}

// TryPop removes and returns the front value,
// reporting false if the queue is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Let the backing array be reclaimed.
		q.items = nil
	}
	return v, true
}

// Pop removes and returns the front value,
// blocking until one is available or ctx is canceled.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		v, ok := q.popLocked()
		more := len(q.items) > 0
		q.mu.Unlock()

		if ok {
			if more {
				// Another consumer may be parked on the signal.
				q.signal()
			}
			return v, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, context.Cause(ctx)
		case <-q.ready:
			// Retry.
		}
	}
}

// PopUpTo removes and returns at most n values in FIFO order.
// It never blocks; the result is empty if the queue is empty.
func (q *Queue[T]) PopUpTo(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}

	out := make([]T, n)
	copy(out, q.items[:n])

	var zero T
	for i := range n {
		q.items[i] = zero
	}
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return out
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
