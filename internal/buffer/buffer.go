// Package buffer holds items that could not be delivered yet, bounded so a long outage
// cannot grow memory without limit.
package buffer

import (
	"sync"
)

// Queue is a thread-safe bounded FIFO. When full, the oldest item is dropped.
type Queue[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
	dropped  uint64
}

// New creates a Queue holding at most capacity items. A capacity below one is treated as one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends item, dropping the oldest item when the queue is full. It reports whether
// something was dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if len(q.data) >= q.capacity {
		q.data = q.data[1:]
		q.dropped++
		dropped = true
	}
	q.data = append(q.data, item)
	return dropped
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.data) == 0 {
		var zero T
		return zero, false
	}
	item := q.data[0]
	q.data = q.data[1:]
	return item, true
}

// Peek returns the oldest item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.data) == 0 {
		var zero T
		return zero, false
	}
	return q.data[0], true
}

// Flush hands items to send oldest first. An item is removed only after send succeeds; the
// first failure stops the flush and leaves that item at the head. Items pushed while
// flushing are sent in the same pass.
func (q *Queue[T]) Flush(send func(T) error) (int, error) {
	sent := 0
	for {
		item, ok := q.Peek()
		if !ok {
			return sent, nil
		}
		if err := send(item); err != nil {
			return sent, err
		}
		q.mu.Lock()
		if len(q.data) > 0 {
			q.data = q.data[1:]
		}
		q.mu.Unlock()
		sent++
	}
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Dropped returns how many items have been discarded because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
