package pipeline

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO; pushes never block
type queue[T any] struct {
	mutex  sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

func (q *queue[T]) push(item T) bool {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mutex.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available, the queue is closed and empty, or
// ctx ends
func (q *queue[T]) pop(ctx context.Context) (T, bool) {
	for {
		q.mutex.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mutex.Unlock()
			return item, true
		}
		closed := q.closed
		q.mutex.Unlock()

		if closed {
			var zero T
			return zero, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// close rejects further pushes; queued items can still be popped
func (q *queue[T]) close() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything still queued
func (q *queue[T]) drain() []T {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue[T]) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}
