package eventsync

import "sync"

// workQueue is an unbounded FIFO feeding a room session's apply loop.
//
// Live subscription callbacks enqueue from arbitrary goroutines; the
// session loop is the only consumer. Waiting uses a signal channel so the
// loop can select on context cancellation.
type workQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1
}

func newWorkQueue[T any]() *workQueue[T] {
	return &workQueue[T]{
		items:  make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Returns false if the queue is closed.
func (q *workQueue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)

	// Non-blocking: the size-1 buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front item without blocking.
func (q *workQueue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	// Clear the slot so the backing array does not retain the event.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return item, true
}

// Wait returns a channel that signals when items may be available. It is
// closed by Close.
func (q *workQueue[T]) Wait() <-chan struct{} {
	return q.signal
}

func (q *workQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues and wakes waiters.
func (q *workQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
