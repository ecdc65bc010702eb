package gc

import "sync"

// BlockingQueue is a thread-safe FIFO. Push wakes a waiting consumer; Pop
// blocks until an item is available or the queue is closed.
type BlockingQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  Queue[T]
	closed bool
}

// NewBlockingQueue creates an open, empty queue.
func NewBlockingQueue[T any]() *BlockingQueue[T] {
	q := &BlockingQueue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends one item. It reports false if the queue is closed.
func (q *BlockingQueue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items.Push(v)
	q.cond.Signal()
	return true
}

// PushBatch appends items in order under a single lock acquisition.
func (q *BlockingQueue[T]) PushBatch(items []T) bool {
	if len(items) == 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	for _, v := range items {
		q.items.Push(v)
	}
	q.cond.Signal()
	return true
}

// Pop removes the head, waiting for one if necessary. It returns false once
// the queue is closed; items still queued at that point are abandoned.
func (q *BlockingQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Empty() && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return *new(T), false
	}
	return q.items.Pop()
}

// Close wakes every waiter and rejects further pushes.
func (q *BlockingQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items.Clear()
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *BlockingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Closed reports whether Close has been called.
func (q *BlockingQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
