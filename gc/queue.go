package gc

import "iter"

// Queue is an unbounded FIFO backed by a growable ring buffer.
// The zero value is an empty queue.
type Queue[T any] struct {
	buf  []T
	head int
	n    int
}

// Empty reports whether the queue holds no items.
func (q *Queue[T]) Empty() bool {
	return q.n == 0
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return q.n
}

// Push appends v at the tail.
func (q *Queue[T]) Push(v T) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = v
	q.n++
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if q.n == 0 {
		return *new(T), false
	}
	return q.buf[q.head], true
}

// Pop removes and returns the head.
func (q *Queue[T]) Pop() (T, bool) {
	if q.n == 0 {
		return *new(T), false
	}
	v := q.buf[q.head]
	q.buf[q.head] = *new(T)
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return v, true
}

// All iterates from head to tail without consuming.
func (q *Queue[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; i < q.n; i++ {
			if !yield(q.buf[(q.head+i)%len(q.buf)]) {
				return
			}
		}
	}
}

// Clear drops every queued item.
func (q *Queue[T]) Clear() {
	clear(q.buf)
	q.head, q.n = 0, 0
}

func (q *Queue[T]) grow() {
	size := max(2*len(q.buf), 16)
	buf := make([]T, size)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
