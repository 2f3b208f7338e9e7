// Package queue provides the typed FIFO used by the transport engine for
// wait lists, deferred completions and per-endpoint pending fragments.
package queue

import (
	"sync"

	ring "github.com/eapache/queue"
)

// FIFO is a mutex-guarded first-in-first-out queue of T backed by a growable
// ring buffer.
//
// The lock is held only for the duration of a single push or pop, so callers
// may hold items across hardware calls without blocking other producers.
type FIFO[T any] struct {
	mu  sync.Mutex
	buf *ring.Queue
}

// NewFIFO creates an empty FIFO.
func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{buf: ring.New()}
}

// Push adds an item to the tail of the queue.
func (q *FIFO[T]) Push(item T) {
	q.mu.Lock()
	q.buf.Add(item)
	q.mu.Unlock()
}

// Pop removes and returns the item at the head of the queue.
// It returns the zero value and false when the queue is empty.
func (q *FIFO[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buf.Length() == 0 {
		var zero T
		return zero, false
	}

	return q.buf.Remove().(T), true
}

// Peek returns the item at the head of the queue without removing it.
// It returns the zero value and false when the queue is empty.
func (q *FIFO[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buf.Length() == 0 {
		var zero T
		return zero, false
	}

	return q.buf.Peek().(T), true
}

// Len returns the number of items in the queue.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.buf.Length()
}
