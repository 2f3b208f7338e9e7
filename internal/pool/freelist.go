// Package pool provides the bounded-growth free lists that back fragment,
// buffer and mailbox allocation in the transport engine.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrExhausted is returned by Get when the list is empty and has already
// grown to its maximum size. Callers treat it as resource exhaustion.
var ErrExhausted = errors.New("pool: free list exhausted")

// BatchFunc constructs exactly n new items. Items that share backing storage
// (such as buffer slabs carved into equal slots) are built in one call so the
// storage can be allocated and registered once per growth step.
type BatchFunc[T any] func(n int) ([]*T, error)

// FreeList is a pool of reusable items that starts at an initial size and
// grows by a fixed increment up to a maximum. Get and Put are safe for
// concurrent use; growth is serialized.
type FreeList[T any] struct {
	growMu    sync.Mutex
	ring      *xsync.MPMCQueueOf[*T]
	newBatch  BatchFunc[T]
	allocated atomic.Int64
	max       int
	increment int
}

// NewFreeList creates a free list with initial items already constructed.
// max bounds the total number of items ever constructed and must be at least
// initial; increment is the growth step.
func NewFreeList[T any](initial, max, increment int, newBatch BatchFunc[T]) (*FreeList[T], error) {
	if initial < 0 || max < initial || increment <= 0 {
		return nil, fmt.Errorf("pool: invalid free list sizes initial=%d max=%d increment=%d", initial, max, increment)
	}
	if newBatch == nil {
		return nil, errors.New("pool: nil batch constructor")
	}

	l := &FreeList[T]{
		ring:      xsync.NewMPMCQueueOf[*T](max),
		newBatch:  newBatch,
		max:       max,
		increment: increment,
	}

	if initial > 0 {
		if err := l.grow(initial); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Get returns an item from the list, growing the list by its increment when
// empty. It returns ErrExhausted when the list is empty and at max, or the
// batch constructor's error when growth fails.
func (l *FreeList[T]) Get() (*T, error) {
	if item, ok := l.ring.TryDequeue(); ok {
		return item, nil
	}

	l.growMu.Lock()
	// Another caller may have grown the list while this one waited.
	if item, ok := l.ring.TryDequeue(); ok {
		l.growMu.Unlock()
		return item, nil
	}

	n := l.increment
	if remain := l.max - int(l.allocated.Load()); remain < n {
		n = remain
	}
	if n <= 0 {
		l.growMu.Unlock()
		return nil, ErrExhausted
	}

	err := l.growLocked(n)
	l.growMu.Unlock()
	if err != nil {
		return nil, err
	}

	if item, ok := l.ring.TryDequeue(); ok {
		return item, nil
	}

	return nil, ErrExhausted
}

// Put returns an item to the list. The item must not be used afterwards.
func (l *FreeList[T]) Put(item *T) {
	// The ring holds max slots and at most max items exist, so the enqueue
	// cannot fail for an item obtained from Get.
	l.ring.TryEnqueue(item)
}

// Allocated returns the number of items constructed so far.
func (l *FreeList[T]) Allocated() int {
	return int(l.allocated.Load())
}

// Max returns the maximum number of items the list may construct.
func (l *FreeList[T]) Max() int {
	return l.max
}

func (l *FreeList[T]) grow(n int) error {
	l.growMu.Lock()
	defer l.growMu.Unlock()

	return l.growLocked(n)
}

func (l *FreeList[T]) growLocked(n int) error {
	items, err := l.newBatch(n)
	if err != nil {
		return err
	}
	if len(items) != n {
		return fmt.Errorf("pool: batch constructor returned %d items, want %d", len(items), n)
	}

	l.allocated.Add(int64(n))
	for _, item := range items {
		l.ring.TryEnqueue(item)
	}

	return nil
}
