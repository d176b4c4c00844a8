// Package stream provides the bounded buffers and broadcast feeds that sit
// between push producers (transport callbacks, broker handlers) and the
// iterator-based streams handed to consumers.
package stream

import (
	"sync"
	"sync/atomic"
)

// DefaultSize is used when a buffer is created with a non-positive size.
const DefaultSize = 64

// Buffer is a bounded FIFO between push producers and a single consumer.
//
// Push never blocks: when the buffer is full the oldest element is discarded
// to make room and the drop counter is incremented.
type Buffer[T any] struct {
	ch      chan T
	mu      sync.Mutex // serializes producers
	dropped atomic.Uint64
}

// NewBuffer creates a Buffer holding at most size elements.
func NewBuffer[T any](size int) *Buffer[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer[T]{ch: make(chan T, size)}
}

// Push enqueues v. It reports whether an older element was discarded.
func (b *Buffer[T]) Push(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := false
	for {
		select {
		case b.ch <- v:
			return dropped
		default:
		}
		select {
		case <-b.ch:
			dropped = true
			b.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive side of the buffer.
func (b *Buffer[T]) C() <-chan T {
	return b.ch
}

// Len returns the number of buffered elements.
func (b *Buffer[T]) Len() int {
	return len(b.ch)
}

// Dropped returns how many elements have been discarded so far.
func (b *Buffer[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Drain discards everything currently buffered and returns the count.
func (b *Buffer[T]) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for {
		select {
		case <-b.ch:
			n++
		default:
			return n
		}
	}
}
