package stream

import (
	"context"
	"iter"
	"sync"
)

// Feed broadcasts a current value and its later changes to any number of
// subscribers. A new subscriber always receives the current value first.
type Feed[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[uint64]*Buffer[T]
	next    uint64
	size    int
}

// NewFeed creates a Feed starting at initial. size bounds each subscriber's
// backlog; a slow subscriber loses its oldest pending values.
func NewFeed[T any](initial T, size int) *Feed[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Feed[T]{
		current: initial,
		subs:    make(map[uint64]*Buffer[T]),
		size:    size,
	}
}

// Publish makes v the current value and delivers it to every subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current = v
	for _, b := range f.subs {
		b.Push(v)
	}
}

// Current returns the latest published value.
func (f *Feed[T]) Current() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Subscribe registers a subscriber preloaded with the current value. The
// returned function unregisters it and is safe to call more than once.
func (f *Feed[T]) Subscribe() (*Buffer[T], func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := NewBuffer[T](f.size)
	b.Push(f.current)
	id := f.next
	f.next++
	f.subs[id] = b

	var once sync.Once
	return b, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (f *Feed[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Seq returns a restartable sequence over the feed. Every iteration
// subscribes afresh, yields the current value, then each change until ctx
// is done or the consumer stops.
func (f *Feed[T]) Seq(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		b, cancel := f.Subscribe()
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case v := <-b.C():
				if !yield(v) {
					return
				}
			}
		}
	}
}
