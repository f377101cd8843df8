// Package bus provides a small generic publish/subscribe broker used to fan
// out log entries, monitor alerts, and realtime events to any number of
// listeners without blocking the publisher.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 64

// Broker fans values out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses that value. Zero value is not usable; call New.
type Broker[T any] struct {
	mu      sync.RWMutex
	subs    map[chan T]struct{}
	closed  bool
	buffer  int
	dropped atomic.Uint64
}

// Option configures a Broker.
type Option func(*options)

type options struct{ buffer int }

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// New creates a broker ready for use.
func New[T any](opts ...Option) *Broker[T] {
	o := options{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker[T]{
		subs:   make(map[chan T]struct{}),
		buffer: o.buffer,
	}
}

// Subscribe registers a listener whose lifetime is bound to ctx. The
// returned channel closes when ctx is done or the broker closes.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()

	return ch
}

func (b *Broker[T]) unsubscribe(ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers v to every subscriber that has buffer room. Values sent
// to full subscribers are counted in Dropped.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the broker down and closes all subscriber channels. Publish
// after Close is a no-op.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
