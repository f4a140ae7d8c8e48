// Package events provides a small publish-subscribe bus used for SSE delivery
// and for passing state snapshots between the daemon's components.
package events

import "sync"

const subBufferSize = 8

// Bus is a non-blocking publish-subscribe event bus.
// Publishers never block. When a subscriber's buffer is full the bus either
// drops the new event or, for a latest-value bus, evicts the oldest buffered
// one so the subscriber always ends up with the most recent value.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[string]chan T
	buf    int
	latest bool
}

// NewBus creates a bus whose slow subscribers miss new events.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{
		subs: make(map[string]chan T),
		buf:  subBufferSize,
	}
}

// NewLatest creates a bus that keeps only the newest value per subscriber.
func NewLatest[T any]() *Bus[T] {
	return &Bus[T]{
		subs:   make(map[string]chan T),
		buf:    1,
		latest: true,
	}
}

// Subscribe creates a new subscription with the given ID.
// Call Unsubscribe when done to clean up.
func (b *Bus[T]) Subscribe(id string) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[id]; ok {
		close(old)
	}
	ch := make(chan T, b.buf)
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish sends v to all subscribers without blocking.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		if !b.latest {
			continue // drop if subscriber is slow
		}
		// Publish holds mu, so after one eviction the send cannot fail.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unsubscribes everyone.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
