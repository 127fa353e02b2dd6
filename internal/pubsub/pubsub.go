// Package pubsub provides a bounded broadcast hub. Multiple clients
// can subscribe to a Hub and each receive values on their own
// channel. Delivery is best-effort: a subscriber that is not keeping
// up has values dropped rather than buffered unbounded, so a slow or
// disconnected client can never block the publisher.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Hub broadcasts values of type T to all current subscribers.
type Hub[T any] struct {
	buffer  int
	dropped atomic.Uint64

	mu     sync.Mutex
	subs   map[chan T]struct{}
	closed bool
}

// NewHub creates a Hub whose subscribers each get a channel with the
// given buffer size. A buffer of at least 1 is enforced so that a
// subscriber always observes the most recent publish eventually.
func NewHub[T any](buffer int) *Hub[T] {
	if buffer < 1 {
		buffer = 1
	}

	return &Hub[T]{
		buffer: buffer,
		subs:   make(map[chan T]struct{}),
	}
}

// Subscribe registers a new subscriber and returns its receive
// channel along with a cancel function. Cancel is idempotent and
// must be called on every exit path; it closes the channel and
// releases the subscription.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)

		return ch, func() {}
	}

	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}

	return ch, cancel
}

// Publish delivers v to every subscriber that has buffer space.
// It never blocks.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- v:
		default:
			h.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel and rejects future
// subscriptions. Publish after Close is a no-op.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Len returns the number of current subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Dropped returns the total number of values dropped because a
// subscriber's buffer was full.
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}
