// Package fanout is the process-wide distribution point between the
// Collection Scheduler and the Alert Evaluator and Network Publisher
// subsystems (the Store is written directly by the Scheduler, not through
// the hub): one value in, delivered to every current subscriber.
package fanout

import "sync"

// Hub fans out values of any type T. The agent uses a single
// Hub[model.TickSnapshot], carrying one combined snapshot per scheduler tick.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[int]chan T
	next int
}

// New returns a ready-to-use Hub.
func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new subscriber with the given channel buffer size
// and returns the channel plus an unsubscribe function. The channel is
// closed by Unsubscribe, never by Publish.
func (h *Hub[T]) Subscribe(bufSize int) (<-chan T, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan T, bufSize)
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish delivers v to every current subscriber without blocking: a
// subscriber whose channel is full drops the value rather than stalling
// the publisher. Dropped count is returned so callers can surface it as a
// metric.
func (h *Hub[T]) Publish(v T) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- v:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// SubscriberCount reports the number of currently registered subscribers.
func (h *Hub[T]) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
