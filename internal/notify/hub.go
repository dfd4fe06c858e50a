package notify

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub broadcasts events to in-process subscribers, such as WebSocket
// clients of the control API.
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Int64
}

// Subscription is one consumer's queue.
type Subscription struct {
	hub  *Hub
	ch   chan Event
	once sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer with a queue of buffer events (or
// [DefaultBuffer] when buffer <= 0).
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{hub: h, ch: make(chan Event, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Notify delivers e to every subscriber whose queue has room.
func (h *Hub) Notify(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a queue
// was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close ends every subscription.  Later Subscribe calls return an
// already-closed subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.once.Do(func() { close(s.ch) })
		delete(h.subs, s)
	}
}

// Events returns the queue; it is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes.  It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.subs, s)
	s.once.Do(func() { close(s.ch) })
}
