// Package hub fans out gateway events, such as access decisions, to live
// subscribers.
package hub

import "sync"

// DefaultCapacity is the number of recent events kept for late subscribers.
const DefaultCapacity = 500

// ring keeps the most recent events, overwriting the oldest.
type ring struct {
	buf [][]byte
	pos int
}

func newRing(capacity int) ring {
	return ring{buf: make([][]byte, 0, capacity)}
}

func (r *ring) push(event []byte) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, event)
	} else {
		r.buf[r.pos] = event
	}
	r.pos = (r.pos + 1) % cap(r.buf)
}

// events returns the kept events oldest first.
func (r *ring) events() [][]byte {
	n := len(r.buf)
	out := make([][]byte, n)
	if n < cap(r.buf) || r.pos == 0 {
		copy(out, r.buf)
		return out
	}
	copy(out, r.buf[r.pos:])
	copy(out[n-r.pos:], r.buf[:r.pos])
	return out
}

// Hub broadcasts events to subscribers and remembers the last few so a new
// subscriber starts with recent history.
type Hub struct {
	mu      sync.Mutex
	recent  ring
	clients map[chan []byte]struct{}
	closed  bool
}

// New creates a Hub keeping capacity recent events.
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		recent:  newRing(capacity),
		clients: make(map[chan []byte]struct{}),
	}
}

// Publish records event and sends it to every subscriber. A subscriber
// whose buffer is full misses the event rather than stalling the caller.
func (h *Hub) Publish(event []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.recent.push(event)
	for ch := range h.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel that first replays recent events and then
// receives live ones, plus a function that ends the subscription. After
// Close the replay is followed by a closed channel.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	history := h.recent.events()
	ch := make(chan []byte, len(history)+64)
	for _, event := range history {
		ch <- event
	}
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.clients[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		})
	}
}

// Recent returns up to n of the most recent events, oldest first.
func (h *Hub) Recent(n int) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := h.recent.events()
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		close(ch)
	}
	h.clients = nil
}
