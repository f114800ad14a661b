package events

import "sync"

// Hub fans published envelopes out to subscribers. Publish never blocks: a
// subscriber whose buffer is full is dropped and its channel closed.
type Hub struct {
	clients map[chan Envelope]struct{}
	mu      sync.Mutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[chan Envelope]struct{})}
}

// Subscribe registers a subscriber. The returned function unsubscribes and is
// safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() { h.drop(ch) }
}

// Publish sends an envelope to every subscriber
func (h *Hub) Publish(msgType string, payload any) {
	env := Envelope{Type: msgType, Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client <- env:
		default:
			close(client)
			delete(h.clients, client)
		}
	}
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) drop(ch chan Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}
