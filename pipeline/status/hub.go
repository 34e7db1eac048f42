package status

import (
	"context"
	"sync"
)

// Hub is a broadcast-channel fan-out Emitter: every Emit is published to
// every currently-registered subscriber's channel. It backs the
// /node/{id}/status SSE endpoint (§4.6) — one Hub per pipeline, one
// subscription per connected dashboard client.
//
// A slow or disconnected subscriber must never block node execution, so
// Emit drops the event for that subscriber rather than blocking on a full
// channel. Per §4.6 this loss "may be dropped without affecting
// correctness": the dashboard is advisory, the metadata store is truth.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer size
// and returns the channel plus an unsubscribe function. Callers must call
// unsubscribe when done to avoid leaking the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

func (h *Hub) Emit(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			// Subscriber too slow; drop rather than block the emitting node.
		}
	}
}

func (h *Hub) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		h.Emit(event)
	}
	return nil
}

// Flush is a no-op: the Hub holds no durable buffer to drain.
func (h *Hub) Flush(context.Context) error {
	return nil
}
