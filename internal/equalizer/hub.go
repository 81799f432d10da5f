package equalizer

import (
	"sync"

	"github.com/google/uuid"
)

// Hub fans Change events out to subscribers. Publish calls every subscriber
// synchronously on the caller's goroutine, so subscribers must not block.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]func(Change)
	// order keeps delivery deterministic.
	order []uuid.UUID
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]func(Change))}
}

// Subscribe registers fn and returns its subscription ID.
func (h *Hub) Subscribe(fn func(Change)) uuid.UUID {
	id := uuid.New()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[id] = fn
	h.order = append(h.order, id)
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	for i, o := range h.order {
		if o == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers c to every subscriber.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	fns := make([]func(Change), 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
