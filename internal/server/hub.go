package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 100 * time.Millisecond

// client is one websocket peer. gorilla connections allow a single
// concurrent writer, so every write goes through writeMu.
type client struct {
	id      uuid.UUID
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub tracks connected websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]*client)}
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{id: uuid.New(), conn: conn}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(id uuid.UUID) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends v to every client concurrently and drops the ones whose
// write fails or times out.
func (h *Hub) Broadcast(v any) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []uuid.UUID
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := c.writeJSON(v); err != nil {
				failedMu.Lock()
				failed = append(failed, c.id)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, id := range failed {
		slog.Debug("[WS] dropping client after failed write", "client", id)
		h.remove(id)
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[uuid.UUID]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}
