// ABOUTME: Connection registry for UI WebSocket clients
// ABOUTME: Tracks live connections so shutdown can close them and health can count them

package uibridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection is one UI client.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

func newConnection(ws *websocket.Conn, buffer int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		ID:     uuid.New().String(),
		Conn:   ws,
		send:   make(chan []byte, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// enqueue queues data for the writer. A client that cannot keep up is
// disconnected rather than slowing the session down.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.cancel()
		return false
	}
}

// Hub manages all UI connections.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{connections: make(map[string]*Connection)}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID] = c
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, c.ID)
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// CloseAll asks every connection to close.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.connections {
		c.cancel()
	}
}
