package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is a connected WebSocket client and the forecast streams it owns.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	running sync.WaitGroup
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		streams: make(map[string]context.CancelFunc),
	}
}

// Hub tracks connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

// Unregister removes c and closes its send channel. Callers must make sure no
// stream is still writing to it.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every client connection. Hijacked connections are not
// closed by http.Server.Shutdown, so the server calls this on shutdown; each
// read loop then cleans up its client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// enqueue queues msg for writing, blocking while the buffer is full until ctx
// is done.
func (c *Client) enqueue(ctx context.Context, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// startStream registers a cancellable stream. It fails when id is already
// running or the client has reached limit streams.
func (c *Client) startStream(id string, cancel context.CancelFunc, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.streams[id]; dup || len(c.streams) >= limit {
		return false
	}
	c.streams[id] = cancel
	c.running.Add(1)
	return true
}

func (c *Client) endStream(id string) {
	c.mu.Lock()
	cancel, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		cancel()
		c.running.Done()
	}
}

// cancelStream stops a running stream; the stream reports its own end.
func (c *Client) cancelStream(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.streams[id]
	if ok {
		cancel()
	}
	return ok
}
