/*Package stream delivers encoded previews to remote viewers over
websockets.

The hub is a lossy broadcaster: each client has a one-deep send queue
and a frame is dropped for any client that has not drained the previous
one.  Publishing never blocks, so the acquisition loop is isolated from
slow or dead viewers.
*/
package stream

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.jpl.nasa.gov/bdube/photel/preview"
)

// Hub fans previews out to connected websocket clients.  It implements
// preview.Sink.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan preview.Payload
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			// the control surface has no auth; viewers may be served
			// from another origin on the lab network
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Publish broadcasts a payload to every client without blocking.  A
// client still holding an undelivered frame skips this one.
func (h *Hub) Publish(p preview.Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- p:
		default:
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handler returns the HTTP handler that upgrades a GET request to a
// websocket subscription.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client
			log.Printf("stream: upgrade: %v", err)
			return
		}
		c := &client{conn: conn, send: make(chan preview.Payload, 1)}
		h.mu.Lock()
		h.clients[c] = struct{}{}
		h.mu.Unlock()
		go h.writePump(c)
		go h.readPump(c)
	}
}

// writePump delivers payloads until the client goes away.
func (h *Hub) writePump(c *client) {
	for p := range c.send {
		if err := c.conn.WriteJSON(p); err != nil {
			h.drop(c)
			return
		}
	}
}

// readPump discards inbound messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}
