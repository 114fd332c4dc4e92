// Package wsstream is the WebSocket transport for the per-session
// event subscription stream (spec.md §6.3). It adapts the teacher's
// single global server.Hub (internal/server/hub.go) into one hub per
// CollaborationSession subscription, torn down when the subscription
// ends rather than living for the process lifetime.
package wsstream

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/coordinatord/coordinatord/internal/session"
)

// clientBufferSize matches the teacher's WebSocketBufferSize.
const clientBufferSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans a single session's CollaborationEvents out to every
// WebSocket client currently watching it.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

func newHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcast(ev session.CollaborationEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// ClientCount returns the number of WebSocket clients currently
// watching this hub's session.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// the event stream is server->client only; inbound frames are discarded
	}
}

// Server upgrades HTTP connections into WebSocket subscribers of a
// CollaborationSession's event stream, tearing the subscription down
// when the client disconnects, per spec.md §4.4.
type Server struct {
	session *session.Manager
}

// New constructs a Server over a session.Manager.
func New(mgr *session.Manager) *Server {
	return &Server{session: mgr}
}

// ServeSession upgrades the request to a WebSocket and streams
// sessionID's events to it until the client disconnects or the
// session's event stream ends; in the latter case the client is sent a
// close frame and its connection is closed.
func (s *Server) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WSSTREAM] upgrade failed: %v", err)
		return
	}

	hub := newHub()
	c := &client{conn: conn, send: make(chan []byte, clientBufferSize)}
	hub.register(c)

	events := s.session.Subscribe(sessionID, nil)
	defer s.session.Unsubscribe(sessionID, events)

	go c.writePump()
	go c.readPump(hub)

	for ev := range events {
		hub.broadcast(ev)
		if hub.ClientCount() == 0 {
			return
		}
	}
	hub.unregister(c)
}
