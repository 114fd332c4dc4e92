package mcpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// sseConnection is one agent's open SSE stream, used for server push
// (keepalive pings and async notifications), adapted from the
// teacher's mcp.SSEConnection.
type sseConnection struct {
	agentID string
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

func newSSEConnection(agentID string, w http.ResponseWriter) (*sseConnection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	return &sseConnection{agentID: agentID, w: w, flusher: flusher, done: make(chan struct{})}, nil
}

func (c *sseConnection) send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// connectionManager tracks at most one active SSE connection per agent
// (planner/executor/user), adapted from the teacher's
// mcp.ConnectionManager.
type connectionManager struct {
	mu    sync.RWMutex
	byAgt map[string]*sseConnection
}

func newConnectionManager() *connectionManager {
	return &connectionManager{byAgt: make(map[string]*sseConnection)}
}

func (m *connectionManager) add(agentID string, c *sseConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAgt[agentID] = c
}

func (m *connectionManager) remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byAgt, agentID)
}

func (m *connectionManager) get(agentID string) *sseConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byAgt[agentID]
}
