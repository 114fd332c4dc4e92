package bus

import (
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs a single-binary-friendly NATS server in-process,
// adapted from the teacher's nats.EmbeddedServer so `coordinatord` can
// ship the event-fan-out subject without a separate NATS deployment.
type EmbeddedServer struct {
	mu      sync.RWMutex
	server  *natsserver.Server
	port    int
	running bool
}

// NewEmbeddedServer constructs an embedded NATS server bound to port
// (default 4222 when port <= 0).
func NewEmbeddedServer(port int) *EmbeddedServer {
	if port <= 0 {
		port = 4222
	}
	return &EmbeddedServer{port: port}
}

// Start launches the server and blocks until it is ready for
// connections or 10s elapse.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("embedded nats server already running")
	}
	opts := &natsserver.Options{
		Host:       "127.0.0.1",
		Port:       e.port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded nats server: %w", err)
	}
	e.server = ns
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("embedded nats server not ready for connections")
	}
	e.running = true
	return nil
}

// Shutdown stops the embedded server, waiting for a clean exit.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

// URL returns the loopback connection URL for this embedded server.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("nats://127.0.0.1:%d", e.port)
}
