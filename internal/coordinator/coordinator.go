// Package coordinator wires the engine components (state store, lock
// registry, task queue, session manager, tool dispatcher) plus the
// additive bus/notify/ratelimit concerns into one process-wide
// container with an init/shutdown lifecycle, per SPEC_FULL §2/§9.
package coordinator

import (
	"context"
	"fmt"
	"log"

	"github.com/coordinatord/coordinatord/internal/bus"
	"github.com/coordinatord/coordinatord/internal/config"
	"github.com/coordinatord/coordinatord/internal/dispatcher"
	"github.com/coordinatord/coordinatord/internal/locks"
	"github.com/coordinatord/coordinatord/internal/notify"
	"github.com/coordinatord/coordinatord/internal/queue"
	"github.com/coordinatord/coordinatord/internal/ratelimit"
	"github.com/coordinatord/coordinatord/internal/session"
	"github.com/coordinatord/coordinatord/internal/store"
)

// Coordinator is the process-wide service container.
type Coordinator struct {
	Config     config.Config
	Store      store.Store
	Locks      *locks.Registry
	Queue      *queue.Queue
	Session    *session.Manager
	Dispatcher *dispatcher.Dispatcher
	RateLimit  *ratelimit.Limiter

	embeddedNATS *bus.EmbeddedServer
	publisher    *bus.Publisher
	notifier     *notify.Dispatcher

	cancel context.CancelFunc
}

// New constructs every component but does not start background
// goroutines; call Run to do that.
func New(cfg config.Config) (*Coordinator, error) {
	var st store.Store
	switch cfg.Store.Backend {
	case "", "memory":
		st = store.NewMemStore()
	case "sqlite":
		sqlStore, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		st = sqlStore
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}

	sessionMgr := session.New(st)
	lockRegistry := locks.New(st, sessionMgr.Bus())
	taskQueue := queue.New(st, sessionMgr.Bus())
	sessionMgr.SetSeeder(taskQueue.Enqueue)
	toolDispatcher := dispatcher.New(taskQueue, lockRegistry, sessionMgr)
	limiter := ratelimit.New(cfg.RateLimit)

	var sinks []notify.Sink
	if cfg.Notify.Slack != nil {
		sinks = append(sinks, notify.NewSlackSink(*cfg.Notify.Slack))
	}
	if cfg.Notify.Discord != nil {
		sinks = append(sinks, notify.NewDiscordSink(*cfg.Notify.Discord))
	}
	if cfg.Notify.Webhook != nil {
		sinks = append(sinks, notify.NewWebhookSink(*cfg.Notify.Webhook))
	}

	c := &Coordinator{
		Config:     cfg,
		Store:      st,
		Locks:      lockRegistry,
		Queue:      taskQueue,
		Session:    sessionMgr,
		Dispatcher: toolDispatcher,
		RateLimit:  limiter,
		notifier:   notify.NewDispatcher(sinks...),
	}
	return c, nil
}

// Run starts the embedded NATS server and publisher if enabled and the
// background lock sweeper, and blocks until ctx is cancelled. Session
// events reach notify/bus only through AttachSession.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.Config.NATS.Enabled {
		url := c.Config.NATS.URL
		if c.Config.NATS.Embedded {
			c.embeddedNATS = bus.NewEmbeddedServer(c.Config.NATS.Port)
			if err := c.embeddedNATS.Start(); err != nil {
				return fmt.Errorf("start embedded nats: %w", err)
			}
			url = c.embeddedNATS.URL()
		}
		pub, err := bus.NewPublisher(url)
		if err != nil {
			return fmt.Errorf("connect nats publisher: %w", err)
		}
		c.publisher = pub
	}

	go c.Locks.Run(runCtx)

	<-runCtx.Done()
	return nil
}

// AttachSession wires a newly started session's event stream into the
// notify dispatcher and, if enabled, the NATS publisher. Call once per
// session, typically right after session.Manager.Start.
func (c *Coordinator) AttachSession(sessionID string) {
	ch := c.Session.Subscribe(sessionID, nil)
	go func() {
		for ev := range ch {
			c.notifier.Notify(ev)
			if c.publisher != nil {
				c.publisher.Mirror(ev)
			}
		}
	}()
}

// Shutdown stops background goroutines and releases the store.
func (c *Coordinator) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.Locks.Close()
	if c.publisher != nil {
		c.publisher.Close()
	}
	if c.embeddedNATS != nil {
		c.embeddedNATS.Shutdown()
	}
	if err := c.Store.Close(); err != nil {
		log.Printf("[COORDINATOR] store close: %v", err)
	}
}
