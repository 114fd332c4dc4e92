// Package bus mirrors session events onto NATS subjects so a second
// coordinatord process can observe the same stream without sharing the
// in-process subscriber map. It is additive: disabling it changes
// nothing about the core engine's behavior or return values. Grounded
// on the teacher's internal/nats/client.go wrapper.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/coordinatord/coordinatord/internal/session"
)

// Publisher mirrors CollaborationEvents onto per-session NATS
// subjects of the form "coord.session.<id>.events".
type Publisher struct {
	conn *nc.Conn
}

// NewPublisher connects to the NATS server at url with the teacher's
// indefinite-reconnect options.
func NewPublisher(url string) (*Publisher, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[BUS] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(c *nc.Conn) {
			log.Printf("[BUS] reconnected to %s", c.ConnectedUrl())
		}),
	}
	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// Close closes the underlying connection without draining it.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func subject(sessionID string) string {
	return "coord.session." + sessionID + ".events"
}

// Mirror publishes ev to its session's NATS subject. Errors are logged,
// never returned: a NATS outage must never affect core operations.
func (p *Publisher) Mirror(ev session.CollaborationEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[BUS] marshal event: %v", err)
		return
	}
	if err := p.conn.Publish(subject(ev.SessionID), data); err != nil {
		log.Printf("[BUS] publish to %s: %v", subject(ev.SessionID), err)
	}
}

// Subscribe opens a read-only mirror of a session's event subject for
// a second process (e.g. a dashboard replica).
func (p *Publisher) Subscribe(sessionID string, handler func(session.CollaborationEvent)) (*nc.Subscription, error) {
	return p.conn.Subscribe(subject(sessionID), func(msg *nc.Msg) {
		var ev session.CollaborationEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[BUS] unmarshal mirrored event: %v", err)
			return
		}
		handler(ev)
	})
}
