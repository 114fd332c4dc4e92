// Package notify fires best-effort notifications to external sinks
// (Slack, Discord, generic webhooks) when a collaboration session
// changes lifecycle state. It is grounded on the teacher's
// notifications/external/{slack,discord}.go webhook posting pattern,
// adapted from raw events.Event payloads to session.CollaborationEvent.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coordinatord/coordinatord/internal/session"
)

// Sink is a destination for session-lifecycle notifications.
type Sink interface {
	Name() string
	ShouldNotify(ev session.CollaborationEvent) bool
	Send(ev session.CollaborationEvent) error
}

// Dispatcher fires an event at every configured Sink, logging (never
// returning) send failures: a notification failure must never fail the
// operation that triggered it.
type Dispatcher struct {
	sinks []Sink
}

// NewDispatcher constructs a Dispatcher over the given sinks.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

// notifiedTypes is the subset of session events worth telling a human
// about passively, per SPEC_FULL §4.7.
var notifiedTypes = map[session.EventType]bool{
	session.EventSessionPaused:    true,
	session.EventSessionResumed:   true,
	session.EventConflictDetected: true,
	session.EventSessionEnded:     true,
}

// Notify fans ev out to every sink that wants it. Fire-and-forget: call
// from a goroutine if the caller cannot afford the webhook latency.
func (d *Dispatcher) Notify(ev session.CollaborationEvent) {
	if !notifiedTypes[ev.Type] {
		return
	}
	for _, s := range d.sinks {
		if !s.ShouldNotify(ev) {
			continue
		}
		if err := s.Send(ev); err != nil {
			log.Printf("[NOTIFY] %s sink failed for session=%s type=%s: %v", s.Name(), ev.SessionID, ev.Type, err)
		}
	}
}

// WebhookConfig configures a generic JSON-POST webhook sink, also used
// as the backing transport for Slack/Discord-shaped payloads.
type WebhookConfig struct {
	URL         string               `yaml:"url" json:"url"`
	EventTypes  []session.EventType  `yaml:"event_types,omitempty" json:"event_types,omitempty"`
}

type webhookSink struct {
	name   string
	config WebhookConfig
	client *http.Client
	build  func(session.CollaborationEvent) any
}

func newWebhookSink(name string, cfg WebhookConfig, build func(session.CollaborationEvent) any) *webhookSink {
	return &webhookSink{
		name:   name,
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		build:  build,
	}
}

func (w *webhookSink) Name() string { return w.name }

func (w *webhookSink) ShouldNotify(ev session.CollaborationEvent) bool {
	if len(w.config.EventTypes) == 0 {
		return true
	}
	for _, t := range w.config.EventTypes {
		if t == ev.Type {
			return true
		}
	}
	return false
}

func (w *webhookSink) Send(ev session.CollaborationEvent) error {
	if w.config.URL == "" {
		return fmt.Errorf("%s webhook URL not configured", w.name)
	}
	payload := w.build(ev)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", w.name, err)
	}
	resp, err := w.client.Post(w.config.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s webhook: %w", w.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook returned status %d", w.name, resp.StatusCode)
	}
	return nil
}

// NewSlackSink builds a Sink that posts Slack-attachment-shaped
// messages, mirroring the teacher's SlackNotifier.Send field layout.
func NewSlackSink(cfg WebhookConfig) Sink {
	return newWebhookSink("slack", cfg, func(ev session.CollaborationEvent) any {
		return map[string]any{
			"text": fmt.Sprintf("coordination event: %s", ev.Type),
			"attachments": []map[string]any{{
				"color": slackColor(ev.Type),
				"title": string(ev.Type),
				"fields": []map[string]any{
					{"title": "Session", "value": ev.SessionID, "short": true},
					{"title": "Time", "value": ev.CreatedAt.Format(time.RFC3339), "short": true},
				},
			}},
		}
	})
}

func slackColor(t session.EventType) string {
	switch t {
	case session.EventConflictDetected:
		return "danger"
	case session.EventSessionPaused:
		return "warning"
	default:
		return "good"
	}
}

// NewDiscordSink builds a Sink that posts Discord-embed-shaped
// messages, mirroring the teacher's DiscordNotifier.Send field layout.
func NewDiscordSink(cfg WebhookConfig) Sink {
	return newWebhookSink("discord", cfg, func(ev session.CollaborationEvent) any {
		return map[string]any{
			"embeds": []map[string]any{{
				"title":       string(ev.Type),
				"description": fmt.Sprintf("session %s", ev.SessionID),
				"timestamp":   ev.CreatedAt.Format(time.RFC3339),
			}},
		}
	})
}

// NewWebhookSink builds a plain JSON-POST sink for arbitrary
// operator-configured endpoints (e.g. an email-gateway HTTP bridge,
// in place of the teacher's SMTP-based email notifier).
func NewWebhookSink(cfg WebhookConfig) Sink {
	return newWebhookSink("webhook", cfg, func(ev session.CollaborationEvent) any { return ev })
}
