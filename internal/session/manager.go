// Package session implements the Session Manager: lifecycle control
// over CollaborationSessions (start/pause/resume/cancel/status) and the
// per-session event subscription stream (§4.4).
package session

import (
	"context"
	"strings"
	"time"

	"github.com/coordinatord/coordinatord/internal/model"
	"github.com/coordinatord/coordinatord/internal/store"
)

// preferredLeadAuto is the sentinel value spec §4.4 step 2 uses to ask
// the manager to resolve a lead agent instead of taking one verbatim.
const preferredLeadAuto model.Agent = "auto"

// TaskSeeder enqueues an initial task on behalf of Start's mode-based
// seeding (spec §4.4 step 3). Wired to queue.Queue.Enqueue by
// internal/coordinator after both components exist, so this package
// never imports internal/queue.
type TaskSeeder func(ctx context.Context, t *model.Task) (*model.Task, error)

// Manager is the Session Manager component.
type Manager struct {
	store store.Store
	bus   *EventBus
	seed  TaskSeeder
}

// New constructs a Manager over st, with its own in-process event bus.
func New(st store.Store) *Manager {
	return &Manager{store: st, bus: NewEventBus()}
}

// Bus exposes the manager's event bus so other components (queue,
// locks) can publish into it without importing session internals.
func (m *Manager) Bus() *EventBus { return m.bus }

// SetSeeder wires the task seeder used by Start to populate a new
// session's initial tasks. Must be called once during process
// construction, after the Task Queue exists.
func (m *Manager) SetSeeder(seed TaskSeeder) { m.seed = seed }

// resolveLead implements spec §4.4 step 2: a literal preferredLead is
// used verbatim; 'auto' applies a simple heuristic based on mode and
// task text.
func resolveLead(preferredLead model.Agent, mode model.SessionMode, task string) model.Agent {
	if preferredLead != "" && preferredLead != preferredLeadAuto {
		return preferredLead
	}
	if mode == model.ModeOrchestratorWorker {
		return model.AgentPlanner
	}
	lower := strings.ToLower(task)
	if strings.Contains(lower, "ui") || strings.Contains(lower, "component") {
		return model.AgentExecutor
	}
	return model.AgentPlanner
}

// seedTasksForMode builds the initial task set for a newly started
// session per spec §4.4 step 3.
func seedTasksForMode(sessionID string, mode model.SessionMode, lead model.Agent) []*model.Task {
	switch mode {
	case model.ModeOrchestratorWorker:
		return []*model.Task{{
			SessionID:   sessionID,
			Type:        model.TaskImplementFeature,
			Description: "[for planner] Orchestrate and break down the session's work",
			Priority:    model.PriorityHigh,
			Context: model.TaskContext{
				Constraints: []string{"act as orchestrator", "break down", "assign to executor"},
			},
		}}
	case model.ModePeerToPeer:
		return []*model.Task{
			{
				SessionID:   sessionID,
				Type:        model.TaskDefineContract,
				Description: "[for planner] Define the contract the executor will implement against",
				Priority:    model.PriorityHigh,
			},
			{
				SessionID:   sessionID,
				Type:        model.TaskImplementFeature,
				Description: "[for executor] Implement against the planner's contract",
				Priority:    model.PriorityHigh,
			},
		}
	case model.ModeParallel:
		return []*model.Task{{
			SessionID:   sessionID,
			Type:        model.TaskImplementFeature,
			Description: "[parallel] " + string(lead) + " and peer coordinate on shared files",
			Priority:    model.PriorityHigh,
			Context: model.TaskContext{
				Constraints: []string{"coordinate file access"},
			},
		}}
	default:
		return nil
	}
}

// Start creates a new CollaborationSession with a fresh conversation
// context seeded with a system message, resolves the lead agent,
// persists the session, and seeds its initial tasks per mode (spec
// §4.4 start_collaboration).
func (m *Manager) Start(ctx context.Context, task string, mode model.SessionMode, preferredLead model.Agent, participants []model.Agent) (*model.CollaborationSession, error) {
	cc, err := m.store.CreateContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.store.AppendMessage(ctx, cc.ID, model.Message{
		Role:      model.RoleSystem,
		Content:   "collaboration session started: " + task,
		Timestamp: time.Now(),
	}); err != nil {
		return nil, err
	}

	lead := resolveLead(preferredLead, mode, task)
	sess := &model.CollaborationSession{
		Task:         task,
		Mode:         mode,
		LeadAgent:    lead,
		Participants: participants,
		Status:       model.SessionActive,
		ContextID:    cc.ID,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if m.seed != nil {
		for _, t := range seedTasksForMode(sess.ID, mode, lead) {
			if _, err := m.seed(ctx, t); err != nil {
				return nil, err
			}
		}
	}

	m.bus.Publish(CollaborationEvent{Type: EventSessionResumed, SessionID: sess.ID})
	return sess, nil
}

// Pause suspends an active session.
func (m *Manager) Pause(ctx context.Context, id string) (*model.CollaborationSession, error) {
	if err := m.store.UpdateSessionStatus(ctx, id, model.SessionActive, model.SessionPaused); err != nil {
		return nil, err
	}
	m.bus.Publish(CollaborationEvent{Type: EventSessionPaused, SessionID: id})
	return m.store.GetSession(ctx, id)
}

// Resume reactivates a paused session.
func (m *Manager) Resume(ctx context.Context, id string) (*model.CollaborationSession, error) {
	if err := m.store.UpdateSessionStatus(ctx, id, model.SessionPaused, model.SessionActive); err != nil {
		return nil, err
	}
	m.bus.Publish(CollaborationEvent{Type: EventSessionResumed, SessionID: id})
	return m.store.GetSession(ctx, id)
}

// Cancel terminates a session from any non-terminal status.
func (m *Manager) Cancel(ctx context.Context, id string) (*model.CollaborationSession, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, model.NewError(model.ErrInvalidState, "session already terminal: "+string(sess.Status))
	}
	if err := m.store.UpdateSessionStatus(ctx, id, sess.Status, model.SessionCancelled); err != nil {
		return nil, err
	}
	m.bus.Publish(CollaborationEvent{Type: EventSessionEnded, SessionID: id, Payload: map[string]any{"reason": "cancelled"}})
	return m.store.GetSession(ctx, id)
}

// Complete marks a session completed once its tasks are done.
func (m *Manager) Complete(ctx context.Context, id string) (*model.CollaborationSession, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateSessionStatus(ctx, id, sess.Status, model.SessionCompleted); err != nil {
		return nil, err
	}
	m.bus.Publish(CollaborationEvent{Type: EventSessionEnded, SessionID: id, Payload: map[string]any{"reason": "completed"}})
	return m.store.GetSession(ctx, id)
}

// DefaultSessionID resolves getCollaborationStatus's optional
// sessionId: if exactly one session is currently active, its ID is
// returned; otherwise the call fails per spec.md §4.5's tool table.
func (m *Manager) DefaultSessionID(ctx context.Context) (string, error) {
	all, err := m.store.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	var active []*model.CollaborationSession
	for _, s := range all {
		if s.Status == model.SessionActive {
			active = append(active, s)
		}
	}
	if len(active) != 1 {
		return "", model.NewError(model.ErrValidation, "sessionId is required when not exactly one session is active")
	}
	return active[0].ID, nil
}

// Status returns the current session along with its tasks, for
// GET /api/session/{id}/status. Conflicts are not included.
func (m *Manager) Status(ctx context.Context, id string) (*model.CollaborationSession, []*model.Task, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := m.store.ListTasksBySession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sess, tasks, nil
}

// Subscribe opens an event stream for sessionID, optionally filtered
// to types. The caller must Unsubscribe when done (e.g. on connection
// close) to release the channel.
func (m *Manager) Subscribe(sessionID string, types []EventType) <-chan CollaborationEvent {
	return m.bus.Subscribe(sessionID, types)
}

// Unsubscribe releases a subscription obtained from Subscribe.
func (m *Manager) Unsubscribe(sessionID string, ch <-chan CollaborationEvent) {
	m.bus.Unsubscribe(sessionID, ch)
}

// ResolveConflict records how a detected FileConflict was settled and
// notifies subscribers.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, res model.ConflictResolution) (*model.FileConflict, error) {
	if err := m.store.ResolveConflict(ctx, conflictID, res); err != nil {
		return nil, err
	}
	c, err := m.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	m.bus.Publish(CollaborationEvent{
		Type:      EventConflictDetected,
		SessionID: c.SessionID,
		Payload:   map[string]any{"conflict_id": c.ID, "resolved": true},
	})
	return c, nil
}

// ListUnresolvedConflicts returns conflicts awaiting resolution.
func (m *Manager) ListUnresolvedConflicts(ctx context.Context) ([]*model.FileConflict, error) {
	return m.store.ListUnresolvedConflicts(ctx)
}
