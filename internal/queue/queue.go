// Package queue implements the Task Queue component: task creation,
// capability-matched discovery, claim/execute/complete lifecycle, and
// mediated handoff between agents. All mutation is delegated to
// store.Store's atomic operations; this package only adds the
// capability-matching and transition-sequencing logic, in the style of
// the teacher's tasks.Queue (sortLocked priority ordering) and
// tasks.Task (validTransitions table).
package queue

import (
	"context"
	"time"

	"github.com/coordinatord/coordinatord/internal/model"
	"github.com/coordinatord/coordinatord/internal/session"
	"github.com/coordinatord/coordinatord/internal/store"
)

// Queue is the Task Queue component.
type Queue struct {
	store store.Store
	bus   *session.EventBus
}

// New constructs a Queue over st, publishing task lifecycle events onto
// bus.
func New(st store.Store, bus *session.EventBus) *Queue {
	return &Queue{store: st, bus: bus}
}

func (q *Queue) publish(sessionID string, t session.EventType, payload map[string]any) {
	if q.bus == nil || sessionID == "" {
		return
	}
	q.bus.Publish(session.CollaborationEvent{Type: t, SessionID: sessionID, Payload: payload})
}

// Enqueue creates a new task in the queued state.
func (q *Queue) Enqueue(ctx context.Context, t *model.Task) (*model.Task, error) {
	if err := t.Validate(); err != nil {
		return nil, model.NewError(model.ErrValidation, err.Error())
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	t.Status = model.StatusQueued
	if err := q.store.CreateTask(ctx, t); err != nil {
		return nil, model.NewError(model.ErrEnqueue, err.Error())
	}
	q.publish(t.SessionID, session.EventTaskQueued, map[string]any{"task_id": t.ID})
	return t, nil
}

// Discover is a side-effect-free peek at queued tasks whose required
// capabilities intersect have. Per SPEC_FULL §9 Open Question (i),
// neither this nor the underlying list operation mutates state.
func (q *Queue) Discover(ctx context.Context, have map[model.Capability]bool) ([]*model.Task, error) {
	queued, err := q.store.ListTasksByStatus(ctx, model.StatusQueued)
	if err != nil {
		return nil, err
	}
	var out []*model.Task
	for _, t := range queued {
		if model.MatchesCapabilities(t.Type, have) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Claim assigns a queued task to agent, transitioning queued -> claimed.
// The CAS in store.Store.UpdateTaskStatus guarantees exactly one caller
// wins when several agents race to claim the same task.
func (q *Queue) Claim(ctx context.Context, taskID string, agent model.Agent) (*model.Task, error) {
	err := q.store.UpdateTaskStatus(ctx, taskID, model.StatusQueued, model.StatusClaimed, func(t *model.Task) {
		t.AssignedTo = agent
	})
	if err != nil {
		return nil, err
	}
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	q.publish(t.SessionID, session.EventTaskClaimed, map[string]any{"task_id": t.ID, "agent": string(agent)})
	return t, nil
}

// Start transitions a claimed task into in-progress.
func (q *Queue) Start(ctx context.Context, taskID string, agent model.Agent) (*model.Task, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.AssignedTo != agent {
		return nil, model.NewError(model.ErrTaskNotAssigned, "task not assigned to "+string(agent))
	}
	if err := q.store.UpdateTaskStatus(ctx, taskID, model.StatusClaimed, model.StatusInProgress, nil); err != nil {
		return nil, err
	}
	return q.store.GetTask(ctx, taskID)
}

// ReportProgress advances a claimed task to in-progress on the first
// report; subsequent reports for an already-in-progress task are a
// no-op, per spec §4.3(c). The progress payload itself is transient
// and is not persisted beyond this status effect.
func (q *Queue) ReportProgress(ctx context.Context, taskID string, agent model.Agent, _ model.TaskProgress) (*model.Task, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.AssignedTo != agent {
		return nil, model.NewError(model.ErrTaskNotAssigned, "task not assigned to "+string(agent))
	}
	if t.Status == model.StatusInProgress {
		return t, nil
	}
	if err := q.store.UpdateTaskStatus(ctx, taskID, model.StatusClaimed, model.StatusInProgress, nil); err != nil {
		return nil, err
	}
	return q.store.GetTask(ctx, taskID)
}

// Complete records a task's result and transitions it to its terminal
// state (completed on success, failed otherwise).
func (q *Queue) Complete(ctx context.Context, taskID string, agent model.Agent, result model.TaskResult) (*model.Task, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.AssignedTo != agent {
		return nil, model.NewError(model.ErrTaskNotAssigned, "task not assigned to "+string(agent))
	}
	to := model.StatusCompleted
	evt := session.EventTaskCompleted
	if !result.Success {
		to = model.StatusFailed
		evt = session.EventTaskFailed
	}
	err = q.store.UpdateTaskStatus(ctx, taskID, t.Status, to, func(t *model.Task) {
		r := result
		t.Result = &r
	})
	if err != nil {
		return nil, err
	}
	updated, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	q.publish(updated.SessionID, evt, map[string]any{"task_id": updated.ID})
	return updated, nil
}

// Block marks a task blocked, e.g. because required file access could
// not be acquired.
func (q *Queue) Block(ctx context.Context, taskID string, from model.TaskStatus) (*model.Task, error) {
	if err := q.store.UpdateTaskStatus(ctx, taskID, from, model.StatusBlocked, nil); err != nil {
		return nil, err
	}
	return q.store.GetTask(ctx, taskID)
}

// Unblock returns a blocked task to the queue.
func (q *Queue) Unblock(ctx context.Context, taskID string) (*model.Task, error) {
	err := q.store.UpdateTaskStatus(ctx, taskID, model.StatusBlocked, model.StatusQueued, func(t *model.Task) {
		t.AssignedTo = ""
	})
	if err != nil {
		return nil, err
	}
	return q.store.GetTask(ctx, taskID)
}

// RequestHandoff mediates a transfer of a claimed/in-progress task from
// one agent to another, recording the handed-off reason and next steps
// the receiving agent needs.
func (q *Queue) RequestHandoff(ctx context.Context, taskID string, from, to model.Agent, reason, state string, nextSteps []string) (*model.Handoff, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.AssignedTo != from {
		return nil, model.NewError(model.ErrTaskNotAssigned, "task not assigned to "+string(from))
	}
	if err := q.store.UpdateTaskStatus(ctx, taskID, t.Status, model.StatusHandedOff, nil); err != nil {
		return nil, err
	}
	h := &model.Handoff{
		TaskID:       taskID,
		From:         from,
		To:           to,
		Reason:       reason,
		CurrentState: state,
		NextSteps:    nextSteps,
		RequestedAt:  time.Now(),
		Status:       model.HandoffPending,
	}
	if err := q.store.CreateHandoff(ctx, h); err != nil {
		return nil, err
	}
	q.publish(t.SessionID, session.EventTaskHandedOff, map[string]any{"task_id": taskID, "handoff_id": h.ID, "to": string(to)})
	return h, nil
}

// AcceptHandoff completes a pending handoff: the accepting agent does
// not need a prior register_agent call per SPEC_FULL §9 Open Question
// (iii) — planner/executor/user is a closed set already known to the
// server.
func (q *Queue) AcceptHandoff(ctx context.Context, handoffID string, agent model.Agent) (*model.Task, error) {
	h, err := q.store.GetHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	if err := q.store.AcceptHandoff(ctx, handoffID, agent); err != nil {
		return nil, err
	}
	err = q.store.UpdateTaskStatus(ctx, h.TaskID, model.StatusHandedOff, model.StatusInProgress, func(t *model.Task) {
		t.AssignedTo = agent
	})
	if err != nil {
		return nil, err
	}
	return q.store.GetTask(ctx, h.TaskID)
}

// RegisterAgent records (or refreshes) an agent's declared capability
// set and client version, returning a liveness token used by
// heartbeat-style Touch calls.
func (q *Queue) RegisterAgent(ctx context.Context, agent model.Agent, caps []model.Capability, version string) (*model.AgentRegistration, error) {
	if !agent.Valid() {
		return nil, model.NewError(model.ErrInvalidAgent, "unknown agent: "+string(agent))
	}
	if len(caps) == 0 {
		return nil, model.NewError(model.ErrInvalidCapabilities, "capabilities must not be empty")
	}
	r := &model.AgentRegistration{
		Agent:        agent,
		Capabilities: caps,
		Version:      version,
	}
	if err := q.store.RegisterAgent(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Heartbeat refreshes an agent registration's liveness timestamp.
func (q *Queue) Heartbeat(ctx context.Context, token string) error {
	return q.store.Touch(ctx, token, time.Now())
}
