// Package dispatcher implements the Tool Dispatcher: the closed set of
// six tools an executor agent may call, plus list_tools, wrapped in the
// model.Envelope shape. It is grounded on the teacher's
// mcp.ToolRegistry/ToolHandler pattern, narrowed from an open registry
// to a fixed enum per SPEC_FULL §4.5/§6.2.
package dispatcher

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/coordinatord/coordinatord/internal/locks"
	"github.com/coordinatord/coordinatord/internal/model"
	"github.com/coordinatord/coordinatord/internal/queue"
	"github.com/coordinatord/coordinatord/internal/session"
)

// ToolName is one of the closed set of tools exposed to the executor
// agent.
type ToolName string

const (
	ToolCheckForTasks          ToolName = "checkForTasks"
	ToolClaimTask              ToolName = "claimTask"
	ToolSubmitTaskResult       ToolName = "submitTaskResult"
	ToolRequestFileAccess      ToolName = "requestFileAccess"
	ToolReleaseFileAccess      ToolName = "releaseFileAccess"
	ToolGetCollaborationStatus ToolName = "getCollaborationStatus"
)

// AllTools lists every tool in the closed enum, for list_tools.
func AllTools() []ToolName {
	return []ToolName{
		ToolCheckForTasks, ToolClaimTask, ToolSubmitTaskResult,
		ToolRequestFileAccess, ToolReleaseFileAccess, ToolGetCollaborationStatus,
	}
}

// ToolSchema describes one tool's MCP `tools/list` entry: name,
// human-readable description, and a JSON-Schema `object` describing
// its arguments, per spec §6.2.
type ToolSchema struct {
	Name        ToolName       `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Schemas returns the static schema table for every tool in the closed
// enum, used to answer the MCP `tools/list` method. `agentId` is part
// of every schema except getCollaborationStatus's, though this server's transport
// (§6.2) carries agent identity on the X-Agent-ID header/connection
// rather than requiring callers to repeat it in the arguments body.
func Schemas() []ToolSchema {
	return []ToolSchema{
		{
			Name:        ToolCheckForTasks,
			Description: "List queued tasks matching the executor's declared capabilities, without claiming any.",
			InputSchema: objectSchema(map[string]any{
				"agentId":      map[string]any{"type": "string"},
				"capabilities": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}, "agentId", "capabilities"),
		},
		{
			Name:        ToolClaimTask,
			Description: "Claim a queued task, assigning it to the calling agent.",
			InputSchema: objectSchema(map[string]any{
				"taskId":  map[string]any{"type": "string"},
				"agentId": map[string]any{"type": "string"},
			}, "taskId", "agentId"),
		},
		{
			Name:        ToolSubmitTaskResult,
			Description: "Report the final result of a claimed task, completing or failing it.",
			InputSchema: objectSchema(map[string]any{
				"taskId":        map[string]any{"type": "string"},
				"agentId":       map[string]any{"type": "string"},
				"success":       map[string]any{"type": "boolean"},
				"output":        map[string]any{"type": "string"},
				"filesModified": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"error":         map[string]any{"type": "object"},
			}, "taskId", "agentId", "success", "output"),
		},
		{
			Name:        ToolRequestFileAccess,
			Description: "Acquire an advisory read/write/delete lock on a file path.",
			InputSchema: objectSchema(map[string]any{
				"path":      map[string]any{"type": "string"},
				"operation": map[string]any{"type": "string", "enum": []string{"read", "write", "delete"}},
				"agentId":   map[string]any{"type": "string"},
			}, "path", "operation", "agentId"),
		},
		{
			Name:        ToolReleaseFileAccess,
			Description: "Release a previously-acquired file lock.",
			InputSchema: objectSchema(map[string]any{
				"lockToken": map[string]any{"type": "string"},
				"agentId":   map[string]any{"type": "string"},
				"path":      map[string]any{"type": "string"},
			}, "lockToken", "agentId"),
		},
		{
			Name:        ToolGetCollaborationStatus,
			Description: "Get the aggregated status of a collaboration session.",
			InputSchema: objectSchema(map[string]any{
				"sessionId": map[string]any{"type": "string"},
			}),
		},
	}
}

// Dispatcher executes tool calls on behalf of an authenticated agent.
type Dispatcher struct {
	queue   *queue.Queue
	locks   *locks.Registry
	session *session.Manager
}

// New constructs a Dispatcher wired to the engine's components.
func New(q *queue.Queue, l *locks.Registry, s *session.Manager) *Dispatcher {
	return &Dispatcher{queue: q, locks: l, session: s}
}

// Call dispatches a single tool invocation. Every tool other than
// list_tools and getCollaborationStatus requires the caller to
// identify as the executor agent; spec.md §4.5 reserves the rest of
// the tool surface to the executor role only.
func (d *Dispatcher) Call(ctx context.Context, caller model.Agent, tool ToolName, args json.RawMessage) model.Envelope {
	if tool != "list_tools" && tool != ToolGetCollaborationStatus && caller != model.AgentExecutor {
		return model.Fail(model.ErrInvalidAgent, "tool surface is reserved to the executor agent")
	}

	switch tool {
	case ToolCheckForTasks:
		return d.checkForTasks(ctx, args)
	case ToolClaimTask:
		return d.claimTask(ctx, caller, args)
	case ToolSubmitTaskResult:
		return d.submitTaskResult(ctx, caller, args)
	case ToolRequestFileAccess:
		return d.requestFileAccess(ctx, caller, args)
	case ToolReleaseFileAccess:
		return d.releaseFileAccess(ctx, args)
	case ToolGetCollaborationStatus:
		return d.getCollaborationStatus(ctx, args)
	default:
		return model.Fail(model.ErrUnknownTool, "unknown tool: "+string(tool))
	}
}

type checkForTasksArgs struct {
	Capabilities []model.Capability `json:"capabilities"`
}

func (d *Dispatcher) checkForTasks(ctx context.Context, raw json.RawMessage) model.Envelope {
	var args checkForTasksArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return model.Fail(model.ErrToolError, "invalid arguments: "+err.Error())
	}
	have := make(map[model.Capability]bool, len(args.Capabilities))
	for _, c := range args.Capabilities {
		have[c] = true
	}
	tasks, err := d.queue.Discover(ctx, have)
	if err != nil {
		return model.AsEnvelope(err)
	}
	return model.OK(tasks)
}

type claimTaskArgs struct {
	TaskID string `json:"taskId"`
}

func (d *Dispatcher) claimTask(ctx context.Context, caller model.Agent, raw json.RawMessage) model.Envelope {
	var args claimTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return model.Fail(model.ErrToolError, "invalid arguments: "+err.Error())
	}
	t, err := d.queue.Claim(ctx, args.TaskID, caller)
	if err != nil {
		return model.AsEnvelope(err)
	}
	return model.OK(t)
}

type submitTaskResultArgs struct {
	TaskID        string           `json:"taskId"`
	Success       bool             `json:"success"`
	Output        string           `json:"output"`
	FilesModified []string         `json:"filesModified,omitempty"`
	Error         *model.TaskError `json:"error,omitempty"`
}

func (d *Dispatcher) submitTaskResult(ctx context.Context, caller model.Agent, raw json.RawMessage) model.Envelope {
	var args submitTaskResultArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return model.Fail(model.ErrToolError, "invalid arguments: "+err.Error())
	}
	result := model.TaskResult{
		Success:       args.Success,
		Output:        args.Output,
		FilesModified: args.FilesModified,
		Error:         args.Error,
	}
	t, err := d.queue.Complete(ctx, args.TaskID, caller, result)
	if err != nil {
		return model.AsEnvelope(err)
	}
	return model.OK(t)
}

type requestFileAccessArgs struct {
	SessionID  string `json:"sessionId,omitempty"`
	Path       string `json:"path"`
	Operation  string `json:"operation"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

func (d *Dispatcher) requestFileAccess(ctx context.Context, caller model.Agent, raw json.RawMessage) model.Envelope {
	var args requestFileAccessArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return model.Fail(model.ErrToolError, "invalid arguments: "+err.Error())
	}
	if args.Path == "" {
		return model.Fail(model.ErrToolError, "path is required")
	}
	op := model.LockOperation(args.Operation)
	switch op {
	case model.LockRead, model.LockWrite, model.LockDelete:
	default:
		return model.Fail(model.ErrToolError, "invalid operation: "+args.Operation)
	}
	var ttl time.Duration
	if args.TTLSeconds > 0 {
		ttl = time.Duration(args.TTLSeconds) * time.Second
	}
	granted, err := d.locks.RequestAccess(ctx, caller, args.SessionID, []string{args.Path}, op, ttl)
	if err != nil {
		return model.AsEnvelope(err)
	}
	return model.OK(granted)
}

type releaseFileAccessArgs struct {
	Path      string `json:"path"`
	LockToken string `json:"lockToken"`
}

func (d *Dispatcher) releaseFileAccess(ctx context.Context, raw json.RawMessage) model.Envelope {
	var args releaseFileAccessArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return model.Fail(model.ErrToolError, "invalid arguments: "+err.Error())
	}
	if err := d.locks.Release(ctx, args.Path, args.LockToken); err != nil {
		return model.AsEnvelope(err)
	}
	return model.OK(map[string]bool{"released": true})
}

type getCollaborationStatusArgs struct {
	SessionID string `json:"sessionId"`
}

// activeTaskStatuses are the statuses spec.md §4.4 counts as
// "active_tasks" in getCollaborationStatus's aggregation.
var activeTaskStatuses = map[model.TaskStatus]bool{
	model.StatusQueued:     true,
	model.StatusClaimed:    true,
	model.StatusInProgress: true,
	model.StatusHandedOff:  true,
	model.StatusBlocked:    true,
}

type progressSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Percent   int `json:"percent"`
}

// getCollaborationStatus aggregates the session record, its active and
// completed tasks, every current server-wide lock holder, and this
// session's pending conflicts, per spec.md §4.4's get_collaboration_status.
func (d *Dispatcher) getCollaborationStatus(ctx context.Context, raw json.RawMessage) model.Envelope {
	var args getCollaborationStatusArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return model.Fail(model.ErrToolError, "invalid arguments: "+err.Error())
	}
	sessionID := args.SessionID
	if sessionID == "" {
		resolved, err := d.session.DefaultSessionID(ctx)
		if err != nil {
			return model.AsEnvelope(err)
		}
		sessionID = resolved
	}

	sess, tasks, err := d.session.Status(ctx, sessionID)
	if err != nil {
		return model.AsEnvelope(err)
	}

	var active, completed []*model.Task
	for _, t := range tasks {
		if activeTaskStatuses[t.Status] {
			active = append(active, t)
		} else {
			completed = append(completed, t)
		}
	}

	progress := progressSummary{Total: len(tasks), Completed: len(completed)}
	if progress.Total > 0 {
		progress.Percent = int(math.Round(100 * float64(progress.Completed) / float64(progress.Total)))
	}

	locksHeld, err := d.locks.AllActive(ctx)
	if err != nil {
		return model.AsEnvelope(err)
	}

	allConflicts, err := d.session.ListUnresolvedConflicts(ctx)
	if err != nil {
		return model.AsEnvelope(err)
	}
	var conflicts []*model.FileConflict
	for _, c := range allConflicts {
		if c.SessionID == sessionID {
			conflicts = append(conflicts, c)
		}
	}

	return model.OK(map[string]any{
		"session":         sess,
		"active_tasks":    active,
		"completed_tasks": completed,
		"locks":           locksHeld,
		"conflicts":       conflicts,
		"progress":        progress,
	})
}
