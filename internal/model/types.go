// Package model defines the shared data types of the coordination engine:
// tasks, locks, conversation contexts, sessions, conflicts, and the
// envelope/error shapes every component returns.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent identifies one of the closed set of participants.
type Agent string

const (
	AgentPlanner  Agent = "planner"
	AgentExecutor Agent = "executor"
	AgentUser     Agent = "user"
)

// Valid reports whether a is one of the known agent identities.
func (a Agent) Valid() bool {
	switch a {
	case AgentPlanner, AgentExecutor, AgentUser:
		return true
	}
	return false
}

// Capability is an opaque string drawn from a fixed vocabulary and
// compared by equality only.
type Capability string

// TaskType enumerates work categories; it maps to required capabilities
// via RequiredCapabilities.
type TaskType string

const (
	TaskImplementFeature TaskType = "implement-feature"
	TaskWriteTests       TaskType = "write-tests"
	TaskRefactorCode     TaskType = "refactor-code"
	TaskFixBug           TaskType = "fix-bug"
	TaskReviewCode       TaskType = "review-code"
	TaskUpdateDocs       TaskType = "update-docs"
	TaskDefineContract   TaskType = "define-contract"
	TaskImplementMock    TaskType = "implement-mock"
)

// requiredCapabilities is the fixed task type -> capability-set table
// from the glossary. Unknown types fall back to {typescript-development}.
var requiredCapabilities = map[TaskType][]Capability{
	TaskImplementFeature: {"typescript-development", "svelte-development"},
	TaskWriteTests:       {"testing"},
	TaskRefactorCode:     {"refactoring", "typescript-development"},
	TaskFixBug:           {"debugging", "typescript-development"},
	TaskReviewCode:       {"code-review"},
	TaskUpdateDocs:       {"documentation"},
	TaskDefineContract:   {"contract-definition"},
	TaskImplementMock:    {"mock-implementation", "typescript-development"},
}

// RequiredCapabilities returns the capability set a task of type t
// requires. Unknown types get a safe default.
func RequiredCapabilities(t TaskType) []Capability {
	if caps, ok := requiredCapabilities[t]; ok {
		return caps
	}
	return []Capability{"typescript-development"}
}

// MatchesCapabilities reports whether t's required capabilities
// intersect the caller's capability set.
func MatchesCapabilities(t TaskType, have map[Capability]bool) bool {
	for _, c := range RequiredCapabilities(t) {
		if have[c] {
			return true
		}
	}
	return false
}

// Priority orders tasks within the queue; higher rank wins, ties broken
// by earliest CreatedAt.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the total-order rank used for queue comparisons; unknown
// values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusClaimed    TaskStatus = "claimed"
	StatusInProgress TaskStatus = "in-progress"
	StatusHandedOff  TaskStatus = "handed-off"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether s is a terminal task status.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// taskTransitions enumerates the lifecycle edges permitted by spec.md §3.
var taskTransitions = map[TaskStatus][]TaskStatus{
	StatusQueued:     {StatusClaimed},
	StatusClaimed:    {StatusInProgress, StatusCompleted, StatusHandedOff, StatusBlocked, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusHandedOff, StatusBlocked},
	StatusHandedOff:  {StatusClaimed, StatusInProgress},
	StatusBlocked:    {StatusQueued, StatusClaimed, StatusInProgress},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition reports whether from->to is a legal status transition.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskResult is the outcome of a completed or failed task.
type TaskResult struct {
	Success       bool       `json:"success"`
	Output        string     `json:"output"`
	FilesModified []string   `json:"files_modified,omitempty"`
	Error         *TaskError `json:"error,omitempty"`
}

// TaskError carries the structured error a failed task reports.
type TaskError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TaskProgress is a transient progress report; it is never persisted
// beyond its effect on Task.Status/UpdatedAt.
type TaskProgress struct {
	PercentComplete         int      `json:"percent_complete"`
	CurrentStep             string   `json:"current_step"`
	FilesModified           []string `json:"files_modified,omitempty"`
	EstimatedRemainingSecs  *int     `json:"estimated_remaining_seconds,omitempty"`
}

// Task is a unit of work assignable to an agent.
type Task struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Type        TaskType          `json:"type"`
	Description string            `json:"description"`
	Priority    Priority          `json:"priority"`
	Status      TaskStatus        `json:"status"`
	AssignedTo  Agent             `json:"assigned_to,omitempty"`
	Context     TaskContext       `json:"context"`
	Result      *TaskResult       `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TaskContext is the structured blob a task carries: target files,
// requirements, constraints, and a digest of prior conversation.
type TaskContext struct {
	Files             []string          `json:"files,omitempty"`
	Requirements      []string          `json:"requirements,omitempty"`
	Constraints       []string          `json:"constraints,omitempty"`
	PriorMessageDigest string           `json:"prior_message_digest,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// NewTaskID returns a fresh opaque task identifier.
func NewTaskID() string { return "task_" + uuid.NewString() }

// NewLockID returns a fresh opaque lock token.
func NewLockID() string { return "lock_" + uuid.NewString() }

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string { return "session_" + uuid.NewString() }

// NewContextID returns a fresh opaque conversation-context identifier.
func NewContextID() string { return "context_" + uuid.NewString() }

// NewConflictID returns a fresh opaque file-conflict identifier.
func NewConflictID() string { return "conflict_" + uuid.NewString() }

// NewHandoffID returns a fresh opaque handoff identifier.
func NewHandoffID() string { return "handoff_" + uuid.NewString() }

// NewRegistrationID returns a fresh opaque agent-registration token.
func NewRegistrationID() string { return "reg_" + uuid.NewString() }

// Validate checks field-level invariants that do not depend on other
// tasks or on current time.
func (t *Task) Validate() error {
	if t.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch t.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent, "":
	default:
		return fmt.Errorf("invalid priority: %s", t.Priority)
	}
	return nil
}

// LockOperation is the kind of access a FileLock grants.
type LockOperation string

const (
	LockRead   LockOperation = "read"
	LockWrite  LockOperation = "write"
	LockDelete LockOperation = "delete"
)

// Exclusive reports whether op requires sole ownership of the path.
func (op LockOperation) Exclusive() bool {
	return op == LockWrite || op == LockDelete
}

// FileLock is an advisory hold on a file path.
type FileLock struct {
	Path       string        `json:"path"`
	Owner      Agent         `json:"owner"`
	LockToken  string        `json:"lock_token"`
	Operation  LockOperation `json:"operation"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Expired reports whether the lock is expired as of now (expires_at == now
// counts as expired per spec.md §8).
func (l FileLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// MessageRole identifies the speaker of a conversation message.
type MessageRole string

const (
	RoleUser     MessageRole = "user"
	RolePlanner  MessageRole = "planner"
	RoleExecutor MessageRole = "executor"
	RoleSystem   MessageRole = "system"
)

// Message is a single append-only conversation entry.
type Message struct {
	Role      MessageRole       `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ConversationContext is the durable, append-only shared context of a
// collaboration.
type ConversationContext struct {
	ID          string            `json:"id"`
	Messages    []Message         `json:"messages"`
	SharedState map[string]string `json:"shared_state,omitempty"`
	LastUpdated time.Time         `json:"last_updated"`
}

// SessionMode is the collaboration pattern seeded by start_collaboration.
type SessionMode string

const (
	ModeOrchestratorWorker SessionMode = "orchestrator-worker"
	ModePeerToPeer         SessionMode = "peer-to-peer"
	ModeParallel           SessionMode = "parallel"
)

// SessionStatus is the CollaborationSession lifecycle state.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCancelled SessionStatus = "cancelled"
	SessionCompleted SessionStatus = "completed"
)

// IsTerminal reports whether s is a terminal session status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCancelled || s == SessionCompleted
}

// CollaborationSession groups tasks under a user-visible session.
type CollaborationSession struct {
	ID           string        `json:"id"`
	Task         string        `json:"task"`
	Mode         SessionMode   `json:"mode"`
	LeadAgent    Agent         `json:"lead_agent,omitempty"`
	Participants []Agent       `json:"participants,omitempty"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ContextID    string        `json:"context_id"`
}

// ConflictType classifies a detected FileConflict.
type ConflictType string

const (
	ConflictSimultaneousWrite ConflictType = "simultaneous-write"
	ConflictEditDeleted       ConflictType = "edit-deleted"
	ConflictStaleEdit         ConflictType = "stale-edit"
)

// ResolutionStrategy is how a FileConflict was resolved.
type ResolutionStrategy string

const (
	ResolveAcceptA ResolutionStrategy = "accept-a"
	ResolveAcceptB ResolutionStrategy = "accept-b"
	ResolveMerge   ResolutionStrategy = "merge"
	ResolveManual  ResolutionStrategy = "manual"
)

// ConflictResolution records how a FileConflict was settled.
type ConflictResolution struct {
	Strategy      ResolutionStrategy `json:"strategy"`
	FinalContent  string             `json:"final_content,omitempty"`
	ResolvedBy    Agent              `json:"resolved_by"`
	ResolvedAt    time.Time          `json:"resolved_at"`
}

// FileConflict records contention over a path detected during lock
// acquisition.
type FileConflict struct {
	ID           string               `json:"id"`
	SessionID    string               `json:"session_id,omitempty"`
	Path         string               `json:"path"`
	Agents       []Agent              `json:"agents"`
	ConflictType ConflictType         `json:"conflict_type"`
	DetectedAt   time.Time            `json:"detected_at"`
	Resolution   *ConflictResolution  `json:"resolution,omitempty"`
}

// Handoff records a mediated transfer of a claimed task between agents.
type Handoff struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	From         Agent        `json:"from"`
	To           Agent        `json:"to"`
	Reason       string       `json:"reason"`
	CurrentState string       `json:"current_state"`
	NextSteps    []string     `json:"next_steps,omitempty"`
	RequestedAt  time.Time    `json:"requested_at"`
	Status       HandoffStatus `json:"status"`
}

// HandoffStatus is the lifecycle of a Handoff record.
type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffAccepted HandoffStatus = "accepted"
)

// AgentRegistration is what register_agent stores per agent.
type AgentRegistration struct {
	Token        string       `json:"token"`
	Agent        Agent        `json:"agent"`
	Capabilities []Capability `json:"capabilities"`
	Version      string       `json:"version"`
	LastSeen     time.Time    `json:"last_seen"`
}
