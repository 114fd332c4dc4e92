// Package store implements the durable State Store: the single source
// of truth for tasks, file locks, conversation contexts, collaboration
// sessions, file conflicts and handoffs. Two implementations satisfy
// the same Store interface: memstore (in-memory, process-local) and
// sqlstore (SQLite-backed, durable across restarts).
package store

import (
	"context"
	"time"

	"github.com/coordinatord/coordinatord/internal/model"
)

// Store is the full set of operations the rest of the engine needs
// from the state backend. Every mutating operation is atomic with
// respect to concurrent callers of the same Store.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error)
	ListTasksBySession(ctx context.Context, sessionID string) ([]*model.Task, error)
	// UpdateTaskStatus performs a compare-and-swap: it only applies when
	// the task's current status equals expectFrom, and fails with
	// ErrInvalidState otherwise (ErrTaskAlreadyClaimed when a
	// queued->claimed swap finds the task no longer queued). fn may mutate other task fields before
	// the write (e.g. AssignedTo, Result).
	UpdateTaskStatus(ctx context.Context, id string, expectFrom model.TaskStatus, to model.TaskStatus, fn func(*model.Task)) error

	// File locks
	GetLock(ctx context.Context, path string) ([]*model.FileLock, error)
	ListAllLocks(ctx context.Context) ([]*model.FileLock, error)
	// AcquireLocks attempts to grant all of paths atomically: either every
	// lock is granted or none are (rollback on first conflict).
	AcquireLocks(ctx context.Context, owner model.Agent, paths []string, op model.LockOperation, ttl time.Duration) ([]*model.FileLock, error)
	ReleaseLock(ctx context.Context, path, lockToken string) error
	SweepExpiredLocks(ctx context.Context, now time.Time) (int, error)

	// Conversation contexts
	CreateContext(ctx context.Context) (*model.ConversationContext, error)
	GetContext(ctx context.Context, id string) (*model.ConversationContext, error)
	AppendMessage(ctx context.Context, id string, msg model.Message) error
	SetSharedState(ctx context.Context, id, key, value string) error

	// Collaboration sessions
	CreateSession(ctx context.Context, s *model.CollaborationSession) error
	GetSession(ctx context.Context, id string) (*model.CollaborationSession, error)
	ListSessions(ctx context.Context) ([]*model.CollaborationSession, error)
	UpdateSessionStatus(ctx context.Context, id string, expectFrom model.SessionStatus, to model.SessionStatus) error

	// File conflicts
	CreateConflict(ctx context.Context, c *model.FileConflict) error
	GetConflict(ctx context.Context, id string) (*model.FileConflict, error)
	ResolveConflict(ctx context.Context, id string, res model.ConflictResolution) error
	ListUnresolvedConflicts(ctx context.Context) ([]*model.FileConflict, error)

	// Handoffs
	CreateHandoff(ctx context.Context, h *model.Handoff) error
	GetHandoff(ctx context.Context, id string) (*model.Handoff, error)
	AcceptHandoff(ctx context.Context, id string, to model.Agent) error

	// Agent registrations
	RegisterAgent(ctx context.Context, r *model.AgentRegistration) error
	Touch(ctx context.Context, token string, at time.Time) error
	GetRegistration(ctx context.Context, token string) (*model.AgentRegistration, error)

	// Ping verifies the backend is reachable, for readiness checks.
	Ping(ctx context.Context) error
	// Close releases any resources held by the backend.
	Close() error
}
