// Package locks implements the advisory file-lock registry: multiple
// readers may hold a path concurrently, but a writer or deleter needs
// sole ownership. Locks expire after a TTL and are swept periodically
// so a crashed agent cannot wedge a path forever.
package locks

import (
	"context"
	"log"
	"time"

	"github.com/coordinatord/coordinatord/internal/model"
	"github.com/coordinatord/coordinatord/internal/session"
	"github.com/coordinatord/coordinatord/internal/store"
)

// DefaultTTL is the lock lifetime applied when a caller doesn't
// request a specific duration, for both read and write/delete locks
// per SPEC_FULL §9 Open Question (iv).
const DefaultTTL = 5 * time.Minute

// SweepInterval is how often the background sweeper clears expired
// locks from the backing store.
const SweepInterval = 30 * time.Second

// Registry is the Lock Registry component, built directly on
// store.Store's atomic lock operations.
type Registry struct {
	store store.Store
	bus   *session.EventBus

	stop chan struct{}
}

// New constructs a Registry over st, publishing lock-granted and
// conflict-detected events onto bus. Call Run to start the
// background expiry sweeper.
func New(st store.Store, bus *session.EventBus) *Registry {
	return &Registry{store: st, bus: bus, stop: make(chan struct{})}
}

// Run starts the background sweep loop; it blocks until ctx is
// cancelled or Close is called.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			n, err := r.store.SweepExpiredLocks(ctx, time.Now())
			if err != nil {
				log.Printf("[LOCKS] sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[LOCKS] swept %d expired locks", n)
			}
		}
	}
}

// Close stops the background sweeper.
func (r *Registry) Close() { close(r.stop) }

// RequestAccess attempts to acquire op-access to every path in paths,
// atomically: either all paths are granted or none are. On conflict it
// records a FileConflict for every requested path that is currently
// held by a conflicting lock (whichever agent holds it), and returns
// model.ErrFileAlreadyLocked.
func (r *Registry) RequestAccess(ctx context.Context, owner model.Agent, sessionID string, paths []string, op model.LockOperation, ttl time.Duration) ([]*model.FileLock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	granted, err := r.store.AcquireLocks(ctx, owner, paths, op, ttl)
	if err == nil {
		if r.bus != nil {
			for _, l := range granted {
				r.bus.Publish(session.CollaborationEvent{
					Type:      session.EventLockGranted,
					SessionID: sessionID,
					Payload:   map[string]any{"path": l.Path, "owner": string(l.Owner), "operation": string(l.Operation)},
				})
			}
		}
		return granted, nil
	}

	ce, ok := err.(*model.CoordError)
	if !ok || ce.Code != model.ErrFileAlreadyLocked {
		return nil, err
	}
	r.recordConflicts(ctx, owner, sessionID, paths, op)
	return nil, err
}

func (r *Registry) recordConflicts(ctx context.Context, owner model.Agent, sessionID string, paths []string, op model.LockOperation) {
	now := time.Now()
	for _, p := range paths {
		existing, err := r.store.GetLock(ctx, p)
		if err != nil || len(existing) == 0 {
			continue
		}
		agents := map[model.Agent]bool{owner: true}
		conflicting := false
		for _, l := range existing {
			if l.Expired(now) {
				continue
			}
			if op.Exclusive() || l.Operation.Exclusive() {
				agents[l.Owner] = true
				conflicting = true
			}
		}
		if !conflicting {
			continue
		}
		agentList := make([]model.Agent, 0, len(agents))
		for a := range agents {
			agentList = append(agentList, a)
		}
		conflict := &model.FileConflict{
			SessionID:    sessionID,
			Path:         p,
			Agents:       agentList,
			ConflictType: model.ConflictSimultaneousWrite,
			DetectedAt:   now,
		}
		if err := r.store.CreateConflict(ctx, conflict); err != nil {
			continue
		}
		if r.bus != nil {
			r.bus.Publish(session.CollaborationEvent{
				Type:      session.EventConflictDetected,
				SessionID: sessionID,
				Payload:   map[string]any{"conflict_id": conflict.ID, "path": p},
			})
		}
	}
}

// Release gives up a single held lock. Per §4.2, release is
// idempotent: a grant that was never held (or already expired and was
// swept) is a no-op success, not an error. Any other storage failure is
// logged as a warning and the release still reports success.
func (r *Registry) Release(ctx context.Context, path, lockToken string) error {
	err := r.store.ReleaseLock(ctx, path, lockToken)
	if err == nil {
		return nil
	}
	if ce, ok := err.(*model.CoordError); ok && ce.Code == model.ErrLockNotFound {
		log.Printf("[LOCKS] release of unheld grant %s on %s: %v", lockToken, path, err)
		return nil
	}
	log.Printf("[LOCKS] warning: release of grant %s on %s failed: %v", lockToken, path, err)
	return nil
}

// Status returns the active locks currently held on path.
func (r *Registry) Status(ctx context.Context, path string) ([]*model.FileLock, error) {
	return r.store.GetLock(ctx, path)
}

// AllActive returns every non-expired lock held server-wide, for
// getCollaborationStatus's lock-holder aggregation (the registry has
// no per-session partitioning, matching spec.md §4.4).
func (r *Registry) AllActive(ctx context.Context) ([]*model.FileLock, error) {
	all, err := r.store.ListAllLocks(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*model.FileLock, 0, len(all))
	for _, l := range all {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

// BatchRequest is one entry of an ordered request_batch_file_access
// call: a single {path, operation, agent} triple.
type BatchRequest struct {
	Path      string
	Operation model.LockOperation
	Agent     model.Agent
}

// BatchConflict describes one offending entry in a rejected batch, for
// PARTIAL_GRANT's details.conflicts.
type BatchConflict struct {
	Path  string      `json:"path"`
	Owner model.Agent `json:"owner,omitempty"`
}

// compatibleWith mirrors store.compatible: multiple readers may
// coexist, a writer/deleter needs sole ownership.
func compatibleWith(holders []*model.FileLock, op model.LockOperation, now time.Time) bool {
	for _, l := range holders {
		if l.Expired(now) {
			continue
		}
		if op.Exclusive() || l.Operation.Exclusive() {
			return false
		}
	}
	return true
}

// RequestBatchAccess implements §4.2's request_batch_file_access:
// pre-check every entry against current holders (and earlier entries
// in the same batch), and only if the whole batch would be
// conflict-free does it enter the grant phase. Any grant-phase failure
// (an interleaving acquisition outside this call) rolls back every
// lock this call has granted so far. On either failure path, no
// partial acquisition is left persisted.
func (r *Registry) RequestBatchAccess(ctx context.Context, sessionID string, entries []BatchRequest, ttl time.Duration) ([]*model.FileLock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()

	simulated := make(map[string][]*model.FileLock, len(entries))
	var conflicts []BatchConflict
	for _, e := range entries {
		holders, ok := simulated[e.Path]
		if !ok {
			existing, err := r.store.GetLock(ctx, e.Path)
			if err != nil {
				return nil, err
			}
			holders = existing
		}
		if !compatibleWith(holders, e.Operation, now) {
			for _, l := range holders {
				if !l.Expired(now) {
					conflicts = append(conflicts, BatchConflict{Path: e.Path, Owner: l.Owner})
				}
			}
			simulated[e.Path] = holders
			continue
		}
		simulated[e.Path] = append(holders, &model.FileLock{Path: e.Path, Owner: e.Agent, Operation: e.Operation, AcquiredAt: now, ExpiresAt: now.Add(ttl)})
	}
	if len(conflicts) > 0 {
		return nil, model.NewErrorDetails(model.ErrPartialGrant, "batch file access partially granted", map[string]any{"conflicts": conflicts})
	}

	granted := make([]*model.FileLock, 0, len(entries))
	for _, e := range entries {
		g, err := r.store.AcquireLocks(ctx, e.Agent, []string{e.Path}, e.Operation, ttl)
		if err != nil {
			for _, gl := range granted {
				_ = r.store.ReleaseLock(ctx, gl.Path, gl.LockToken)
			}
			return nil, model.NewErrorDetails(model.ErrPartialGrant, "batch file access partially granted", map[string]any{"conflicts": []BatchConflict{{Path: e.Path}}})
		}
		granted = append(granted, g...)
	}

	if r.bus != nil {
		for _, l := range granted {
			r.bus.Publish(session.CollaborationEvent{
				Type:      session.EventLockGranted,
				SessionID: sessionID,
				Payload:   map[string]any{"path": l.Path, "owner": string(l.Owner), "operation": string(l.Operation)},
			})
		}
	}
	return granted, nil
}
