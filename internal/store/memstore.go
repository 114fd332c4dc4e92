package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coordinatord/coordinatord/internal/model"
)

// MemStore is an in-memory Store guarded by a single RWMutex, in the
// style of the teacher's tasks.Queue: map[string] lookups, all
// mutations under one lock.
type MemStore struct {
	mu sync.RWMutex

	tasks    map[string]*model.Task
	locks    map[string][]*model.FileLock // path -> active locks
	contexts map[string]*model.ConversationContext
	sessions map[string]*model.CollaborationSession
	conflicts map[string]*model.FileConflict
	handoffs map[string]*model.Handoff
	regs     map[string]*model.AgentRegistration
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:     make(map[string]*model.Task),
		locks:     make(map[string][]*model.FileLock),
		contexts:  make(map[string]*model.ConversationContext),
		sessions:  make(map[string]*model.CollaborationSession),
		conflicts: make(map[string]*model.FileConflict),
		handoffs:  make(map[string]*model.Handoff),
		regs:      make(map[string]*model.AgentRegistration),
	}
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }
func (s *MemStore) Close() error                   { return nil }

// --- Tasks ---

func (s *MemStore) CreateTask(ctx context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = model.NewTaskID()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, model.NewError(model.ErrTaskNotFound, "task not found: "+id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemStore) ListTasksBySession(ctx context.Context, sessionID string) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdateTaskStatus(ctx context.Context, id string, expectFrom, to model.TaskStatus, fn func(*model.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.NewError(model.ErrTaskNotFound, "task not found: "+id)
	}
	if t.Status != expectFrom {
		if expectFrom == model.StatusQueued && to == model.StatusClaimed {
			return model.NewError(model.ErrTaskAlreadyClaimed, "task already claimed: "+id)
		}
		return model.NewError(model.ErrInvalidState, "task status changed concurrently")
	}
	if !model.CanTransition(expectFrom, to) {
		return model.NewError(model.ErrInvalidState, "illegal transition "+string(expectFrom)+" -> "+string(to))
	}
	if fn != nil {
		fn(t)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

// --- File locks ---

func (s *MemStore) GetLock(ctx context.Context, path string) ([]*model.FileLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	locks := s.locks[path]
	out := make([]*model.FileLock, len(locks))
	for i, l := range locks {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

// ListAllLocks returns every currently held lock across all paths, for
// getCollaborationStatus's server-wide lock-holder aggregation.
func (s *MemStore) ListAllLocks(ctx context.Context) ([]*model.FileLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.FileLock
	for _, locks := range s.locks {
		for _, l := range locks {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// compatible reports whether a new lock request for op can coexist with
// the existing active locks on a path: multiple readers may coexist,
// but a writer/deleter needs sole ownership and a reader blocks any
// writer/deleter.
func compatible(existing []*model.FileLock, op model.LockOperation, now time.Time) bool {
	for _, l := range existing {
		if l.Expired(now) {
			continue
		}
		if op.Exclusive() || l.Operation.Exclusive() {
			return false
		}
	}
	return true
}

func (s *MemStore) AcquireLocks(ctx context.Context, owner model.Agent, paths []string, op model.LockOperation, ttl time.Duration) ([]*model.FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, p := range paths {
		live := liveLocked(s.locks[p], now)
		s.locks[p] = live
		if !compatible(live, op, now) {
			return nil, model.NewError(model.ErrFileAlreadyLocked, "path locked: "+p)
		}
	}

	granted := make([]*model.FileLock, 0, len(paths))
	for _, p := range paths {
		l := &model.FileLock{
			Path:       p,
			Owner:      owner,
			LockToken:  model.NewLockID(),
			Operation:  op,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		s.locks[p] = append(s.locks[p], l)
		cp := *l
		granted = append(granted, &cp)
	}
	return granted, nil
}

func liveLocked(locks []*model.FileLock, now time.Time) []*model.FileLock {
	out := locks[:0:0]
	for _, l := range locks {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	return out
}

func (s *MemStore) ReleaseLock(ctx context.Context, path, lockToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	locks := s.locks[path]
	for i, l := range locks {
		if l.LockToken == lockToken {
			s.locks[path] = append(locks[:i], locks[i+1:]...)
			return nil
		}
	}
	return model.NewError(model.ErrLockNotFound, "lock not found: "+lockToken)
}

func (s *MemStore) SweepExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for p, locks := range s.locks {
		live := make([]*model.FileLock, 0, len(locks))
		for _, l := range locks {
			if l.Expired(now) {
				swept++
				continue
			}
			live = append(live, l)
		}
		if len(live) == 0 {
			delete(s.locks, p)
		} else {
			s.locks[p] = live
		}
	}
	return swept, nil
}

// --- Conversation contexts ---

func (s *MemStore) CreateContext(ctx context.Context) (*model.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &model.ConversationContext{
		ID:          model.NewContextID(),
		SharedState: make(map[string]string),
		LastUpdated: time.Now(),
	}
	s.contexts[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *MemStore) GetContext(ctx context.Context, id string) (*model.ConversationContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, model.NewError(model.ErrContextNotFound, "context not found: "+id)
	}
	cp := *c
	cp.Messages = append([]model.Message(nil), c.Messages...)
	return &cp, nil
}

func (s *MemStore) AppendMessage(ctx context.Context, id string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return model.NewError(model.ErrContextNotFound, "context not found: "+id)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.Messages = append(c.Messages, msg)
	c.LastUpdated = time.Now()
	return nil
}

func (s *MemStore) SetSharedState(ctx context.Context, id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return model.NewError(model.ErrContextNotFound, "context not found: "+id)
	}
	if c.SharedState == nil {
		c.SharedState = make(map[string]string)
	}
	c.SharedState[key] = value
	c.LastUpdated = time.Now()
	return nil
}

// --- Sessions ---

func (s *MemStore) CreateSession(ctx context.Context, sess *model.CollaborationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = model.NewSessionID()
	}
	now := time.Now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemStore) GetSession(ctx context.Context, id string) (*model.CollaborationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, model.NewError(model.ErrSessionNotFound, "session not found: "+id)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemStore) ListSessions(ctx context.Context) ([]*model.CollaborationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.CollaborationSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdateSessionStatus(ctx context.Context, id string, expectFrom, to model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.NewError(model.ErrSessionNotFound, "session not found: "+id)
	}
	if sess.Status != expectFrom {
		switch to {
		case model.SessionPaused:
			return model.NewError(model.ErrSessionNotActive, "session is not active: "+id)
		case model.SessionActive:
			return model.NewError(model.ErrSessionNotPaused, "session is not paused: "+id)
		default:
			return model.NewError(model.ErrInvalidState, "session status changed concurrently")
		}
	}
	sess.Status = to
	sess.UpdatedAt = time.Now()
	return nil
}

// --- Conflicts ---

func (s *MemStore) CreateConflict(ctx context.Context, c *model.FileConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = model.NewConflictID()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	cp := *c
	s.conflicts[c.ID] = &cp
	return nil
}

func (s *MemStore) GetConflict(ctx context.Context, id string) (*model.FileConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, model.NewError(model.ErrConflictNotFound, "conflict not found: "+id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) ResolveConflict(ctx context.Context, id string, res model.ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return model.NewError(model.ErrConflictNotFound, "conflict not found: "+id)
	}
	if c.Resolution != nil {
		return model.NewError(model.ErrInvalidState, "conflict already resolved: "+id)
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now()
	}
	c.Resolution = &res
	return nil
}

func (s *MemStore) ListUnresolvedConflicts(ctx context.Context) ([]*model.FileConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.FileConflict
	for _, c := range s.conflicts {
		if c.Resolution == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// --- Handoffs ---

func (s *MemStore) CreateHandoff(ctx context.Context, h *model.Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == "" {
		h.ID = model.NewHandoffID()
	}
	if h.RequestedAt.IsZero() {
		h.RequestedAt = time.Now()
	}
	if h.Status == "" {
		h.Status = model.HandoffPending
	}
	cp := *h
	s.handoffs[h.ID] = &cp
	return nil
}

func (s *MemStore) GetHandoff(ctx context.Context, id string) (*model.Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handoffs[id]
	if !ok {
		return nil, model.NewError(model.ErrHandoffNotFound, "handoff not found: "+id)
	}
	cp := *h
	return &cp, nil
}

func (s *MemStore) AcceptHandoff(ctx context.Context, id string, to model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handoffs[id]
	if !ok {
		return model.NewError(model.ErrHandoffNotFound, "handoff not found: "+id)
	}
	if h.Status != model.HandoffPending {
		return model.NewError(model.ErrInvalidState, "handoff not pending: "+id)
	}
	if h.To != to {
		return model.NewError(model.ErrHandoffNotForAgent, "handoff not addressed to "+string(to))
	}
	h.Status = model.HandoffAccepted
	return nil
}

// --- Registrations ---

func (s *MemStore) RegisterAgent(ctx context.Context, r *model.AgentRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.regs {
		if existing.Agent == r.Agent {
			existing.Capabilities = r.Capabilities
			existing.Version = r.Version
			existing.LastSeen = time.Now()
			cp := *existing
			*r = cp
			return nil
		}
	}
	if r.Token == "" {
		r.Token = model.NewRegistrationID()
	}
	r.LastSeen = time.Now()
	cp := *r
	s.regs[r.Token] = &cp
	return nil
}

func (s *MemStore) Touch(ctx context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[token]
	if !ok {
		return model.NewError(model.ErrRegistrationNotFound, "registration not found: "+token)
	}
	r.LastSeen = at
	return nil
}

func (s *MemStore) GetRegistration(ctx context.Context, token string) (*model.AgentRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regs[token]
	if !ok {
		return nil, model.NewError(model.ErrRegistrationNotFound, "registration not found: "+token)
	}
	cp := *r
	return &cp, nil
}

var _ Store = (*MemStore)(nil)
