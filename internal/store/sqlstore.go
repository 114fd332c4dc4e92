package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coordinatord/coordinatord/internal/model"
)

// SQLStore implements Store on top of SQLite via the pure-Go
// modernc.org/sqlite driver, in the schema/query style of the teacher's
// events.SQLiteStore (create-table-if-not-exists + explicit indices).
type SQLStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite-backed store at path and
// initializes its schema. Use ":memory:" for an ephemeral database.
func Open(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite writers are serialized; avoid SQLITE_BUSY
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		assigned_to TEXT,
		context TEXT NOT NULL,
		result TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);

	CREATE TABLE IF NOT EXISTS locks (
		path TEXT NOT NULL,
		owner TEXT NOT NULL,
		lock_token TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_locks_path ON locks(path);

	CREATE TABLE IF NOT EXISTS contexts (
		id TEXT PRIMARY KEY,
		messages TEXT NOT NULL,
		shared_state TEXT NOT NULL,
		last_updated TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		mode TEXT NOT NULL,
		lead_agent TEXT,
		participants TEXT NOT NULL,
		status TEXT NOT NULL,
		context_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		agents TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		detected_at TIMESTAMP NOT NULL,
		resolution TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolution);

	CREATE TABLE IF NOT EXISTS handoffs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		reason TEXT NOT NULL,
		current_state TEXT NOT NULL,
		next_steps TEXT,
		requested_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS registrations (
		token TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		capabilities TEXT NOT NULL,
		version TEXT NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }

// --- Tasks ---

func (s *SQLStore) CreateTask(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = model.NewTaskID()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, type, description, priority, status, assigned_to, context, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		t.ID, t.SessionID, t.Type, t.Description, t.Priority, t.Status, string(t.AssignedTo), string(ctxJSON), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var assignedTo, ctxJSON sql.NullString
	var resultJSON sql.NullString
	if err := row.Scan(&t.ID, &t.SessionID, &t.Type, &t.Description, &t.Priority, &t.Status,
		&assignedTo, &ctxJSON, &resultJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.AssignedTo = model.Agent(assignedTo.String)
	if ctxJSON.Valid && ctxJSON.String != "" {
		_ = json.Unmarshal([]byte(ctxJSON.String), &t.Context)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var res model.TaskResult
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err == nil {
			t.Result = &res
		}
	}
	return &t, nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, type, description, priority, status, assigned_to, context, result, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.ErrTaskNotFound, "task not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func (s *SQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT id, session_id, type, description, priority, status, assigned_to, context, result, created_at, updated_at
		FROM tasks WHERE status = ?
		ORDER BY CASE priority WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC, created_at ASC`, status)
}

func (s *SQLStore) ListTasksBySession(ctx context.Context, sessionID string) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT id, session_id, type, description, priority, status, assigned_to, context, result, created_at, updated_at
		FROM tasks WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
}

func (s *SQLStore) UpdateTaskStatus(ctx context.Context, id string, expectFrom, to model.TaskStatus, fn func(*model.Task)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, session_id, type, description, priority, status, assigned_to, context, result, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return model.NewError(model.ErrTaskNotFound, "task not found: "+id)
	}
	if err != nil {
		return fmt.Errorf("scan task: %w", err)
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

	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	var resultJSON any
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
		resultJSON = string(b)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assigned_to = ?, context = ?, result = ?, updated_at = ? WHERE id = ?`,
		t.Status, string(t.AssignedTo), string(ctxJSON), resultJSON, t.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return tx.Commit()
}

// --- File locks ---

func (s *SQLStore) GetLock(ctx context.Context, path string) ([]*model.FileLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, owner, lock_token, operation, acquired_at, expires_at FROM locks WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()
	var out []*model.FileLock
	for rows.Next() {
		var l model.FileLock
		if err := rows.Scan(&l.Path, &l.Owner, &l.LockToken, &l.Operation, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ListAllLocks returns every currently held lock across all paths, for
// getCollaborationStatus's server-wide lock-holder aggregation.
func (s *SQLStore) ListAllLocks(ctx context.Context) ([]*model.FileLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, owner, lock_token, operation, acquired_at, expires_at FROM locks`)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()
	var out []*model.FileLock
	for rows.Next() {
		var l model.FileLock
		if err := rows.Scan(&l.Path, &l.Owner, &l.LockToken, &l.Operation, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLStore) AcquireLocks(ctx context.Context, owner model.Agent, paths []string, op model.LockOperation, ttl time.Duration) ([]*model.FileLock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, p := range paths {
		rows, err := tx.QueryContext(ctx, `SELECT operation, expires_at FROM locks WHERE path = ?`, p)
		if err != nil {
			return nil, fmt.Errorf("query locks: %w", err)
		}
		var existing []*model.FileLock
		for rows.Next() {
			var l model.FileLock
			if err := rows.Scan(&l.Operation, &l.ExpiresAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan lock: %w", err)
			}
			existing = append(existing, &l)
		}
		rows.Close()
		if !compatible(existing, op, now) {
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
		_, err := tx.ExecContext(ctx, `
			INSERT INTO locks (path, owner, lock_token, operation, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
			l.Path, l.Owner, l.LockToken, l.Operation, l.AcquiredAt, l.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("insert lock: %w", err)
		}
		granted = append(granted, l)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit locks: %w", err)
	}
	return granted, nil
}

func (s *SQLStore) ReleaseLock(ctx context.Context, path, lockToken string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE path = ? AND lock_token = ?`, path, lockToken)
	if err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.NewError(model.ErrLockNotFound, "lock not found: "+lockToken)
	}
	return nil
}

func (s *SQLStore) SweepExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// --- Conversation contexts ---

func (s *SQLStore) CreateContext(ctx context.Context) (*model.ConversationContext, error) {
	c := &model.ConversationContext{
		ID:          model.NewContextID(),
		SharedState: make(map[string]string),
		LastUpdated: time.Now(),
	}
	msgsJSON, _ := json.Marshal(c.Messages)
	stateJSON, _ := json.Marshal(c.SharedState)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contexts (id, messages, shared_state, last_updated) VALUES (?, ?, ?, ?)`,
		c.ID, string(msgsJSON), string(stateJSON), c.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("insert context: %w", err)
	}
	return c, nil
}

func (s *SQLStore) GetContext(ctx context.Context, id string) (*model.ConversationContext, error) {
	var c model.ConversationContext
	var msgsJSON, stateJSON string
	err := s.db.QueryRowContext(ctx, `SELECT id, messages, shared_state, last_updated FROM contexts WHERE id = ?`, id).
		Scan(&c.ID, &msgsJSON, &stateJSON, &c.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.ErrContextNotFound, "context not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan context: %w", err)
	}
	_ = json.Unmarshal([]byte(msgsJSON), &c.Messages)
	_ = json.Unmarshal([]byte(stateJSON), &c.SharedState)
	return &c, nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, id string, msg model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var msgsJSON string
	if err := tx.QueryRowContext(ctx, `SELECT messages FROM contexts WHERE id = ?`, id).Scan(&msgsJSON); err != nil {
		if err == sql.ErrNoRows {
			return model.NewError(model.ErrContextNotFound, "context not found: "+id)
		}
		return fmt.Errorf("select messages: %w", err)
	}
	var msgs []model.Message
	_ = json.Unmarshal([]byte(msgsJSON), &msgs)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msgs = append(msgs, msg)
	newJSON, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE contexts SET messages = ?, last_updated = ? WHERE id = ?`,
		string(newJSON), time.Now(), id); err != nil {
		return fmt.Errorf("update messages: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) SetSharedState(ctx context.Context, id, key, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var stateJSON string
	if err := tx.QueryRowContext(ctx, `SELECT shared_state FROM contexts WHERE id = ?`, id).Scan(&stateJSON); err != nil {
		if err == sql.ErrNoRows {
			return model.NewError(model.ErrContextNotFound, "context not found: "+id)
		}
		return fmt.Errorf("select shared_state: %w", err)
	}
	state := map[string]string{}
	_ = json.Unmarshal([]byte(stateJSON), &state)
	state[key] = value
	newJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal shared_state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE contexts SET shared_state = ?, last_updated = ? WHERE id = ?`,
		string(newJSON), time.Now(), id); err != nil {
		return fmt.Errorf("update shared_state: %w", err)
	}
	return tx.Commit()
}

// --- Sessions ---

func (s *SQLStore) CreateSession(ctx context.Context, sess *model.CollaborationSession) error {
	if sess.ID == "" {
		sess.ID = model.NewSessionID()
	}
	now := time.Now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	partJSON, err := json.Marshal(sess.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, task, mode, lead_agent, participants, status, context_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Task, sess.Mode, string(sess.LeadAgent), string(partJSON), sess.Status, sess.ContextID, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (*model.CollaborationSession, error) {
	var sess model.CollaborationSession
	var leadAgent, partJSON string
	if err := row.Scan(&sess.ID, &sess.Task, &sess.Mode, &leadAgent, &partJSON, &sess.Status, &sess.ContextID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.LeadAgent = model.Agent(leadAgent)
	_ = json.Unmarshal([]byte(partJSON), &sess.Participants)
	return &sess, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*model.CollaborationSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task, mode, lead_agent, participants, status, context_id, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.ErrSessionNotFound, "session not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]*model.CollaborationSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task, mode, lead_agent, participants, status, context_id, created_at, updated_at FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []*model.CollaborationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateSessionStatus(ctx context.Context, id string, expectFrom, to model.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now(), id, expectFrom)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		switch to {
		case model.SessionPaused:
			return model.NewError(model.ErrSessionNotActive, "session is not active: "+id)
		case model.SessionActive:
			return model.NewError(model.ErrSessionNotPaused, "session is not paused: "+id)
		default:
			return model.NewError(model.ErrInvalidState, "session status changed concurrently")
		}
	}
	return nil
}

// --- Conflicts ---

func (s *SQLStore) CreateConflict(ctx context.Context, c *model.FileConflict) error {
	if c.ID == "" {
		c.ID = model.NewConflictID()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	agentsJSON, err := json.Marshal(c.Agents)
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, path, agents, conflict_type, detected_at, resolution) VALUES (?, ?, ?, ?, ?, NULL)`,
		c.ID, c.Path, string(agentsJSON), c.ConflictType, c.DetectedAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func scanConflict(row interface{ Scan(...any) error }) (*model.FileConflict, error) {
	var c model.FileConflict
	var agentsJSON string
	var resJSON sql.NullString
	if err := row.Scan(&c.ID, &c.Path, &agentsJSON, &c.ConflictType, &c.DetectedAt, &resJSON); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(agentsJSON), &c.Agents)
	if resJSON.Valid && resJSON.String != "" {
		var res model.ConflictResolution
		if err := json.Unmarshal([]byte(resJSON.String), &res); err == nil {
			c.Resolution = &res
		}
	}
	return &c, nil
}

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*model.FileConflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, path, agents, conflict_type, detected_at, resolution FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.ErrConflictNotFound, "conflict not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ResolveConflict(ctx context.Context, id string, res model.ConflictResolution) error {
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now()
	}
	resJSON, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET resolution = ? WHERE id = ? AND resolution IS NULL`, string(resJSON), id)
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetConflict(ctx, id); err != nil {
			return err
		}
		return model.NewError(model.ErrInvalidState, "conflict already resolved: "+id)
	}
	return nil
}

func (s *SQLStore) ListUnresolvedConflicts(ctx context.Context) ([]*model.FileConflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, agents, conflict_type, detected_at, resolution FROM conflicts WHERE resolution IS NULL ORDER BY detected_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()
	var out []*model.FileConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Handoffs ---

func (s *SQLStore) CreateHandoff(ctx context.Context, h *model.Handoff) error {
	if h.ID == "" {
		h.ID = model.NewHandoffID()
	}
	if h.RequestedAt.IsZero() {
		h.RequestedAt = time.Now()
	}
	if h.Status == "" {
		h.Status = model.HandoffPending
	}
	stepsJSON, err := json.Marshal(h.NextSteps)
	if err != nil {
		return fmt.Errorf("marshal next steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, task_id, from_agent, to_agent, reason, current_state, next_steps, requested_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.TaskID, h.From, h.To, h.Reason, h.CurrentState, string(stepsJSON), h.RequestedAt, h.Status)
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	return nil
}

func (s *SQLStore) GetHandoff(ctx context.Context, id string) (*model.Handoff, error) {
	var h model.Handoff
	var stepsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, from_agent, to_agent, reason, current_state, next_steps, requested_at, status FROM handoffs WHERE id = ?`, id).
		Scan(&h.ID, &h.TaskID, &h.From, &h.To, &h.Reason, &h.CurrentState, &stepsJSON, &h.RequestedAt, &h.Status)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.ErrHandoffNotFound, "handoff not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan handoff: %w", err)
	}
	_ = json.Unmarshal([]byte(stepsJSON), &h.NextSteps)
	return &h, nil
}

func (s *SQLStore) AcceptHandoff(ctx context.Context, id string, to model.Agent) error {
	h, err := s.GetHandoff(ctx, id)
	if err != nil {
		return err
	}
	if h.Status != model.HandoffPending {
		return model.NewError(model.ErrInvalidState, "handoff not pending: "+id)
	}
	if h.To != to {
		return model.NewError(model.ErrHandoffNotForAgent, "handoff not addressed to "+string(to))
	}
	res, err := s.db.ExecContext(ctx, `UPDATE handoffs SET status = ? WHERE id = ? AND status = ?`,
		model.HandoffAccepted, id, model.HandoffPending)
	if err != nil {
		return fmt.Errorf("update handoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.NewError(model.ErrInvalidState, "handoff status changed concurrently")
	}
	return nil
}

// --- Registrations ---

// RegisterAgent is idempotent in the agent identity: re-registering an
// agent that already has a token refreshes its capabilities/version and
// returns the existing token rather than minting a new one.
func (s *SQLStore) RegisterAgent(ctx context.Context, r *model.AgentRegistration) error {
	var existingToken string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM registrations WHERE agent = ?`, r.Agent).Scan(&existingToken)
	switch {
	case err == sql.ErrNoRows:
		if r.Token == "" {
			r.Token = model.NewRegistrationID()
		}
	case err != nil:
		return fmt.Errorf("lookup registration: %w", err)
	default:
		r.Token = existingToken
	}
	r.LastSeen = time.Now()
	capsJSON, err := json.Marshal(r.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registrations (token, agent, capabilities, version, last_seen) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET capabilities = excluded.capabilities, version = excluded.version, last_seen = excluded.last_seen`,
		r.Token, r.Agent, string(capsJSON), r.Version, r.LastSeen)
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

func (s *SQLStore) Touch(ctx context.Context, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE registrations SET last_seen = ? WHERE token = ?`, at, token)
	if err != nil {
		return fmt.Errorf("touch registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.NewError(model.ErrRegistrationNotFound, "registration not found: "+token)
	}
	return nil
}

func (s *SQLStore) GetRegistration(ctx context.Context, token string) (*model.AgentRegistration, error) {
	var r model.AgentRegistration
	var capsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT token, agent, capabilities, version, last_seen FROM registrations WHERE token = ?`, token).
		Scan(&r.Token, &r.Agent, &capsJSON, &r.Version, &r.LastSeen)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.ErrRegistrationNotFound, "registration not found: "+token)
	}
	if err != nil {
		return nil, fmt.Errorf("scan registration: %w", err)
	}
	_ = json.Unmarshal([]byte(capsJSON), &r.Capabilities)
	return &r, nil
}

var _ Store = (*SQLStore)(nil)
