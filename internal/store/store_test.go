package store

import (
	"context"
	"testing"
	"time"

	"github.com/coordinatord/coordinatord/internal/model"
)

// runStoreSuite exercises the Store contract against any backend; both
// MemStore and SQLStore must pass it identically.
func runStoreSuite(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	t.Run("task lifecycle", func(t *testing.T) {
		task := &model.Task{
			ID:          model.NewTaskID(),
			Type:        model.TaskFixBug,
			Description: "fix the off-by-one",
			Priority:    model.PriorityHigh,
			Status:      model.StatusQueued,
		}
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}

		got, err := st.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != model.StatusQueued {
			t.Errorf("expected queued, got %s", got.Status)
		}

		queued, err := st.ListTasksByStatus(ctx, model.StatusQueued)
		if err != nil {
			t.Fatalf("ListTasksByStatus: %v", err)
		}
		if len(queued) == 0 {
			t.Error("expected at least one queued task")
		}

		err = st.UpdateTaskStatus(ctx, task.ID, model.StatusQueued, model.StatusClaimed, func(tk *model.Task) {
			tk.AssignedTo = model.AgentExecutor
		})
		if err != nil {
			t.Fatalf("UpdateTaskStatus: %v", err)
		}

		// a stale CAS must fail
		err = st.UpdateTaskStatus(ctx, task.ID, model.StatusQueued, model.StatusClaimed, nil)
		if err == nil {
			t.Error("expected CAS failure on stale expectFrom")
		}

		got, err = st.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask after update: %v", err)
		}
		if got.Status != model.StatusClaimed || got.AssignedTo != model.AgentExecutor {
			t.Errorf("expected claimed/executor, got %s/%s", got.Status, got.AssignedTo)
		}
	})

	t.Run("file locks", func(t *testing.T) {
		granted, err := st.AcquireLocks(ctx, model.AgentExecutor, []string{"a.go", "b.go"}, model.LockWrite, time.Minute)
		if err != nil {
			t.Fatalf("AcquireLocks: %v", err)
		}
		if len(granted) != 2 {
			t.Fatalf("expected 2 locks granted, got %d", len(granted))
		}

		if _, err := st.AcquireLocks(ctx, model.AgentPlanner, []string{"a.go"}, model.LockWrite, time.Minute); err == nil {
			t.Error("expected write-write conflict on a.go")
		}

		locks, err := st.GetLock(ctx, "a.go")
		if err != nil {
			t.Fatalf("GetLock: %v", err)
		}
		if len(locks) != 1 {
			t.Fatalf("expected 1 active lock on a.go, got %d", len(locks))
		}

		all, err := st.ListAllLocks(ctx)
		if err != nil {
			t.Fatalf("ListAllLocks: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 locks across all paths, got %d", len(all))
		}

		if err := st.ReleaseLock(ctx, "a.go", locks[0].LockToken); err != nil {
			t.Fatalf("ReleaseLock: %v", err)
		}
		if err := st.ReleaseLock(ctx, "a.go", locks[0].LockToken); err == nil {
			t.Error("expected error releasing an already-released lock")
		}

		n, err := st.SweepExpiredLocks(ctx, time.Now().Add(24*time.Hour))
		if err != nil {
			t.Fatalf("SweepExpiredLocks: %v", err)
		}
		if n == 0 {
			t.Error("expected at least one lock swept when now is far in the future")
		}
	})

	t.Run("conversation context", func(t *testing.T) {
		cc, err := st.CreateContext(ctx)
		if err != nil {
			t.Fatalf("CreateContext: %v", err)
		}
		if err := st.AppendMessage(ctx, cc.ID, model.Message{Role: model.RoleExecutor, Content: "done", Timestamp: time.Now()}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if err := st.SetSharedState(ctx, cc.ID, "branch", "main"); err != nil {
			t.Fatalf("SetSharedState: %v", err)
		}
		got, err := st.GetContext(ctx, cc.ID)
		if err != nil {
			t.Fatalf("GetContext: %v", err)
		}
		if len(got.Messages) != 1 || got.Messages[0].Content != "done" {
			t.Errorf("expected 1 appended message, got %+v", got.Messages)
		}
		if got.SharedState["branch"] != "main" {
			t.Errorf("expected shared state to persist, got %+v", got.SharedState)
		}
	})

	t.Run("sessions", func(t *testing.T) {
		sess := &model.CollaborationSession{
			ID:     model.NewSessionID(),
			Task:   "ship the feature",
			Mode:   model.ModeOrchestratorWorker,
			Status: model.SessionActive,
		}
		if err := st.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := st.UpdateSessionStatus(ctx, sess.ID, model.SessionActive, model.SessionPaused); err != nil {
			t.Fatalf("UpdateSessionStatus: %v", err)
		}
		got, err := st.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Status != model.SessionPaused {
			t.Errorf("expected paused, got %s", got.Status)
		}
		all, err := st.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(all) == 0 {
			t.Error("expected at least one session")
		}
	})

	t.Run("conflicts", func(t *testing.T) {
		c := &model.FileConflict{
			Path:         "shared.go",
			Agents:       []model.Agent{model.AgentPlanner, model.AgentExecutor},
			ConflictType: model.ConflictSimultaneousWrite,
			DetectedAt:   time.Now(),
		}
		if err := st.CreateConflict(ctx, c); err != nil {
			t.Fatalf("CreateConflict: %v", err)
		}
		unresolved, err := st.ListUnresolvedConflicts(ctx)
		if err != nil {
			t.Fatalf("ListUnresolvedConflicts: %v", err)
		}
		if len(unresolved) == 0 {
			t.Error("expected at least one unresolved conflict")
		}
		if err := st.ResolveConflict(ctx, c.ID, model.ConflictResolution{Strategy: model.ResolveAcceptA, ResolvedBy: model.AgentPlanner}); err != nil {
			t.Fatalf("ResolveConflict: %v", err)
		}
		got, err := st.GetConflict(ctx, c.ID)
		if err != nil {
			t.Fatalf("GetConflict: %v", err)
		}
		if got.Resolution == nil || got.Resolution.Strategy != model.ResolveAcceptA {
			t.Errorf("expected resolution recorded, got %+v", got.Resolution)
		}
	})

	t.Run("handoffs", func(t *testing.T) {
		task := &model.Task{ID: model.NewTaskID(), Description: "handoff me", Status: model.StatusHandedOff, AssignedTo: model.AgentPlanner}
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		h := &model.Handoff{
			TaskID:      task.ID,
			From:        model.AgentPlanner,
			To:          model.AgentExecutor,
			Reason:      "needs implementation",
			RequestedAt: time.Now(),
			Status:      model.HandoffPending,
		}
		if err := st.CreateHandoff(ctx, h); err != nil {
			t.Fatalf("CreateHandoff: %v", err)
		}
		if err := st.AcceptHandoff(ctx, h.ID, model.AgentExecutor); err != nil {
			t.Fatalf("AcceptHandoff: %v", err)
		}
		got, err := st.GetHandoff(ctx, h.ID)
		if err != nil {
			t.Fatalf("GetHandoff: %v", err)
		}
		if got.Status != model.HandoffAccepted {
			t.Errorf("expected accepted, got %s", got.Status)
		}
	})

	t.Run("agent registrations", func(t *testing.T) {
		r := &model.AgentRegistration{
			Token:        model.NewRegistrationID(),
			Agent:        model.AgentExecutor,
			Capabilities: []model.Capability{"testing"},
			Version:      "1.0.0",
			LastSeen:     time.Now(),
		}
		if err := st.RegisterAgent(ctx, r); err != nil {
			t.Fatalf("RegisterAgent: %v", err)
		}
		later := time.Now().Add(time.Minute)
		if err := st.Touch(ctx, r.Token, later); err != nil {
			t.Fatalf("Touch: %v", err)
		}
		got, err := st.GetRegistration(ctx, r.Token)
		if err != nil {
			t.Fatalf("GetRegistration: %v", err)
		}
		if !got.LastSeen.Equal(later) {
			t.Errorf("expected LastSeen updated to %v, got %v", later, got.LastSeen)
		}
	})

	t.Run("agent registration is idempotent by agent identity", func(t *testing.T) {
		first := &model.AgentRegistration{
			Agent:        model.AgentPlanner,
			Capabilities: []model.Capability{"planning"},
			Version:      "1.0.0",
		}
		if err := st.RegisterAgent(ctx, first); err != nil {
			t.Fatalf("first RegisterAgent: %v", err)
		}
		if first.Token == "" {
			t.Fatal("expected a minted token")
		}

		second := &model.AgentRegistration{
			Agent:        model.AgentPlanner,
			Capabilities: []model.Capability{"planning", "review"},
			Version:      "1.1.0",
		}
		if err := st.RegisterAgent(ctx, second); err != nil {
			t.Fatalf("second RegisterAgent: %v", err)
		}
		if second.Token != first.Token {
			t.Errorf("expected re-registration to reuse the existing token %q, got %q", first.Token, second.Token)
		}

		got, err := st.GetRegistration(ctx, first.Token)
		if err != nil {
			t.Fatalf("GetRegistration: %v", err)
		}
		if len(got.Capabilities) != 2 || got.Version != "1.1.0" {
			t.Errorf("expected the registration's capabilities/version refreshed, got %+v", got)
		}
	})
}

func TestMemStoreSuite(t *testing.T) {
	runStoreSuite(t, NewMemStore())
}
