package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coordinatord/coordinatord/internal/locks"
	"github.com/coordinatord/coordinatord/internal/model"
	"github.com/coordinatord/coordinatord/internal/queue"
	"github.com/coordinatord/coordinatord/internal/ratelimit"
	"github.com/coordinatord/coordinatord/internal/session"
	"github.com/coordinatord/coordinatord/internal/store"
)

func newTestServer() *Server {
	st := store.NewMemStore()
	mgr := session.New(st)
	q := queue.New(st, mgr.Bus())
	l := locks.New(st, mgr.Bus())
	limiter := ratelimit.New(ratelimit.Config{DefaultPerMin: 1000, ExcludedPaths: []string{"/health", "/metrics"}})
	return New(st, mgr, q, l, limiter, nil)
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) model.Envelope {
	t.Helper()
	var env model.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body=%s)", err, rec.Body.String())
	}
	return env
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); !env.Success {
		t.Error("expected a successful envelope")
	}
}

func TestHandleStartSessionRequiresTask(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(map[string]any{"mode": model.ModeParallel})
	req := httptest.NewRequest(http.MethodPost, "/api/session/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartSessionThenGetStatus(t *testing.T) {
	var attached string
	st := store.NewMemStore()
	mgr := session.New(st)
	q := queue.New(st, mgr.Bus())
	l := locks.New(st, mgr.Bus())
	limiter := ratelimit.New(ratelimit.Config{DefaultPerMin: 1000, ExcludedPaths: []string{"/health"}})
	s := New(st, mgr, q, l, limiter, func(id string) { attached = id })

	body, _ := json.Marshal(map[string]any{"task": "ship it", "mode": model.ModeParallel, "lead_agent": model.AgentPlanner})
	req := httptest.NewRequest(http.MethodPost, "/api/session/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %+v", env.Data)
	}
	sessionID, _ := data["id"].(string)
	if sessionID == "" {
		t.Fatal("expected a session id in the response")
	}
	if attached != sessionID {
		t.Errorf("expected onSessionStarted callback with %s, got %s", sessionID, attached)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/api/session/"+sessionID+"/status", nil)
	statusRec := httptest.NewRecorder()
	s.Router().ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", statusRec.Code, statusRec.Body.String())
	}
}

func TestHandleGetSessionNotFound(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/session/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	st := store.NewMemStore()
	mgr := session.New(st)
	q := queue.New(st, mgr.Bus())
	l := locks.New(st, mgr.Bus())
	limiter := ratelimit.New(ratelimit.Config{DefaultPerMin: 1})
	s := New(st, mgr, q, l, limiter, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Agent-ID", "agent-1")
	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", rec2.Code)
	}
}

func TestSecurityHeadersReplacesServerHeader(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if got := rec.Header().Get("Server"); got != "coordinatord" {
		t.Errorf("expected Server header coordinatord, got %q", got)
	}
}

func TestHandleAvailableTasksFiltersByCapability(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	if _, err := s.queue.Enqueue(ctx, &model.Task{Type: model.TaskWriteTests, Description: "cover the new code"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.queue.Enqueue(ctx, &model.Task{Type: model.TaskFixBug, Description: "fix it"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/task/available?capabilities=testing", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	tasks, ok := env.Data.([]any)
	if !ok || len(tasks) != 1 {
		t.Fatalf("expected exactly 1 available task, got %+v", env.Data)
	}
}

func TestClaimProgressCompleteLifecycleOverREST(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	task, err := s.queue.Enqueue(ctx, &model.Task{Type: model.TaskFixBug, Description: "fix it"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimBody, _ := json.Marshal(map[string]any{"agent": model.AgentExecutor})
	claimReq := httptest.NewRequest(http.MethodPost, "/api/task/"+task.ID+"/claim", bytes.NewReader(claimBody))
	claimRec := httptest.NewRecorder()
	s.Router().ServeHTTP(claimRec, claimReq)
	if claimRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on claim, got %d: %s", claimRec.Code, claimRec.Body.String())
	}

	progressBody, _ := json.Marshal(map[string]any{
		"agent":    model.AgentExecutor,
		"progress": model.TaskProgress{PercentComplete: 50, CurrentStep: "working"},
	})
	progressReq := httptest.NewRequest(http.MethodPost, "/api/task/"+task.ID+"/progress", bytes.NewReader(progressBody))
	progressRec := httptest.NewRecorder()
	s.Router().ServeHTTP(progressRec, progressReq)
	if progressRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on progress, got %d: %s", progressRec.Code, progressRec.Body.String())
	}

	completeBody, _ := json.Marshal(map[string]any{
		"agent":  model.AgentExecutor,
		"result": model.TaskResult{Success: true, Output: "done"},
	})
	completeReq := httptest.NewRequest(http.MethodPost, "/api/task/"+task.ID+"/complete", bytes.NewReader(completeBody))
	completeRec := httptest.NewRecorder()
	s.Router().ServeHTTP(completeRec, completeReq)
	if completeRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on complete, got %d: %s", completeRec.Code, completeRec.Body.String())
	}
	env := decodeEnvelope(t, completeRec)
	data, ok := env.Data.(map[string]any)
	if !ok || data["status"] != string(model.StatusCompleted) {
		t.Fatalf("expected completed task, got %+v", env.Data)
	}
}

func TestHandleRegisterAgentRejectsEmptyCapabilities(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(map[string]any{"agent": model.AgentExecutor, "version": "1.0.0"})
	req := httptest.NewRequest(http.MethodPost, "/api/agent/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRegisterAgentSucceeds(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(map[string]any{
		"agent":        model.AgentExecutor,
		"capabilities": []model.Capability{"testing"},
		"version":      "1.0.0",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/agent/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequestAndAcceptHandoffOverREST(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	task, err := s.queue.Enqueue(ctx, &model.Task{Type: model.TaskFixBug, Description: "fix it"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.queue.Claim(ctx, task.ID, model.AgentPlanner); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	handoffBody, _ := json.Marshal(map[string]any{
		"task_id":       task.ID,
		"from":          model.AgentPlanner,
		"to":            model.AgentExecutor,
		"reason":        "needs implementation",
		"current_state": "draft complete",
	})
	handoffReq := httptest.NewRequest(http.MethodPost, "/api/handoff", bytes.NewReader(handoffBody))
	handoffRec := httptest.NewRecorder()
	s.Router().ServeHTTP(handoffRec, handoffReq)
	if handoffRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", handoffRec.Code, handoffRec.Body.String())
	}
	env := decodeEnvelope(t, handoffRec)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %+v", env.Data)
	}
	handoffID, _ := data["id"].(string)
	if handoffID == "" {
		t.Fatal("expected a handoff id in the response")
	}

	acceptBody, _ := json.Marshal(map[string]any{"agent": model.AgentExecutor})
	acceptReq := httptest.NewRequest(http.MethodPost, "/api/handoff/"+handoffID+"/accept", bytes.NewReader(acceptBody))
	acceptRec := httptest.NewRecorder()
	s.Router().ServeHTTP(acceptRec, acceptReq)
	if acceptRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", acceptRec.Code, acceptRec.Body.String())
	}
	acceptEnv := decodeEnvelope(t, acceptRec)
	taskData, ok := acceptEnv.Data.(map[string]any)
	if !ok || taskData["status"] != string(model.StatusInProgress) {
		t.Fatalf("expected in-progress task after accept, got %+v", acceptEnv.Data)
	}
}

func TestGetAndPutContext(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	cc, err := s.store.CreateContext(ctx)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/context/"+cc.ID, nil)
	getRec := httptest.NewRecorder()
	s.Router().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}

	putBody, _ := json.Marshal(map[string]any{
		"message": model.Message{Role: model.RoleSystem, Content: "hello"},
	})
	putReq := httptest.NewRequest(http.MethodPut, "/api/context/"+cc.ID, bytes.NewReader(putBody))
	putRec := httptest.NewRecorder()
	s.Router().ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", putRec.Code, putRec.Body.String())
	}
	env := decodeEnvelope(t, putRec)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %+v", env.Data)
	}
	messages, ok := data["messages"].([]any)
	if !ok || len(messages) != 1 {
		t.Fatalf("expected 1 appended message, got %+v", data["messages"])
	}
}

func TestHandleBatchFileAccessGrantsAllWhenFree(t *testing.T) {
	s := newTestServer()

	body, _ := json.Marshal(map[string]any{
		"session_id": "sess-1",
		"requests": []map[string]any{
			{"path": "a.go", "operation": "write", "agent": model.AgentExecutor},
			{"path": "b.go", "operation": "read", "agent": model.AgentExecutor},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/lock/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatalf("expected a successful envelope, got %+v", env.Error)
	}
	granted, ok := env.Data.([]any)
	if !ok || len(granted) != 2 {
		t.Fatalf("expected 2 granted locks, got %+v", env.Data)
	}
}

func TestHandleBatchFileAccessPartialGrantRollsBack(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	if _, err := s.locks.RequestAccess(ctx, model.AgentPlanner, "sess-1", []string{"b.go"}, model.LockWrite, 0); err != nil {
		t.Fatalf("seed lock on b.go: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"session_id": "sess-1",
		"requests": []map[string]any{
			{"path": "a.go", "operation": "write", "agent": model.AgentExecutor},
			{"path": "b.go", "operation": "write", "agent": model.AgentExecutor},
			{"path": "c.go", "operation": "write", "agent": model.AgentExecutor},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/lock/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Fatal("expected the batch to be rejected")
	}
	if env.Error.Code != model.ErrPartialGrant {
		t.Errorf("expected PARTIAL_GRANT, got %s", env.Error.Code)
	}
	details, ok := env.Error.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected details to carry conflicts, got %+v", env.Error.Details)
	}
	conflicts, ok := details["conflicts"].([]any)
	if !ok || len(conflicts) != 1 {
		t.Fatalf("expected exactly 1 conflict entry, got %+v", details["conflicts"])
	}

	aLocks, err := s.locks.Status(ctx, "a.go")
	if err != nil {
		t.Fatalf("Status a.go: %v", err)
	}
	if len(aLocks) != 0 {
		t.Errorf("expected a.go to remain unlocked after the rejected batch, got %+v", aLocks)
	}
}
