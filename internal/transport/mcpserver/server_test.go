package mcpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coordinatord/coordinatord/internal/dispatcher"
	"github.com/coordinatord/coordinatord/internal/locks"
	"github.com/coordinatord/coordinatord/internal/model"
	"github.com/coordinatord/coordinatord/internal/queue"
	"github.com/coordinatord/coordinatord/internal/ratelimit"
	"github.com/coordinatord/coordinatord/internal/session"
	"github.com/coordinatord/coordinatord/internal/store"
)

func newTestMCPServer() *Server {
	st := store.NewMemStore()
	mgr := session.New(st)
	q := queue.New(st, mgr.Bus())
	l := locks.New(st, mgr.Bus())
	limiter := ratelimit.New(ratelimit.Config{DefaultPerMin: 1000})
	return New(dispatcher.New(q, l, mgr), limiter)
}

func postRPC(t *testing.T, s *Server, agentID string, req Request) Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	httpReq.Header.Set("X-Agent-ID", agentID)
	rec := httptest.NewRecorder()
	s.ServeStreamableHTTP(rec, httpReq)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
	return resp
}

func TestInitializeAssignsSessionID(t *testing.T) {
	s := newTestMCPServer()
	body, _ := json.Marshal(Request{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("X-Agent-ID", string(model.AgentPlanner))
	rec := httptest.NewRecorder()
	s.ServeStreamableHTTP(rec, req)

	if rec.Header().Get("Mcp-Session-Id") == "" {
		t.Error("expected initialize to assign an Mcp-Session-Id header")
	}
}

func TestToolsListReturnsClosedSurface(t *testing.T) {
	s := newTestMCPServer()
	resp := postRPC(t, s, string(model.AgentExecutor), Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected a result object, got %+v", resp.Result)
	}
	tools, ok := result["tools"].([]any)
	if !ok || len(tools) != len(dispatcher.AllTools()) {
		t.Errorf("expected %d tools, got %+v", len(dispatcher.AllTools()), result["tools"])
	}
}

func TestToolsCallDispatchesCheckForTasks(t *testing.T) {
	s := newTestMCPServer()
	params := map[string]any{
		"name":      string(dispatcher.ToolCheckForTasks),
		"arguments": map[string]any{"capabilities": []string{"testing"}},
	}
	resp := postRPC(t, s, string(model.AgentExecutor), Request{JSONRPC: "2.0", ID: 2, Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestToolsCallSetsIsErrorOnFailure(t *testing.T) {
	s := newTestMCPServer()
	params := map[string]any{
		"name":      string(dispatcher.ToolClaimTask),
		"arguments": map[string]any{"taskId": "task_does_not_exist"},
	}
	resp := postRPC(t, s, string(model.AgentExecutor), Request{JSONRPC: "2.0", ID: 9, Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected RPC-level error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected a result object, got %+v", resp.Result)
	}
	isErr, ok := result["isError"].(bool)
	if !ok || !isErr {
		t.Errorf("expected isError=true for a failing tool call, got %+v", result["isError"])
	}
}

func TestToolsCallRejectsRateLimitedCaller(t *testing.T) {
	st := store.NewMemStore()
	mgr := session.New(st)
	q := queue.New(st, mgr.Bus())
	l := locks.New(st, mgr.Bus())
	limiter := ratelimit.New(ratelimit.Config{DefaultPerMin: 1})
	s := New(dispatcher.New(q, l, mgr), limiter)

	params := map[string]any{
		"name":      string(dispatcher.ToolCheckForTasks),
		"arguments": map[string]any{"capabilities": []string{"testing"}},
	}
	first := postRPC(t, s, string(model.AgentExecutor), Request{JSONRPC: "2.0", ID: 10, Method: "tools/call", Params: params})
	if first.Error != nil {
		t.Fatalf("unexpected RPC-level error on first call: %+v", first.Error)
	}

	second := postRPC(t, s, string(model.AgentExecutor), Request{JSONRPC: "2.0", ID: 11, Method: "tools/call", Params: params})
	result, ok := second.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected a result object, got %+v", second.Result)
	}
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Errorf("expected the second call to be rate-limited, got %+v", result)
	}
	text, _ := result["content"].([]any)[0].(map[string]any)["text"].(string)
	if !bytes.Contains([]byte(text), []byte(string(model.ErrRateLimited))) {
		t.Errorf("expected RATE_LIMITED in the envelope, got %s", text)
	}
}

func TestToolsCallRejectsMissingName(t *testing.T) {
	s := newTestMCPServer()
	resp := postRPC(t, s, string(model.AgentExecutor), Request{JSONRPC: "2.0", ID: 3, Method: "tools/call", Params: map[string]any{}})
	if resp.Error == nil {
		t.Fatal("expected an error for a missing tool name")
	}
}

func TestMissingAgentIDRejected(t *testing.T) {
	s := newTestMCPServer()
	body, _ := json.Marshal(Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeStreamableHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without an agent id, got %d", rec.Code)
	}
}

func TestUnknownMethodReturnsRPCError(t *testing.T) {
	s := newTestMCPServer()
	resp := postRPC(t, s, string(model.AgentExecutor), Request{JSONRPC: "2.0", ID: 4, Method: "not/a/method"})
	if resp.Error == nil {
		t.Fatal("expected an RPC error for an unknown method")
	}
}

func TestDeleteClosesConnection(t *testing.T) {
	s := newTestMCPServer()
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("X-Agent-ID", string(model.AgentExecutor))
	rec := httptest.NewRecorder()
	s.ServeStreamableHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
