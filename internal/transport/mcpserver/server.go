package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coordinatord/coordinatord/internal/dispatcher"
	"github.com/coordinatord/coordinatord/internal/model"
	"github.com/coordinatord/coordinatord/internal/ratelimit"
)

// keepaliveInterval matches the teacher's 15s SSE ping cadence,
// chosen because some proxies drop idle connections after 30s.
const keepaliveInterval = 15 * time.Second

// Server is the MCP Streamable-HTTP transport for the executor tool
// surface.
type Server struct {
	dispatcher  *dispatcher.Dispatcher
	limiter     *ratelimit.Limiter
	connections *connectionManager
}

// New constructs a Server wired to a Dispatcher. limiter may be nil, in
// which case tool calls are never rate-limited.
func New(d *dispatcher.Dispatcher, limiter *ratelimit.Limiter) *Server {
	return &Server{dispatcher: d, limiter: limiter, connections: newConnectionManager()}
}

// ServeStreamableHTTP dispatches by HTTP method as the teacher's
// mcp.Server.ServeStreamableHTTP does: POST for JSON-RPC requests, GET
// to open the SSE push stream, DELETE to terminate a session.
func (s *Server) ServeStreamableHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		agentID = r.URL.Query().Get("agent_id")
	}
	if agentID == "" {
		http.Error(w, "X-Agent-ID header or agent_id query param required", http.StatusBadRequest)
		return
	}
	sessionID := r.Header.Get("Mcp-Session-Id")

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r, model.Agent(agentID))
	case http.MethodGet:
		s.handleGet(w, r, agentID, sessionID)
	case http.MethodDelete:
		s.handleDelete(w, agentID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, agentID model.Agent) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, errorResponse(nil, -32700, "parse error"))
		return
	}

	if req.Method == "initialize" {
		sessionID := fmt.Sprintf("%d", time.Now().UnixNano())
		w.Header().Set("Mcp-Session-Id", sessionID)
		writeJSON(w, s.handleInitialize(req))
		return
	}

	resp := s.handle(r.Context(), agentID, req)
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, agentID, sessionID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	conn, err := newSSEConnection(agentID, w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessionID == "" {
		sessionID = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	w.Header().Set("Mcp-Session-Id", sessionID)

	s.connections.add(agentID, conn)
	defer s.connections.remove(agentID)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-r.Context().Done():
			conn.close()
			return
		case <-ticker.C:
			if err := conn.send("ping", map[string]int64{"time": time.Now().Unix()}); err != nil {
				conn.close()
				return
			}
		}
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, agentID string) {
	if conn := s.connections.get(agentID); conn != nil {
		conn.close()
		s.connections.remove(agentID)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handle(ctx context.Context, agentID model.Agent, req Request) Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, agentID, req)
	default:
		return errorResponse(req.ID, -32601, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(req Request) Response {
	return resultResponse(req.ID, map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]string{"name": "coordinatord", "version": "1.0.0"},
		"capabilities":    map[string]any{"tools": map[string]bool{"listChanged": false}},
	})
}

func (s *Server) handleToolsList(req Request) Response {
	return resultResponse(req.ID, map[string]any{"tools": dispatcher.Schemas()})
}

func (s *Server) handleToolsCall(ctx context.Context, agentID model.Agent, req Request) Response {
	if s.limiter != nil && !s.limiter.Allow(string(agentID)) {
		return toolEnvelopeResponse(req.ID, model.Fail(model.ErrRateLimited, "rate limit exceeded"))
	}

	params, ok := req.Params.(map[string]any)
	if !ok {
		return errorResponse(req.ID, -32602, "invalid params")
	}
	name, _ := params["name"].(string)
	if name == "" {
		return errorResponse(req.ID, -32602, "tool name required")
	}
	argsRaw, err := json.Marshal(params["arguments"])
	if err != nil {
		return errorResponse(req.ID, -32602, "invalid arguments")
	}

	env := s.dispatcher.Call(ctx, agentID, dispatcher.ToolName(name), argsRaw)
	return toolEnvelopeResponse(req.ID, env)
}

// toolEnvelopeResponse wraps an envelope in the `{content:[{type:"text",
// text:<envelope-json>}], isError:bool}` shape spec.md §6.2 mandates for
// every tools/call response, including ones short-circuited before the
// dispatcher runs (e.g. rate limiting, §4.8).
func toolEnvelopeResponse(id any, env model.Envelope) Response {
	text, err := json.Marshal(env)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}
	return resultResponse(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
		"isError": !env.Success,
	})
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
