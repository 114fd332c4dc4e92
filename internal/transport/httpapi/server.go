// Package httpapi is the operator-facing REST surface: collaboration
// session lifecycle, task inspection, and liveness/readiness/metrics
// endpoints. Routing and response conventions follow the teacher's
// internal/handlers/coordination.go (gorilla/mux + respondJSON/
// respondError helpers).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coordinatord/coordinatord/internal/locks"
	"github.com/coordinatord/coordinatord/internal/model"
	"github.com/coordinatord/coordinatord/internal/queue"
	"github.com/coordinatord/coordinatord/internal/ratelimit"
	"github.com/coordinatord/coordinatord/internal/session"
	"github.com/coordinatord/coordinatord/internal/store"
)

// Server serves the operator REST API.
type Server struct {
	store   store.Store
	session *session.Manager
	queue   *queue.Queue
	locks   *locks.Registry
	limiter *ratelimit.Limiter

	onSessionStarted func(sessionID string)
}

// New constructs a Server. onSessionStarted, if non-nil, is invoked
// after every successful session start so the caller can wire the new
// session's event stream into notify/bus (see coordinator.AttachSession).
func New(st store.Store, sess *session.Manager, q *queue.Queue, l *locks.Registry, limiter *ratelimit.Limiter, onSessionStarted func(string)) *Server {
	return &Server{store: st, session: sess, queue: q, locks: l, limiter: limiter, onSessionStarted: onSessionStarted}
}

// Router builds the gorilla/mux router with security headers and rate
// limiting applied, matching the teacher's server.go wiring order.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/session/start", s.handleStartSession).Methods("POST")
	r.HandleFunc("/api/session/{id}", s.handleGetSession).Methods("GET")
	r.HandleFunc("/api/session/{id}/status", s.handleSessionStatus).Methods("GET")
	r.HandleFunc("/api/session/{id}/pause", s.handlePauseSession).Methods("POST")
	r.HandleFunc("/api/session/{id}/resume", s.handleResumeSession).Methods("POST")
	r.HandleFunc("/api/session/{id}/cancel", s.handleCancelSession).Methods("POST")
	r.HandleFunc("/api/session/{id}/conflicts", s.handleListConflicts).Methods("GET")
	r.HandleFunc("/api/conflict/{id}/resolve", s.handleResolveConflict).Methods("POST")

	r.HandleFunc("/api/task", s.handleCreateTask).Methods("POST")
	r.HandleFunc("/api/task/available", s.handleAvailableTasks).Methods("GET")
	r.HandleFunc("/api/task/{id}", s.handleGetTask).Methods("GET")
	r.HandleFunc("/api/task/{id}/claim", s.handleClaimTask).Methods("POST")
	r.HandleFunc("/api/task/{id}/progress", s.handleTaskProgress).Methods("POST")
	r.HandleFunc("/api/task/{id}/complete", s.handleCompleteTask).Methods("POST")

	r.HandleFunc("/api/agent/register", s.handleRegisterAgent).Methods("POST")
	r.HandleFunc("/api/handoff", s.handleRequestHandoff).Methods("POST")
	r.HandleFunc("/api/handoff/{id}/accept", s.handleAcceptHandoff).Methods("POST")

	r.HandleFunc("/api/context/{id}", s.handleGetContext).Methods("GET")
	r.HandleFunc("/api/context/{id}", s.handlePutContext).Methods("PUT")

	r.HandleFunc("/api/lock/batch", s.handleBatchFileAccess).Methods("POST")

	return SecurityHeaders(s.RateLimit(r))
}

func respond(w http.ResponseWriter, status int, env model.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respond(w, status, model.AsEnvelope(err))
}

func statusFor(code model.ErrorCode) int {
	switch code {
	case model.ErrTaskNotFound, model.ErrContextNotFound, model.ErrSessionNotFound,
		model.ErrLockNotFound, model.ErrHandoffNotFound, model.ErrConflictNotFound,
		model.ErrRegistrationNotFound:
		return http.StatusNotFound
	case model.ErrTaskAlreadyClaimed, model.ErrTaskNotAssigned, model.ErrSessionNotActive,
		model.ErrSessionNotPaused, model.ErrHandoffNotForAgent, model.ErrInvalidState,
		model.ErrFileAlreadyLocked, model.ErrPartialGrant:
		return http.StatusConflict
	case model.ErrInvalidAgent, model.ErrInvalidCapabilities, model.ErrValidation,
		model.ErrToolError, model.ErrUnknownTool:
		return http.StatusBadRequest
	case model.ErrRateLimited:
		return http.StatusTooManyRequests
	case model.ErrEnqueue, model.ErrDequeue, model.ErrUpdateState, model.ErrContextSave:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func handleErr(w http.ResponseWriter, err error) {
	if ced, ok := err.(*model.CoordErrorDetails); ok {
		respondError(w, statusFor(ced.Code), err)
		return
	}
	if ce, ok := err.(*model.CoordError); ok {
		respondError(w, statusFor(ce.Code), err)
		return
	}
	respondError(w, http.StatusInternalServerError, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, model.OK(map[string]string{"status": "alive"}))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respond(w, http.StatusOK, model.OK(map[string]string{"status": "ready"}))
}

type startSessionRequest struct {
	Task         string             `json:"task"`
	Mode         model.SessionMode  `json:"mode"`
	LeadAgent    model.Agent        `json:"lead_agent"`
	Participants []model.Agent      `json:"participants"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Task == "" {
		respondError(w, http.StatusBadRequest, model.NewError(model.ErrValidation, "task is required"))
		return
	}
	sess, err := s.session.Start(r.Context(), req.Task, req.Mode, req.LeadAgent, req.Participants)
	if err != nil {
		handleErr(w, err)
		return
	}
	if s.onSessionStarted != nil {
		s.onSessionStarted(sess.ID)
	}
	respond(w, http.StatusCreated, model.OK(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, _, err := s.session.Status(r.Context(), id)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(sess))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, tasks, err := s.session.Status(r.Context(), id)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(map[string]any{"session": sess, "tasks": tasks}))
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.session.Pause(r.Context(), id)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(sess))
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.session.Resume(r.Context(), id)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(sess))
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.session.Cancel(r.Context(), id)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(sess))
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	all, err := s.session.ListUnresolvedConflicts(r.Context())
	if err != nil {
		handleErr(w, err)
		return
	}
	conflicts := make([]*model.FileConflict, 0, len(all))
	for _, c := range all {
		if c.SessionID == id {
			conflicts = append(conflicts, c)
		}
	}
	respond(w, http.StatusOK, model.OK(conflicts))
}

type resolveConflictRequest struct {
	Strategy     model.ResolutionStrategy `json:"strategy"`
	FinalContent string                   `json:"final_content,omitempty"`
	ResolvedBy   model.Agent              `json:"resolved_by"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	c, err := s.session.ResolveConflict(r.Context(), id, model.ConflictResolution{
		Strategy:     req.Strategy,
		FinalContent: req.FinalContent,
		ResolvedBy:   req.ResolvedBy,
	})
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(c))
}

type createTaskRequest struct {
	SessionID   string             `json:"session_id"`
	Type        model.TaskType     `json:"type"`
	Description string             `json:"description"`
	Priority    model.Priority     `json:"priority,omitempty"`
	Context     model.TaskContext  `json:"context,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	t := &model.Task{
		SessionID:   req.SessionID,
		Type:        req.Type,
		Description: req.Description,
		Priority:    req.Priority,
		Context:     req.Context,
	}
	created, err := s.queue.Enqueue(r.Context(), t)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusCreated, model.OK(created))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(t))
}

func (s *Server) handleAvailableTasks(w http.ResponseWriter, r *http.Request) {
	have := make(map[model.Capability]bool)
	for _, c := range strings.Split(r.URL.Query().Get("capabilities"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			have[model.Capability(c)] = true
		}
	}
	tasks, err := s.queue.Discover(r.Context(), have)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(tasks))
}

type agentActionRequest struct {
	Agent model.Agent `json:"agent"`
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req agentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.queue.Claim(r.Context(), id, req.Agent)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(t))
}

type progressRequest struct {
	Agent    model.Agent         `json:"agent"`
	Progress model.TaskProgress  `json:"progress"`
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.queue.ReportProgress(r.Context(), id, req.Agent, req.Progress)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(t))
}

type completeTaskRequest struct {
	Agent  model.Agent      `json:"agent"`
	Result model.TaskResult `json:"result"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.queue.Complete(r.Context(), id, req.Agent, req.Result)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(t))
}

type registerAgentRequest struct {
	Agent        model.Agent        `json:"agent"`
	Capabilities []model.Capability `json:"capabilities"`
	Version      string             `json:"version"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	reg, err := s.queue.RegisterAgent(r.Context(), req.Agent, req.Capabilities, req.Version)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(reg))
}

type handoffRequest struct {
	TaskID       string      `json:"task_id"`
	From         model.Agent `json:"from"`
	To           model.Agent `json:"to"`
	Reason       string      `json:"reason"`
	CurrentState string      `json:"current_state"`
	NextSteps    []string    `json:"next_steps,omitempty"`
}

func (s *Server) handleRequestHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	h, err := s.queue.RequestHandoff(r.Context(), req.TaskID, req.From, req.To, req.Reason, req.CurrentState, req.NextSteps)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusCreated, model.OK(h))
}

func (s *Server) handleAcceptHandoff(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req agentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.queue.AcceptHandoff(r.Context(), id, req.Agent)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(t))
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cc, err := s.store.GetContext(r.Context(), id)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(cc))
}

// putContextRequest appends a message to the context. Full overwrite
// is deliberately not exposed here: ConversationContext.Messages is
// append-only (spec §3 invariant), so the only well-formed mutation a
// client can make to an existing context is to append.
type putContextRequest struct {
	Message model.Message `json:"message"`
}

type batchFileAccessEntry struct {
	Path      string      `json:"path"`
	Operation string      `json:"operation"`
	Agent     model.Agent `json:"agent"`
}

type batchFileAccessRequest struct {
	SessionID  string                  `json:"session_id,omitempty"`
	Requests   []batchFileAccessEntry  `json:"requests"`
	TTLSeconds int                     `json:"ttl_seconds,omitempty"`
}

// handleBatchFileAccess implements spec.md §4.2's request_batch_file_access.
// It is not part of the closed six-tool dispatcher surface (§4.5 names
// exactly six tools and this isn't one of them); it is reachable only
// through the operator REST API.
func (s *Server) handleBatchFileAccess(w http.ResponseWriter, r *http.Request) {
	var req batchFileAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	entries := make([]locks.BatchRequest, len(req.Requests))
	for i, e := range req.Requests {
		op := model.LockOperation(e.Operation)
		switch op {
		case model.LockRead, model.LockWrite, model.LockDelete:
		default:
			respondError(w, http.StatusBadRequest, model.NewError(model.ErrValidation, "invalid operation: "+e.Operation))
			return
		}
		entries[i] = locks.BatchRequest{Path: e.Path, Operation: op, Agent: e.Agent}
	}
	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	granted, err := s.locks.RequestBatchAccess(r.Context(), req.SessionID, entries, ttl)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(granted))
}

func (s *Server) handlePutContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req putContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Message.Timestamp.IsZero() {
		req.Message.Timestamp = time.Now()
	}
	if err := s.store.AppendMessage(r.Context(), id, req.Message); err != nil {
		handleErr(w, err)
		return
	}
	cc, err := s.store.GetContext(r.Context(), id)
	if err != nil {
		handleErr(w, err)
		return
	}
	respond(w, http.StatusOK, model.OK(cc))
}
