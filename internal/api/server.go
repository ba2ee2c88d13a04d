// Package api implements the HTTP API for submitting turns and
// deciding on pending approvals.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pkeller/valet-agent/internal/agent"
	"github.com/pkeller/valet-agent/internal/buildinfo"
	"github.com/pkeller/valet-agent/internal/session"
	"github.com/pkeller/valet-agent/internal/web"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	ctrl    *agent.Controller
	store   *session.Store
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, ctrl *agent.Controller, store *session.Store, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		ctrl:    ctrl,
		store:   store,
		logger:  logger,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turns", s.handleSubmitTurn)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}/pending", s.handlePending)
	mux.HandleFunc("POST /v1/sessions/{id}/decision", s.handleDecision)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleMessages)

	mux.HandleFunc("GET /v1/ws", s.handleWS)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	web.RegisterRoutes(mux)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // turns can wait on the planner
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Valet",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// TurnRequest submits one user message to a session.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// TurnResponse wraps the turn outcome with its session so clients that
// omitted session_id learn the generated one.
type TurnResponse struct {
	SessionID string                 `json:"session_id"`
	State     agent.TurnState        `json:"state"`
	Reply     string                 `json:"reply,omitempty"`
	Approval  *agent.ApprovalRequest `json:"approval,omitempty"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	sess, err := s.store.GetOrCreate(req.SessionID)
	if err != nil {
		s.logger.Error("get session failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "session error")
		return
	}

	result, err := s.ctrl.SubmitTurn(r.Context(), sess.ID, req.Message)
	if err != nil {
		s.turnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.State == agent.StateAwaitingApproval {
		w.WriteHeader(http.StatusAccepted)
	}
	writeJSON(w, TurnResponse{
		SessionID: sess.ID,
		State:     result.State,
		Reply:     result.Reply,
		Approval:  result.Approval,
	}, s.logger)
}

// DecisionRequest resolves a session's pending action.
type DecisionRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.ctrl.Decide(r.Context(), sessionID, req.Approve)
	if err != nil {
		s.turnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.State == agent.StateAwaitingApproval {
		w.WriteHeader(http.StatusAccepted)
	}
	writeJSON(w, TurnResponse{
		SessionID: sessionID,
		State:     result.State,
		Reply:     result.Reply,
		Approval:  result.Approval,
	}, s.logger)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	action, err := s.ctrl.Pending(sessionID)
	if err != nil {
		s.logger.Error("pending lookup failed", "session", sessionID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "lookup error")
		return
	}
	if action == nil {
		s.errorResponse(w, http.StatusNotFound, "no pending action")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, action, s.logger)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	if _, err := s.store.Get(sessionID); err != nil {
		s.errorResponse(w, http.StatusNotFound, "unknown session")
		return
	}

	msgs, err := s.store.Messages(sessionID, limit)
	if err != nil {
		s.logger.Error("load messages failed", "session", sessionID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "lookup error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
	}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "lookup error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

// turnError maps controller errors onto HTTP statuses.
func (s *Server) turnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrTurnActive):
		s.errorResponse(w, http.StatusConflict, "a turn is already running for this session")
	case errors.Is(err, session.ErrNoPendingAction):
		s.errorResponse(w, http.StatusNotFound, "no pending action to decide on")
	default:
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "turn error: "+err.Error())
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
