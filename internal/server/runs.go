// ABOUTME: HTTP handlers for planning runs, audit log, login and health checks
// ABOUTME: Run mutations delegate to the pipeline engine and are recorded in the audit log

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/winatecommerce96/emailpilot/internal/auth"
	"github.com/winatecommerce96/emailpilot/internal/pipeline"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

// runTimeout bounds how long one request may drive a run before the run is left
// resumable from its last checkpoint.
const runTimeout = 10 * time.Minute

// RunResponse is the JSON form of a planning run.
type RunResponse struct {
	ID          string          `json:"id"`
	CalendarID  string          `json:"calendar_id"`
	Status      string          `json:"status"`
	CurrentStep string          `json:"current_step"`
	Attempt     int             `json:"attempt"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	State       *pipeline.State `json:"state,omitempty"`
}

// CheckpointResponse is the JSON form of a checkpoint.
type CheckpointResponse struct {
	Seq       int             `json:"seq"`
	Step      string          `json:"step"`
	State     json.RawMessage `json:"state"`
	CreatedAt string          `json:"created_at"`
}

// RejectRequest is the JSON body for POST /api/runs/{id}/reject.
type RejectRequest struct {
	Notes string `json:"notes"`
}

// LoginRequest is the JSON body for POST /api/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

// AuditEntryResponse is the JSON form of an audit entry.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  string         `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func toRunResponse(run *store.PlanRun, st *pipeline.State) RunResponse {
	return RunResponse{
		ID:          run.ID,
		CalendarID:  run.CalendarID,
		Status:      string(run.Status),
		CurrentStep: run.CurrentStep,
		Attempt:     run.Attempt,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   run.UpdatedAt.Format(time.RFC3339),
		State:       st,
	}
}

// runContext detaches run execution from the caller so a dropped connection does
// not abandon a step halfway.
func runContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), runTimeout)
}

func (s *Server) requireEngine(w http.ResponseWriter) bool {
	if s.engine == nil {
		s.sendJSONError(w, http.StatusServiceUnavailable, "planning is not configured")
		return false
	}
	return true
}

// writeRun responds with the run view. A run that failed during this request still
// returns 200: the failure is part of the run's state, not of the HTTP exchange.
func (s *Server) writeRun(w http.ResponseWriter, status int, view *pipeline.View) {
	writeJSON(w, status, toRunResponse(view.Run, view.State))
}

// handleStartRun handles POST /api/calendars/{id}/runs.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	ctx, cancel := runContext(r)
	defer cancel()

	view, err := s.engine.Start(ctx, r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.audit(r.Context(), store.AuditStartRun, "run", view.Run.ID, map[string]any{"calendar_id": view.Run.CalendarID})
	s.writeRun(w, http.StatusCreated, view)
}

// handleListRuns handles GET /api/calendars/{id}/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	cal, err := s.store.GetCalendar(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), cal.ID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	out := make([]RunResponse, len(runs))
	for i, run := range runs {
		out[i] = toRunResponse(run, nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleGetRun handles GET /api/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	view, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeRun(w, http.StatusOK, view)
}

// handleResumeRun handles POST /api/runs/{id}/resume.
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	ctx, cancel := runContext(r)
	defer cancel()

	view, err := s.engine.Resume(ctx, r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.audit(r.Context(), store.AuditResumeRun, "run", view.Run.ID, nil)
	s.writeRun(w, http.StatusOK, view)
}

// handleApproveRun handles POST /api/runs/{id}/approve.
func (s *Server) handleApproveRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	ctx, cancel := runContext(r)
	defer cancel()

	actor := auth.FromContext(r.Context()).Actor()
	view, err := s.engine.Approve(ctx, r.PathValue("id"), actor)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.audit(r.Context(), store.AuditApproveRun, "run", view.Run.ID, nil)
	s.writeRun(w, http.StatusOK, view)
}

// handleRejectRun handles POST /api/runs/{id}/reject. Notes are required so the
// next generate step has something to act on.
func (s *Server) handleRejectRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	var req RejectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	notes := strings.TrimSpace(req.Notes)
	if notes == "" {
		s.sendJSONError(w, http.StatusBadRequest, "notes are required")
		return
	}

	ctx, cancel := runContext(r)
	defer cancel()

	actor := auth.FromContext(r.Context()).Actor()
	view, err := s.engine.Reject(ctx, r.PathValue("id"), actor, notes)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.audit(r.Context(), store.AuditRejectRun, "run", view.Run.ID, map[string]any{"notes": notes})
	s.writeRun(w, http.StatusOK, view)
}

// handleListCheckpoints handles GET /api/runs/{id}/checkpoints.
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.sendError(w, err)
		return
	}
	cps, err := s.store.ListCheckpoints(r.Context(), runID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	out := make([]CheckpointResponse, len(cps))
	for i, cp := range cps {
		out[i] = CheckpointResponse{
			Seq:       cp.Seq,
			Step:      cp.Step,
			State:     json.RawMessage(cp.State),
			CreatedAt: cp.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "checkpoints": out})
}

// handleListAudit handles GET /api/audit with optional actor, action, target_type,
// target_id, since (RFC3339) and limit filters.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.AuditFilter
	if v := q.Get("actor"); v != "" {
		filter.Actor = &v
	}
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		filter.Action = &action
	}
	if v := q.Get("target_type"); v != "" {
		filter.TargetType = &v
	}
	if v := q.Get("target_id"); v != "" {
		filter.TargetID = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := s.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		s.sendError(w, err)
		return
	}
	out := make([]AuditEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = AuditEntryResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp.Format(time.RFC3339),
			Detail:     e.Detail,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// handleLogin handles POST /api/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		s.sendJSONError(w, http.StatusBadRequest, "authentication is disabled")
		return
	}
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		s.sendJSONError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	issued := time.Now()
	token, user, err := auth.Login(r.Context(), s.store, s.verifier, req.Email, req.Password, s.tokenTTL)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.logger.Info("login failed", "email", req.Email)
		s.sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		s.sendError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: issued.Add(s.tokenTTL).UTC().Format(time.RFC3339),
		UserID:    user.ID,
		Email:     user.Email,
		Role:      string(user.Role),
	})
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the database is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.ready(); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleGetRules handles GET /api/rules, the validation thresholds currently in force.
func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.Rules().WithDefaults())
}
