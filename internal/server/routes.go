// ABOUTME: HTTP route table and middleware for the emailpilot API
// ABOUTME: Health and login are public, everything else under /api/ requires a user

package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/winatecommerce96/emailpilot/internal/auth"
	"github.com/winatecommerce96/emailpilot/internal/store"
	"github.com/winatecommerce96/emailpilot/internal/tracing"
)

// routes builds the HTTP handler.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("POST /api/login", s.handleLogin)

	admin := auth.RequireRole(store.RoleAdmin)
	adminOnly := func(h http.HandlerFunc) http.Handler { return admin(h) }

	api := http.NewServeMux()
	api.HandleFunc("GET /api/clients", s.handleListClients)
	api.Handle("POST /api/clients", adminOnly(s.handleCreateClient))
	api.HandleFunc("GET /api/clients/{id}", s.handleGetClient)
	api.Handle("PUT /api/clients/{id}", adminOnly(s.handleUpdateClient))
	api.Handle("DELETE /api/clients/{id}", adminOnly(s.handleDeleteClient))

	api.HandleFunc("GET /api/clients/{id}/calendars", s.handleListCalendars)
	api.HandleFunc("POST /api/clients/{id}/calendars", s.handleCreateCalendar)
	api.HandleFunc("GET /api/calendars/{id}", s.handleGetCalendar)
	api.HandleFunc("GET /api/calendars/{id}/campaigns", s.handleListCampaigns)
	api.HandleFunc("PUT /api/calendars/{id}/campaigns", s.handleReplaceCampaigns)
	api.HandleFunc("POST /api/calendars/{id}/validate", s.handleValidateCalendar)
	api.HandleFunc("GET /api/calendars/{id}/export", s.handleExportCalendar)

	api.HandleFunc("GET /api/rules", s.handleGetRules)

	api.HandleFunc("POST /api/calendars/{id}/runs", s.handleStartRun)
	api.HandleFunc("GET /api/calendars/{id}/runs", s.handleListRuns)
	api.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	api.HandleFunc("POST /api/runs/{id}/resume", s.handleResumeRun)
	api.Handle("POST /api/runs/{id}/approve", adminOnly(s.handleApproveRun))
	api.Handle("POST /api/runs/{id}/reject", adminOnly(s.handleRejectRun))
	api.HandleFunc("GET /api/runs/{id}/checkpoints", s.handleListCheckpoints)

	if s.images != nil {
		api.Handle("GET /api/images", s.images)
	}
	api.Handle("GET /api/audit", adminOnly(s.handleListAudit))

	routed := nameSpan(api)
	if s.verifier != nil {
		mux.Handle("/api/", auth.HTTPAuthMiddleware(s.store, s.verifier)(routed))
		s.logger.Info("HTTP auth middleware enabled")
	} else {
		mux.Handle("/api/", auth.AnonymousMiddleware()(routed))
		s.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	return s.traceRequests(mux)
}

// nameSpan renames the request span after the pattern mux routes the request to.
func nameSpan(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := mux.Handler(r); pattern != "" {
			trace.SpanFromContext(r.Context()).SetName("HTTP " + pattern)
		}
		mux.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// traceRequests wraps every request in a span named after its route pattern.
// Routes under /api/ are renamed by nameSpan once the inner mux has matched.
func (s *Server) traceRequests(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), "http.request",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		req := r.WithContext(ctx)
		if _, pattern := mux.Handler(req); pattern != "" {
			span.SetName("HTTP " + pattern)
		}
		mux.ServeHTTP(rec, req)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		tracing.SetHTTPStatus(span, rec.status)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status)
	})
}
