// ABOUTME: HTTP API handlers for clients, calendars and campaigns
// ABOUTME: JSON request/response types and shared error mapping live here too

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/winatecommerce96/emailpilot/internal/auth"
	"github.com/winatecommerce96/emailpilot/internal/pipeline"
	"github.com/winatecommerce96/emailpilot/internal/render"
	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

const maxBodySize = 1 << 20

// ClientRequest is the JSON body for POST and PUT /api/clients.
type ClientRequest struct {
	Name             string `json:"name"`
	Slug             string `json:"slug"`
	Timezone         string `json:"timezone"`
	KlaviyoAccountID string `json:"klaviyo_account_id"`
	AsanaProjectID   string `json:"asana_project_id"`
	Active           *bool  `json:"active,omitempty"`
}

// ClientResponse is the JSON form of a client.
type ClientResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Slug             string `json:"slug"`
	Timezone         string `json:"timezone"`
	KlaviyoAccountID string `json:"klaviyo_account_id,omitempty"`
	AsanaProjectID   string `json:"asana_project_id,omitempty"`
	Active           bool   `json:"active"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// CreateCalendarRequest is the JSON body for POST /api/clients/{id}/calendars.
type CreateCalendarRequest struct {
	Month       string  `json:"month"`
	RevenueGoal float64 `json:"revenue_goal"`
	Notes       string  `json:"notes"`
}

// CalendarResponse is the JSON form of a calendar.
type CalendarResponse struct {
	ID          string             `json:"id"`
	ClientID    string             `json:"client_id"`
	Month       string             `json:"month"`
	RevenueGoal float64            `json:"revenue_goal"`
	Status      string             `json:"status"`
	Notes       string             `json:"notes,omitempty"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
	Campaigns   []CampaignResponse `json:"campaigns,omitempty"`
}

// CampaignRequest is one campaign in PUT /api/calendars/{id}/campaigns.
type CampaignRequest struct {
	Name            string    `json:"name"`
	Channel         string    `json:"channel"`
	Type            string    `json:"type"`
	Segment         string    `json:"segment"`
	SendAt          time.Time `json:"send_at"`
	ExpectedRevenue float64   `json:"expected_revenue"`
	Subject         string    `json:"subject"`
}

// ReplaceCampaignsRequest is the JSON body for PUT /api/calendars/{id}/campaigns.
type ReplaceCampaignsRequest struct {
	Campaigns []CampaignRequest `json:"campaigns"`
}

// CampaignResponse is the JSON form of a campaign.
type CampaignResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Channel         string  `json:"channel"`
	Type            string  `json:"type"`
	Segment         string  `json:"segment"`
	SendAt          string  `json:"send_at"`
	ExpectedRevenue float64 `json:"expected_revenue"`
	Subject         string  `json:"subject,omitempty"`
	Status          string  `json:"status"`
	ExternalID      string  `json:"external_id,omitempty"`
}

// CampaignsResponse is returned by the campaign list and replace endpoints.
type CampaignsResponse struct {
	CalendarID string             `json:"calendar_id"`
	Campaigns  []CampaignResponse `json:"campaigns"`
	Report     *rules.Report      `json:"report,omitempty"`
}

func toClientResponse(c *store.Client) ClientResponse {
	return ClientResponse{
		ID:               c.ID,
		Name:             c.Name,
		Slug:             c.Slug,
		Timezone:         c.Timezone,
		KlaviyoAccountID: c.KlaviyoAccountID,
		AsanaProjectID:   c.AsanaProjectID,
		Active:           c.Active,
		CreatedAt:        c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        c.UpdatedAt.Format(time.RFC3339),
	}
}

func toCalendarResponse(c *store.Calendar) CalendarResponse {
	return CalendarResponse{
		ID:          c.ID,
		ClientID:    c.ClientID,
		Month:       c.Month,
		RevenueGoal: c.RevenueGoal,
		Status:      string(c.Status),
		Notes:       c.Notes,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.Format(time.RFC3339),
	}
}

func toCampaignResponses(campaigns []*store.Campaign) []CampaignResponse {
	out := make([]CampaignResponse, len(campaigns))
	for i, c := range campaigns {
		out[i] = CampaignResponse{
			ID:              c.ID,
			Name:            c.Name,
			Channel:         string(c.Channel),
			Type:            string(c.Type),
			Segment:         c.Segment,
			SendAt:          c.SendAt.Format(time.RFC3339),
			ExpectedRevenue: c.ExpectedRevenue,
			Subject:         c.Subject,
			Status:          string(c.Status),
			ExternalID:      c.ExternalID,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// sendError maps domain errors onto HTTP statuses. Unknown errors are logged and hidden.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrPublished):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalid):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrRunActive),
		errors.Is(err, pipeline.ErrNotAwaitingReview),
		errors.Is(err, pipeline.ErrRunFinished):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// audit records a mutation. Failures are logged, never surfaced to the caller.
func (s *Server) audit(ctx context.Context, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	entry := &store.AuditEntry{
		Actor:      auth.FromContext(ctx).Actor(),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}
	if err := s.store.AppendAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to append audit entry", "action", action, "target_id", targetID, "error", err)
	}
}

// handleListClients handles GET /api/clients. ?active=true limits to active clients.
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		s.sendError(w, err)
		return
	}
	out := make([]ClientResponse, len(clients))
	for i, c := range clients {
		out[i] = toClientResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": out})
}

// handleCreateClient handles POST /api/clients.
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	c := &store.Client{
		Name:             strings.TrimSpace(req.Name),
		Slug:             strings.TrimSpace(req.Slug),
		Timezone:         req.Timezone,
		KlaviyoAccountID: req.KlaviyoAccountID,
		AsanaProjectID:   req.AsanaProjectID,
		Active:           req.Active == nil || *req.Active,
	}
	if err := s.store.CreateClient(r.Context(), c); err != nil {
		s.sendError(w, err)
		return
	}
	s.audit(r.Context(), store.AuditCreateClient, "client", c.ID, map[string]any{"slug": c.Slug})
	writeJSON(w, http.StatusCreated, toClientResponse(c))
}

// handleGetClient handles GET /api/clients/{id}.
func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetClient(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientResponse(c))
}

// handleUpdateClient handles PUT /api/clients/{id}. Omitted "active" keeps the current value.
func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.store.GetClient(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	c.Name = strings.TrimSpace(req.Name)
	c.Slug = strings.TrimSpace(req.Slug)
	c.Timezone = req.Timezone
	c.KlaviyoAccountID = req.KlaviyoAccountID
	c.AsanaProjectID = req.AsanaProjectID
	if req.Active != nil {
		c.Active = *req.Active
	}
	if err := s.store.UpdateClient(r.Context(), c); err != nil {
		s.sendError(w, err)
		return
	}
	s.audit(r.Context(), store.AuditUpdateClient, "client", c.ID, nil)
	writeJSON(w, http.StatusOK, toClientResponse(c))
}

// handleDeleteClient handles DELETE /api/clients/{id}.
func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteClient(r.Context(), id); err != nil {
		s.sendError(w, err)
		return
	}
	s.audit(r.Context(), store.AuditDeleteClient, "client", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleListCalendars handles GET /api/clients/{id}/calendars.
func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	if _, err := s.store.GetClient(r.Context(), clientID); err != nil {
		s.sendError(w, err)
		return
	}
	cals, err := s.store.ListCalendars(r.Context(), clientID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	out := make([]CalendarResponse, len(cals))
	for i, c := range cals {
		out[i] = toCalendarResponse(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": out})
}

// handleCreateCalendar handles POST /api/clients/{id}/calendars.
func (s *Server) handleCreateCalendar(w http.ResponseWriter, r *http.Request) {
	var req CreateCalendarRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	cal := &store.Calendar{
		ClientID:    r.PathValue("id"),
		Month:       strings.TrimSpace(req.Month),
		RevenueGoal: req.RevenueGoal,
		Notes:       req.Notes,
	}
	if err := s.store.CreateCalendar(r.Context(), cal); err != nil {
		s.sendError(w, err)
		return
	}
	s.audit(r.Context(), store.AuditCreateCalendar, "calendar", cal.ID,
		map[string]any{"client_id": cal.ClientID, "month": cal.Month})
	writeJSON(w, http.StatusCreated, toCalendarResponse(cal))
}

// handleGetCalendar handles GET /api/calendars/{id}, including its campaigns.
func (s *Server) handleGetCalendar(w http.ResponseWriter, r *http.Request) {
	cal, err := s.store.GetCalendar(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	campaigns, err := s.store.ListCampaigns(r.Context(), cal.ID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	resp := toCalendarResponse(cal)
	resp.Campaigns = toCampaignResponses(campaigns)
	writeJSON(w, http.StatusOK, resp)
}

// handleListCampaigns handles GET /api/calendars/{id}/campaigns.
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	cal, err := s.store.GetCalendar(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	campaigns, err := s.store.ListCampaigns(r.Context(), cal.ID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CampaignsResponse{CalendarID: cal.ID, Campaigns: toCampaignResponses(campaigns)})
}

// handleReplaceCampaigns handles PUT /api/calendars/{id}/campaigns. The new list is
// validated and the report returned alongside it; violations do not block the save.
// Calendars that are being published or already hold published campaigns are immutable.
func (s *Server) handleReplaceCampaigns(w http.ResponseWriter, r *http.Request) {
	var req ReplaceCampaignsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	cal, client, ok := s.loadCalendar(w, r)
	if !ok {
		return
	}
	switch cal.Status {
	case store.CalendarPublished:
		s.sendJSONError(w, http.StatusConflict, "calendar is already published")
		return
	case store.CalendarApproved:
		s.sendJSONError(w, http.StatusConflict, "calendar is approved and being published")
		return
	}
	runs, err := s.store.ListRuns(r.Context(), cal.ID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	for _, run := range runs {
		if run.Status == store.RunRunning {
			s.sendJSONError(w, http.StatusConflict, "calendar has a running plan: "+run.ID)
			return
		}
	}

	campaigns := make([]*store.Campaign, len(req.Campaigns))
	for i, c := range req.Campaigns {
		campaigns[i] = &store.Campaign{
			Name:            strings.TrimSpace(c.Name),
			Channel:         store.Channel(strings.ToLower(c.Channel)),
			Type:            store.CampaignType(strings.ToLower(c.Type)),
			Segment:         strings.TrimSpace(c.Segment),
			SendAt:          c.SendAt,
			ExpectedRevenue: c.ExpectedRevenue,
			Subject:         c.Subject,
		}
	}
	if err := s.store.ReplaceCampaigns(r.Context(), cal.ID, campaigns); err != nil {
		s.sendError(w, err)
		return
	}
	s.audit(r.Context(), store.AuditReplaceCampaigns, "calendar", cal.ID, map[string]any{"count": len(campaigns)})

	saved, err := s.store.ListCampaigns(r.Context(), cal.ID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	report := s.validate(cal, client, saved)
	writeJSON(w, http.StatusOK, CampaignsResponse{
		CalendarID: cal.ID,
		Campaigns:  toCampaignResponses(saved),
		Report:     &report,
	})
}

// handleValidateCalendar handles POST /api/calendars/{id}/validate.
func (s *Server) handleValidateCalendar(w http.ResponseWriter, r *http.Request) {
	cal, client, ok := s.loadCalendar(w, r)
	if !ok {
		return
	}
	campaigns, err := s.store.ListCampaigns(r.Context(), cal.ID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	report := s.validate(cal, client, campaigns)
	writeJSON(w, http.StatusOK, map[string]any{
		"calendar_id": cal.ID,
		"passed":      report.Passed(),
		"report":      report,
	})
}

// handleExportCalendar handles GET /api/calendars/{id}/export?format=md|html.
func (s *Server) handleExportCalendar(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "md"
	}
	if format != "md" && format != "html" {
		s.sendJSONError(w, http.StatusBadRequest, "format must be md or html")
		return
	}

	cal, client, ok := s.loadCalendar(w, r)
	if !ok {
		return
	}
	campaigns, err := s.store.ListCampaigns(r.Context(), cal.ID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	report := s.validate(cal, client, campaigns)
	summary := render.Summary{
		ClientName:  client.Name,
		Month:       cal.Month,
		RevenueGoal: cal.RevenueGoal,
		Location:    client.Location(),
		Campaigns:   campaigns,
		Report:      &report,
	}

	filename := client.Slug + "-" + cal.Month
	if format == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`.md"`)
		_, _ = w.Write([]byte(render.Markdown(summary)))
		return
	}

	page, err := render.HTML(summary)
	if err != nil {
		s.sendError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}

// loadCalendar fetches the calendar named in the path and its client, writing the
// error response itself when either is missing.
func (s *Server) loadCalendar(w http.ResponseWriter, r *http.Request) (*store.Calendar, *store.Client, bool) {
	cal, err := s.store.GetCalendar(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return nil, nil, false
	}
	client, err := s.store.GetClient(r.Context(), cal.ClientID)
	if err != nil {
		s.sendError(w, err)
		return nil, nil, false
	}
	return cal, client, true
}

func (s *Server) validate(cal *store.Calendar, client *store.Client, campaigns []*store.Campaign) rules.Report {
	return rules.Validate(s.rules.Rules(), rules.Input{
		Month:       cal.Month,
		RevenueGoal: cal.RevenueGoal,
		Location:    client.Location(),
		Campaigns:   campaigns,
	})
}
