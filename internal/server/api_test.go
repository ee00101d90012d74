// ABOUTME: Tests for the HTTP API handlers using MockStore and a real planning engine
// ABOUTME: Covers auth, client and calendar CRUD, validation, export, runs and audit

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winatecommerce96/emailpilot/internal/auth"
	"github.com/winatecommerce96/emailpilot/internal/pipeline"
	"github.com/winatecommerce96/emailpilot/internal/planner"
	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

var testSecret = []byte("server-api-test-secret-32-bytes!")

type testEnv struct {
	srv      *Server
	store    *store.MockStore
	handler  http.Handler
	verifier *auth.JWTVerifier
	tokens   map[store.Role]string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	ms := store.NewMockStore()
	engine, err := pipeline.New(ms, ms, planner.NewTemplateGenerator(), pipeline.WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	env := &testEnv{store: ms, tokens: map[store.Role]string{}}
	deps := Deps{Store: ms, Engine: engine, Logger: discardLogger()}
	if withAuth {
		env.verifier, err = auth.NewJWTVerifier(testSecret)
		require.NoError(t, err)
		deps.Verifier = env.verifier
		for _, role := range []store.Role{store.RoleOwner, store.RoleAdmin, store.RoleMember} {
			hash, err := auth.HashPassword("password-" + string(role))
			require.NoError(t, err)
			u := &store.User{Email: string(role) + "@example.com", PasswordHash: hash, Role: role}
			require.NoError(t, ms.CreateUser(context.Background(), u))
			env.tokens[role], err = env.verifier.Generate(u.ID, time.Hour)
			require.NoError(t, err)
		}
	}
	env.srv = newServer(deps)
	env.handler = env.srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, role store.Role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if tok, ok := e.tokens[role]; ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func (e *testEnv) createClient(t *testing.T, slug string) ClientResponse {
	t.Helper()
	rec := e.do(t, store.RoleAdmin, http.MethodPost, "/api/clients", ClientRequest{
		Name: "Acme " + slug, Slug: slug, Timezone: "UTC",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ClientResponse](t, rec)
}

func (e *testEnv) createCalendar(t *testing.T, clientID string) CalendarResponse {
	t.Helper()
	rec := e.do(t, store.RoleMember, http.MethodPost, "/api/clients/"+clientID+"/calendars", CreateCalendarRequest{
		Month: "2025-03", RevenueGoal: 10000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CalendarResponse](t, rec)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = env.do(t, "", http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, "", http.MethodPost, "/api/login", LoginRequest{Email: "member@example.com", Password: "password-member"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[LoginResponse](t, rec)
	assert.Equal(t, "member", resp.Role)
	assert.NotEmpty(t, resp.ExpiresAt)

	sub, err := env.verifier.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.UserID, sub)

	rec = env.do(t, "", http.MethodPost, "/api/login", LoginRequest{Email: "member@example.com", Password: "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "", http.MethodPost, "/api/login", LoginRequest{Email: "member@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginWithAuthDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, "", http.MethodPost, "/api/login", LoginRequest{Email: "a@example.com", Password: "whatever1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRequiresAuth(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, "", http.MethodGet, "/api/clients", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/clients", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodPost, "/api/clients", ClientRequest{Name: "X", Slug: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/audit", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthDisabledAllowsEverything(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, "", http.MethodPost, "/api/clients", ClientRequest{Name: "Open", Slug: "open"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, "", http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[map[string][]AuditEntryResponse](t, rec)["entries"]
	require.Len(t, entries, 1)
	assert.Equal(t, "anonymous", entries[0].Actor)
}

func TestClientCRUD(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.createClient(t, "acme")
	assert.True(t, c.Active)
	assert.Equal(t, "acme", c.Slug)

	rec := env.do(t, store.RoleAdmin, http.MethodPost, "/api/clients", ClientRequest{Name: "Dup", Slug: "acme"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, store.RoleAdmin, http.MethodPost, "/api/clients", ClientRequest{Name: "Bad", Slug: "bad", Timezone: "Mars/Olympus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, store.RoleAdmin, http.MethodPost, "/api/clients", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	inactive := false
	rec = env.do(t, store.RoleAdmin, http.MethodPut, "/api/clients/"+c.ID, ClientRequest{
		Name: "Acme Renamed", Slug: "acme", Timezone: "America/Denver", Active: &inactive,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[ClientResponse](t, rec)
	assert.Equal(t, "Acme Renamed", updated.Name)
	assert.False(t, updated.Active)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/clients/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "America/Denver", decode[ClientResponse](t, rec).Timezone)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/clients?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]ClientResponse](t, rec)["clients"])

	rec = env.do(t, store.RoleAdmin, http.MethodDelete, "/api/clients/"+c.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/clients/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, store.RoleOwner, http.MethodGet, "/api/audit?target_type=client", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[map[string][]AuditEntryResponse](t, rec)["entries"]
	require.Len(t, entries, 3)
	actions := []string{}
	for _, e := range entries {
		actions = append(actions, e.Action)
		assert.Equal(t, "admin@example.com", e.Actor)
	}
	assert.ElementsMatch(t, []string{"create_client", "update_client", "delete_client"}, actions)
}

func TestCalendarEndpoints(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.createClient(t, "acme")
	cal := env.createCalendar(t, c.ID)
	assert.Equal(t, "draft", cal.Status)

	rec := env.do(t, store.RoleMember, http.MethodPost, "/api/clients/"+c.ID+"/calendars", CreateCalendarRequest{Month: "2025-03"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodPost, "/api/clients/"+c.ID+"/calendars", CreateCalendarRequest{Month: "March"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodPost, "/api/clients/missing/calendars", CreateCalendarRequest{Month: "2025-04"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/clients/"+c.ID+"/calendars", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]CalendarResponse](t, rec)["calendars"], 1)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/calendars/"+cal.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-03", decode[CalendarResponse](t, rec).Month)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/calendars/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func marchCampaigns() []CampaignRequest {
	days := []int{4, 6, 11, 13, 18, 20, 25, 27}
	out := make([]CampaignRequest, len(days))
	for i, d := range days {
		segment := "VIP Customers"
		if i%2 == 1 {
			segment = "Full List"
		}
		out[i] = CampaignRequest{
			Name:            "Campaign " + string(rune('A'+i)),
			Channel:         "email",
			Type:            "promotional",
			Segment:         segment,
			SendAt:          time.Date(2025, 3, d, 10, 0, 0, 0, time.UTC),
			ExpectedRevenue: 1250,
		}
	}
	return out
}

func TestReplaceAndValidateCampaigns(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.createClient(t, "acme")
	cal := env.createCalendar(t, c.ID)

	rec := env.do(t, store.RoleMember, http.MethodPut, "/api/calendars/"+cal.ID+"/campaigns",
		ReplaceCampaignsRequest{Campaigns: marchCampaigns()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CampaignsResponse](t, rec)
	require.Len(t, resp.Campaigns, 8)
	require.NotNil(t, resp.Report)
	assert.True(t, resp.Report.Passed(), "%+v", resp.Report.Violations)
	assert.Equal(t, "Campaign A", resp.Campaigns[0].Name)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/calendars/"+cal.ID+"/campaigns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[CampaignsResponse](t, rec).Campaigns, 8)

	// two campaigns only: too few and short of the goal
	rec = env.do(t, store.RoleMember, http.MethodPut, "/api/calendars/"+cal.ID+"/campaigns",
		ReplaceCampaignsRequest{Campaigns: marchCampaigns()[:2]})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodPost, "/api/calendars/"+cal.ID+"/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Passed bool         `json:"passed"`
		Report rules.Report `json:"report"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.False(t, out.Passed)
	assert.True(t, out.Report.Has(rules.RuleCampaignCount))
	assert.True(t, out.Report.Has(rules.RuleRevenueCoverage))
}

func TestReplaceCampaignsOnPublishedCalendar(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.createClient(t, "acme")
	cal := env.createCalendar(t, c.ID)
	require.NoError(t, env.store.UpdateCalendarStatus(context.Background(), cal.ID, store.CalendarPublished))

	rec := env.do(t, store.RoleMember, http.MethodPut, "/api/calendars/"+cal.ID+"/campaigns",
		ReplaceCampaignsRequest{Campaigns: marchCampaigns()})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReplaceCampaignsKeepsPublishedWork(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	c := env.createClient(t, "acme")
	cal := env.createCalendar(t, c.ID)
	path := "/api/calendars/" + cal.ID + "/campaigns"

	rec := env.do(t, store.RoleMember, http.MethodPut, path, ReplaceCampaignsRequest{Campaigns: marchCampaigns()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// a publish that stopped halfway leaves the calendar failed with some campaigns pushed
	saved, err := env.store.ListCampaigns(ctx, cal.ID)
	require.NoError(t, err)
	require.NoError(t, env.store.MarkCampaignPublished(ctx, saved[0].ID, "kl-1"))
	require.NoError(t, env.store.UpdateCalendarStatus(ctx, cal.ID, store.CalendarFailed))

	rec = env.do(t, store.RoleMember, http.MethodPut, path, ReplaceCampaignsRequest{Campaigns: marchCampaigns()})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	after, err := env.store.ListCampaigns(ctx, cal.ID)
	require.NoError(t, err)
	assert.Equal(t, saved[0].ID, after[0].ID)
	assert.Equal(t, "kl-1", after[0].ExternalID)
}

func TestReplaceCampaignsOnApprovedOrRunningCalendar(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	c := env.createClient(t, "acme")

	approved := env.createCalendar(t, c.ID)
	require.NoError(t, env.store.UpdateCalendarStatus(ctx, approved.ID, store.CalendarApproved))
	rec := env.do(t, store.RoleMember, http.MethodPut, "/api/calendars/"+approved.ID+"/campaigns",
		ReplaceCampaignsRequest{Campaigns: marchCampaigns()})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, store.RoleAdmin, http.MethodPost, "/api/clients/"+c.ID+"/calendars",
		CreateCalendarRequest{Month: "2025-04", RevenueGoal: 10000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	running := decode[CalendarResponse](t, rec)
	require.NoError(t, env.store.CreateRun(ctx, &store.PlanRun{CalendarID: running.ID, CurrentStep: "generate"}))

	rec = env.do(t, store.RoleMember, http.MethodPut, "/api/calendars/"+running.ID+"/campaigns",
		ReplaceCampaignsRequest{Campaigns: marchCampaigns()})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "running plan")
}

func TestReplaceCampaignsRejectsUnknownChannel(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.createClient(t, "acme")
	cal := env.createCalendar(t, c.ID)

	bad := marchCampaigns()
	bad[3].Channel = "push"
	rec := env.do(t, store.RoleMember, http.MethodPut, "/api/calendars/"+cal.ID+"/campaigns",
		ReplaceCampaignsRequest{Campaigns: bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "push")

	bad = marchCampaigns()
	bad[0].Type = "newsletter"
	rec = env.do(t, store.RoleMember, http.MethodPut, "/api/calendars/"+cal.ID+"/campaigns",
		ReplaceCampaignsRequest{Campaigns: bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportCalendar(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.createClient(t, "acme")
	cal := env.createCalendar(t, c.ID)
	rec := env.do(t, store.RoleMember, http.MethodPut, "/api/calendars/"+cal.ID+"/campaigns",
		ReplaceCampaignsRequest{Campaigns: marchCampaigns()})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/calendars/"+cal.ID+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "acme-2025-03.md")
	assert.Contains(t, rec.Body.String(), "| Tue 04 Mar 10:00 | email | Campaign A | VIP Customers | 1,250.00 |")

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/calendars/"+cal.ID+"/export?format=html", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<table>")

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/calendars/"+cal.ID+"/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.createClient(t, "acme")
	cal := env.createCalendar(t, c.ID)

	rec := env.do(t, store.RoleMember, http.MethodPost, "/api/calendars/"+cal.ID+"/runs", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[RunResponse](t, rec)
	assert.Equal(t, "awaiting_review", run.Status)
	assert.Equal(t, 1, run.Attempt)
	require.NotNil(t, run.State)
	assert.NotEmpty(t, run.State.Drafts)

	rec = env.do(t, store.RoleMember, http.MethodPost, "/api/calendars/"+cal.ID+"/runs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "second run while one is active")

	rec = env.do(t, store.RoleMember, http.MethodPost, "/api/runs/"+run.ID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "members cannot approve")

	rec = env.do(t, store.RoleAdmin, http.MethodPost, "/api/runs/"+run.ID+"/reject", RejectRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "notes are required")

	rec = env.do(t, store.RoleAdmin, http.MethodPost, "/api/runs/"+run.ID+"/reject", RejectRequest{Notes: "more SMS please"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run = decode[RunResponse](t, rec)
	assert.Equal(t, "awaiting_review", run.Status)
	assert.Equal(t, 2, run.Attempt)
	assert.Contains(t, run.State.Notes, "more SMS please")

	rec = env.do(t, store.RoleAdmin, http.MethodPost, "/api/runs/"+run.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run = decode[RunResponse](t, rec)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, "admin@example.com", run.State.ReviewedBy)

	rec = env.do(t, store.RoleAdmin, http.MethodPost, "/api/runs/"+run.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodPost, "/api/runs/"+run.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode[RunResponse](t, rec).Status)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/calendars/"+cal.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "published", decode[CalendarResponse](t, rec).Status)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/calendars/"+cal.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]RunResponse](t, rec)["runs"], 1)

	rec = env.do(t, store.RoleMember, http.MethodGet, "/api/runs/"+run.ID+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cps := decode[struct {
		Checkpoints []CheckpointResponse `json:"checkpoints"`
	}](t, rec).Checkpoints
	require.NotEmpty(t, cps)
	for i := 1; i < len(cps); i++ {
		assert.Greater(t, cps[i].Seq, cps[i-1].Seq)
	}
	assert.Equal(t, "publish", cps[len(cps)-1].Step)

	rec = env.do(t, store.RoleAdmin, http.MethodGet, "/api/audit?target_id="+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]AuditEntryResponse](t, rec)["entries"], 3)
}

func TestRunNotFound(t *testing.T) {
	env := newTestEnv(t, true)
	for _, path := range []string{"/api/runs/missing", "/api/runs/missing/checkpoints"} {
		rec := env.do(t, store.RoleMember, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := env.do(t, store.RoleMember, http.MethodPost, "/api/calendars/missing/runs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsWithoutEngine(t *testing.T) {
	ms := store.NewMockStore()
	srv := newServer(Deps{Store: ms, Logger: discardLogger()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuditFilters(t *testing.T) {
	env := newTestEnv(t, true)
	env.createClient(t, "one")
	env.createClient(t, "two")

	rec := env.do(t, store.RoleAdmin, http.MethodGet, "/api/audit?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]AuditEntryResponse](t, rec)["entries"], 1)

	rec = env.do(t, store.RoleAdmin, http.MethodGet, "/api/audit?action=delete_client", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]AuditEntryResponse](t, rec)["entries"])

	rec = env.do(t, store.RoleAdmin, http.MethodGet, "/api/audit?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, store.RoleAdmin, http.MethodGet, "/api/audit?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRules(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, store.RoleMember, http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[rules.Rules](t, rec)
	assert.Equal(t, rules.Defaults(), got)
}

func TestErrorBodiesAreJSON(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, store.RoleMember, http.MethodGet, "/api/clients/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
	assert.Equal(t, "not found", decode[map[string]string](t, rec)["error"])
}
