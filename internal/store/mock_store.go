// ABOUTME: Mock store implementation for testing
// ABOUTME: In-memory Store, RunStore, UserStore and AuditStore so tests can run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory implementation of every store interface for testing.
// Values are copied on the way in and out so callers cannot mutate stored state.
type MockStore struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	calendars   map[string]*Calendar
	campaigns   map[string][]*Campaign // keyed by calendar ID
	runs        map[string]*PlanRun
	checkpoints map[string][]*Checkpoint // keyed by run ID
	users       map[string]*User
	audit       []AuditEntry

	// FailReplace makes ReplaceCampaigns return this error when set
	FailReplace error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		clients:     make(map[string]*Client),
		calendars:   make(map[string]*Calendar),
		campaigns:   make(map[string][]*Campaign),
		runs:        make(map[string]*PlanRun),
		checkpoints: make(map[string][]*Checkpoint),
		users:       make(map[string]*User),
	}
}

// CreateClient stores a new client.
func (m *MockStore) CreateClient(ctx context.Context, c *Client) error {
	if err := validateClient(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.clients {
		if existing.Slug == c.Slug {
			return ErrDuplicate
		}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt

	cp := *c
	m.clients[c.ID] = &cp
	return nil
}

// GetClient retrieves a client by ID.
func (m *MockStore) GetClient(ctx context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListClients returns clients ordered by name.
func (m *MockStore) ListClients(ctx context.Context, activeOnly bool) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Client
	for _, c := range m.clients {
		if activeOnly && !c.Active {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return strings.ToLower(result[i].Name) < strings.ToLower(result[j].Name)
	})
	return result, nil
}

// UpdateClient replaces a stored client.
func (m *MockStore) UpdateClient(ctx context.Context, c *Client) error {
	if err := validateClient(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.clients[c.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.clients {
		if id != c.ID && other.Slug == c.Slug {
			return ErrDuplicate
		}
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	m.clients[c.ID] = &cp
	return nil
}

// DeleteClient removes a client and everything beneath it.
func (m *MockStore) DeleteClient(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[id]; !ok {
		return ErrNotFound
	}
	for calID, cal := range m.calendars {
		if cal.ClientID != id {
			continue
		}
		for runID, run := range m.runs {
			if run.CalendarID == calID {
				delete(m.runs, runID)
				delete(m.checkpoints, runID)
			}
		}
		delete(m.campaigns, calID)
		delete(m.calendars, calID)
	}
	delete(m.clients, id)
	return nil
}

// CreateCalendar stores a new calendar.
func (m *MockStore) CreateCalendar(ctx context.Context, cal *Calendar) error {
	if _, err := time.Parse(MonthLayout, cal.Month); err != nil {
		return fmt.Errorf("%w: month must be YYYY-MM, got %q", ErrInvalid, cal.Month)
	}
	if cal.RevenueGoal < 0 {
		return fmt.Errorf("%w: revenue goal must not be negative", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[cal.ClientID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.calendars {
		if existing.ClientID == cal.ClientID && existing.Month == cal.Month {
			return ErrDuplicate
		}
	}
	if cal.ID == "" {
		cal.ID = uuid.New().String()
	}
	if cal.Status == "" {
		cal.Status = CalendarDraft
	}
	if cal.CreatedAt.IsZero() {
		cal.CreatedAt = time.Now().UTC()
	}
	cal.UpdatedAt = cal.CreatedAt

	cp := *cal
	m.calendars[cal.ID] = &cp
	return nil
}

// GetCalendar retrieves a calendar by ID.
func (m *MockStore) GetCalendar(ctx context.Context, id string) (*Calendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cal, ok := m.calendars[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *cal
	return &result, nil
}

// ListCalendars returns a client's calendars ordered by month.
func (m *MockStore) ListCalendars(ctx context.Context, clientID string) ([]*Calendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Calendar
	for _, cal := range m.calendars {
		if cal.ClientID == clientID {
			cp := *cal
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Month < result[j].Month })
	return result, nil
}

// UpdateCalendarStatus sets a calendar's status.
func (m *MockStore) UpdateCalendarStatus(ctx context.Context, id string, status CalendarStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cal, ok := m.calendars[id]
	if !ok {
		return ErrNotFound
	}
	cal.Status = status
	cal.UpdatedAt = time.Now().UTC()
	return nil
}

// ListCampaigns returns a calendar's campaigns ordered by send time.
func (m *MockStore) ListCampaigns(ctx context.Context, calendarID string) ([]*Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Campaign, 0, len(m.campaigns[calendarID]))
	for _, c := range m.campaigns[calendarID] {
		cp := *c
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].SendAt.Equal(result[j].SendAt) {
			return result[i].Name < result[j].Name
		}
		return result[i].SendAt.Before(result[j].SendAt)
	})
	return result, nil
}

// ReplaceCampaigns swaps a calendar's campaign list.
func (m *MockStore) ReplaceCampaigns(ctx context.Context, calendarID string, campaigns []*Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailReplace != nil {
		return m.FailReplace
	}
	if _, ok := m.calendars[calendarID]; !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	for _, c := range campaigns {
		if err := prepareCampaign(calendarID, c, now); err != nil {
			return err
		}
	}
	for _, c := range m.campaigns[calendarID] {
		if c.ExternalID != "" {
			return ErrPublished
		}
	}

	stored := make([]*Campaign, 0, len(campaigns))
	for _, c := range campaigns {
		cp := *c
		cp.SendAt = cp.SendAt.UTC().Truncate(time.Second)
		stored = append(stored, &cp)
	}
	m.campaigns[calendarID] = stored
	return nil
}

// MarkCampaignPublished records the remote id of a campaign.
func (m *MockStore) MarkCampaignPublished(ctx context.Context, id, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, list := range m.campaigns {
		for _, c := range list {
			if c.ID == id {
				c.Status = CampaignPublished
				c.ExternalID = externalID
				c.UpdatedAt = time.Now().UTC()
				return nil
			}
		}
	}
	return ErrNotFound
}

// CreateRun stores a new run.
func (m *MockStore) CreateRun(ctx context.Context, run *PlanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if _, exists := m.runs[run.ID]; exists {
		return ErrDuplicate
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if m.activeRunLocked(run) {
		return ErrDuplicate
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

// GetRun retrieves a run by ID.
func (m *MockStore) GetRun(ctx context.Context, id string) (*PlanRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *run
	return &result, nil
}

// UpdateRun replaces a stored run.
func (m *MockStore) UpdateRun(ctx context.Context, run *PlanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	if m.activeRunLocked(run) {
		return ErrDuplicate
	}
	run.UpdatedAt = time.Now().UTC()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

// activeRunLocked reports whether another active run holds run's calendar.
// Mirrors the partial unique index on plan_runs.
func (m *MockStore) activeRunLocked(run *PlanRun) bool {
	if !run.Status.Active() {
		return false
	}
	for _, other := range m.runs {
		if other.ID != run.ID && other.CalendarID == run.CalendarID && other.Status.Active() {
			return true
		}
	}
	return false
}

// ListRuns returns a calendar's runs, newest first.
func (m *MockStore) ListRuns(ctx context.Context, calendarID string) ([]*PlanRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PlanRun
	for _, run := range m.runs {
		if run.CalendarID == calendarID {
			cp := *run
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// AppendCheckpoint stores a checkpoint with the next sequence number.
func (m *MockStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.checkpoints[cp.RunID]
	cp.Seq = len(list) + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	stored := *cp
	stored.State = append([]byte(nil), cp.State...)
	m.checkpoints[cp.RunID] = append(list, &stored)
	return nil
}

// LatestCheckpoint returns the newest checkpoint of a run.
func (m *MockStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.checkpoints[runID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	result := *list[len(list)-1]
	return &result, nil
}

// ListCheckpoints returns all checkpoints of a run.
func (m *MockStore) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Checkpoint, 0, len(m.checkpoints[runID]))
	for _, cp := range m.checkpoints[runID] {
		c := *cp
		result = append(result, &c)
	}
	return result, nil
}

// PruneRuns removes runs last updated before cutoff, keeping those awaiting review.
func (m *MockStore) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, run := range m.runs {
		if run.UpdatedAt.Before(cutoff) && run.Status != RunAwaitingReview {
			delete(m.runs, id)
			delete(m.checkpoints, id)
			n++
		}
	}
	return n, nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, u *User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" || u.PasswordHash == "" || !ValidRole(u.Role) {
		return ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			result := *u
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// CountUsers returns the number of users.
func (m *MockStore) CountUsers(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// AppendAuditLog records an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching audit entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(f.Limit, 100, 1000)
	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
