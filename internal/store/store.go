// ABOUTME: Store interfaces and data types for emailpilot persistence
// ABOUTME: Defines clients, calendars, campaigns, planning runs, checkpoints, users and audit entries

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique key (client slug, calendar month, user email) is already taken
var ErrDuplicate = errors.New("already exists")

// ErrInvalid is returned when an entity fails basic field checks before hitting the database
var ErrInvalid = errors.New("invalid entity")

// ErrPublished is returned when a change would discard campaigns already pushed to Klaviyo
var ErrPublished = errors.New("calendar has published campaigns")

// Client is a brand whose email program is planned in emailpilot
type Client struct {
	ID               string
	Name             string
	Slug             string
	Timezone         string // IANA name, defaults to UTC
	KlaviyoAccountID string
	AsanaProjectID   string // overrides the configured project for review tasks
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Location resolves the client's timezone, falling back to UTC for empty or unknown names.
func (c *Client) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CalendarStatus tracks where a monthly calendar is in its lifecycle
type CalendarStatus string

const (
	CalendarDraft          CalendarStatus = "draft"
	CalendarPlanning       CalendarStatus = "planning"
	CalendarAwaitingReview CalendarStatus = "awaiting_review"
	CalendarApproved       CalendarStatus = "approved"
	CalendarPublished      CalendarStatus = "published"
	CalendarFailed         CalendarStatus = "failed"
)

// Calendar is one client's campaign plan for a single month
type Calendar struct {
	ID          string
	ClientID    string
	Month       string // YYYY-MM
	RevenueGoal float64
	Status      CalendarStatus
	Notes       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MonthLayout is the time layout of Calendar.Month
const MonthLayout = "2006-01"

// Bounds returns the first instant of the calendar month and the first instant of the
// following month in loc.
func (c *Calendar) Bounds(loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(MonthLayout, c.Month, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 1, 0), nil
}

// Channel is the delivery channel of a campaign
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// ValidChannel reports whether ch is a known channel
func ValidChannel(ch Channel) bool {
	return ch == ChannelEmail || ch == ChannelSMS
}

// CampaignType classifies the intent of a campaign
type CampaignType string

const (
	TypePromotional  CampaignType = "promotional"
	TypeContent      CampaignType = "content"
	TypeFlow         CampaignType = "flow"
	TypeAnnouncement CampaignType = "announcement"
)

// ValidCampaignType reports whether t is a known campaign type
func ValidCampaignType(t CampaignType) bool {
	switch t {
	case TypePromotional, TypeContent, TypeFlow, TypeAnnouncement:
		return true
	}
	return false
}

// CampaignStatus tracks a campaign from draft to published
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignPublished CampaignStatus = "published"
)

// Campaign is a single planned send within a calendar
type Campaign struct {
	ID              string
	CalendarID      string
	Name            string
	Channel         Channel
	Type            CampaignType
	Segment         string
	SendAt          time.Time
	ExpectedRevenue float64
	Subject         string
	Status          CampaignStatus
	ExternalID      string // Klaviyo campaign id once published
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RunStatus is the state of a planning run
type RunStatus string

const (
	RunRunning        RunStatus = "running"
	RunAwaitingReview RunStatus = "awaiting_review"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
)

// Terminal reports whether no further steps will execute for the run
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Active reports whether the run occupies its calendar. At most one run per
// calendar may be active.
func (s RunStatus) Active() bool {
	return s == RunRunning || s == RunAwaitingReview
}

// PlanRun is one execution of the planning pipeline for a calendar
type PlanRun struct {
	ID          string
	CalendarID  string
	Status      RunStatus
	CurrentStep string
	Attempt     int
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Checkpoint is a persisted snapshot of pipeline state taken at a step boundary.
// Seq increases monotonically per run; the highest Seq is the resume point.
type Checkpoint struct {
	RunID     string
	Seq       int
	Step      string
	State     []byte
	CreatedAt time.Time
}

// Role is a user's permission level
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ValidRole reports whether r is one of the known roles
func ValidRole(r Role) bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// User is an operator of the emailpilot API
type User struct {
	ID           string
	Email        string
	PasswordHash string // bcrypt
	Role         Role
	CreatedAt    time.Time
}

// Store defines the interface for client, calendar and campaign persistence
type Store interface {
	// Clients
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	ListClients(ctx context.Context, activeOnly bool) ([]*Client, error)
	UpdateClient(ctx context.Context, client *Client) error
	DeleteClient(ctx context.Context, id string) error

	// Calendars
	CreateCalendar(ctx context.Context, cal *Calendar) error
	GetCalendar(ctx context.Context, id string) (*Calendar, error)
	ListCalendars(ctx context.Context, clientID string) ([]*Calendar, error)
	UpdateCalendarStatus(ctx context.Context, id string, status CalendarStatus) error

	// Campaigns
	ListCampaigns(ctx context.Context, calendarID string) ([]*Campaign, error)
	ReplaceCampaigns(ctx context.Context, calendarID string, campaigns []*Campaign) error
	MarkCampaignPublished(ctx context.Context, id, externalID string) error

	// Close releases any resources held by the store
	Close() error
}

// RunStore persists planning runs and their checkpoints
type RunStore interface {
	CreateRun(ctx context.Context, run *PlanRun) error
	GetRun(ctx context.Context, id string) (*PlanRun, error)
	UpdateRun(ctx context.Context, run *PlanRun) error
	ListRuns(ctx context.Context, calendarID string) ([]*PlanRun, error)

	AppendCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error)

	// PruneRuns deletes runs last updated before cutoff together with their checkpoints
	PruneRuns(ctx context.Context, cutoff time.Time) (int, error)
}

// UserStore persists API users
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CountUsers(ctx context.Context) (int, error)
}

// AuditStore records administrative actions
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
