// ABOUTME: Calendar generation contract: briefs in, campaign drafts out
// ABOUTME: Shared helpers for turning drafts into store campaigns

package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

// ErrNoDrafts is returned when a generator produced nothing usable.
var ErrNoDrafts = errors.New("generator produced no drafts")

// DefaultSendHour is the local hour campaigns are scheduled at when the brief names none.
const DefaultSendHour = 10

// DefaultSegments are rotated through when a brief carries no segments.
var DefaultSegments = []string{"Engaged 90 Days", "Full List", "VIP Customers"}

// Brief is everything a generator needs to plan one calendar.
type Brief struct {
	ClientName  string
	Location    *time.Location
	Month       string // YYYY-MM
	RevenueGoal float64
	TargetCount int

	// BaselineRevenue is the historical revenue of an average campaign. Zero means unknown.
	BaselineRevenue float64

	SendHour int
	Segments []string
	Rules    rules.Rules

	// Violations from the previous validation, if the last attempt failed.
	Violations []rules.Violation
	// Notes from a reviewer who rejected the previous attempt.
	Notes []string
}

func (b Brief) location() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

func (b Brief) sendHour() int {
	if b.SendHour <= 0 || b.SendHour > 23 {
		return DefaultSendHour
	}
	return b.SendHour
}

func (b Brief) segments() []string {
	if len(b.Segments) == 0 {
		return DefaultSegments
	}
	return b.Segments
}

// monthStart parses the brief month in the client location.
func (b Brief) monthStart() (time.Time, error) {
	start, err := time.ParseInLocation(store.MonthLayout, b.Month, b.location())
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing month %q: %w", b.Month, err)
	}
	return start, nil
}

func (b Brief) violated(rule string) bool {
	for _, v := range b.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// Draft is a proposed campaign.
type Draft struct {
	Name            string             `json:"name"`
	Channel         store.Channel      `json:"channel"`
	Type            store.CampaignType `json:"type"`
	Segment         string             `json:"segment"`
	Subject         string             `json:"subject"`
	SendAt          time.Time          `json:"send_at"`
	ExpectedRevenue float64            `json:"expected_revenue"`
}

// Campaign converts the draft into an unsaved campaign for calendarID.
func (d Draft) Campaign(calendarID string) *store.Campaign {
	return &store.Campaign{
		CalendarID:      calendarID,
		Name:            d.Name,
		Channel:         d.Channel,
		Type:            d.Type,
		Segment:         d.Segment,
		Subject:         d.Subject,
		SendAt:          d.SendAt,
		ExpectedRevenue: d.ExpectedRevenue,
		Status:          store.CampaignDraft,
	}
}

// Campaigns converts a batch of drafts.
func Campaigns(calendarID string, drafts []Draft) []*store.Campaign {
	out := make([]*store.Campaign, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, d.Campaign(calendarID))
	}
	return out
}

// Generator plans the campaigns of a calendar.
type Generator interface {
	Generate(ctx context.Context, b Brief) ([]Draft, error)
}

// typeWeight scales expected revenue by campaign intent.
func typeWeight(t store.CampaignType) float64 {
	switch t {
	case store.TypePromotional:
		return 1.5
	case store.TypeAnnouncement:
		return 1.0
	case store.TypeContent:
		return 0.6
	default:
		return 1.0
	}
}

func normalizeChannel(s string) store.Channel {
	switch store.Channel(strings.ToLower(strings.TrimSpace(s))) {
	case store.ChannelSMS:
		return store.ChannelSMS
	default:
		return store.ChannelEmail
	}
}

func normalizeType(s string) store.CampaignType {
	switch t := store.CampaignType(strings.ToLower(strings.TrimSpace(s))); t {
	case store.TypePromotional, store.TypeContent, store.TypeFlow, store.TypeAnnouncement:
		return t
	default:
		return store.TypePromotional
	}
}
