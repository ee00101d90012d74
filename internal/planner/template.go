// ABOUTME: TemplateGenerator lays out a calendar deterministically from slot and type patterns
// ABOUTME: Reacts to validation feedback by resizing the plan and dropping SMS

package planner

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

// DefaultCampaignCount is used when the brief has no target count.
const DefaultCampaignCount = 8

// slotTiers orders weekdays by preference. Earlier tiers fill first.
var slotTiers = [][]time.Weekday{
	{time.Tuesday, time.Thursday, time.Saturday},
	{time.Monday, time.Wednesday},
	{time.Friday, time.Sunday},
}

var typePattern = []store.CampaignType{
	store.TypePromotional,
	store.TypeContent,
	store.TypePromotional,
	store.TypeAnnouncement,
}

// TemplateGenerator is the default Generator. Same brief, same drafts.
type TemplateGenerator struct{}

// NewTemplateGenerator returns a TemplateGenerator.
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

// Generate implements Generator.
func (g *TemplateGenerator) Generate(ctx context.Context, b Brief) ([]Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, err := b.monthStart()
	if err != nil {
		return nil, err
	}
	r := b.Rules.WithDefaults()

	n := g.count(b, r)
	days := pickDays(start, n, r.MaxSendsPerWeek)
	if len(days) == 0 {
		return nil, ErrNoDrafts
	}

	smsAllowed := r.MaxSMSShare >= 0.25 && !b.violated(rules.RuleSMSShare)
	segments := b.segments()
	hour := b.sendHour()

	drafts := make([]Draft, len(days))
	for i, day := range days {
		typ := typePattern[i%len(typePattern)]
		channel := store.ChannelEmail
		if smsAllowed && i%4 == 3 {
			channel = store.ChannelSMS
		}
		drafts[i] = Draft{
			Name:    draftName(start, typ, channel, i+1),
			Channel: channel,
			Type:    typ,
			Segment: segments[i%len(segments)],
			Subject: draftSubject(b.ClientName, typ, day),
			SendAt:  time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location()),
		}
	}
	assignRevenue(drafts, b)
	return drafts, nil
}

func (g *TemplateGenerator) count(b Brief, r rules.Rules) int {
	n := b.TargetCount
	if n <= 0 {
		n = DefaultCampaignCount
	}
	if b.violated(rules.RuleDailySendCap) || b.violated(rules.RuleWeeklySendCap) {
		n = n * 3 / 4
	}
	if n < r.MinCampaigns {
		n = r.MinCampaigns
	}
	if n > r.MaxCampaigns {
		n = r.MaxCampaigns
	}
	return n
}

// pickDays chooses up to n distinct days of the month starting at start, spreading
// them evenly over each weekday tier and never exceeding weekCap per ISO week.
func pickDays(start time.Time, n, weekCap int) []time.Time {
	end := start.AddDate(0, 1, 0)
	chosen := make(map[int]bool)
	perWeek := make(map[string]int)

	take := func(d time.Time) bool {
		week := rules.WeekKey(d)
		if chosen[d.Day()] || perWeek[week] >= weekCap {
			return false
		}
		chosen[d.Day()] = true
		perWeek[week]++
		return true
	}

	for _, tier := range slotTiers {
		need := n - len(chosen)
		if need <= 0 {
			break
		}
		var avail []time.Time
		for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
			if chosen[d.Day()] || perWeek[rules.WeekKey(d)] >= weekCap {
				continue
			}
			for _, wd := range tier {
				if d.Weekday() == wd {
					avail = append(avail, d)
				}
			}
		}
		if need >= len(avail) {
			for _, d := range avail {
				take(d)
			}
			continue
		}
		for i := 0; i < need; i++ {
			take(avail[i*len(avail)/need])
		}
	}

	days := make([]time.Time, 0, len(chosen))
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		if chosen[d.Day()] {
			days = append(days, d)
		}
	}
	return days
}

// assignRevenue spreads expected revenue by type weight. When a goal is set the
// total is scaled up to meet it.
func assignRevenue(drafts []Draft, b Brief) {
	base := b.BaselineRevenue
	if base <= 0 && b.RevenueGoal > 0 {
		base = b.RevenueGoal / float64(len(drafts))
	}
	if base <= 0 {
		return
	}

	var total float64
	for i := range drafts {
		drafts[i].ExpectedRevenue = base * typeWeight(drafts[i].Type)
		total += drafts[i].ExpectedRevenue
	}
	scale := 1.0
	if b.RevenueGoal > 0 && total < b.RevenueGoal {
		scale = b.RevenueGoal / total
	}
	for i := range drafts {
		drafts[i].ExpectedRevenue = math.Ceil(drafts[i].ExpectedRevenue*scale*100-1e-6) / 100
	}
}

func draftName(start time.Time, typ store.CampaignType, channel store.Channel, n int) string {
	label := "Promotion"
	switch typ {
	case store.TypeContent:
		label = "Newsletter"
	case store.TypeAnnouncement:
		label = "Announcement"
	case store.TypeFlow:
		label = "Flow"
	}
	if channel == store.ChannelSMS {
		label = "SMS " + label
	}
	return fmt.Sprintf("%s %s %d", start.Month(), label, n)
}

func draftSubject(client string, typ store.CampaignType, day time.Time) string {
	if client == "" {
		client = "Our store"
	}
	switch typ {
	case store.TypeContent:
		return fmt.Sprintf("%s: what's new this %s", client, day.Weekday())
	case store.TypeAnnouncement:
		return fmt.Sprintf("%s has news for you", client)
	default:
		return fmt.Sprintf("%s: offers for %s %d", client, day.Month(), day.Day())
	}
}
