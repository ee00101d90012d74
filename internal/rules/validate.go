// ABOUTME: Calendar validation: aggregates campaigns and compares them against Rules
// ABOUTME: Produces a Report of violations plus per-channel and per-week statistics

package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/winatecommerce96/emailpilot/internal/store"
)

// Severity of a violation. Only SeverityError blocks a calendar.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule names reported in violations.
const (
	RuleCampaignCount        = "campaign_count"
	RuleMonthBounds          = "month_bounds"
	RuleDailySendCap         = "daily_send_cap"
	RuleWeeklySendCap        = "weekly_send_cap"
	RuleSegmentSpacing       = "segment_spacing"
	RuleRevenueCoverage      = "revenue_coverage"
	RuleRevenueConcentration = "revenue_concentration"
	RuleWeeklyRevenueShare   = "weekly_revenue_share"
	RuleSMSShare             = "sms_share"
	RuleDuplicateCampaign    = "duplicate_campaign"
	RuleMissingFields        = "missing_fields"
)

// Violation is one failed check.
type Violation struct {
	Rule        string   `json:"rule"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	CampaignIDs []string `json:"campaign_ids,omitempty"`
}

// Stats summarises the calendar that was validated.
type Stats struct {
	Campaigns     int                   `json:"campaigns"`
	ByChannel     map[store.Channel]int `json:"by_channel"`
	SendsByWeek   map[string]int        `json:"sends_by_week"`
	RevenueByWeek map[string]float64    `json:"revenue_by_week"`
	TotalRevenue  float64               `json:"total_revenue"`
	RevenueGoal   float64               `json:"revenue_goal"`
	GoalCoverage  float64               `json:"goal_coverage"` // 0 when the goal is 0
}

// Report is the outcome of Validate.
type Report struct {
	Violations []Violation `json:"violations"`
	Stats      Stats       `json:"stats"`
}

// Passed is true when the report holds no error-level violations.
func (r Report) Passed() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Errors returns only the error-level violations.
func (r Report) Errors() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// Has reports whether any violation of the named rule is present.
func (r Report) Has(rule string) bool {
	for _, v := range r.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// Input is the calendar under validation.
type Input struct {
	Month       string // YYYY-MM
	RevenueGoal float64
	Location    *time.Location // client timezone; nil means UTC
	Campaigns   []*store.Campaign
}

// WeekKey formats the ISO week of t, e.g. "2025-W10".
func WeekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

type validator struct {
	rules Rules
	in    Input
	loc   *time.Location
	out   []Violation
}

func (v *validator) add(rule string, sev Severity, ids []string, format string, args ...any) {
	sort.Strings(ids)
	v.out = append(v.out, Violation{
		Rule:        rule,
		Severity:    sev,
		Message:     fmt.Sprintf(format, args...),
		CampaignIDs: ids,
	})
}

// Validate checks a calendar's campaigns against r. Zero thresholds in r take their defaults.
func Validate(r Rules, in Input) Report {
	v := &validator{rules: r.WithDefaults(), in: in, loc: in.Location}
	if v.loc == nil {
		v.loc = time.UTC
	}

	valid := v.checkFields()
	v.checkCount()
	v.checkMonthBounds(valid)
	v.checkDailyCap(valid)
	v.checkWeeklyCap(valid)
	v.checkSegmentSpacing(valid)
	v.checkDuplicates(valid)
	v.checkSMSShare()
	stats := v.stats(valid)
	v.checkRevenue(stats)

	sort.SliceStable(v.out, func(i, j int) bool {
		a, b := v.out[i], v.out[j]
		if a.Severity != b.Severity {
			return a.Severity == SeverityError
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return a.Message < b.Message
	})

	violations := v.out
	if violations == nil {
		violations = []Violation{}
	}
	return Report{Violations: violations, Stats: stats}
}

// scheduled reports whether t is a usable send time: set and after the Unix epoch.
func scheduled(t time.Time) bool {
	return !t.IsZero() && t.Unix() > 0
}

// checkFields flags campaigns with unusable fields and returns the ones that can be scheduled.
func (v *validator) checkFields() []*store.Campaign {
	valid := make([]*store.Campaign, 0, len(v.in.Campaigns))
	for _, c := range v.in.Campaigns {
		var problems []string
		if strings.TrimSpace(c.Name) == "" {
			problems = append(problems, "name")
		}
		if strings.TrimSpace(c.Segment) == "" {
			problems = append(problems, "segment")
		}
		if !scheduled(c.SendAt) {
			problems = append(problems, "send time")
		}
		if c.Channel != "" && c.Channel != store.ChannelEmail && c.Channel != store.ChannelSMS {
			problems = append(problems, fmt.Sprintf("channel %q", c.Channel))
		}
		if c.ExpectedRevenue < 0 {
			problems = append(problems, "negative expected revenue")
		}
		if len(problems) > 0 {
			v.add(RuleMissingFields, SeverityError, []string{c.ID},
				"campaign %q has invalid %s", c.Name, strings.Join(problems, ", "))
			if !scheduled(c.SendAt) {
				continue
			}
		}
		valid = append(valid, c)
	}
	return valid
}

func (v *validator) checkCount() {
	n := len(v.in.Campaigns)
	if n < v.rules.MinCampaigns {
		v.add(RuleCampaignCount, SeverityError, nil,
			"calendar has %d campaigns, at least %d required", n, v.rules.MinCampaigns)
	}
	if n > v.rules.MaxCampaigns {
		v.add(RuleCampaignCount, SeverityError, nil,
			"calendar has %d campaigns, at most %d allowed", n, v.rules.MaxCampaigns)
	}
}

func (v *validator) checkMonthBounds(campaigns []*store.Campaign) {
	cal := store.Calendar{Month: v.in.Month}
	start, end, err := cal.Bounds(v.loc)
	if err != nil {
		v.add(RuleMonthBounds, SeverityError, nil, "calendar month %q is not YYYY-MM", v.in.Month)
		return
	}
	var outside []string
	for _, c := range campaigns {
		t := c.SendAt.In(v.loc)
		if t.Before(start) || !t.Before(end) {
			outside = append(outside, c.ID)
		}
	}
	if len(outside) > 0 {
		v.add(RuleMonthBounds, SeverityError, outside,
			"%d campaigns are scheduled outside %s", len(outside), v.in.Month)
	}
}

func channelOf(c *store.Campaign) store.Channel {
	if c.Channel == "" {
		return store.ChannelEmail
	}
	return c.Channel
}

func (v *validator) checkDailyCap(campaigns []*store.Campaign) {
	type key struct {
		day     string
		channel store.Channel
	}
	groups := make(map[key][]string)
	var order []key
	for _, c := range campaigns {
		k := key{day: c.SendAt.In(v.loc).Format("2006-01-02"), channel: channelOf(c)}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c.ID)
	}
	for _, k := range order {
		if ids := groups[k]; len(ids) > v.rules.MaxSendsPerDay {
			v.add(RuleDailySendCap, SeverityError, ids,
				"%d %s sends on %s exceed the daily cap of %d", len(ids), k.channel, k.day, v.rules.MaxSendsPerDay)
		}
	}
}

func (v *validator) checkWeeklyCap(campaigns []*store.Campaign) {
	groups := make(map[string][]string)
	var order []string
	for _, c := range campaigns {
		week := WeekKey(c.SendAt.In(v.loc))
		if _, seen := groups[week]; !seen {
			order = append(order, week)
		}
		groups[week] = append(groups[week], c.ID)
	}
	for _, week := range order {
		if ids := groups[week]; len(ids) > v.rules.MaxSendsPerWeek {
			v.add(RuleWeeklySendCap, SeverityError, ids,
				"%d sends in %s exceed the weekly cap of %d", len(ids), week, v.rules.MaxSendsPerWeek)
		}
	}
}

func (v *validator) checkSegmentSpacing(campaigns []*store.Campaign) {
	type key struct {
		segment string
		channel store.Channel
	}
	groups := make(map[key][]*store.Campaign)
	for _, c := range campaigns {
		k := key{segment: strings.ToLower(strings.TrimSpace(c.Segment)), channel: channelOf(c)}
		groups[k] = append(groups[k], c)
	}

	minGap := time.Duration(v.rules.MinHoursBetweenSegmentSends * float64(time.Hour))
	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].segment != keys[j].segment {
			return keys[i].segment < keys[j].segment
		}
		return keys[i].channel < keys[j].channel
	})

	for _, k := range keys {
		list := groups[k]
		sort.Slice(list, func(i, j int) bool { return list[i].SendAt.Before(list[j].SendAt) })
		for i := 1; i < len(list); i++ {
			gap := list[i].SendAt.Sub(list[i-1].SendAt)
			if gap < minGap {
				v.add(RuleSegmentSpacing, SeverityWarning, []string{list[i-1].ID, list[i].ID},
					"segment %q receives %s sends %.1fh apart, minimum is %.1fh",
					list[i].Segment, k.channel, gap.Hours(), v.rules.MinHoursBetweenSegmentSends)
			}
		}
	}
}

func (v *validator) checkDuplicates(campaigns []*store.Campaign) {
	type key struct {
		name string
		day  string
	}
	groups := make(map[key][]string)
	var order []key
	for _, c := range campaigns {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			continue
		}
		k := key{name: name, day: c.SendAt.In(v.loc).Format("2006-01-02")}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c.ID)
	}
	for _, k := range order {
		if ids := groups[k]; len(ids) > 1 {
			v.add(RuleDuplicateCampaign, SeverityError, ids,
				"%d campaigns named %q on %s", len(ids), k.name, k.day)
		}
	}
}

func (v *validator) checkSMSShare() {
	total := len(v.in.Campaigns)
	if total == 0 {
		return
	}
	var sms []string
	for _, c := range v.in.Campaigns {
		if c.Channel == store.ChannelSMS {
			sms = append(sms, c.ID)
		}
	}
	share := float64(len(sms)) / float64(total)
	if share > v.rules.MaxSMSShare {
		v.add(RuleSMSShare, SeverityWarning, sms,
			"SMS is %.0f%% of campaigns, maximum is %.0f%%", share*100, v.rules.MaxSMSShare*100)
	}
}

func (v *validator) stats(campaigns []*store.Campaign) Stats {
	s := Stats{
		Campaigns:     len(v.in.Campaigns),
		ByChannel:     make(map[store.Channel]int),
		SendsByWeek:   make(map[string]int),
		RevenueByWeek: make(map[string]float64),
		RevenueGoal:   v.in.RevenueGoal,
	}
	for _, c := range v.in.Campaigns {
		s.ByChannel[channelOf(c)]++
		if c.ExpectedRevenue > 0 {
			s.TotalRevenue += c.ExpectedRevenue
		}
	}
	for _, c := range campaigns {
		week := WeekKey(c.SendAt.In(v.loc))
		s.SendsByWeek[week]++
		if c.ExpectedRevenue > 0 {
			s.RevenueByWeek[week] += c.ExpectedRevenue
		}
	}
	if s.RevenueGoal > 0 {
		s.GoalCoverage = s.TotalRevenue / s.RevenueGoal
	}
	return s
}

func (v *validator) checkRevenue(s Stats) {
	if s.RevenueGoal > 0 && s.TotalRevenue < s.RevenueGoal*v.rules.MinGoalCoverage {
		v.add(RuleRevenueCoverage, SeverityError, nil,
			"expected revenue %.2f covers %.0f%% of the %.2f goal, at least %.0f%% required",
			s.TotalRevenue, s.GoalCoverage*100, s.RevenueGoal, v.rules.MinGoalCoverage*100)
	}
	if s.TotalRevenue <= 0 {
		return
	}
	for _, c := range v.in.Campaigns {
		share := c.ExpectedRevenue / s.TotalRevenue
		if share > v.rules.MaxCampaignRevenueShare {
			v.add(RuleRevenueConcentration, SeverityWarning, []string{c.ID},
				"campaign %q carries %.0f%% of expected revenue, maximum is %.0f%%",
				c.Name, share*100, v.rules.MaxCampaignRevenueShare*100)
		}
	}
	weeks := make([]string, 0, len(s.RevenueByWeek))
	for w := range s.RevenueByWeek {
		weeks = append(weeks, w)
	}
	sort.Strings(weeks)
	for _, w := range weeks {
		share := s.RevenueByWeek[w] / s.TotalRevenue
		if share > v.rules.MaxWeekRevenueShare {
			v.add(RuleWeeklyRevenueShare, SeverityWarning, nil,
				"%s carries %.0f%% of expected revenue, maximum is %.0f%%",
				w, share*100, v.rules.MaxWeekRevenueShare*100)
		}
	}
}
