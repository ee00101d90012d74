// ABOUTME: Rule thresholds for calendar validation and their YAML loading
// ABOUTME: Zero-valued thresholds fall back to the defaults in Defaults()

package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules holds every threshold used by Validate.
type Rules struct {
	MinCampaigns                int     `yaml:"min_campaigns" json:"min_campaigns"`
	MaxCampaigns                int     `yaml:"max_campaigns" json:"max_campaigns"`
	MaxSendsPerDay              int     `yaml:"max_sends_per_day" json:"max_sends_per_day"`
	MaxSendsPerWeek             int     `yaml:"max_sends_per_week" json:"max_sends_per_week"`
	MinHoursBetweenSegmentSends float64 `yaml:"min_hours_between_segment_sends" json:"min_hours_between_segment_sends"`
	MinGoalCoverage             float64 `yaml:"min_goal_coverage" json:"min_goal_coverage"`
	MaxCampaignRevenueShare     float64 `yaml:"max_campaign_revenue_share" json:"max_campaign_revenue_share"`
	MaxWeekRevenueShare         float64 `yaml:"max_week_revenue_share" json:"max_week_revenue_share"`
	MaxSMSShare                 float64 `yaml:"max_sms_share" json:"max_sms_share"`
}

// Defaults returns the stock rule set.
func Defaults() Rules {
	return Rules{
		MinCampaigns:                4,
		MaxCampaigns:                20,
		MaxSendsPerDay:              2,
		MaxSendsPerWeek:             6,
		MinHoursBetweenSegmentSends: 20,
		MinGoalCoverage:             0.9,
		MaxCampaignRevenueShare:     0.35,
		MaxWeekRevenueShare:         0.5,
		MaxSMSShare:                 0.3,
	}
}

// WithDefaults returns a copy of r where every zero threshold is replaced by its default.
func (r Rules) WithDefaults() Rules {
	d := Defaults()
	if r.MinCampaigns == 0 {
		r.MinCampaigns = d.MinCampaigns
	}
	if r.MaxCampaigns == 0 {
		r.MaxCampaigns = d.MaxCampaigns
	}
	if r.MaxSendsPerDay == 0 {
		r.MaxSendsPerDay = d.MaxSendsPerDay
	}
	if r.MaxSendsPerWeek == 0 {
		r.MaxSendsPerWeek = d.MaxSendsPerWeek
	}
	if r.MinHoursBetweenSegmentSends == 0 {
		r.MinHoursBetweenSegmentSends = d.MinHoursBetweenSegmentSends
	}
	if r.MinGoalCoverage == 0 {
		r.MinGoalCoverage = d.MinGoalCoverage
	}
	if r.MaxCampaignRevenueShare == 0 {
		r.MaxCampaignRevenueShare = d.MaxCampaignRevenueShare
	}
	if r.MaxWeekRevenueShare == 0 {
		r.MaxWeekRevenueShare = d.MaxWeekRevenueShare
	}
	if r.MaxSMSShare == 0 {
		r.MaxSMSShare = d.MaxSMSShare
	}
	return r
}

// Check reports inconsistent thresholds.
func (r Rules) Check() error {
	if r.MinCampaigns < 0 || r.MaxCampaigns < 0 || r.MaxSendsPerDay < 0 || r.MaxSendsPerWeek < 0 {
		return fmt.Errorf("counts and caps must not be negative")
	}
	if r.MaxCampaigns < r.MinCampaigns {
		return fmt.Errorf("max_campaigns (%d) is below min_campaigns (%d)", r.MaxCampaigns, r.MinCampaigns)
	}
	for name, v := range map[string]float64{
		"min_goal_coverage":          r.MinGoalCoverage,
		"max_campaign_revenue_share": r.MaxCampaignRevenueShare,
		"max_week_revenue_share":     r.MaxWeekRevenueShare,
		"max_sms_share":              r.MaxSMSShare,
	} {
		if v < 0 || (name != "min_goal_coverage" && v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}
	return nil
}

// Parse decodes a YAML rule set, applies defaults and checks it.
func Parse(data []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("parsing rules: %w", err)
	}
	r = r.WithDefaults()
	if err := r.Check(); err != nil {
		return Rules{}, fmt.Errorf("checking rules: %w", err)
	}
	return r, nil
}

// Load reads a YAML rule set from path.
func Load(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading rules file: %w", err)
	}
	return Parse(data)
}

// Provider hands out the rules currently in force.
type Provider interface {
	Rules() Rules
}

// Static is a Provider that never changes.
type Static Rules

// Rules returns the fixed rule set.
func (s Static) Rules() Rules {
	return Rules(s)
}
