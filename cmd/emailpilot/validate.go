// ABOUTME: Offline validation of a YAML calendar file against a rule set
// ABOUTME: Prints the report in color and fails when error-level violations remain

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

// errValidationFailed is returned when the calendar has error-level violations.
var errValidationFailed = errors.New("calendar failed validation")

// calendarFile is the YAML layout accepted by the validate command.
type calendarFile struct {
	Client      string         `yaml:"client"`
	Timezone    string         `yaml:"timezone"`
	Month       string         `yaml:"month"`
	RevenueGoal float64        `yaml:"revenue_goal"`
	Campaigns   []campaignFile `yaml:"campaigns"`
}

type campaignFile struct {
	Name            string  `yaml:"name"`
	Channel         string  `yaml:"channel"`
	Type            string  `yaml:"type"`
	Segment         string  `yaml:"segment"`
	SendAt          string  `yaml:"send_at"`
	ExpectedRevenue float64 `yaml:"expected_revenue"`
	Subject         string  `yaml:"subject"`
}

// send_at layouts without an offset are read in the calendar timezone.
var sendAtLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02T15:04:05"}

func parseSendAt(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range sendAtLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("send_at %q is not RFC3339 or YYYY-MM-DD HH:MM", s)
}

// parseCalendarFile decodes a calendar file into rule input. Campaign ids are
// their 1-based positions so violations can be traced back to the file.
func parseCalendarFile(data []byte) (*calendarFile, rules.Input, error) {
	var f calendarFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, rules.Input{}, fmt.Errorf("parsing calendar: %w", err)
	}

	loc := time.UTC
	if f.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(f.Timezone); err != nil {
			return nil, rules.Input{}, fmt.Errorf("unknown timezone %q", f.Timezone)
		}
	}

	in := rules.Input{Month: f.Month, RevenueGoal: f.RevenueGoal, Location: loc}
	for i, c := range f.Campaigns {
		var sendAt time.Time
		if c.SendAt != "" {
			t, err := parseSendAt(c.SendAt, loc)
			if err != nil {
				return nil, rules.Input{}, fmt.Errorf("campaign %d: %w", i+1, err)
			}
			sendAt = t
		}
		in.Campaigns = append(in.Campaigns, &store.Campaign{
			ID:              fmt.Sprintf("#%d", i+1),
			Name:            strings.TrimSpace(c.Name),
			Channel:         store.Channel(strings.ToLower(c.Channel)),
			Type:            store.CampaignType(strings.ToLower(c.Type)),
			Segment:         strings.TrimSpace(c.Segment),
			SendAt:          sendAt,
			ExpectedRevenue: c.ExpectedRevenue,
			Subject:         c.Subject,
		})
	}
	return &f, in, nil
}

func runValidate(args []string, out io.Writer) error {
	flags, positional, err := parseFlags(args, flagSpec{"rules": true})
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return errors.New("usage: validate [--rules FILE] CALENDAR.yaml")
	}

	r := rules.Defaults()
	if path := flags["rules"]; path != "" {
		if r, err = rules.Load(path); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(positional[0])
	if err != nil {
		return fmt.Errorf("reading calendar: %w", err)
	}
	f, in, err := parseCalendarFile(data)
	if err != nil {
		return err
	}

	report := rules.Validate(r, in)
	printReport(out, f, report)
	if !report.Passed() {
		return errValidationFailed
	}
	return nil
}

func printReport(out io.Writer, f *calendarFile, report rules.Report) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	name := f.Client
	if name == "" {
		name = "calendar"
	}
	fmt.Fprintln(out)
	cyan.Fprintf(out, "  %s %s\n", name, f.Month)
	gray.Fprintf(out, "  %d campaigns, expected %.2f", report.Stats.Campaigns, report.Stats.TotalRevenue)
	if report.Stats.RevenueGoal > 0 {
		gray.Fprintf(out, " of %.2f (%.0f%%)", report.Stats.RevenueGoal, report.Stats.GoalCoverage*100)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out)

	for _, v := range report.Violations {
		if v.Severity == rules.SeverityError {
			red.Fprint(out, "  ✗ ")
		} else {
			yellow.Fprint(out, "  ! ")
		}
		fmt.Fprintf(out, "%s: %s", v.Rule, v.Message)
		if len(v.CampaignIDs) > 0 {
			gray.Fprintf(out, " [%s]", strings.Join(v.CampaignIDs, " "))
		}
		fmt.Fprintln(out)
	}

	errs := len(report.Errors())
	warnings := len(report.Violations) - errs
	if len(report.Violations) > 0 {
		fmt.Fprintln(out)
	}
	if report.Passed() {
		green.Fprintf(out, "  ✓ Passed with %d warning(s)\n", warnings)
	} else {
		red.Fprintf(out, "  ✗ Failed with %d error(s) and %d warning(s)\n", errs, warnings)
	}
}
