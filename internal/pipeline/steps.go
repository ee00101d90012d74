// ABOUTME: Step implementations for the planning graph
// ABOUTME: Each step mutates State and chooses the next step

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/winatecommerce96/emailpilot/internal/planner"
	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

// historyMonths is how far back ingest looks for campaign performance.
const historyMonths = 3

func (e *Engine) calendarAndClient(ctx context.Context, st *State) (*store.Calendar, *store.Client, error) {
	cal, err := e.store.GetCalendar(ctx, st.CalendarID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading calendar: %w", err)
	}
	client, err := e.store.GetClient(ctx, cal.ClientID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading client: %w", err)
	}
	return cal, client, nil
}

func (e *Engine) briefTarget() int {
	if e.targetCount > 0 {
		return e.targetCount
	}
	return planner.DefaultCampaignCount
}

// ingest computes the baseline revenue per campaign from history, falling back
// to goal divided by the target count.
func (e *Engine) ingest(ctx context.Context, st *State) error {
	cal, client, err := e.calendarAndClient(ctx, st)
	if err != nil {
		return err
	}
	if err := e.store.UpdateCalendarStatus(ctx, cal.ID, store.CalendarPlanning); err != nil {
		return fmt.Errorf("updating calendar status: %w", err)
	}

	var baseline float64
	if e.history != nil {
		start, _, err := cal.Bounds(client.Location())
		if err != nil {
			return fmt.Errorf("calendar month: %w", err)
		}
		baseline, err = e.history.AverageCampaignRevenue(ctx, client, start.AddDate(0, -historyMonths, 0), start)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			e.logger.Warn("campaign history unavailable, using goal", "client_id", client.ID, "error", err)
			baseline = 0
		}
	}
	if baseline <= 0 && cal.RevenueGoal > 0 {
		baseline = cal.RevenueGoal / float64(e.briefTarget())
	}

	st.ClientID = client.ID
	st.BaselineRevenue = baseline
	st.Next = StepGenerate
	return nil
}

// generate asks the generator for drafts and replaces the calendar's campaigns with them.
func (e *Engine) generate(ctx context.Context, run *store.PlanRun, st *State) error {
	cal, client, err := e.calendarAndClient(ctx, st)
	if err != nil {
		return err
	}

	st.Attempt++
	brief := planner.Brief{
		ClientName:      client.Name,
		Location:        client.Location(),
		Month:           cal.Month,
		RevenueGoal:     cal.RevenueGoal,
		TargetCount:     e.briefTarget(),
		BaselineRevenue: st.BaselineRevenue,
		SendHour:        e.sendHour,
		Segments:        e.segments,
		Rules:           e.rules.Rules(),
		Violations:      st.Violations,
		Notes:           st.Notes,
	}
	drafts, err := e.generator.Generate(ctx, brief)
	if err != nil {
		return fmt.Errorf("generating drafts: %w", err)
	}
	if len(drafts) == 0 {
		return planner.ErrNoDrafts
	}
	if err := e.store.ReplaceCampaigns(ctx, cal.ID, planner.Campaigns(cal.ID, drafts)); err != nil {
		return fmt.Errorf("saving drafts: %w", err)
	}

	e.logger.Info("drafts generated", "run_id", run.ID, "attempt", st.Attempt, "count", len(drafts))
	st.Drafts = drafts
	st.Next = StepValidate
	return nil
}

// validate checks the stored campaigns and routes to review, another attempt, or failure.
func (e *Engine) validate(ctx context.Context, st *State) error {
	cal, client, err := e.calendarAndClient(ctx, st)
	if err != nil {
		return err
	}
	campaigns, err := e.store.ListCampaigns(ctx, cal.ID)
	if err != nil {
		return fmt.Errorf("listing campaigns: %w", err)
	}

	report := rules.Validate(e.rules.Rules(), rules.Input{
		Month:       cal.Month,
		RevenueGoal: cal.RevenueGoal,
		Location:    client.Location(),
		Campaigns:   campaigns,
	})
	st.Report = &report

	switch {
	case report.Passed():
		st.Violations = nil
		st.Next = StepReview
	case st.Attempt < e.maxAttempts:
		st.Violations = report.Violations
		st.Next = StepGenerate
	default:
		st.Violations = report.Violations
		st.Error = fmt.Sprintf("validation failed after %d attempts: %s", st.Attempt, ruleList(report.Errors()))
		st.Next = StepFailed
	}
	return nil
}

func ruleList(vs []rules.Violation) string {
	seen := make(map[string]bool)
	var names []string
	for _, v := range vs {
		if !seen[v.Rule] {
			seen[v.Rule] = true
			names = append(names, v.Rule)
		}
	}
	return strings.Join(names, ", ")
}

// review marks the calendar awaiting review and notifies reviewers. The run pauses here.
func (e *Engine) review(ctx context.Context, run *store.PlanRun, st *State) error {
	cal, client, err := e.calendarAndClient(ctx, st)
	if err != nil {
		return err
	}
	if err := e.store.UpdateCalendarStatus(ctx, cal.ID, store.CalendarAwaitingReview); err != nil {
		return fmt.Errorf("updating calendar status: %w", err)
	}

	if e.notifier != nil {
		campaigns, err := e.store.ListCampaigns(ctx, cal.ID)
		if err != nil {
			return fmt.Errorf("listing campaigns: %w", err)
		}
		var report rules.Report
		if st.Report != nil {
			report = *st.Report
		}
		taskID, err := e.notifier.NotifyReview(ctx, Review{
			RunID:     run.ID,
			Client:    client,
			Calendar:  cal,
			Campaigns: campaigns,
			Report:    report,
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			e.logger.Warn("review notification failed", "run_id", run.ID, "error", err)
		} else {
			st.ReviewTaskID = taskID
		}
	}

	st.Next = StepReview
	return nil
}

// publish pushes every unpublished campaign. Campaigns that already carry an
// external id or whose publish key is already marked are skipped, so a resumed
// publish never sends a campaign twice.
func (e *Engine) publish(ctx context.Context, st *State) error {
	cal, client, err := e.calendarAndClient(ctx, st)
	if err != nil {
		return err
	}

	if e.publisher != nil {
		campaigns, err := e.store.ListCampaigns(ctx, cal.ID)
		if err != nil {
			return fmt.Errorf("listing campaigns: %w", err)
		}
		for _, c := range campaigns {
			if c.ExternalID != "" {
				st.markPublished(c.ID)
				continue
			}
			key := "publish:" + c.ID
			if e.published.CheckAndMark(key) {
				e.logger.Debug("campaign publish already in flight", "campaign_id", c.ID)
				continue
			}
			externalID, err := e.publisher.PublishCampaign(ctx, client, c)
			if err != nil {
				e.published.Delete(key)
				return fmt.Errorf("publishing campaign %q: %w", c.Name, err)
			}
			if err := e.store.MarkCampaignPublished(ctx, c.ID, externalID); err != nil {
				return fmt.Errorf("recording published campaign %q: %w", c.Name, err)
			}
			st.markPublished(c.ID)
		}
	}

	if err := e.store.UpdateCalendarStatus(ctx, cal.ID, store.CalendarPublished); err != nil {
		return fmt.Errorf("updating calendar status: %w", err)
	}
	e.logger.Info("calendar published", "calendar_id", cal.ID, "campaigns", len(st.Published))
	st.Next = StepDone
	return nil
}

func (st *State) markPublished(id string) {
	for _, p := range st.Published {
		if p == id {
			return
		}
	}
	st.Published = append(st.Published, id)
}
