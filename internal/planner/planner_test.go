// ABOUTME: Tests for the template and Gemini calendar generators
// ABOUTME: Template output is checked against the default rules; Gemini uses a fake model

package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

func marchBrief() Brief {
	return Brief{
		ClientName:  "Acme Outdoors",
		Month:       "2025-03",
		RevenueGoal: 10000,
		Rules:       rules.Defaults(),
	}
}

func validateDrafts(b Brief, drafts []Draft) rules.Report {
	campaigns := Campaigns("cal-1", drafts)
	for i, c := range campaigns {
		c.ID = string(rune('a' + i))
	}
	return rules.Validate(b.Rules, rules.Input{
		Month:       b.Month,
		RevenueGoal: b.RevenueGoal,
		Location:    b.Location,
		Campaigns:   campaigns,
	})
}

func TestTemplateGeneratorPassesDefaultRules(t *testing.T) {
	b := marchBrief()
	drafts, err := NewTemplateGenerator().Generate(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, drafts, DefaultCampaignCount)

	report := validateDrafts(b, drafts)
	assert.True(t, report.Passed(), "violations: %+v", report.Violations)
	assert.GreaterOrEqual(t, report.Stats.TotalRevenue, b.RevenueGoal)
}

func TestTemplateGeneratorIsDeterministic(t *testing.T) {
	g := NewTemplateGenerator()
	first, err := g.Generate(context.Background(), marchBrief())
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), marchBrief())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTemplateGeneratorSchedulesInClientTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	b := marchBrief()
	b.Location = tokyo
	b.SendHour = 9
	drafts, err := NewTemplateGenerator().Generate(context.Background(), b)
	require.NoError(t, err)

	for _, d := range drafts {
		local := d.SendAt.In(tokyo)
		assert.Equal(t, 9, local.Hour())
		assert.Equal(t, time.March, local.Month())
	}
	assert.True(t, validateDrafts(b, drafts).Passed())
}

func TestTemplateGeneratorUsesSegmentsAndSMS(t *testing.T) {
	b := marchBrief()
	b.Segments = []string{"A", "B"}
	drafts, err := NewTemplateGenerator().Generate(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, "A", drafts[0].Segment)
	assert.Equal(t, "B", drafts[1].Segment)
	assert.Equal(t, store.ChannelSMS, drafts[3].Channel)
	assert.Equal(t, store.ChannelEmail, drafts[0].Channel)
}

func TestTemplateGeneratorReactsToFeedback(t *testing.T) {
	b := marchBrief()
	b.TargetCount = 12
	b.Violations = []rules.Violation{
		{Rule: rules.RuleWeeklySendCap, Severity: rules.SeverityError},
		{Rule: rules.RuleSMSShare, Severity: rules.SeverityWarning},
	}

	drafts, err := NewTemplateGenerator().Generate(context.Background(), b)
	require.NoError(t, err)
	assert.Len(t, drafts, 9)
	for _, d := range drafts {
		assert.Equal(t, store.ChannelEmail, d.Channel)
	}
}

func TestTemplateGeneratorClampsCount(t *testing.T) {
	b := marchBrief()
	b.TargetCount = 50
	drafts, err := NewTemplateGenerator().Generate(context.Background(), b)
	require.NoError(t, err)
	assert.Len(t, drafts, 20)
	assert.False(t, validateDrafts(b, drafts).Has(rules.RuleWeeklySendCap))

	b.TargetCount = 1
	drafts, err = NewTemplateGenerator().Generate(context.Background(), b)
	require.NoError(t, err)
	assert.Len(t, drafts, 4)
}

func TestTemplateGeneratorUsesBaseline(t *testing.T) {
	b := marchBrief()
	b.RevenueGoal = 0
	b.BaselineRevenue = 1000
	drafts, err := NewTemplateGenerator().Generate(context.Background(), b)
	require.NoError(t, err)

	assert.InDelta(t, 1500, drafts[0].ExpectedRevenue, 0.01)
	assert.InDelta(t, 600, drafts[1].ExpectedRevenue, 0.01)
	assert.InDelta(t, 1000, drafts[3].ExpectedRevenue, 0.01)
}

func TestTemplateGeneratorBadMonth(t *testing.T) {
	b := marchBrief()
	b.Month = "2025/03"
	_, err := NewTemplateGenerator().Generate(context.Background(), b)
	assert.Error(t, err)
}

type fakeModel struct {
	text   string
	err    error
	prompt string
}

func (f *fakeModel) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func TestGeminiGeneratorParsesDrafts(t *testing.T) {
	model := &fakeModel{text: "```json\n" + `[
		{"name": "Spring Launch", "channel": "EMAIL", "type": "announcement", "segment": "VIP", "subject": "It's here", "send_at": "2025-03-04T10:00", "expected_revenue": 2500},
		{"name": "Flash SMS", "channel": "sms", "type": "weird", "send_at": "2025-03-06T18:30:00Z", "expected_revenue": -1},
		{"name": "", "send_at": "2025-03-07T10:00"},
		{"name": "No time", "send_at": "soon"}
	]` + "\n```"}

	b := marchBrief()
	b.Violations = []rules.Violation{{Rule: rules.RuleDailySendCap, Message: "too many sends"}}
	b.Notes = []string{"more VIP focus"}

	g := newGeminiGenerator(model, "gemini-test", nil)
	drafts, err := g.Generate(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	assert.Equal(t, store.ChannelEmail, drafts[0].Channel)
	assert.Equal(t, store.TypeAnnouncement, drafts[0].Type)
	assert.Equal(t, time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC), drafts[0].SendAt)

	assert.Equal(t, store.ChannelSMS, drafts[1].Channel)
	assert.Equal(t, store.TypePromotional, drafts[1].Type)
	assert.Equal(t, DefaultSegments[1], drafts[1].Segment)
	assert.Zero(t, drafts[1].ExpectedRevenue)

	assert.Contains(t, model.prompt, "Acme Outdoors")
	assert.Contains(t, model.prompt, "too many sends")
	assert.Contains(t, model.prompt, "more VIP focus")
}

func TestGeminiGeneratorFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{name: "request error", model: &fakeModel{err: errors.New("quota exceeded")}},
		{name: "not json", model: &fakeModel{text: "Here is your plan!"}},
		{name: "empty array", model: &fakeModel{text: "[]"}},
	}

	want, err := NewTemplateGenerator().Generate(context.Background(), marchBrief())
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGeminiGenerator(tt.model, "gemini-test", nil)
			drafts, err := g.Generate(context.Background(), marchBrief())
			require.NoError(t, err)
			assert.Equal(t, want, drafts)
		})
	}
}

func TestGeminiGeneratorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := newGeminiGenerator(&fakeModel{err: context.Canceled}, "gemini-test", nil)
	_, err := g.Generate(ctx, marchBrief())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGeminiGeneratorRequiresKey(t *testing.T) {
	_, err := NewGeminiGenerator(context.Background(), "", "gemini-2.0-flash", nil)
	assert.Error(t, err)
}
