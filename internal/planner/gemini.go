// ABOUTME: GeminiGenerator asks a Gemini model for campaign drafts as JSON
// ABOUTME: Unusable model output falls back to the template generator

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// contentModel is the slice of genai.Models used here.
type contentModel interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator plans calendars with a Gemini model.
type GeminiGenerator struct {
	models   contentModel
	model    string
	fallback Generator
	logger   *slog.Logger
}

// NewGeminiGenerator creates a generator backed by the Gemini API.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return newGeminiGenerator(client.Models, model, logger), nil
}

func newGeminiGenerator(models contentModel, model string, logger *slog.Logger) *GeminiGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiGenerator{
		models:   models,
		model:    model,
		fallback: NewTemplateGenerator(),
		logger:   logger.With("component", "planner", "generator", "gemini"),
	}
}

// Generate implements Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, b Brief) ([]Draft, error) {
	if _, err := b.monthStart(); err != nil {
		return nil, err
	}

	resp, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(buildPrompt(b), genai.RoleUser)},
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](0.4),
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("gemini request failed, using template", "error", err)
		return g.fallback.Generate(ctx, b)
	}

	drafts, err := parseDrafts(resp.Text(), b)
	if err != nil {
		g.logger.Warn("unusable gemini response, using template", "error", err)
		return g.fallback.Generate(ctx, b)
	}
	g.logger.Debug("gemini drafts parsed", "count", len(drafts))
	return drafts, nil
}

func buildPrompt(b Brief) string {
	r := b.Rules.WithDefaults()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan the email and SMS campaign calendar for %s for %s (timezone %s).\n",
		nonEmpty(b.ClientName, "the client"), b.Month, b.location())
	fmt.Fprintf(&sb, "Revenue goal: %.2f. ", b.RevenueGoal)
	if b.BaselineRevenue > 0 {
		fmt.Fprintf(&sb, "A typical campaign historically earns %.2f. ", b.BaselineRevenue)
	}
	target := b.TargetCount
	if target <= 0 {
		target = DefaultCampaignCount
	}
	fmt.Fprintf(&sb, "Aim for about %d campaigns.\n", target)
	fmt.Fprintf(&sb, "Segments: %s.\n", strings.Join(b.segments(), ", "))
	fmt.Fprintf(&sb, "Constraints: between %d and %d campaigns; at most %d sends per channel per day; at most %d sends per ISO week; ",
		r.MinCampaigns, r.MaxCampaigns, r.MaxSendsPerDay, r.MaxSendsPerWeek)
	fmt.Fprintf(&sb, "at least %.0f hours between sends to the same segment; SMS at most %.0f%% of campaigns; ",
		r.MinHoursBetweenSegmentSends, r.MaxSMSShare*100)
	fmt.Fprintf(&sb, "no single campaign above %.0f%% of expected revenue; expected revenue must total at least %.0f%% of the goal.\n",
		r.MaxCampaignRevenueShare*100, r.MinGoalCoverage*100)

	if len(b.Violations) > 0 {
		sb.WriteString("The previous plan was rejected by validation:\n")
		for _, v := range b.Violations {
			fmt.Fprintf(&sb, "- [%s] %s\n", v.Rule, v.Message)
		}
	}
	if len(b.Notes) > 0 {
		sb.WriteString("Reviewer notes on the previous plan:\n")
		for _, n := range b.Notes {
			fmt.Fprintf(&sb, "- %s\n", n)
		}
	}
	sb.WriteString(`Respond with a JSON array only. Each element: {"name": string, "channel": "email"|"sms", ` +
		`"type": "promotional"|"content"|"announcement"|"flow", "segment": string, "subject": string, ` +
		`"send_at": "YYYY-MM-DDTHH:MM" in the client timezone, "expected_revenue": number}.`)
	return sb.String()
}

type rawDraft struct {
	Name            string  `json:"name"`
	Channel         string  `json:"channel"`
	Type            string  `json:"type"`
	Segment         string  `json:"segment"`
	Subject         string  `json:"subject"`
	SendAt          string  `json:"send_at"`
	ExpectedRevenue float64 `json:"expected_revenue"`
}

var sendAtLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02T15:04:05"}

// parseDrafts decodes model output, tolerating markdown code fences. Entries
// without a name or a parseable send time are dropped.
func parseDrafts(text string, b Brief) ([]Draft, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var raw []rawDraft
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("decoding drafts: %w", err)
	}

	loc := b.location()
	segments := b.segments()
	drafts := make([]Draft, 0, len(raw))
	for i, rd := range raw {
		name := strings.TrimSpace(rd.Name)
		if name == "" {
			continue
		}
		sendAt, ok := parseSendAt(rd.SendAt, loc)
		if !ok {
			continue
		}
		segment := strings.TrimSpace(rd.Segment)
		if segment == "" {
			segment = segments[i%len(segments)]
		}
		revenue := rd.ExpectedRevenue
		if revenue < 0 {
			revenue = 0
		}
		drafts = append(drafts, Draft{
			Name:            name,
			Channel:         normalizeChannel(rd.Channel),
			Type:            normalizeType(rd.Type),
			Segment:         segment,
			Subject:         strings.TrimSpace(rd.Subject),
			SendAt:          sendAt,
			ExpectedRevenue: revenue,
		})
	}
	if len(drafts) == 0 {
		return nil, ErrNoDrafts
	}
	return drafts, nil
}

func parseSendAt(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range sendAtLayouts {
		if layout == time.RFC3339 {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
