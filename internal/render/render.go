// ABOUTME: Renders calendar summaries as Markdown, standalone HTML and Asana rich text
// ABOUTME: HTML is produced from the Markdown with goldmark's GFM tables

package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"money":   money,
	"sendAt":  func(s Summary, t time.Time) string { return s.formatTime(t) },
	"percent": func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
}).ParseFS(templateFS, "templates/*.html"))

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Summary is the calendar being rendered.
type Summary struct {
	ClientName  string
	Month       string
	RevenueGoal float64
	Location    *time.Location
	Campaigns   []*store.Campaign
	Report      *rules.Report // optional
}

func (s Summary) formatTime(t time.Time) string {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("Mon 02 Jan 15:04")
}

// TotalRevenue sums the expected revenue of every campaign.
func (s Summary) TotalRevenue() float64 {
	var total float64
	for _, c := range s.Campaigns {
		total += c.ExpectedRevenue
	}
	return total
}

// Coverage is total expected revenue over the goal, zero without a goal.
func (s Summary) Coverage() float64 {
	if s.RevenueGoal <= 0 {
		return 0
	}
	return s.TotalRevenue() / s.RevenueGoal
}

func (s Summary) title() string {
	name := s.ClientName
	if name == "" {
		name = "Calendar"
	}
	return fmt.Sprintf("%s: %s campaign calendar", name, s.Month)
}

// money formats 12345.6 as 12,345.60.
func money(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	whole := fmt.Sprintf("%.2f", v)
	intPart, frac := whole[:len(whole)-3], whole[len(whole)-3:]

	var sb strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	out := sb.String() + frac
	if neg {
		return "-" + out
	}
	return out
}

var cellEscaper = strings.NewReplacer("|", `\|`, "\n", " ", "\r", " ")

// Markdown renders the calendar as a GFM document.
func Markdown(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.title())

	if s.RevenueGoal > 0 {
		fmt.Fprintf(&b, "Revenue goal: %s. Expected: %s (%.0f%% of goal).\n\n",
			money(s.RevenueGoal), money(s.TotalRevenue()), s.Coverage()*100)
	} else {
		fmt.Fprintf(&b, "Expected revenue: %s.\n\n", money(s.TotalRevenue()))
	}

	if len(s.Campaigns) == 0 {
		b.WriteString("_No campaigns planned._\n")
	} else {
		b.WriteString("| Send | Channel | Campaign | Segment | Expected revenue |\n")
		b.WriteString("|------|---------|----------|---------|-----------------:|\n")
		for _, c := range s.Campaigns {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				s.formatTime(c.SendAt), c.Channel,
				cellEscaper.Replace(c.Name), cellEscaper.Replace(c.Segment), money(c.ExpectedRevenue))
		}
	}

	if s.Report != nil {
		b.WriteString("\n## Validation\n\n")
		errs := len(s.Report.Errors())
		warnings := len(s.Report.Violations) - errs
		if s.Report.Passed() {
			fmt.Fprintf(&b, "Passed with %d warning(s).\n", warnings)
		} else {
			fmt.Fprintf(&b, "Failed with %d error(s) and %d warning(s).\n", errs, warnings)
		}
		if len(s.Report.Violations) > 0 {
			b.WriteString("\n")
			for _, v := range s.Report.Violations {
				fmt.Fprintf(&b, "- **%s** `%s`: %s\n", v.Severity, v.Rule, v.Message)
			}
		}
	}
	return b.String()
}

// HTML renders the calendar as a standalone HTML page.
func HTML(s Summary) (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(Markdown(s)), &body); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}

	var out bytes.Buffer
	err := templates.ExecuteTemplate(&out, "page.html", struct {
		Title string
		Body  template.HTML
	}{
		Title: s.title(),
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return "", fmt.Errorf("rendering page: %w", err)
	}
	return out.String(), nil
}

// AsanaNotes renders the calendar in the rich text subset accepted by Asana's html_notes.
func AsanaNotes(s Summary, runID string) (string, error) {
	var out bytes.Buffer
	err := templates.ExecuteTemplate(&out, "asana.html", struct {
		Summary
		Title string
		RunID string
		Total float64
	}{
		Summary: s,
		Title:   s.title(),
		RunID:   runID,
		Total:   s.TotalRevenue(),
	})
	if err != nil {
		return "", fmt.Errorf("rendering asana notes: %w", err)
	}
	return out.String(), nil
}
