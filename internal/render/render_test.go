// ABOUTME: Tests for calendar summary rendering
// ABOUTME: Checks Markdown tables, goldmark HTML output and Asana notes escaping

package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

func testSummary() Summary {
	return Summary{
		ClientName:  "Acme",
		Month:       "2025-03",
		RevenueGoal: 10000,
		Location:    time.UTC,
		Campaigns: []*store.Campaign{
			{ID: "c1", Name: "Spring | Sale", Channel: store.ChannelEmail, Segment: "VIP Customers",
				SendAt: time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC), ExpectedRevenue: 6000},
			{ID: "c2", Name: "Flash <deal>", Channel: store.ChannelSMS, Segment: "Full List",
				SendAt: time.Date(2025, 3, 6, 10, 0, 0, 0, time.UTC), ExpectedRevenue: 3500.5},
		},
		Report: &rules.Report{Violations: []rules.Violation{
			{Rule: rules.RuleRevenueConcentration, Severity: rules.SeverityWarning, Message: "campaign carries 63% of revenue"},
		}},
	}
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "0.00", money(0))
	assert.Equal(t, "999.99", money(999.99))
	assert.Equal(t, "1,000.00", money(1000))
	assert.Equal(t, "12,345.60", money(12345.6))
	assert.Equal(t, "1,234,567.00", money(1234567))
	assert.Equal(t, "-1,500.25", money(-1500.25))
}

func TestMarkdown(t *testing.T) {
	md := Markdown(testSummary())

	assert.True(t, strings.HasPrefix(md, "# Acme: 2025-03 campaign calendar\n"))
	assert.Contains(t, md, "Revenue goal: 10,000.00. Expected: 9,500.50 (95% of goal).")
	assert.Contains(t, md, "| Tue 04 Mar 10:00 | email | Spring \\| Sale | VIP Customers | 6,000.00 |")
	assert.Contains(t, md, "| Thu 06 Mar 10:00 | sms | Flash <deal> | Full List | 3,500.50 |")
	assert.Contains(t, md, "## Validation")
	assert.Contains(t, md, "Passed with 1 warning(s).")
	assert.Contains(t, md, "- **warning** `revenue_concentration`: campaign carries 63% of revenue")
}

func TestMarkdownEmptyCalendar(t *testing.T) {
	md := Markdown(Summary{Month: "2025-04"})
	assert.Contains(t, md, "# Calendar: 2025-04 campaign calendar")
	assert.Contains(t, md, "Expected revenue: 0.00.")
	assert.Contains(t, md, "_No campaigns planned._")
	assert.NotContains(t, md, "## Validation")
}

func TestMarkdownFailedReport(t *testing.T) {
	s := testSummary()
	s.Report = &rules.Report{Violations: []rules.Violation{
		{Rule: rules.RuleCampaignCount, Severity: rules.SeverityError, Message: "too few"},
		{Rule: rules.RuleSMSShare, Severity: rules.SeverityWarning, Message: "too much sms"},
	}}
	assert.Contains(t, Markdown(s), "Failed with 1 error(s) and 1 warning(s).")
}

func TestMarkdownUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	s := testSummary()
	s.Location = loc
	assert.Contains(t, Markdown(s), "| Tue 04 Mar 05:00 |")
}

func TestHTML(t *testing.T) {
	page, err := HTML(testSummary())
	require.NoError(t, err)

	assert.Contains(t, page, "<title>Acme: 2025-03 campaign calendar</title>")
	assert.Contains(t, page, "<table>")
	assert.Contains(t, page, "<th>Campaign</th>")
	assert.Contains(t, page, "<td>Spring | Sale</td>")
	// goldmark drops raw HTML by default
	assert.NotContains(t, page, "<deal>")
	assert.Contains(t, page, "<strong>warning</strong>")
}

func TestAsanaNotes(t *testing.T) {
	notes, err := AsanaNotes(testSummary(), "run-1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(notes, "<body>"))
	assert.True(t, strings.HasSuffix(notes, "</body>\n"))
	assert.Contains(t, notes, "<h1>Acme: 2025-03 campaign calendar</h1>")
	assert.Contains(t, notes, "(95% of goal)")
	assert.Contains(t, notes, "<strong>Flash &lt;deal&gt;</strong> (sms, Full List): 3,500.50")
	assert.Contains(t, notes, "<strong>Validation passed.</strong>")
	assert.Contains(t, notes, "<code>revenue_concentration</code> warning")
	assert.Contains(t, notes, "Run <code>run-1</code>")
	assert.NotContains(t, notes, "<table")
}

func TestAsanaNotesWithoutReport(t *testing.T) {
	notes, err := AsanaNotes(Summary{Month: "2025-04"}, "")
	require.NoError(t, err)
	assert.Contains(t, notes, "<li>No campaigns planned.</li>")
	assert.NotContains(t, notes, "Validation")
	assert.NotContains(t, notes, "Run <code>")
}
