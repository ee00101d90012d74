// ABOUTME: Minimal Asana REST client that creates calendar review tasks
// ABOUTME: Task notes are rendered with the render package's Asana rich text template

package asana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/winatecommerce96/emailpilot/internal/pipeline"
	"github.com/winatecommerce96/emailpilot/internal/render"
)

const (
	DefaultBaseURL = "https://app.asana.com"
	DefaultDueIn   = 48 * time.Hour

	maxResponseSize = 1 << 20
)

// APIError is a non-2xx response from Asana.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("asana: %d: %s", e.Status, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	ProjectID  string        // default project for review tasks
	DueIn      time.Duration // how long reviewers have, default 48h
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Client creates tasks in Asana.
type Client struct {
	baseURL   string
	token     string
	projectID string
	dueIn     time.Duration
	http      *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Asana client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DueIn <= 0 {
		cfg.DueIn = DefaultDueIn
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		projectID: cfg.ProjectID,
		dueIn:     cfg.DueIn,
		http:      cfg.HTTPClient,
		logger:    cfg.Logger.With("component", "asana"),
		now:       cfg.Now,
	}
}

// Task is the subset of task fields emailpilot writes.
type Task struct {
	Name      string   `json:"name"`
	HTMLNotes string   `json:"html_notes,omitempty"`
	Projects  []string `json:"projects,omitempty"`
	DueOn     string   `json:"due_on,omitempty"` // YYYY-MM-DD
}

type taskEnvelope struct {
	Data Task `json:"data"`
}

type createdEnvelope struct {
	Data struct {
		GID          string `json:"gid"`
		PermalinkURL string `json:"permalink_url"`
	} `json:"data"`
}

type errorEnvelope struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// CreateTask creates a task and returns its gid.
func (c *Client) CreateTask(ctx context.Context, task Task) (string, error) {
	if c.token == "" {
		return "", fmt.Errorf("asana: token not configured")
	}
	if task.Name == "" {
		return "", fmt.Errorf("asana: task name is required")
	}

	payload, err := json.Marshal(taskEnvelope{Data: task})
	if err != nil {
		return "", fmt.Errorf("encoding task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/1.0/tasks", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("asana request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil && len(env.Errors) > 0 {
			apiErr.Message = env.Errors[0].Message
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return "", apiErr
	}

	var out createdEnvelope
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if out.Data.GID == "" {
		return "", fmt.Errorf("asana: task created without gid")
	}
	c.logger.Info("created task", "gid", out.Data.GID, "name", task.Name)
	return out.Data.GID, nil
}

// NotifyReview opens a review task for the calendar. The client's own Asana project
// takes precedence over the configured default.
func (c *Client) NotifyReview(ctx context.Context, review pipeline.Review) (string, error) {
	project := c.projectID
	clientName := ""
	loc := time.UTC
	if review.Client != nil {
		clientName = review.Client.Name
		loc = review.Client.Location()
		if review.Client.AsanaProjectID != "" {
			project = review.Client.AsanaProjectID
		}
	}
	if project == "" {
		return "", fmt.Errorf("asana: no project configured for %q", clientName)
	}

	summary := render.Summary{
		ClientName: clientName,
		Location:   loc,
		Campaigns:  review.Campaigns,
		Report:     &review.Report,
	}
	if review.Calendar != nil {
		summary.Month = review.Calendar.Month
		summary.RevenueGoal = review.Calendar.RevenueGoal
	}
	notes, err := render.AsanaNotes(summary, review.RunID)
	if err != nil {
		return "", err
	}

	return c.CreateTask(ctx, Task{
		Name:      fmt.Sprintf("Review %s %s campaign calendar", clientName, summary.Month),
		HTMLNotes: notes,
		Projects:  []string{project},
		DueOn:     c.now().Add(c.dueIn).In(loc).Format(time.DateOnly),
	})
}
