// ABOUTME: Planning pipeline steps, persisted run state and collaborator interfaces
// ABOUTME: State is serialized to JSON into every checkpoint

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/winatecommerce96/emailpilot/internal/planner"
	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

// Step names a node of the planning graph.
type Step string

const (
	StepStart    Step = "start" // recorded on the first checkpoint only
	StepIngest   Step = "ingest"
	StepGenerate Step = "generate"
	StepValidate Step = "validate"
	StepReview   Step = "review"
	StepPublish  Step = "publish"
	StepDone     Step = "done"
	StepFailed   Step = "failed"
)

// Terminal reports whether no step follows s.
func (s Step) Terminal() bool {
	return s == StepDone || s == StepFailed
}

var (
	// ErrRunActive is returned by Start when the calendar already has an unfinished run.
	ErrRunActive = errors.New("calendar has an active run")
	// ErrNotAwaitingReview is returned by Approve and Reject for runs not paused at review.
	ErrNotAwaitingReview = errors.New("run is not awaiting review")
	// ErrRunFinished is returned by Resume for runs that cannot continue.
	ErrRunFinished = errors.New("run is finished")
)

// State is the pipeline's working memory, persisted in each checkpoint.
type State struct {
	CalendarID string `json:"calendar_id"`
	ClientID   string `json:"client_id"`

	// Next is the step to execute when the run continues.
	Next    Step `json:"next"`
	Attempt int  `json:"attempt"`

	BaselineRevenue float64         `json:"baseline_revenue"`
	Drafts          []planner.Draft `json:"drafts,omitempty"`
	Report          *rules.Report   `json:"report,omitempty"`

	// Feedback for the next generate step.
	Violations []rules.Violation `json:"violations,omitempty"`
	Notes      []string          `json:"notes,omitempty"`

	ReviewTaskID string    `json:"review_task_id,omitempty"`
	ReviewedBy   string    `json:"reviewed_by,omitempty"`
	Published    []string  `json:"published,omitempty"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func decodeState(cp *store.Checkpoint) (*State, error) {
	var st State
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %d of run %s: %w", cp.Seq, cp.RunID, err)
	}
	return &st, nil
}

// View is a run together with its latest state.
type View struct {
	Run   *store.PlanRun `json:"run"`
	State *State         `json:"state"`
}

// HistorySource reports past campaign performance for a client.
type HistorySource interface {
	// AverageCampaignRevenue returns the mean revenue per campaign sent in [since, until).
	// Zero means no usable history.
	AverageCampaignRevenue(ctx context.Context, client *store.Client, since, until time.Time) (float64, error)
}

// Publisher pushes an approved campaign to the sending platform and returns its remote id.
type Publisher interface {
	PublishCampaign(ctx context.Context, client *store.Client, campaign *store.Campaign) (string, error)
}

// Review is what a reviewer is asked to look at.
type Review struct {
	RunID     string
	Client    *store.Client
	Calendar  *store.Calendar
	Campaigns []*store.Campaign
	Report    rules.Report
}

// ReviewNotifier tells humans that a calendar is ready for review and returns a task reference.
type ReviewNotifier interface {
	NotifyReview(ctx context.Context, review Review) (string, error)
}
