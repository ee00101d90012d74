// ABOUTME: Engine drives planning runs through the step graph and checkpoints every transition
// ABOUTME: Start, Resume, Approve, Reject and Get are the public entry points

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/winatecommerce96/emailpilot/internal/cache"
	"github.com/winatecommerce96/emailpilot/internal/planner"
	"github.com/winatecommerce96/emailpilot/internal/rules"
	"github.com/winatecommerce96/emailpilot/internal/store"
	"github.com/winatecommerce96/emailpilot/internal/tracing"
)

// DefaultMaxAttempts bounds generate/validate cycles when no option overrides it.
const DefaultMaxAttempts = 3

// Engine executes planning runs.
type Engine struct {
	store     store.Store
	runs      store.RunStore
	generator planner.Generator
	rules     rules.Provider

	history   HistorySource
	publisher Publisher
	notifier  ReviewNotifier
	published *cache.Cache[struct{}]
	ownsCache bool

	maxAttempts int
	targetCount int
	sendHour    int
	segments    []string
	tracer      trace.Tracer
	logger      *slog.Logger
	clock       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*calendarLock
}

type calendarLock struct {
	mu   sync.Mutex
	refs int
}

// Option customizes the engine.
type Option func(*Engine)

// WithRules sets the rule provider. Defaults to rules.Defaults().
func WithRules(p rules.Provider) Option {
	return func(e *Engine) {
		if p != nil {
			e.rules = p
		}
	}
}

// WithHistory sets the source of baseline revenue.
func WithHistory(h HistorySource) Option {
	return func(e *Engine) { e.history = h }
}

// WithPublisher sets where approved campaigns are published.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithNotifier sets who is told about calendars awaiting review.
func WithNotifier(n ReviewNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPublishCache shares the idempotency cache consulted before publishing a campaign.
func WithPublishCache(c *cache.Cache[struct{}]) Option {
	return func(e *Engine) {
		if c != nil {
			e.published = c
		}
	}
}

// WithMaxAttempts bounds how many times generate may run for one calendar.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithTargetCount sets how many campaigns briefs ask for.
func WithTargetCount(n int) Option {
	return func(e *Engine) { e.targetCount = n }
}

// WithSendHour sets the local hour briefs ask campaigns to be sent at.
func WithSendHour(hour int) Option {
	return func(e *Engine) { e.sendHour = hour }
}

// WithSegments sets the audience segments briefs rotate through.
func WithSegments(segments []string) Option {
	return func(e *Engine) { e.segments = append([]string(nil), segments...) }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New wires a pipeline engine to its stores and generator.
func New(st store.Store, runs store.RunStore, gen planner.Generator, opts ...Option) (*Engine, error) {
	if st == nil || runs == nil {
		return nil, fmt.Errorf("pipeline: store and run store are required")
	}
	if gen == nil {
		return nil, fmt.Errorf("pipeline: generator is required")
	}
	e := &Engine{
		store:       st,
		runs:        runs,
		generator:   gen,
		rules:       rules.Static(rules.Defaults()),
		maxAttempts: DefaultMaxAttempts,
		tracer:      tracing.Tracer(),
		logger:      slog.Default(),
		clock:       time.Now,
		locks:       make(map[string]*calendarLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.published == nil {
		e.published = cache.New[struct{}](24*time.Hour, 10_000)
		e.ownsCache = true
	}
	e.logger = e.logger.With("component", "pipeline")
	return e, nil
}

// Close releases the publish cache when the engine created it.
func (e *Engine) Close() {
	if e.ownsCache {
		e.published.Close()
	}
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// lock serializes work on one calendar's runs. The entry is dropped once no
// caller holds or waits for it.
func (e *Engine) lock(calendarID string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[calendarID]
	if !ok {
		l = &calendarLock{}
		e.locks[calendarID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, calendarID)
		}
		e.locksMu.Unlock()
	}
}

// lockRun takes the lock of runID's calendar and loads the run under it.
func (e *Engine) lockRun(ctx context.Context, runID string) (*store.PlanRun, *State, func(), error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock := e.lock(run.CalendarID)
	run, st, err := e.load(ctx, runID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return run, st, unlock, nil
}

// resumable reports whether a failed run stopped on a retryable step error.
func resumable(run *store.PlanRun) bool {
	return run.Status == store.RunFailed && !Step(run.CurrentStep).Terminal()
}

// ensureNoActiveRun returns ErrRunActive when a run of calendarID other than
// exceptID is running, awaiting review or stopped partway through publishing.
// Callers hold the calendar lock.
func (e *Engine) ensureNoActiveRun(ctx context.Context, calendarID, exceptID string) ([]*store.PlanRun, error) {
	runs, err := e.runs.ListRuns(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	for _, r := range runs {
		if r.ID == exceptID {
			continue
		}
		if r.Status.Active() {
			return nil, fmt.Errorf("%w: %s", ErrRunActive, r.ID)
		}
		if resumable(r) && Step(r.CurrentStep) == StepPublish {
			return nil, fmt.Errorf("%w: %s stopped while publishing and must be resumed", ErrRunActive, r.ID)
		}
	}
	return runs, nil
}

// supersede closes a resumable failed run so only the newer run can continue.
func (e *Engine) supersede(ctx context.Context, old *store.PlanRun, by string) error {
	cp, err := e.runs.LatestCheckpoint(ctx, old.ID)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	st, err := decodeState(cp)
	if err != nil {
		return err
	}
	st.Next = StepFailed
	st.Error = "superseded by run " + by
	old.Error = st.Error
	e.logger.Info("run superseded", "run_id", old.ID, "by", by)
	return e.checkpoint(ctx, old, StepFailed, st)
}

// Start creates a run for calendarID and executes it until it pauses for review
// or reaches a terminal step. Failed runs of the calendar that could still be
// resumed before publish are superseded by the new run.
func (e *Engine) Start(ctx context.Context, calendarID string) (*View, error) {
	cal, err := e.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(cal.ID)
	defer unlock()

	existing, err := e.ensureNoActiveRun(ctx, cal.ID, "")
	if err != nil {
		return nil, err
	}

	now := e.now()
	run := &store.PlanRun{
		CalendarID:  cal.ID,
		Status:      store.RunRunning,
		CurrentStep: string(StepIngest),
		CreatedAt:   now,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: calendar %s", ErrRunActive, cal.ID)
		}
		return nil, fmt.Errorf("creating run: %w", err)
	}
	for _, old := range existing {
		if resumable(old) {
			if err := e.supersede(ctx, old, run.ID); err != nil {
				return nil, fmt.Errorf("superseding run %s: %w", old.ID, err)
			}
		}
	}

	st := &State{CalendarID: cal.ID, ClientID: cal.ClientID, Next: StepIngest}
	if err := e.checkpoint(ctx, run, StepStart, st); err != nil {
		return nil, err
	}
	e.logger.Info("run started", "run_id", run.ID, "calendar_id", cal.ID, "month", cal.Month)

	err = e.execute(ctx, run, st)
	return &View{Run: run, State: st}, err
}

// Resume continues a run from its latest checkpoint. Runs that stopped on a step
// error can be resumed; runs that completed, exhausted their attempts or were
// superseded cannot. Resuming a run that is awaiting review returns it unchanged.
func (e *Engine) Resume(ctx context.Context, runID string) (*View, error) {
	run, st, unlock, err := e.lockRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch {
	case run.Status == store.RunCompleted, st.Next.Terminal():
		return nil, fmt.Errorf("%w: %s is %s", ErrRunFinished, run.ID, run.Status)
	case run.Status == store.RunAwaitingReview:
		return &View{Run: run, State: st}, nil
	}
	if _, err := e.ensureNoActiveRun(ctx, run.CalendarID, run.ID); err != nil {
		return nil, err
	}

	run.Status = store.RunRunning
	run.Error = ""
	st.Error = ""
	e.logger.Info("run resumed", "run_id", run.ID, "next", st.Next, "attempt", st.Attempt)

	err = e.execute(ctx, run, st)
	return &View{Run: run, State: st}, err
}

// Approve accepts the calendar of a run awaiting review and publishes it.
func (e *Engine) Approve(ctx context.Context, runID, actor string) (*View, error) {
	run, st, unlock, err := e.lockRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if run.Status != store.RunAwaitingReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingReview, run.ID, run.Status)
	}
	if err := e.store.UpdateCalendarStatus(ctx, st.CalendarID, store.CalendarApproved); err != nil {
		return nil, fmt.Errorf("approving calendar: %w", err)
	}

	st.ReviewedBy = actor
	st.Next = StepPublish
	run.Status = store.RunRunning
	if err := e.checkpoint(ctx, run, StepReview, st); err != nil {
		return nil, err
	}
	e.logger.Info("run approved", "run_id", run.ID, "actor", actor)

	err = e.execute(ctx, run, st)
	return &View{Run: run, State: st}, err
}

// Reject sends a run awaiting review back to generate with the reviewer's notes.
// The run fails instead when it has no attempts left.
func (e *Engine) Reject(ctx context.Context, runID, actor, notes string) (*View, error) {
	run, st, unlock, err := e.lockRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if run.Status != store.RunAwaitingReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingReview, run.ID, run.Status)
	}

	st.ReviewedBy = actor
	st.Violations = nil
	if notes != "" {
		st.Notes = append(st.Notes, notes)
	}
	run.Status = store.RunRunning
	e.logger.Info("run rejected", "run_id", run.ID, "actor", actor, "attempt", st.Attempt)

	if st.Attempt >= e.maxAttempts {
		err := e.fail(ctx, run, st, StepReview, fmt.Sprintf("rejected after %d attempts", st.Attempt), false)
		return &View{Run: run, State: st}, err
	}
	st.Next = StepGenerate
	if err := e.checkpoint(ctx, run, StepReview, st); err != nil {
		return nil, err
	}

	err = e.execute(ctx, run, st)
	return &View{Run: run, State: st}, err
}

// Get returns a run and its latest state.
func (e *Engine) Get(ctx context.Context, runID string) (*View, error) {
	run, st, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &View{Run: run, State: st}, nil
}

func (e *Engine) load(ctx context.Context, runID string) (*store.PlanRun, *State, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	cp, err := e.runs.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	st, err := decodeState(cp)
	if err != nil {
		return nil, nil, err
	}
	return run, st, nil
}

// execute runs steps until the run pauses or terminates. A cancelled context
// stops after the current step and leaves the run resumable.
func (e *Engine) execute(ctx context.Context, run *store.PlanRun, st *State) error {
	for {
		if st.Next.Terminal() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		step := st.Next
		pause, err := e.runStep(ctx, run, st, step)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return e.fail(ctx, run, st, step, err.Error(), true)
		}
		if st.Next == StepFailed {
			return e.fail(ctx, run, st, step, st.Error, false)
		}
		if pause {
			run.Status = store.RunAwaitingReview
		}
		if st.Next == StepDone {
			run.Status = store.RunCompleted
		}
		if err := e.checkpoint(ctx, run, step, st); err != nil {
			return err
		}
		if pause {
			e.logger.Info("run awaiting review", "run_id", run.ID, "attempt", st.Attempt)
			return nil
		}
	}
}

// runStep executes one step inside a span and sets st.Next.
func (e *Engine) runStep(ctx context.Context, run *store.PlanRun, st *State, step Step) (pause bool, err error) {
	ctx, span := e.tracer.Start(ctx, "pipeline."+string(step), trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("calendar.id", st.CalendarID),
		attribute.Int("attempt", st.Attempt),
	))
	defer func() { tracing.End(span, err) }()

	started := e.clock()
	defer func() {
		e.logger.Debug("step finished", "run_id", run.ID, "step", step, "duration", e.clock().Sub(started), "error", err)
	}()

	switch step {
	case StepIngest:
		return false, e.ingest(ctx, st)
	case StepGenerate:
		return false, e.generate(ctx, run, st)
	case StepValidate:
		return false, e.validate(ctx, st)
	case StepReview:
		return true, e.review(ctx, run, st)
	case StepPublish:
		return false, e.publish(ctx, st)
	default:
		return false, fmt.Errorf("unknown step %q", step)
	}
}

// fail marks the run failed. A retryable failure keeps Next pointing at the
// failed step so the run can be resumed once the cause is fixed.
func (e *Engine) fail(ctx context.Context, run *store.PlanRun, st *State, step Step, reason string, retryable bool) error {
	if !retryable {
		st.Next = StepFailed
	}
	run.Status = store.RunFailed
	run.Error = reason
	st.Error = reason
	if err := e.store.UpdateCalendarStatus(ctx, st.CalendarID, store.CalendarFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("failed to mark calendar failed", "calendar_id", st.CalendarID, "error", err)
	}
	e.logger.Warn("run failed", "run_id", run.ID, "step", step, "reason", reason)
	return e.checkpoint(ctx, run, step, st)
}

// checkpoint appends the state and mirrors its position onto the run row.
func (e *Engine) checkpoint(ctx context.Context, run *store.PlanRun, completed Step, st *State) error {
	st.UpdatedAt = e.now()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	cp := &store.Checkpoint{RunID: run.ID, Step: string(completed), State: data, CreatedAt: st.UpdatedAt}
	if err := e.runs.AppendCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("appending checkpoint: %w", err)
	}

	run.CurrentStep = string(st.Next)
	run.Attempt = st.Attempt
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	return nil
}
