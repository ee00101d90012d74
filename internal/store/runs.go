// ABOUTME: Planning run and checkpoint store methods for SQLiteStore
// ABOUTME: Checkpoints are append-only per run; the newest one is the resume point

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRun inserts a new planning run. ID and timestamps are generated when empty.
// Returns ErrDuplicate if another run for the calendar is already active.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *PlanRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt

	query := `
		INSERT INTO plan_runs (id, calendar_id, status, current_step, attempt, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.CalendarID,
		run.Status,
		run.CurrentStep,
		run.Attempt,
		nullString(run.Error),
		formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting run: %w", err)
	}

	s.logger.Debug("created run", "id", run.ID, "calendar_id", run.CalendarID)
	return nil
}

const runColumns = `id, calendar_id, status, current_step, attempt, error, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*PlanRun, error) {
	var run PlanRun
	var runErr sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&run.ID, &run.CalendarID, &run.Status, &run.CurrentStep, &run.Attempt, &runErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	run.Error = runErr.String

	var err error
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
// Returns ErrNotFound if the run doesn't exist.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*PlanRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM plan_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// UpdateRun persists status, step, attempt and error of a run.
// Returns ErrNotFound if the run doesn't exist, ErrDuplicate if the update would
// make a second run of the calendar active.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *PlanRun) error {
	run.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE plan_runs
		SET status = ?, current_step = ?, attempt = ?, error = ?, updated_at = ?
		WHERE id = ?
	`,
		run.Status,
		run.CurrentStep,
		run.Attempt,
		nullString(run.Error),
		formatTime(run.UpdatedAt),
		run.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("updating run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns a calendar's runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, calendarID string) ([]*PlanRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM plan_runs WHERE calendar_id = ? ORDER BY created_at DESC, id`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*PlanRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// AppendCheckpoint stores a new checkpoint for a run. Seq is assigned as one past the
// current highest sequence for the run, inside the same transaction.
func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM checkpoints WHERE run_id = ?`, cp.RunID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("querying checkpoint sequence: %w", err)
	}
	cp.Seq = int(maxSeq.Int64) + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, seq, step, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.RunID, cp.Seq, cp.Step, cp.State, formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}

	s.logger.Debug("appended checkpoint", "run_id", cp.RunID, "seq", cp.Seq, "step", cp.Step)
	return nil
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var cp Checkpoint
	var createdAt string
	if err := row.Scan(&cp.RunID, &cp.Seq, &cp.Step, &cp.State, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cp, nil
}

// LatestCheckpoint returns the checkpoint with the highest sequence for a run.
// Returns ErrNotFound if the run has no checkpoints.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, seq, step, state, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, runID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints of a run in sequence order.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, step, state, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checkpoints: %w", err)
	}
	return cps, nil
}

// PruneRuns deletes runs last updated before cutoff together with their checkpoints.
// Runs still awaiting review are kept regardless of age.
func (s *SQLiteStore) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	scope := `SELECT id FROM plan_runs WHERE updated_at < ? AND status != ?`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id IN (`+scope+`)`,
		formatTime(cutoff), RunAwaitingReview); err != nil {
		return 0, fmt.Errorf("deleting checkpoints: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM plan_runs WHERE updated_at < ? AND status != ?`,
		formatTime(cutoff), RunAwaitingReview)
	if err != nil {
		return 0, fmt.Errorf("deleting runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}

	s.logger.Info("pruned runs", "count", n, "cutoff", cutoff)
	return int(n), nil
}
