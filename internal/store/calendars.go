// ABOUTME: Calendar and campaign store methods for SQLiteStore
// ABOUTME: Monthly calendars per client and the campaigns planned inside them

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCalendar inserts a new calendar for an existing client.
// Returns ErrDuplicate if the client already has a calendar for the month,
// ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) CreateCalendar(ctx context.Context, cal *Calendar) error {
	if _, err := time.Parse(MonthLayout, cal.Month); err != nil {
		return fmt.Errorf("%w: month must be YYYY-MM, got %q", ErrInvalid, cal.Month)
	}
	if cal.RevenueGoal < 0 {
		return fmt.Errorf("%w: revenue goal must not be negative", ErrInvalid)
	}
	if _, err := s.GetClient(ctx, cal.ClientID); err != nil {
		return err
	}

	if cal.ID == "" {
		cal.ID = uuid.New().String()
	}
	if cal.Status == "" {
		cal.Status = CalendarDraft
	}
	now := time.Now().UTC()
	if cal.CreatedAt.IsZero() {
		cal.CreatedAt = now
	}
	cal.UpdatedAt = cal.CreatedAt

	query := `
		INSERT INTO calendars (id, client_id, month, revenue_goal, status, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		cal.ID,
		cal.ClientID,
		cal.Month,
		cal.RevenueGoal,
		cal.Status,
		nullString(cal.Notes),
		formatTime(cal.CreatedAt),
		formatTime(cal.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting calendar: %w", err)
	}

	s.logger.Debug("created calendar", "id", cal.ID, "client_id", cal.ClientID, "month", cal.Month)
	return nil
}

const calendarColumns = `id, client_id, month, revenue_goal, status, notes, created_at, updated_at`

func scanCalendar(row interface{ Scan(...any) error }) (*Calendar, error) {
	var cal Calendar
	var notes sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&cal.ID, &cal.ClientID, &cal.Month, &cal.RevenueGoal, &cal.Status, &notes, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	cal.Notes = notes.String

	var err error
	if cal.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if cal.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cal, nil
}

// GetCalendar retrieves a calendar by ID.
// Returns ErrNotFound if the calendar doesn't exist.
func (s *SQLiteStore) GetCalendar(ctx context.Context, id string) (*Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)
	cal, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying calendar: %w", err)
	}
	return cal, nil
}

// ListCalendars returns a client's calendars ordered by month.
func (s *SQLiteStore) ListCalendars(ctx context.Context, clientID string) ([]*Calendar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE client_id = ? ORDER BY month`, clientID)
	if err != nil {
		return nil, fmt.Errorf("querying calendars: %w", err)
	}
	defer rows.Close()

	var calendars []*Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning calendar: %w", err)
		}
		calendars = append(calendars, cal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calendars: %w", err)
	}
	return calendars, nil
}

// UpdateCalendarStatus moves a calendar to a new lifecycle status.
// Returns ErrNotFound if the calendar doesn't exist.
func (s *SQLiteStore) UpdateCalendarStatus(ctx context.Context, id string, status CalendarStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE calendars SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating calendar status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("updated calendar status", "id", id, "status", status)
	return nil
}

const campaignColumns = `id, calendar_id, name, channel, type, segment, send_at, expected_revenue, subject, status, external_id, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*Campaign, error) {
	var c Campaign
	var subject, externalID sql.NullString
	var sendAt, createdAt, updatedAt string

	if err := row.Scan(&c.ID, &c.CalendarID, &c.Name, &c.Channel, &c.Type, &c.Segment, &sendAt,
		&c.ExpectedRevenue, &subject, &c.Status, &externalID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Subject = subject.String
	c.ExternalID = externalID.String

	var err error
	if c.SendAt, err = parseTime(sendAt); err != nil {
		return nil, fmt.Errorf("parsing send_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// ListCampaigns returns a calendar's campaigns ordered by send time.
func (s *SQLiteStore) ListCampaigns(ctx context.Context, calendarID string) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE calendar_id = ? ORDER BY send_at, name`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating campaigns: %w", err)
	}
	return campaigns, nil
}

// prepareCampaign fills generated fields and normalises defaults before insert.
// Unknown channels and types are rejected with ErrInvalid.
func prepareCampaign(calendarID string, c *Campaign, now time.Time) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CalendarID = calendarID
	if c.Channel == "" {
		c.Channel = ChannelEmail
	}
	if c.Type == "" {
		c.Type = TypePromotional
	}
	if !ValidChannel(c.Channel) {
		return fmt.Errorf("campaign %q: unknown channel %q: %w", c.Name, c.Channel, ErrInvalid)
	}
	if !ValidCampaignType(c.Type) {
		return fmt.Errorf("campaign %q: unknown type %q: %w", c.Name, c.Type, ErrInvalid)
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return nil
}

// ReplaceCampaigns atomically swaps the full campaign list of a calendar.
// Returns ErrNotFound if the calendar doesn't exist, ErrInvalid for unknown
// channels or types and ErrPublished if any current campaign was already published.
func (s *SQLiteStore) ReplaceCampaigns(ctx context.Context, calendarID string, campaigns []*Campaign) error {
	if _, err := s.GetCalendar(ctx, calendarID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, c := range campaigns {
		if err := prepareCampaign(calendarID, c, now); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var published int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaigns WHERE calendar_id = ? AND external_id IS NOT NULL`, calendarID).Scan(&published); err != nil {
		return fmt.Errorf("counting published campaigns: %w", err)
	}
	if published > 0 {
		return ErrPublished
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE calendar_id = ?`, calendarID); err != nil {
		return fmt.Errorf("clearing campaigns: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaigns (id, calendar_id, name, channel, type, segment, send_at, expected_revenue, subject, status, external_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing campaign insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range campaigns {
		_, err := stmt.ExecContext(ctx,
			c.ID,
			c.CalendarID,
			c.Name,
			c.Channel,
			c.Type,
			c.Segment,
			formatTime(c.SendAt),
			c.ExpectedRevenue,
			nullString(c.Subject),
			c.Status,
			nullString(c.ExternalID),
			formatTime(c.CreatedAt),
			formatTime(c.UpdatedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("campaign %s: %w", c.ID, ErrDuplicate)
			}
			return fmt.Errorf("inserting campaign: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE calendars SET updated_at = ? WHERE id = ?`, formatTime(now), calendarID); err != nil {
		return fmt.Errorf("touching calendar: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing campaigns: %w", err)
	}

	s.logger.Debug("replaced campaigns", "calendar_id", calendarID, "count", len(campaigns))
	return nil
}

// MarkCampaignPublished records the remote campaign id and flips status to published.
// Returns ErrNotFound if the campaign doesn't exist.
func (s *SQLiteStore) MarkCampaignPublished(ctx context.Context, id, externalID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, external_id = ?, updated_at = ? WHERE id = ?`,
		CampaignPublished, nullString(externalID), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking campaign published: %w", err)
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
