// ABOUTME: Client (brand) store methods for SQLiteStore
// ABOUTME: Create, read, update and delete clients; deleting a client removes its calendars

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// validateClient checks the fields every client must carry
func validateClient(c *Client) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: client name is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Slug) == "" {
		return fmt.Errorf("%w: client slug is required", ErrInvalid)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalid, c.Timezone)
		}
	}
	return nil
}

// CreateClient inserts a new client. ID and timestamps are generated when empty.
// Returns ErrDuplicate if the slug is taken.
func (s *SQLiteStore) CreateClient(ctx context.Context, c *Client) error {
	if err := validateClient(c); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	query := `
		INSERT INTO clients (id, name, slug, timezone, klaviyo_account_id, asana_project_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.Name,
		c.Slug,
		c.Timezone,
		nullString(c.KlaviyoAccountID),
		nullString(c.AsanaProjectID),
		boolToInt(c.Active),
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting client: %w", err)
	}

	s.logger.Debug("created client", "id", c.ID, "slug", c.Slug)
	return nil
}

const clientColumns = `id, name, slug, timezone, klaviyo_account_id, asana_project_id, active, created_at, updated_at`

func scanClient(row interface{ Scan(...any) error }) (*Client, error) {
	var c Client
	var klaviyoID, asanaID sql.NullString
	var active int
	var createdAt, updatedAt string

	if err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.Timezone, &klaviyoID, &asanaID, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.KlaviyoAccountID = klaviyoID.String
	c.AsanaProjectID = asanaID.String
	c.Active = active != 0

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// GetClient retrieves a client by ID.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return c, nil
}

// ListClients returns clients ordered by name.
func (s *SQLiteStore) ListClients(ctx context.Context, activeOnly bool) ([]*Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name COLLATE NOCASE`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}
	return clients, nil
}

// UpdateClient updates every mutable field of an existing client.
// Returns ErrNotFound if the client doesn't exist and ErrDuplicate if the new slug is taken.
func (s *SQLiteStore) UpdateClient(ctx context.Context, c *Client) error {
	if err := validateClient(c); err != nil {
		return err
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	c.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE clients
		SET name = ?, slug = ?, timezone = ?, klaviyo_account_id = ?, asana_project_id = ?, active = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		c.Name,
		c.Slug,
		c.Timezone,
		nullString(c.KlaviyoAccountID),
		nullString(c.AsanaProjectID),
		boolToInt(c.Active),
		formatTime(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("updating client: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated client", "id", c.ID)
	return nil
}

// DeleteClient removes a client together with its calendars, campaigns, runs and checkpoints.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) DeleteClient(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	calendarScope := `SELECT id FROM calendars WHERE client_id = ?`
	statements := []string{
		`DELETE FROM checkpoints WHERE run_id IN (SELECT id FROM plan_runs WHERE calendar_id IN (` + calendarScope + `))`,
		`DELETE FROM plan_runs WHERE calendar_id IN (` + calendarScope + `)`,
		`DELETE FROM campaigns WHERE calendar_id IN (` + calendarScope + `)`,
		`DELETE FROM calendars WHERE client_id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("deleting client children: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing client delete: %w", err)
	}
	s.logger.Debug("deleted client", "id", id)
	return nil
}
