// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and applies idempotent column migrations

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store, RunStore, UserStore and AuditStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// pragmas in the DSN apply to every pooled connection, not just the first
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS clients (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			slug               TEXT NOT NULL UNIQUE,
			timezone           TEXT NOT NULL DEFAULT 'UTC',
			klaviyo_account_id TEXT,
			asana_project_id   TEXT,
			active             INTEGER NOT NULL DEFAULT 1,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS calendars (
			id           TEXT PRIMARY KEY,
			client_id    TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			month        TEXT NOT NULL,
			revenue_goal REAL NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'draft',
			notes        TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			UNIQUE(client_id, month),
			CHECK (status IN ('draft', 'planning', 'awaiting_review', 'approved', 'published', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_calendars_client ON calendars(client_id, month);

		CREATE TABLE IF NOT EXISTS campaigns (
			id               TEXT PRIMARY KEY,
			calendar_id      TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
			name             TEXT NOT NULL,
			channel          TEXT NOT NULL,
			type             TEXT NOT NULL,
			segment          TEXT NOT NULL,
			send_at          TEXT NOT NULL,
			expected_revenue REAL NOT NULL DEFAULT 0,
			status           TEXT NOT NULL DEFAULT 'draft',
			external_id      TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (channel IN ('email', 'sms')),
			CHECK (status IN ('draft', 'scheduled', 'published'))
		);

		CREATE INDEX IF NOT EXISTS idx_campaigns_calendar ON campaigns(calendar_id, send_at);

		CREATE TABLE IF NOT EXISTS plan_runs (
			id           TEXT PRIMARY KEY,
			calendar_id  TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
			status       TEXT NOT NULL,
			current_step TEXT NOT NULL,
			attempt      INTEGER NOT NULL DEFAULT 0,
			error        TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('running', 'awaiting_review', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_plan_runs_calendar ON plan_runs(calendar_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_plan_runs_updated ON plan_runs(updated_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_plan_runs_active ON plan_runs(calendar_id)
			WHERE status IN ('running', 'awaiting_review');

		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id     TEXT NOT NULL REFERENCES plan_runs(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			step       TEXT NOT NULL,
			state      BLOB NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (run_id, seq)
		);

		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL,
			created_at    TEXT NOT NULL,

			CHECK (role IN ('owner', 'admin', 'member'))
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "campaigns",
			column: "subject",
			apply:  `ALTER TABLE campaigns ADD COLUMN subject TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// normalizeLimit applies a default and cap to list limits
func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
