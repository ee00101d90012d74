// Package store provides persistent storage for emailpilot using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with multiple specialized
// interfaces:
//
//   - Store: clients, monthly calendars and their campaigns
//   - RunStore: planning runs and their append-only checkpoints
//   - UserStore: API users
//   - AuditStore: administrative audit log
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while maintaining clear interface boundaries.
//
// # Data Models
//
//   - Client: a brand, with timezone and optional Klaviyo/Asana identifiers
//   - Calendar: one client's plan for a month (YYYY-MM) with a revenue goal
//   - Campaign: a planned email or SMS send inside a calendar
//   - PlanRun: one execution of the planning pipeline for a calendar
//   - Checkpoint: JSON pipeline state captured at a step boundary
//   - User, AuditEntry
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads. Foreign keys and a
// busy timeout are set through the DSN so that every pooled connection gets them.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: unique key already taken
//   - ErrInvalid: entity rejected before reaching the database
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//	// store implements Store, RunStore, UserStore and AuditStore
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration tests.
package store
