// ABOUTME: Tests for the maintenance subcommand helpers
// ABOUTME: Uses MockStore for user creation and run pruning

package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winatecommerce96/emailpilot/internal/auth"
	"github.com/winatecommerce96/emailpilot/internal/store"
)

func TestAddUser(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()

	u, err := addUser(ctx, ms, "  Owner@Example.com ", store.RoleOwner, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", u.Email)
	assert.True(t, auth.CheckPassword(u.PasswordHash, "correct horse"))

	got, err := ms.GetUserByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, store.RoleOwner, got.Role)

	entries, err := ms.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditCreateUser, entries[0].Action)
	assert.Equal(t, store.ActorSystem, entries[0].Actor)

	_, err = addUser(ctx, ms, "owner@example.com", store.RoleOwner, "another pass")
	assert.ErrorContains(t, err, "already exists")
}

func TestAddUserRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()

	_, err := addUser(ctx, ms, "", store.RoleMember, "long enough")
	assert.ErrorContains(t, err, "--email")

	_, err = addUser(ctx, ms, "a@example.com", "superuser", "long enough")
	assert.ErrorContains(t, err, "unknown role")

	_, err = addUser(ctx, ms, "a@example.com", store.RoleMember, "short")
	assert.ErrorIs(t, err, auth.ErrWeakPassword)
}

func TestReadPassword(t *testing.T) {
	pw, err := readPassword(strings.NewReader("s3cret pass\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret pass", pw)

	pw, err = readPassword(strings.NewReader("no newline"))
	require.NoError(t, err)
	assert.Equal(t, "no newline", pw)
}

func TestParseAge(t *testing.T) {
	d, err := parseAge("30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	d, err = parseAge("36h")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	for _, bad := range []string{"", "xd", "-1h", "0d", "soon"} {
		_, err := parseAge(bad)
		assert.Error(t, err, bad)
	}
}

func TestPruneRuns(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	c := &store.Client{Name: "Acme", Slug: "acme"}
	require.NoError(t, ms.CreateClient(ctx, c))
	cal := &store.Calendar{ClientID: c.ID, Month: "2025-03"}
	require.NoError(t, ms.CreateCalendar(ctx, cal))

	now := time.Now()
	longAgo := now.Add(-60 * 24 * time.Hour)
	old := &store.PlanRun{CalendarID: cal.ID, Status: store.RunCompleted, CreatedAt: longAgo}
	waiting := &store.PlanRun{CalendarID: cal.ID, Status: store.RunAwaitingReview, CreatedAt: longAgo}
	fresh := &store.PlanRun{CalendarID: cal.ID, Status: store.RunFailed}
	for _, r := range []*store.PlanRun{old, waiting, fresh} {
		require.NoError(t, ms.CreateRun(ctx, r))
	}

	n, err := pruneRuns(ctx, ms, 30*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = ms.GetRun(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = ms.GetRun(ctx, waiting.ID)
	assert.NoError(t, err)

	entries, err := ms.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditPruneRuns, entries[0].Action)
	assert.Equal(t, 1, entries[0].Detail["deleted"])
}
