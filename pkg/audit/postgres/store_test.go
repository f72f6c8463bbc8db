package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/plume-admin/pkg/audit"
)

const (
	testFilterLimit  = 10
	testFilterOffset = 5
)

var testTimestamp = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func newTestEvent() audit.Event {
	return audit.Event{
		ID:         "evt-123",
		Timestamp:  testTimestamp,
		ActorID:    1,
		Actor:      "admin",
		Action:     audit.ActionUserRoleUpdate,
		TargetID:   7,
		Target:     "alice",
		Parameters: map[string]any{"role": "user"},
		Success:    true,
	}
}

func newMockStore(t *testing.T, cfg Config) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, cfg), mock
}

func TestNew(t *testing.T) {
	t.Run("custom retention", func(t *testing.T) {
		store, _ := newMockStore(t, Config{RetentionDays: 30})
		assert.Equal(t, 30, store.retentionDays)
	})

	t.Run("default retention when zero", func(t *testing.T) {
		store, _ := newMockStore(t, Config{})
		assert.Equal(t, defaultRetentionDays, store.retentionDays)
	})
}

func TestLog(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		store, mock := newMockStore(t, Config{})
		event := newTestEvent()
		params, err := json.Marshal(event.Parameters)
		require.NoError(t, err)

		mock.ExpectExec("INSERT INTO audit_events").WithArgs(
			event.ID,
			event.Timestamp,
			sql.NullInt64{Int64: 1, Valid: true},
			event.Actor,
			string(event.Action),
			sql.NullInt64{Int64: 7, Valid: true},
			event.Target,
			params,
			event.Success,
			event.Reason,
			"2025-06-15",
		).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.Log(context.Background(), event))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("anonymous actor stored as null and secrets redacted", func(t *testing.T) {
		store, mock := newMockStore(t, Config{})
		event := newTestEvent()
		event.ActorID = 0
		event.Actor = "mallory"
		event.Action = audit.ActionLogin
		event.Parameters = map[string]any{"password": "hunter2"}
		redacted, err := json.Marshal(map[string]any{"password": "[REDACTED]"})
		require.NoError(t, err)

		mock.ExpectExec("INSERT INTO audit_events").WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(),
			sql.NullInt64{},
			"mallory", "auth.login",
			sqlmock.AnyArg(), sqlmock.AnyArg(),
			redacted,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.Log(context.Background(), event))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("db error", func(t *testing.T) {
		store, mock := newMockStore(t, Config{})
		mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("connection refused"))

		err := store.Log(context.Background(), newTestEvent())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "inserting audit event")
	})
}

func eventRows() *sqlmock.Rows {
	return sqlmock.NewRows(auditColumns)
}

func TestQuery(t *testing.T) {
	t.Run("no filter", func(t *testing.T) {
		store, mock := newMockStore(t, Config{})
		mock.ExpectQuery("SELECT .+ FROM audit_events ORDER BY timestamp DESC").
			WillReturnRows(eventRows().
				AddRow("evt-1", testTimestamp, int64(1), "admin", "user.create", int64(2), "bob", []byte(`{"role":"guest"}`), true, "").
				AddRow("evt-2", testTimestamp, nil, "mallory", "auth.login", nil, "", nil, false, "wrong password"))

		events, err := store.Query(context.Background(), audit.QueryFilter{})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].ActorID)
		assert.Equal(t, audit.ActionUserCreate, events[0].Action)
		assert.Equal(t, "guest", events[0].Parameters["role"])
		assert.Zero(t, events[1].ActorID)
		assert.Nil(t, events[1].Parameters)
		assert.Equal(t, "wrong password", events[1].Reason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("all filters", func(t *testing.T) {
		store, mock := newMockStore(t, Config{})
		start := testTimestamp.Add(-time.Hour)
		end := testTimestamp
		ok := false

		mock.ExpectQuery("SELECT .+ FROM audit_events WHERE timestamp >= \\$1 AND timestamp <= \\$2 AND actor = \\$3 AND action = \\$4 AND success = \\$5 ORDER BY timestamp DESC LIMIT 10 OFFSET 5").
			WithArgs(start, end, "alice", "auth.login", false).
			WillReturnRows(eventRows())

		events, err := store.Query(context.Background(), audit.QueryFilter{
			StartTime: &start,
			EndTime:   &end,
			Actor:     "alice",
			Action:    audit.ActionLogin,
			Success:   &ok,
			Limit:     testFilterLimit,
			Offset:    testFilterOffset,
		})
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("db error", func(t *testing.T) {
		store, mock := newMockStore(t, Config{})
		mock.ExpectQuery("SELECT").WillReturnError(errors.New("boom"))

		_, err := store.Query(context.Background(), audit.QueryFilter{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "querying audit events")
	})

	t.Run("scan error", func(t *testing.T) {
		store, mock := newMockStore(t, Config{})
		mock.ExpectQuery("SELECT").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt-1"))

		_, err := store.Query(context.Background(), audit.QueryFilter{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scanning audit event row")
	})
}

func TestBreakdown(t *testing.T) {
	t.Run("by action", func(t *testing.T) {
		store, mock := newMockStore(t, Config{})
		mock.ExpectQuery("SELECT COALESCE\\(action, ''\\) AS dimension, COUNT\\(\\*\\) AS count, .+ FROM audit_events GROUP BY dimension ORDER BY count DESC, dimension LIMIT 10").
			WillReturnRows(sqlmock.NewRows([]string{"dimension", "count", "success_rate"}).
				AddRow("auth.login", 4, 0.75).
				AddRow("user.create", 1, 1.0))

		entries, err := store.Breakdown(context.Background(), audit.BreakdownFilter{GroupBy: audit.BreakdownByAction})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "auth.login", entries[0].Dimension)
		assert.Equal(t, 4, entries[0].Count)
		assert.InDelta(t, 0.75, entries[0].SuccessRate, 0.0001)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid dimension", func(t *testing.T) {
		store, _ := newMockStore(t, Config{})
		_, err := store.Breakdown(context.Background(), audit.BreakdownFilter{GroupBy: "password_hash"})
		assert.Error(t, err)
	})

	t.Run("empty result", func(t *testing.T) {
		store, mock := newMockStore(t, Config{})
		mock.ExpectQuery("SELECT COALESCE\\(actor").
			WillReturnRows(sqlmock.NewRows([]string{"dimension", "count", "success_rate"}))

		entries, err := store.Breakdown(context.Background(), audit.BreakdownFilter{GroupBy: audit.BreakdownByActor})
		require.NoError(t, err)
		assert.NotNil(t, entries)
		assert.Empty(t, entries)
	})
}

func TestCleanup(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		store, mock := newMockStore(t, Config{RetentionDays: 30})
		mock.ExpectExec("DELETE FROM audit_events WHERE timestamp < \\$1").
			WillReturnResult(sqlmock.NewResult(0, 5))

		assert.NoError(t, store.Cleanup(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("db error", func(t *testing.T) {
		store, mock := newMockStore(t, Config{RetentionDays: 30})
		mock.ExpectExec("DELETE FROM audit_events").WillReturnError(errors.New("cleanup failed"))

		err := store.Cleanup(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cleaning up audit events")
	})
}

func TestClose_NilCancel_NoPanic(t *testing.T) {
	store, _ := newMockStore(t, Config{})
	assert.NoError(t, store.Close())
}

func TestStartCleanupRoutine(t *testing.T) {
	store, mock := newMockStore(t, Config{RetentionDays: 7})

	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("DELETE FROM audit_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM audit_events").WillReturnResult(sqlmock.NewResult(0, 0))

	store.StartCleanupRoutine(10 * time.Millisecond)

	// Let at least one cleanup tick fire.
	time.Sleep(50 * time.Millisecond)

	// Close cancels and waits for the goroutine to exit.
	assert.NoError(t, store.Close())
}
