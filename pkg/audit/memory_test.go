package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logEvents(t *testing.T, l *MemoryLogger, events ...*Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, l.Log(context.Background(), *e))
	}
}

func TestMemoryLogger_QueryNewestFirst(t *testing.T) {
	l := NewMemoryLogger(0)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		e := NewEvent(ActionLogin).WithActor(int64(i), fmt.Sprintf("u%d", i)).WithResult(true, "")
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		logEvents(t, l, e)
	}

	events, err := l.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "u2", events[0].Actor)
	assert.Equal(t, "u0", events[2].Actor)
}

func TestMemoryLogger_QueryFilter(t *testing.T) {
	l := NewMemoryLogger(10)
	ok := true
	logEvents(t, l,
		NewEvent(ActionLogin).WithActor(1, "alice").WithResult(true, ""),
		NewEvent(ActionLogin).WithActor(2, "bob").WithResult(false, "wrong password"),
		NewEvent(ActionUserCreate).WithActor(1, "alice").WithResult(true, ""),
	)

	byActor, err := l.Query(context.Background(), QueryFilter{Actor: "alice"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byAction, err := l.Query(context.Background(), QueryFilter{Action: ActionLogin, Success: &ok})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "alice", byAction[0].Actor)

	paged, err := l.Query(context.Background(), QueryFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "bob", paged[0].Actor)

	beyond, err := l.Query(context.Background(), QueryFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestMemoryLogger_EvictsOldest(t *testing.T) {
	l := NewMemoryLogger(2)
	logEvents(t, l,
		NewEvent(ActionLogin).WithActor(1, "first"),
		NewEvent(ActionLogin).WithActor(2, "second"),
		NewEvent(ActionLogin).WithActor(3, "third"),
	)

	events, err := l.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "third", events[0].Actor)
	assert.Equal(t, "second", events[1].Actor)
}

func TestMemoryLogger_SanitizesOnLog(t *testing.T) {
	l := NewMemoryLogger(1)
	e := NewEvent(ActionPasswordReset)
	e.Parameters = map[string]any{"password": "plain"}
	logEvents(t, l, e)

	events, err := l.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, redactedValue, events[0].Parameters["password"])
}

func TestMemoryLogger_Breakdown(t *testing.T) {
	l := NewMemoryLogger(10)
	logEvents(t, l,
		NewEvent(ActionLogin).WithActor(1, "alice").WithResult(true, ""),
		NewEvent(ActionLogin).WithActor(2, "bob").WithResult(false, "x"),
		NewEvent(ActionUserCreate).WithActor(1, "alice").WithResult(true, ""),
	)

	entries, err := l.Breakdown(context.Background(), BreakdownFilter{GroupBy: BreakdownByAction})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, string(ActionLogin), entries[0].Dimension)
	assert.Equal(t, 2, entries[0].Count)
	assert.InDelta(t, 0.5, entries[0].SuccessRate, 0.001)

	_, err = l.Breakdown(context.Background(), BreakdownFilter{GroupBy: "nope"})
	assert.Error(t, err)
}

func TestMemoryLogger_Close(t *testing.T) {
	assert.NoError(t, NewMemoryLogger(1).Close())
}
