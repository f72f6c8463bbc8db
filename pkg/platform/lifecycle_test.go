package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_StartAndStop(t *testing.T) {
	lc := NewLifecycle()
	var calls []string
	lc.Append("db",
		func(context.Context) error { calls = append(calls, "start db"); return nil },
		func(context.Context) error { calls = append(calls, "stop db"); return nil })
	lc.Append("http",
		func(context.Context) error { calls = append(calls, "start http"); return nil },
		func(context.Context) error { calls = append(calls, "stop http"); return nil })

	require.NoError(t, lc.Start(context.Background()))
	assert.True(t, lc.IsStarted())
	require.NoError(t, lc.Stop(context.Background()))
	assert.False(t, lc.IsStarted())

	assert.Equal(t, []string{"start db", "start http", "stop http", "stop db"}, calls)
}

func TestLifecycle_StartTwice(t *testing.T) {
	lc := NewLifecycle()
	require.NoError(t, lc.Start(context.Background()))
	assert.Error(t, lc.Start(context.Background()))
}

func TestLifecycle_StopNotStarted(t *testing.T) {
	lc := NewLifecycle()
	stopped := false
	lc.OnStop("x", func(context.Context) error { stopped = true; return nil })
	assert.NoError(t, lc.Stop(context.Background()))
	assert.False(t, stopped)
}

func TestLifecycle_RollbackOnlyStartedSteps(t *testing.T) {
	lc := NewLifecycle()
	var calls []string
	lc.Append("first",
		func(context.Context) error { return nil },
		func(context.Context) error { calls = append(calls, "stop first"); return nil })
	lc.OnStop("closer", func(context.Context) error { calls = append(calls, "stop closer"); return nil })
	lc.Append("broken",
		func(context.Context) error { return errors.New("boom") },
		func(context.Context) error { calls = append(calls, "stop broken"); return nil })
	lc.Append("never",
		func(context.Context) error { calls = append(calls, "start never"); return nil },
		nil)

	err := lc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting broken")
	assert.Equal(t, []string{"stop closer", "stop first"}, calls)
	assert.False(t, lc.IsStarted())
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestLifecycle_StopJoinsErrors(t *testing.T) {
	lc := NewLifecycle()
	errA := errors.New("a failed")
	closed := false
	lc.RegisterCloser("a", closerFunc(func() error { return errA }))
	lc.RegisterCloser("b", closerFunc(func() error { closed = true; return nil }))

	require.NoError(t, lc.Start(context.Background()))
	err := lc.Stop(context.Background())
	assert.ErrorIs(t, err, errA)
	assert.True(t, closed, "later steps still run after a failure")
}
