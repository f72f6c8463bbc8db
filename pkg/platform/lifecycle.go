package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// hook pairs a named start step with the stop step that undoes it.
// Either function may be nil.
type hook struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// Lifecycle starts components in registration order and stops them in
// reverse. A failed start stops everything started before it.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []hook
	started int // number of hooks whose start succeeded
	running bool
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Append registers a start/stop pair.
func (l *Lifecycle) Append(name string, start, stop func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook{name: name, start: start, stop: stop})
}

// OnStart registers a start step with nothing to undo.
func (l *Lifecycle) OnStart(name string, fn func(context.Context) error) {
	l.Append(name, fn, nil)
}

// OnStop registers a shutdown step.
func (l *Lifecycle) OnStop(name string, fn func(context.Context) error) {
	l.Append(name, nil, fn)
}

// Closer is something that can be closed.
type Closer interface {
	Close() error
}

// RegisterCloser closes c on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c Closer) {
	l.OnStop(name, func(context.Context) error { return c.Close() })
}

// Start runs every start step in order.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.start != nil {
			if err := h.start(ctx); err != nil {
				l.started = i
				l.stopStarted(ctx)
				return fmt.Errorf("starting %s: %w", h.name, err)
			}
		}
		slog.Debug("lifecycle step started", "step", h.name)
	}

	l.started = len(l.hooks)
	l.running = true
	return nil
}

// Stop runs the stop steps of every started hook in reverse order.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false
	return l.stopStarted(ctx)
}

// stopStarted stops hooks [0, started) in reverse. The caller holds mu.
func (l *Lifecycle) stopStarted(ctx context.Context) error {
	var errs []error
	for i := l.started - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.stop == nil {
			continue
		}
		if err := h.stop(ctx); err != nil {
			slog.Warn("lifecycle stop step failed", "step", h.name, "error", err)
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.name, err))
		}
	}
	l.started = 0
	return errors.Join(errs...)
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
