package session

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the inactivity period after which cleanup drops a session.
const DefaultTimeout = 30 * time.Minute

// Registry holds active sessions keyed by an unguessable identifier.
// All methods are safe for concurrent use and return copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
	newID    func() string

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// withIDSource replaces the identifier generator. Used by tests.
func withIDSource(gen func() string) Option {
	return func(r *Registry) {
		r.newID = gen
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddSession opens a session for snap and returns its identifier. A user
// may hold any number of sessions.
func (r *Registry) AddSession(snap Snapshot) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.sessions[id] != nil {
		id = r.newID()
	}

	now := r.now()
	s := &Session{
		ID:           id,
		UserID:       snap.UserID,
		Username:     snap.Username,
		Role:         snap.Role,
		LoginAt:      now,
		LastActivity: now,
		IPAddress:    snap.IPAddress,
		UserAgent:    snap.UserAgent,
	}
	if snap.Fields != nil {
		s.Fields = maps.Clone(snap.Fields)
	}
	r.sessions[id] = s
	return id
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// UpdateActivity marks the session active now. Unknown IDs are ignored.
func (r *Registry) UpdateActivity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.LastActivity = r.now()
	}
}

// UpdateFields merges fields into the session's Fields. Unknown IDs are ignored.
func (r *Registry) UpdateFields(id string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if s.Fields == nil {
		s.Fields = make(map[string]any, len(fields))
	}
	maps.Copy(s.Fields, fields)
}

// RemoveSession ends a session. Unknown IDs are ignored.
func (r *Registry) RemoveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

// RemoveUserSessions ends every session of userID and returns how many.
func (r *Registry) RemoveUserSessions(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// SessionsByUserID returns the user's sessions, oldest login first.
func (r *Registry) SessionsByUserID(userID int64) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			result = append(result, s.clone())
		}
	}
	sortByLogin(result)
	return result
}

// List returns every session, oldest login first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.clone())
	}
	sortByLogin(result)
	return result
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// CleanupInactive removes sessions idle for longer than timeout and returns
// how many were removed.
func (r *Registry) CleanupInactive(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	removed := 0
	for id, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine starts a background goroutine that removes sessions
// idle for longer than timeout every interval. The goroutine is stopped when
// Close is called.
func (r *Registry) StartCleanupRoutine(interval, timeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.CleanupInactive(timeout); n > 0 {
					slog.Info("expired inactive sessions", "count", n)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
	return nil
}

func sortByLogin(s []Session) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].LoginAt.Equal(s[j].LoginAt) {
			return s[i].LoginAt.Before(s[j].LoginAt)
		}
		return s[i].ID < s[j].ID
	})
}
