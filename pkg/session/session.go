// Package session tracks logged-in users in process memory. Sessions are
// never persisted and expire after a period of inactivity.
package session

import (
	"maps"
	"time"
)

// Snapshot is the user data captured when a session is opened.
type Snapshot struct {
	UserID    int64
	Username  string
	Role      string
	IPAddress string
	UserAgent string

	// Fields holds extensible per-session data.
	Fields map[string]any
}

// Session represents an active login.
type Session struct {
	ID           string         `json:"session_id"`
	UserID       int64          `json:"user_id"`
	Username     string         `json:"username"`
	Role         string         `json:"role"`
	Fields       map[string]any `json:"fields,omitempty"`
	LoginAt      time.Time      `json:"login_time"`
	LastActivity time.Time      `json:"last_activity"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
}

// clone returns a copy that shares no mutable state with s.
func (s Session) clone() Session {
	c := s
	if s.Fields != nil {
		c.Fields = maps.Clone(s.Fields)
	}
	return c
}

// IdleFor reports how long the session has been inactive at now.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}
