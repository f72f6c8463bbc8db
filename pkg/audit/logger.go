// Package audit records account mutations, logins and authorization denials.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Breakdown returns event counts grouped by a dimension.
	Breakdown(ctx context.Context, filter BreakdownFilter) ([]BreakdownEntry, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable event.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ActorID    int64          `json:"actor_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Action     Action         `json:"action"`
	TargetID   int64          `json:"target_id,omitempty"`
	Target     string         `json:"target,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Success    bool           `json:"success"`
	Reason     string         `json:"reason,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Actor     string
	Action    Action
	Success   *bool
	Limit     int
	Offset    int
}

// Matches reports whether the event satisfies the filter's predicates.
// Limit and Offset are not considered.
func (f QueryFilter) Matches(e Event) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

// Config configures audit logging.
type Config struct {
	Enabled       bool
	RetentionDays int
}
