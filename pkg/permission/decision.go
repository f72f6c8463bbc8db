package permission

import "errors"

// Sentinel errors for denied guards.
var (
	ErrNotAuthenticated = errors.New("authentication required")
	ErrPermissionDenied = errors.New("insufficient permission")
)

// DenyReason explains why a guard refused.
type DenyReason string

// Deny reasons.
const (
	ReasonNotAuthenticated       DenyReason = "not_authenticated"
	ReasonInactive               DenyReason = "inactive"
	ReasonInsufficientPermission DenyReason = "insufficient_permission"
)

// Decision is the tagged result of a guard: allowed, or denied with a reason.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  DenyReason `json:"reason,omitempty"`
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a refusing decision.
func Deny(reason DenyReason) Decision {
	return Decision{Reason: reason}
}

// Err maps the decision onto a sentinel error, or nil when allowed.
// Missing and inactive principals map to ErrNotAuthenticated.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonNotAuthenticated, ReasonInactive:
		return ErrNotAuthenticated
	default:
		return ErrPermissionDenied
	}
}
