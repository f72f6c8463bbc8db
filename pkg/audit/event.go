package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action names the operation an event records.
type Action string

// Recorded actions.
const (
	ActionLogin           Action = "auth.login"
	ActionLogout          Action = "auth.logout"
	ActionUserCreate      Action = "user.create"
	ActionUserRoleUpdate  Action = "user.role_update"
	ActionUserActivate    Action = "user.activate"
	ActionUserDeactivate  Action = "user.deactivate"
	ActionPasswordReset   Action = "user.password_reset"
	ActionUserRemove      Action = "user.remove"
	ActionPermissionGrant Action = "permission.grant"
	ActionPermissionDrop  Action = "permission.revoke"
	ActionSessionRevoke   Action = "session.revoke"
	ActionBootstrap       Action = "system.bootstrap"
)

// redacted replaces sensitive parameter values.
const redacted = "[REDACTED]"

// NewEvent creates a new audit event for action.
func NewEvent(action Action) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
	}
}

// WithActor records who performed the action.
func (e *Event) WithActor(id int64, name string) *Event {
	e.ActorID = id
	e.Actor = name
	return e
}

// WithTarget records the user or object acted upon.
func (e *Event) WithTarget(id int64, name string) *Event {
	e.TargetID = id
	e.Target = name
	return e
}

// WithParameters adds sanitized parameters to the event.
func (e *Event) WithParameters(params map[string]any) *Event {
	e.Parameters = SanitizeParameters(params)
	return e
}

// WithResult records the outcome. reason is kept only for failures.
func (e *Event) WithResult(success bool, reason string) *Event {
	e.Success = success
	if !success {
		e.Reason = reason
	}
	return e
}

// SanitizeParameters returns a copy of params with sensitive values redacted.
// Any key containing "password", "secret" or "token" is treated as sensitive.
func SanitizeParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			sanitized[k] = redacted
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	switch k {
	case "api_key", "authorization", "credentials", "cookie":
		return true
	}
	for _, frag := range []string{"password", "secret", "token"} {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}
