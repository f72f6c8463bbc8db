package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/txn2/plume-admin/pkg/identity"
	"github.com/txn2/plume-admin/pkg/permission"
)

// contextKey is a private type for context keys in the admin package.
type contextKey string

const (
	userKey      contextKey = "plume_user"
	sessionIDKey contextKey = "plume_session_id"
)

// UserFromContext returns the authenticated user, or nil if not set.
func UserFromContext(ctx context.Context) *identity.User {
	u, _ := ctx.Value(userKey).(*identity.User)
	return u
}

// SessionIDFromContext returns the current session ID, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// authenticate resolves the session cookie to a live session and reloads
// its user. Users who were deactivated or deleted since signing in lose the
// session.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.deps.Cookies.SessionID(r)
		if err != nil {
			if !errors.Is(err, ErrNoSession) {
				slog.Debug("rejecting session cookie", "error", err)
			}
			writeError(w, http.StatusUnauthorized, permission.ErrNotAuthenticated.Error())
			return
		}

		sess, ok := h.deps.Sessions.Get(id)
		if !ok {
			h.deps.Cookies.Clear(w)
			writeError(w, http.StatusUnauthorized, permission.ErrNotAuthenticated.Error())
			return
		}

		user, err := h.deps.Accounts.GetUser(r.Context(), sess.UserID)
		switch {
		case errors.Is(err, identity.ErrNotFound), err == nil && !user.Active:
			h.deps.Sessions.RemoveSession(id)
			h.deps.Cookies.Clear(w)
			writeError(w, http.StatusUnauthorized, permission.ErrNotAuthenticated.Error())
			return
		case err != nil:
			writeServiceError(w, err)
			return
		}

		h.deps.Sessions.UpdateActivity(id)
		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, sessionIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission rejects requests whose user lacks perm. It must run
// inside authenticate.
func (h *Handler) requirePermission(perm string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		d := h.deps.Resolver.Require(r.Context(), user, perm)
		if !d.Allowed {
			logDenied(user, "permission", perm, d)
			writeServiceError(w, d.Err())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requirePermissionMatching rejects requests whose user holds no permission
// matching pattern. It must run inside authenticate.
func (h *Handler) requirePermissionMatching(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		d := h.deps.Resolver.RequireMatching(r.Context(), user, pattern)
		if !d.Allowed {
			logDenied(user, "pattern", pattern, d)
			writeServiceError(w, d.Err())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logDenied(user *identity.User, key, value string, d permission.Decision) {
	var (
		id   int64
		name string
	)
	if user != nil {
		id, name = user.ID, user.Username
	}
	slog.Warn("permission denied", "user_id", id, "username", name, key, value, "reason", d.Reason)
}
