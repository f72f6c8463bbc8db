// Package admin provides the JSON API for signing in and for administering
// users, permissions, sessions and the audit log.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/txn2/plume-admin/pkg/account"
	"github.com/txn2/plume-admin/pkg/audit"
	"github.com/txn2/plume-admin/pkg/identity"
	"github.com/txn2/plume-admin/pkg/permission"
	"github.com/txn2/plume-admin/pkg/session"
)

// Path parameter names.
const (
	pathParamID       = "id"
	pathParamUsername = "username"
	pathParamName     = "name"
)

// Deps holds the services the admin API is built on.
type Deps struct {
	Accounts *account.Manager
	Resolver *permission.Resolver
	Sessions *session.Registry
	Cookies  *CookieCodec

	// Audit serves the audit routes and records logins and session
	// revocations. It may be nil, in which case the audit routes are absent.
	Audit audit.Logger
}

// Handler provides the admin REST API endpoints.
type Handler struct {
	mux  *http.ServeMux
	deps Deps
}

// NewHandler creates a new admin API handler.
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		mux:  http.NewServeMux(),
		deps: deps,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// registerRoutes registers all API routes.
func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/v1/auth/login", h.login)
	h.mux.Handle("POST /api/v1/auth/logout", h.signedIn(h.logout))
	h.mux.Handle("GET /api/v1/auth/me", h.signedIn(h.me))

	h.mux.Handle("GET /api/v1/admin/users", h.gated(permission.ViewUsers, h.listUsers))
	h.mux.Handle("POST /api/v1/admin/users", h.gated(permission.CreateUser, h.createUser))
	h.mux.Handle("PUT /api/v1/admin/users/{id}/role", h.signedIn(h.updateRole))
	h.mux.Handle("PUT /api/v1/admin/users/{id}/active", h.signedIn(h.setActive))
	h.mux.Handle("PUT /api/v1/admin/users/{id}/password", h.signedIn(h.resetPassword))
	h.mux.Handle("DELETE /api/v1/admin/users/{username}", h.signedIn(h.removeUser))
	h.mux.Handle("GET /api/v1/admin/users/{id}/permissions", h.gated(permission.ViewUsers, h.userPermissions))
	h.mux.Handle("POST /api/v1/admin/users/{id}/permissions/{name}", h.signedIn(h.grantPermission))
	h.mux.Handle("DELETE /api/v1/admin/users/{id}/permissions/{name}", h.signedIn(h.revokePermission))

	h.mux.Handle("GET /api/v1/admin/permissions",
		h.authenticate(h.requirePermissionMatching("manage_", http.HandlerFunc(h.listPermissions))))

	h.mux.Handle("GET /api/v1/admin/sessions", h.gated(permission.ManageSessions, h.listSessions))
	h.mux.Handle("DELETE /api/v1/admin/sessions/{id}", h.gated(permission.ManageSessions, h.revokeSession))

	if h.deps.Audit != nil {
		h.mux.Handle("GET /api/v1/admin/audit/events", h.gated(permission.ViewLogs, h.listAuditEvents))
		h.mux.Handle("GET /api/v1/admin/audit/breakdown", h.gated(permission.ViewLogs, h.auditBreakdown))
	}

	h.mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

// signedIn wraps fn so it only runs for an authenticated, active user.
func (h *Handler) signedIn(fn http.HandlerFunc) http.Handler {
	return h.authenticate(fn)
}

// gated wraps fn so it only runs for a signed-in user holding perm.
func (h *Handler) gated(perm string, fn http.HandlerFunc) http.Handler {
	return h.authenticate(h.requirePermission(perm, fn))
}

// errorResponse is the JSON body of every error.
type errorResponse struct {
	Error string `json:"error"`
}

// statusResponse acknowledges a mutation.
type statusResponse struct {
	Status string `json:"status"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps a service error onto a status code. Unrecognized
// errors are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, account.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, account.ErrInvalidCredentials.Error())
	case errors.Is(err, permission.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, permission.ErrNotAuthenticated.Error())
	case errors.Is(err, permission.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, permission.ErrPermissionDenied.Error())
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, account.ErrInvalidInput), errors.Is(err, identity.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("admin request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes the JSON request body into v, writing 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// pathID parses the {id} path value, writing 400 when it is not a number.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(pathParamID), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

// record writes an audit event when an audit logger is configured.
func (h *Handler) record(r *http.Request, ev *audit.Event) {
	if h.deps.Audit == nil {
		return
	}
	if err := h.deps.Audit.Log(r.Context(), *ev); err != nil {
		slog.Warn("writing audit event failed", "action", ev.Action, "error", err)
	}
}
