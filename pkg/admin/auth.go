package admin

import (
	"net"
	"net/http"
	"strings"

	"github.com/txn2/plume-admin/pkg/audit"
	"github.com/txn2/plume-admin/pkg/identity"
	"github.com/txn2/plume-admin/pkg/session"
)

// loginRequest is the body of POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// meResponse describes the signed-in user.
type meResponse struct {
	User        identity.Profile `json:"user"`
	Permissions []string         `json:"permissions"`
	SessionID   string           `json:"session_id,omitempty"`
}

// login handles POST /api/v1/auth/login.
//
// @Summary      Sign in
// @Description  Verifies credentials, opens a session and sets the session cookie.
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        body  body      loginRequest  true  "Credentials"
// @Success      200   {object}  meResponse
// @Failure      400   {object}  errorResponse
// @Failure      401   {object}  errorResponse
// @Router       /auth/login [post]
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.deps.Accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	id := h.deps.Sessions.AddSession(session.Snapshot{
		UserID:    user.ID,
		Username:  user.Username,
		Role:      string(user.Role),
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err := h.deps.Cookies.Issue(w, id); err != nil {
		h.deps.Sessions.RemoveSession(id)
		writeServiceError(w, err)
		return
	}

	perms, err := h.deps.Resolver.Permissions(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: user.Profile(), Permissions: perms, SessionID: id})
}

// logout handles POST /api/v1/auth/logout.
//
// @Summary      Sign out
// @Description  Ends the current session and clears the cookie.
// @Tags         Auth
// @Produce      json
// @Success      200  {object}  statusResponse
// @Failure      401  {object}  errorResponse
// @Security     SessionCookie
// @Router       /auth/logout [post]
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	h.deps.Sessions.RemoveSession(SessionIDFromContext(r.Context()))
	h.deps.Cookies.Clear(w)

	h.record(r, audit.NewEvent(audit.ActionLogout).
		WithActor(user.ID, user.Username).
		WithResult(true, ""))
	writeJSON(w, http.StatusOK, statusResponse{Status: "logged_out"})
}

// me handles GET /api/v1/auth/me.
//
// @Summary      Current user
// @Description  Returns the signed-in user's profile and effective permissions.
// @Tags         Auth
// @Produce      json
// @Success      200  {object}  meResponse
// @Failure      401  {object}  errorResponse
// @Security     SessionCookie
// @Router       /auth/me [get]
func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	perms, err := h.deps.Resolver.Permissions(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:        user.Profile(),
		Permissions: perms,
		SessionID:   SessionIDFromContext(r.Context()),
	})
}

// clientIP returns the first X-Forwarded-For hop, or the remote host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
