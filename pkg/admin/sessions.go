package admin

import (
	"net/http"

	"github.com/txn2/plume-admin/pkg/audit"
	"github.com/txn2/plume-admin/pkg/session"
)

// sessionListResponse wraps the active sessions.
type sessionListResponse struct {
	Data  []session.Session `json:"data"`
	Total int               `json:"total"`
}

// listSessions handles GET /api/v1/admin/sessions.
//
// @Summary      List sessions
// @Description  Returns every active session, oldest login first.
// @Tags         Sessions
// @Produce      json
// @Success      200  {object}  sessionListResponse
// @Failure      403  {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/sessions [get]
func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.deps.Sessions.List()
	writeJSON(w, http.StatusOK, sessionListResponse{Data: sessions, Total: len(sessions)})
}

// revokeSession handles DELETE /api/v1/admin/sessions/{id}.
//
// @Summary      Revoke session
// @Description  Ends a session. Its cookie stops working immediately.
// @Tags         Sessions
// @Produce      json
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  statusResponse
// @Failure      403  {object}  errorResponse
// @Failure      404  {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/sessions/{id} [delete]
func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue(pathParamID)
	sess, ok := h.deps.Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.deps.Sessions.RemoveSession(id)

	actor := UserFromContext(r.Context())
	h.record(r, audit.NewEvent(audit.ActionSessionRevoke).
		WithActor(actor.ID, actor.Username).
		WithTarget(sess.UserID, sess.Username).
		WithResult(true, ""))
	writeJSON(w, http.StatusOK, statusResponse{Status: "revoked"})
}
