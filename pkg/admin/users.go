package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/txn2/plume-admin/pkg/account"
	"github.com/txn2/plume-admin/pkg/identity"
)

// createUserRequest is the body of POST /admin/users.
type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// userListResponse wraps a list of users.
type userListResponse struct {
	Data  []identity.Profile `json:"data"`
	Total int                `json:"total"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

// userPermissionsResponse lists a user's effective permissions.
type userPermissionsResponse struct {
	UserID      int64    `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// grantResponse reports whether a grant or revoke changed anything.
type grantResponse struct {
	Permission string `json:"permission"`
	Changed    bool   `json:"changed"`
}

// listUsers handles GET /api/v1/admin/users.
//
// @Summary      List users
// @Description  Returns all users ordered by username, optionally only active ones.
// @Tags         Users
// @Produce      json
// @Param        active_only  query     boolean  false  "Only active users"
// @Success      200          {object}  userListResponse
// @Failure      401          {object}  errorResponse
// @Failure      403          {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/users [get]
func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))

	users, err := h.deps.Accounts.ListUsers(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	profiles := make([]identity.Profile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, u.Profile())
	}
	writeJSON(w, http.StatusOK, userListResponse{Data: profiles, Total: len(profiles)})
}

// createUser handles POST /api/v1/admin/users.
//
// @Summary      Create user
// @Description  Creates a user and grants the role's default permissions. The role defaults to guest. Creating an admin also requires manage_permissions.
// @Tags         Users
// @Accept       json
// @Produce      json
// @Param        body  body      createUserRequest  true  "New user"
// @Success      201   {object}  identity.Profile
// @Failure      400   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      409   {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/users [post]
func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := h.deps.Accounts.CreateUser(r.Context(), account.NewUser{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		Role:      identity.Role(req.Role),
		CreatedBy: UserFromContext(r.Context()),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u.Profile())
}

// updateRole handles PUT /api/v1/admin/users/{id}/role.
//
// @Summary      Change role
// @Description  Sets the user's role and re-applies the role's default permissions. Requires manage_permissions.
// @Tags         Users
// @Accept       json
// @Produce      json
// @Param        id    path      integer      true  "User ID"
// @Param        body  body      roleRequest  true  "New role"
// @Success      200   {object}  statusResponse
// @Failure      400   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      404   {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/users/{id}/role [put]
func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.deps.Accounts.UpdateRole(r.Context(), id, identity.Role(req.Role), UserFromContext(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated"})
}

// setActive handles PUT /api/v1/admin/users/{id}/active.
//
// @Summary      Activate or deactivate
// @Description  Enables or disables a user. Disabling ends the user's sessions. Requires edit_user.
// @Tags         Users
// @Accept       json
// @Produce      json
// @Param        id    path      integer        true  "User ID"
// @Param        body  body      activeRequest  true  "Desired state"
// @Success      200   {object}  statusResponse
// @Failure      400   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      404   {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/users/{id}/active [put]
func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req activeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}

	updater := UserFromContext(r.Context())
	var err error
	if *req.Active {
		err = h.deps.Accounts.Activate(r.Context(), id, updater)
	} else {
		err = h.deps.Accounts.Deactivate(r.Context(), id, updater)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := "deactivated"
	if *req.Active {
		status = "activated"
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status})
}

// resetPassword handles PUT /api/v1/admin/users/{id}/password.
//
// @Summary      Reset password
// @Description  Replaces the user's password. Requires edit_user.
// @Tags         Users
// @Accept       json
// @Produce      json
// @Param        id    path      integer          true  "User ID"
// @Param        body  body      passwordRequest  true  "New password"
// @Success      200   {object}  statusResponse
// @Failure      400   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      404   {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/users/{id}/password [put]
func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req passwordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.deps.Accounts.ResetPassword(r.Context(), id, req.Password, UserFromContext(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated"})
}

// removeUser handles DELETE /api/v1/admin/users/{username}.
//
// @Summary      Remove user
// @Description  Deletes the user with its grants and sessions. Requires delete_user.
// @Tags         Users
// @Produce      json
// @Param        username  path      string  true  "Username"
// @Success      200       {object}  statusResponse
// @Failure      403       {object}  errorResponse
// @Failure      404       {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/users/{username} [delete]
func (h *Handler) removeUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue(pathParamUsername)
	if err := h.deps.Accounts.RemoveUser(r.Context(), username, UserFromContext(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "removed"})
}

// userPermissions handles GET /api/v1/admin/users/{id}/permissions.
//
// @Summary      User permissions
// @Description  Returns the user's effective permission names.
// @Tags         Permissions
// @Produce      json
// @Param        id  path      integer  true  "User ID"
// @Success      200 {object}  userPermissionsResponse
// @Failure      403 {object}  errorResponse
// @Failure      404 {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/users/{id}/permissions [get]
func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	perms, err := h.deps.Accounts.UserPermissions(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userPermissionsResponse{UserID: id, Permissions: perms})
}

// grantPermission handles POST /api/v1/admin/users/{id}/permissions/{name}.
//
// @Summary      Grant permission
// @Description  Grants a catalog permission to the user. Requires manage_permissions.
// @Tags         Permissions
// @Produce      json
// @Param        id    path      integer  true  "User ID"
// @Param        name  path      string   true  "Permission name"
// @Success      200   {object}  grantResponse
// @Failure      403   {object}  errorResponse
// @Failure      404   {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/users/{id}/permissions/{name} [post]
func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	h.changeGrant(w, r, h.deps.Accounts.GrantPermission)
}

// revokePermission handles DELETE /api/v1/admin/users/{id}/permissions/{name}.
//
// @Summary      Revoke permission
// @Description  Removes a permission from the user. Requires manage_permissions.
// @Tags         Permissions
// @Produce      json
// @Param        id    path      integer  true  "User ID"
// @Param        name  path      string   true  "Permission name"
// @Success      200   {object}  grantResponse
// @Failure      403   {object}  errorResponse
// @Failure      404   {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/users/{id}/permissions/{name} [delete]
func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	h.changeGrant(w, r, h.deps.Accounts.RevokePermission)
}

type grantFunc func(ctx context.Context, userID int64, name string, updater *identity.User) (bool, error)

func (*Handler) changeGrant(w http.ResponseWriter, r *http.Request, apply grantFunc) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	name := r.PathValue(pathParamName)

	changed, err := apply(r.Context(), id, name, UserFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{Permission: name, Changed: changed})
}
