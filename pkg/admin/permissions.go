package admin

import (
	"net/http"

	"github.com/txn2/plume-admin/pkg/permission"
)

// permissionListResponse wraps the permission catalog.
type permissionListResponse struct {
	Data []permission.Definition `json:"data"`
}

// listPermissions handles GET /api/v1/admin/permissions.
//
// @Summary      List permissions
// @Description  Returns the permission catalog. Requires any manage_ permission.
// @Tags         Permissions
// @Produce      json
// @Success      200  {object}  permissionListResponse
// @Failure      401  {object}  errorResponse
// @Failure      403  {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/permissions [get]
func (h *Handler) listPermissions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, permissionListResponse{Data: h.deps.Resolver.Catalog().Definitions()})
}
