package admin

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/txn2/plume-admin/pkg/audit"
)

// auditEventResponse wraps a page of audit events.
type auditEventResponse struct {
	Data    []audit.Event `json:"data"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

// auditBreakdownResponse wraps grouped audit counts.
type auditBreakdownResponse struct {
	GroupBy audit.BreakdownDimension `json:"group_by"`
	Data    []audit.BreakdownEntry   `json:"data"`
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// listAuditEvents handles GET /api/v1/admin/audit/events.
//
// @Summary      List audit events
// @Description  Returns audit events, newest first, with optional filtering.
// @Tags         Audit
// @Produce      json
// @Param        actor       query     string   false  "Filter by actor username"
// @Param        action      query     string   false  "Filter by action, e.g. user.create"
// @Param        success     query     boolean  false  "Filter by outcome"
// @Param        start_time  query     string   false  "Events after this time (RFC 3339)"
// @Param        end_time    query     string   false  "Events before this time (RFC 3339)"
// @Param        page        query     integer  false  "Page number, 1-based (default: 1)"
// @Param        per_page    query     integer  false  "Results per page (default: 50)"
// @Success      200         {object}  auditEventResponse
// @Failure      403         {object}  errorResponse
// @Failure      500         {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/audit/events [get]
func (h *Handler) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		Actor:     q.Get("actor"),
		Action:    audit.Action(q.Get("action")),
		StartTime: parseTimeParam(q, "start_time"),
		EndTime:   parseTimeParam(q, "end_time"),
	}
	if v := q.Get("success"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			filter.Success = &b
		}
	}

	filter.Limit = parseLimit(q)
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultAuditLimit
	case filter.Limit > maxAuditLimit:
		filter.Limit = maxAuditLimit
	}
	filter.Offset = parsePageOffset(q, filter.Limit)

	events, err := h.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}

	writeJSON(w, http.StatusOK, auditEventResponse{
		Data:    events,
		Page:    filter.Offset/filter.Limit + 1,
		PerPage: filter.Limit,
	})
}

// auditBreakdown handles GET /api/v1/admin/audit/breakdown.
//
// @Summary      Audit breakdown
// @Description  Returns event counts and success rates grouped by action, actor or target.
// @Tags         Audit
// @Produce      json
// @Param        group_by    query     string   true   "Dimension: action, actor, target"
// @Param        limit       query     integer  false  "Max entries (default: 10, max: 100)"
// @Param        start_time  query     string   false  "Events after this time (RFC 3339)"
// @Param        end_time    query     string   false  "Events before this time (RFC 3339)"
// @Success      200         {object}  auditBreakdownResponse
// @Failure      400         {object}  errorResponse
// @Failure      403         {object}  errorResponse
// @Security     SessionCookie
// @Router       /admin/audit/breakdown [get]
func (h *Handler) auditBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.BreakdownFilter{
		GroupBy:   audit.BreakdownDimension(q.Get("group_by")),
		StartTime: parseTimeParam(q, "start_time"),
		EndTime:   parseTimeParam(q, "end_time"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if err := filter.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.deps.Audit.Breakdown(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.BreakdownEntry{}
	}
	writeJSON(w, http.StatusOK, auditBreakdownResponse{GroupBy: filter.GroupBy, Data: entries})
}

// parseTimeParam parses an RFC3339 time from a query parameter.
func parseTimeParam(q url.Values, key string) *time.Time {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// parsePageOffset computes the offset for the page query parameter.
func parsePageOffset(q url.Values, limit int) int {
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return (n - 1) * limit
		}
	}
	return 0
}

// parseLimit parses the per_page query parameter.
func parseLimit(q url.Values) int {
	if v := q.Get("per_page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
