package api

import (
	"errors"
	"net/http"

	"fleetops/warden/pkg/violation"
)

// CaseStatusRequest moves a violation case to a new status.
type CaseStatusRequest struct {
	Status violation.CaseStatus `json:"status"`
	Note   string               `json:"note,omitempty"`
}

func (h *Handler) subjectViolations(w http.ResponseWriter, r *http.Request) {
	tenant, ctx := h.tenant(r)
	if !allowed(w, r, tenant) {
		return
	}
	subjectID := r.PathValue("id")

	history, err := h.deps.Violations.History(ctx, tenant, subjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*violation.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"violations": history,
	})
}

func (h *Handler) getViolation(w http.ResponseWriter, r *http.Request) {
	tenant, ctx := h.tenant(r)
	if !allowed(w, r, tenant) {
		return
	}
	v, err := h.deps.Violations.Get(ctx, tenant, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) updateCaseStatus(w http.ResponseWriter, r *http.Request) {
	var req CaseStatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.Status == "" {
		badRequest(w, r, errors.New("status is required"))
		return
	}
	tenant, ctx := h.tenant(r)
	if !allowed(w, r, tenant) {
		return
	}

	v, err := h.deps.Violations.UpdateCaseStatus(ctx, tenant, r.PathValue("id"), req.Status, actor(r), req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
