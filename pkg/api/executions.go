package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fleetops/warden/pkg/execution"
	"fleetops/warden/pkg/telemetry/logging"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// TriggerRequest starts a manual execution.
type TriggerRequest struct {
	PolicyCode string `json:"policy_code"`
	SubjectID  string `json:"subject_id"`
}

// ExecutionList is a page of recorded executions.
type ExecutionList struct {
	Executions []*execution.Execution `json:"executions"`
	Total      int64                  `json:"total"`
	Limit      int                    `json:"limit"`
	Offset     int                    `json:"offset"`
}

// EventRequest reports a subject change. Fields, when set, are merged into
// the subject's state before policies run.
type EventRequest struct {
	SubjectID string         `json:"subject_id"`
	Event     string         `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// EventResponse lists the executions an event started.
type EventResponse struct {
	SubjectID  string                 `json:"subject_id"`
	Event      string                 `json:"event"`
	Executions []*execution.Execution `json:"executions"`
}

func (h *Handler) triggerExecution(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.PolicyCode == "" || req.SubjectID == "" {
		badRequest(w, r, errors.New("policy_code and subject_id are required"))
		return
	}
	if !h.allowedPolicy(w, r, req.PolicyCode) {
		return
	}
	ctx := logging.WithActor(r.Context(), actor(r))

	exec, err := h.deps.Dispatcher.TriggerManual(ctx, req.PolicyCode, req.SubjectID, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	tenant, ctx := h.tenant(r)
	if !allowed(w, r, tenant) {
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	f.Tenant = tenant

	execs, total, err := h.deps.Executions.List(ctx, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecutionList{
		Executions: execs,
		Total:      total,
		Limit:      f.Limit,
		Offset:     f.Offset,
	})
}

func parseFilter(r *http.Request) (execution.Filter, error) {
	q := r.URL.Query()
	f := execution.Filter{
		PolicyCode: q.Get("policy_code"),
		SubjectID:  q.Get("subject_id"),
		Limit:      defaultListLimit,
	}

	if s := q.Get("status"); s != "" {
		switch status := execution.Status(s); status {
		case execution.StatusPending, execution.StatusRunning, execution.StatusCompleted,
			execution.StatusFailed, execution.StatusSkipped:
			f.Status = status
		default:
			return f, fmt.Errorf("unknown status %q", s)
		}
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if s := q.Get(name); s != "" {
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return f, fmt.Errorf("%s must be RFC 3339: %w", name, err)
			}
			*dst = &ts
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func (h *Handler) inflightExecutions(w http.ResponseWriter, r *http.Request) {
	tenant, _ := h.tenant(r)
	if !allowed(w, r, tenant) {
		return
	}
	out := make([]*execution.Execution, 0)
	for _, exec := range h.deps.Dispatcher.Inflight() {
		if exec.Tenant == "" || exec.Tenant == tenant {
			out = append(out, exec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	tenant, ctx := h.tenant(r)
	if !allowed(w, r, tenant) {
		return
	}
	exec, err := h.deps.Executions.Get(ctx, tenant, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, exec := range h.deps.Dispatcher.Inflight() {
		if exec.ID == id && !allowed(w, r, exec.Tenant) {
			return
		}
	}
	if err := h.deps.Dispatcher.Cancel(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "execution cancel requested", "execution_id", id, "actor", actor(r))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (h *Handler) subjectChanged(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.SubjectID == "" || req.Event == "" {
		badRequest(w, r, errors.New("subject_id and event are required"))
		return
	}
	tenant, ctx := h.tenant(r)
	if !allowed(w, r, tenant) {
		return
	}

	if len(req.Fields) > 0 {
		if h.deps.Subjects == nil {
			h.writeError(w, r, errNoSubjects)
			return
		}
		if err := h.deps.Subjects.Update(req.SubjectID, req.Fields); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	execs, err := h.deps.Dispatcher.NotifySubjectChanged(ctx, req.SubjectID, req.Event)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*execution.Execution{}
	}
	writeJSON(w, http.StatusOK, EventResponse{SubjectID: req.SubjectID, Event: req.Event, Executions: execs})
}
