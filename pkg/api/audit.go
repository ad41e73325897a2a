package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"fleetops/warden/pkg/audit"
)

// ResumeRequest acknowledges a halted chain.
type ResumeRequest struct {
	Note string `json:"note"`
}

func (h *Handler) verifyAudit(w http.ResponseWriter, r *http.Request) {
	if !allowed(w, r, r.PathValue("tenant")) {
		return
	}
	res, err := h.deps.Audit.Verify(r.Context(), r.PathValue("tenant"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) auditTip(w http.ResponseWriter, r *http.Request) {
	if !allowed(w, r, r.PathValue("tenant")) {
		return
	}
	tip, err := h.deps.Audit.Tip(r.Context(), r.PathValue("tenant"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (h *Handler) resumeAudit(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if strings.TrimSpace(req.Note) == "" {
		badRequest(w, r, errors.New("note is required"))
		return
	}
	tenant := r.PathValue("tenant")
	if !allowed(w, r, tenant) {
		return
	}

	entry, err := h.deps.Audit.Resume(r.Context(), tenant, actor(r), req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.WarnContext(r.Context(), "halted audit chain resumed",
		"tenant", tenant,
		"reviewer", actor(r),
		"sequence", entry.Sequence,
	)
	writeJSON(w, http.StatusOK, entry)
}

// exportAudit streams a tenant's entries. Filters: format (json|csv), kind,
// policy_code, subject_id, from_sequence, to_sequence.
func (h *Handler) exportAudit(w http.ResponseWriter, r *http.Request) {
	if !allowed(w, r, r.PathValue("tenant")) {
		return
	}
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	exporter, ok := h.deps.Exporters[format]
	if !ok {
		badRequest(w, r, fmt.Errorf("unsupported export format %q", format))
		return
	}

	query := &audit.Query{
		Tenant:     r.PathValue("tenant"),
		Kind:       audit.Kind(q.Get("kind")),
		PolicyCode: q.Get("policy_code"),
		SubjectID:  q.Get("subject_id"),
	}
	for name, dst := range map[string]*int64{"from_sequence": &query.FromSequence, "to_sequence": &query.ToSequence} {
		if s := q.Get(name); s != "" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || n < 0 {
				badRequest(w, r, fmt.Errorf("%s must be a non-negative integer", name))
				return
			}
			*dst = n
		}
	}

	// Buffer so a failed export can still return an error status.
	var buf bytes.Buffer
	n, err := h.deps.Audit.Export(r.Context(), query, exporter, &buf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("audit-%s.%s", query.Tenant, format)))
	w.Header().Set("X-Entry-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
