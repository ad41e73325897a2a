package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"fleetops/warden/pkg/policy"
)

// PolicyResponse lists every version of a policy code.
type PolicyResponse struct {
	Code          string             `json:"code"`
	ActiveVersion int                `json:"active_version,omitempty"`
	Versions      []*policy.Template `json:"versions"`
}

func (h *Handler) createPolicy(w http.ResponseWriter, r *http.Request) {
	var t policy.Template
	if err := decodeBody(w, r, &t); err != nil {
		badRequest(w, r, err)
		return
	}
	tenant, ctx := h.tenant(r)
	if t.Tenant == "" {
		t.Tenant = tenant
	}
	if !allowed(w, r, t.Tenant) {
		return
	}

	draft, err := h.deps.Policies.CreateDraft(ctx, &t)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.InfoContext(ctx, "policy draft created via api",
		"policy_code", draft.Code,
		"version", draft.Version,
		"actor", actor(r),
	)
	writeJSON(w, http.StatusCreated, draft)
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !h.allowedPolicy(w, r, code) {
		return
	}
	versions, err := h.deps.Policies.Versions(r.Context(), code)
	if err == nil && len(versions) == 0 {
		err = fmt.Errorf("%w: %s", policy.ErrNotFound, code)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := PolicyResponse{Code: code, Versions: versions}
	for _, v := range versions {
		if v.Status == policy.StatusActive {
			resp.ActiveVersion = v.Version
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// transitionPolicy handles submit, activate and archive.
func (h *Handler) transitionPolicy(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		badRequest(w, r, errors.New("version must be a positive integer"))
		return
	}
	if !h.allowedPolicy(w, r, code) {
		return
	}
	ctx := r.Context()

	switch op := r.PathValue("op"); op {
	case "submit":
		err = h.deps.Policies.SubmitForApproval(ctx, code, version)
	case "activate":
		_, err = h.deps.Policies.Activate(ctx, code, version)
	case "archive":
		err = h.deps.Policies.Archive(ctx, code, version)
	default:
		notFound(w, r, fmt.Sprintf("unknown policy operation %q", op))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	t, err := h.deps.Policies.Get(ctx, code, version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.InfoContext(ctx, "policy status changed via api",
		"policy_code", code,
		"version", version,
		"status", t.Status,
		"actor", actor(r),
	)
	writeJSON(w, http.StatusOK, t)
}
