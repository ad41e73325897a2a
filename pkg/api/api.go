package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"fleetops/warden/pkg/audit"
	"fleetops/warden/pkg/execution"
	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/security/auth"
	"fleetops/warden/pkg/server/middleware"
	"fleetops/warden/pkg/telemetry/logging"
	"fleetops/warden/pkg/violation"
)

const (
	// TenantHeader names the tenant when no tenant query parameter is set.
	TenantHeader = "X-Tenant"

	// ActorHeader names the person or system making the request.
	ActorHeader = "X-Actor"

	defaultActor = "api"
	maxBodyBytes = 1 << 20
)

// Policies is the policy store surface the API uses.
type Policies interface {
	CreateDraft(ctx context.Context, t *policy.Template) (*policy.Template, error)
	SubmitForApproval(ctx context.Context, code string, version int) error
	Activate(ctx context.Context, code string, version int) (*policy.Template, error)
	Archive(ctx context.Context, code string, version int) error
	Get(ctx context.Context, code string, version int) (*policy.Template, error)
	Versions(ctx context.Context, code string) ([]*policy.Template, error)
}

// Dispatcher starts and cancels executions.
type Dispatcher interface {
	TriggerManual(ctx context.Context, code, subjectID, requestedBy string) (*execution.Execution, error)
	NotifySubjectChanged(ctx context.Context, subjectID, event string) ([]*execution.Execution, error)
	Cancel(executionID string) error
	Inflight() []*execution.Execution
}

// Executions reads recorded executions.
type Executions interface {
	Get(ctx context.Context, tenant, id string) (*execution.Execution, error)
	List(ctx context.Context, f execution.Filter) ([]*execution.Execution, int64, error)
}

// Violations reads and updates violation cases.
type Violations interface {
	Get(ctx context.Context, tenant, id string) (*violation.Violation, error)
	History(ctx context.Context, tenant, subjectID string) ([]*violation.Violation, error)
	UpdateCaseStatus(ctx context.Context, tenant, id string, to violation.CaseStatus, actor, note string) (*violation.Violation, error)
}

// Audit is the audit log surface the API uses.
type Audit interface {
	Verify(ctx context.Context, tenant string) (*audit.VerifyResult, error)
	Tip(ctx context.Context, tenant string) (audit.Tip, error)
	Resume(ctx context.Context, tenant, reviewer, note string) (*audit.Entry, error)
	Export(ctx context.Context, q *audit.Query, exporter audit.Exporter, w io.Writer) (int, error)
}

// Subjects applies field updates carried by subject change events.
type Subjects interface {
	Update(id string, fields map[string]any) error
}

// Deps are the components behind the API. Subjects may be nil, in which
// case events carrying fields are rejected.
type Deps struct {
	Policies   Policies
	Dispatcher Dispatcher
	Executions Executions
	Violations Violations
	Audit      Audit
	Subjects   Subjects

	// Exporters maps export format names ("json", "csv") to exporters.
	Exporters map[string]audit.Exporter

	DefaultTenant string
}

// Handler serves the v1 API.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Handler.
func New(deps Deps) *Handler {
	if deps.DefaultTenant == "" {
		deps.DefaultTenant = "default"
	}
	return &Handler{
		deps:   deps,
		logger: slog.Default().With("component", "api"),
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/policies", h.createPolicy)
	mux.HandleFunc("GET /v1/policies/{code}", h.getPolicy)
	mux.HandleFunc("POST /v1/policies/{code}/versions/{version}/{op}", h.transitionPolicy)

	mux.HandleFunc("POST /v1/executions", h.triggerExecution)
	mux.HandleFunc("GET /v1/executions", h.listExecutions)
	mux.HandleFunc("GET /v1/executions/inflight", h.inflightExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", h.getExecution)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", h.cancelExecution)
	mux.HandleFunc("POST /v1/events", h.subjectChanged)

	mux.HandleFunc("GET /v1/subjects/{id}/violations", h.subjectViolations)
	mux.HandleFunc("GET /v1/violations/{id}", h.getViolation)
	mux.HandleFunc("POST /v1/violations/{id}/status", h.updateCaseStatus)

	mux.HandleFunc("GET /v1/audit/{tenant}/verify", h.verifyAudit)
	mux.HandleFunc("GET /v1/audit/{tenant}/tip", h.auditTip)
	mux.HandleFunc("POST /v1/audit/{tenant}/resume", h.resumeAudit)
	mux.HandleFunc("GET /v1/audit/{tenant}/export", h.exportAudit)
}

// tenant resolves the request tenant and stores it in the context for
// logging.
func (h *Handler) tenant(r *http.Request) (string, context.Context) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = r.Header.Get(TenantHeader)
	}
	if tenant == "" {
		tenant = h.deps.DefaultTenant
	}
	return tenant, logging.WithTenant(r.Context(), tenant)
}

// allowed reports whether the request's API key, if any, may address
// tenant. It writes a 403 when it may not.
func allowed(w http.ResponseWriter, r *http.Request, tenant string) bool {
	key, ok := auth.FromContext(r.Context())
	if !ok || key.AllowsTenant(tenant) {
		return true
	}
	middleware.WriteError(w, r, http.StatusForbidden, "forbidden",
		fmt.Sprintf("key for %s may not access tenant %s", key.Actor, tenant))
	return false
}

// allowedPolicy applies allowed to the tenant owning code. Unknown codes
// pass so the handler can report them.
func (h *Handler) allowedPolicy(w http.ResponseWriter, r *http.Request, code string) bool {
	key, ok := auth.FromContext(r.Context())
	if !ok || len(key.Tenants) == 0 {
		return true
	}
	versions, err := h.deps.Policies.Versions(r.Context(), code)
	if err != nil || len(versions) == 0 {
		return true
	}
	return allowed(w, r, versions[0].Tenant)
}

// actor is the authenticated key's actor, else the X-Actor header.
func actor(r *http.Request) string {
	if key, ok := auth.FromContext(r.Context()); ok {
		return key.Actor
	}
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return defaultActor
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, http.StatusBadRequest, "bad_request", err.Error())
}

func notFound(w http.ResponseWriter, r *http.Request, message string) {
	middleware.WriteError(w, r, http.StatusNotFound, "not_found", message)
}

// writeError maps domain errors onto HTTP statuses. Unexpected errors are
// logged and reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		middleware.WriteError(w, r, status, code, "internal error")
		return
	}
	middleware.WriteError(w, r, status, code, err.Error())
}

var errNoSubjects = errors.New("subject updates are not supported by this deployment")
