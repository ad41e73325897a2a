package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetops/warden/pkg/action"
	"fleetops/warden/pkg/audit"
	"fleetops/warden/pkg/audit/export"
	"fleetops/warden/pkg/audit/storage"
	"fleetops/warden/pkg/dispatcher"
	"fleetops/warden/pkg/execution"
	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/policy/store"
	"fleetops/warden/pkg/security/auth"
	"fleetops/warden/pkg/server/middleware"
	"fleetops/warden/pkg/subject"
	"fleetops/warden/pkg/violation"
)

type fixture struct {
	mux        *http.ServeMux
	policies   *store.Store
	subjects   *subject.MemoryStore
	ledger     *storage.MemoryStorage
	dispatcher *dispatcher.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		policies: store.New(store.NewMemoryBackend()),
		subjects: subject.NewMemoryStore(),
		ledger:   storage.NewMemoryStorage(),
	}
	manager := audit.NewManager(f.ledger)
	tracker := violation.NewTracker(manager)

	registry := action.NewRegistry()
	registry.Register(violation.TargetID, tracker)
	registry.Register("ops", action.NewLogTarget("ops"))

	f.subjects.Put(subject.Record{
		ID: "DR-7", Kind: "driver", Tenant: "acme",
		Fields: map[string]any{"hours_on_duty": 12.5},
	})
	f.subjects.Put(subject.Record{
		ID: "DR-8", Kind: "driver", Tenant: "acme",
		Fields: map[string]any{"hours_on_duty": 6.0},
	})

	f.dispatcher = dispatcher.New(dispatcher.DefaultConfig(), f.policies, f.subjects,
		action.NewExecutor(registry, nil), manager)
	if err := f.dispatcher.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		f.dispatcher.Close()
		manager.Close()
	})

	h := New(Deps{
		Policies:   f.policies,
		Dispatcher: f.dispatcher,
		Executions: execution.NewRepository(manager),
		Violations: tracker,
		Audit:      manager,
		Subjects:   f.subjects,
		Exporters: map[string]audit.Exporter{
			"json": export.NewJSONExporter(false),
			"csv":  export.NewCSVExporter(true),
		},
		DefaultTenant: "acme",
	})
	f.mux = http.NewServeMux()
	h.Register(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(ActorHeader, "safety@acme")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v\n%s", v, err, w.Body.String())
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[middleware.ErrorBody](t, w).Error.Code
}

func hoursPolicy() *policy.Template {
	return &policy.Template{
		Code:        "HOS-11",
		Name:        "Eleven hour driving limit",
		SubjectKind: "driver",
		Events:      []string{"hours_updated"},
		Conditions: []policy.Condition{
			{Type: policy.ConditionThreshold, Field: "hours_on_duty", Operator: policy.OpGT, Value: 11.0},
		},
		Actions: []policy.Action{
			{Type: policy.ActionLogViolation, Target: violation.TargetID},
		},
	}
}

// activate creates and activates a policy through the API.
func (f *fixture) activate(t *testing.T, tmpl *policy.Template) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/policies", tmpl)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	draft := decode[policy.Template](t, w)
	w = f.do(t, http.MethodPost, "/v1/policies/"+draft.Code+"/versions/"+itoa(draft.Version)+"/activate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status = %d: %s", w.Code, w.Body.String())
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestPolicyLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/policies", hoursPolicy())
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	draft := decode[policy.Template](t, w)
	if draft.Version != 1 || draft.Status != policy.StatusDraft || draft.Tenant != "acme" {
		t.Errorf("draft = %+v", draft)
	}

	steps := []struct {
		path       string
		wantStatus int
		want       policy.Status
		wantCode   string
	}{
		{path: "/v1/policies/HOS-11/versions/1/submit", wantStatus: http.StatusOK, want: policy.StatusPendingApproval},
		{path: "/v1/policies/HOS-11/versions/1/submit", wantStatus: http.StatusConflict, wantCode: "invalid_transition"},
		{path: "/v1/policies/HOS-11/versions/1/activate", wantStatus: http.StatusOK, want: policy.StatusActive},
		{path: "/v1/policies/HOS-11/versions/9/activate", wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{path: "/v1/policies/HOS-11/versions/one/activate", wantStatus: http.StatusBadRequest, wantCode: "bad_request"},
		{path: "/v1/policies/HOS-11/versions/1/publish", wantStatus: http.StatusNotFound, wantCode: "not_found"},
	}
	for _, step := range steps {
		w := f.do(t, http.MethodPost, step.path, nil)
		if w.Code != step.wantStatus {
			t.Fatalf("POST %s status = %d, want %d: %s", step.path, w.Code, step.wantStatus, w.Body.String())
		}
		if step.wantCode != "" {
			if got := errorCode(t, w); got != step.wantCode {
				t.Errorf("POST %s code = %q, want %q", step.path, got, step.wantCode)
			}
			continue
		}
		if got := decode[policy.Template](t, w).Status; got != step.want {
			t.Errorf("POST %s status = %s, want %s", step.path, got, step.want)
		}
	}

	w = f.do(t, http.MethodGet, "/v1/policies/HOS-11", nil)
	resp := decode[PolicyResponse](t, w)
	if resp.ActiveVersion != 1 || len(resp.Versions) != 1 {
		t.Errorf("policy = %+v", resp)
	}

	if w := f.do(t, http.MethodGet, "/v1/policies/NOPE", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown policy status = %d", w.Code)
	}
}

func TestPolicyActivationRejectsInvalidDraft(t *testing.T) {
	f := newFixture(t)

	invalid := hoursPolicy()
	invalid.Conditions = nil
	w := f.do(t, http.MethodPost, "/v1/policies", invalid)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/policies/HOS-11/versions/1/activate", nil)
	if w.Code != http.StatusUnprocessableEntity || errorCode(t, w) != "schema_error" {
		t.Errorf("activate = %d %s", w.Code, w.Body.String())
	}
}

func TestCreatePolicy_BadBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/policies", strings.NewReader(`{"code": "X", "colour": "red"}`))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d", w.Code)
	}
}

func TestManualTriggerAndListing(t *testing.T) {
	f := newFixture(t)
	f.activate(t, hoursPolicy())

	w := f.do(t, http.MethodPost, "/v1/executions", TriggerRequest{PolicyCode: "HOS-11", SubjectID: "DR-7"})
	if w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d: %s", w.Code, w.Body.String())
	}
	exec := decode[execution.Execution](t, w)
	if exec.Status != execution.StatusCompleted || !exec.ConditionsMet || exec.Trigger.RequestedBy != "safety@acme" {
		t.Errorf("execution = %+v", exec)
	}

	w = f.do(t, http.MethodGet, "/v1/executions?policy_code=HOS-11&status=completed&limit=10", nil)
	list := decode[ExecutionList](t, w)
	if list.Total != 1 || len(list.Executions) != 1 || list.Limit != 10 {
		t.Errorf("list = %+v", list)
	}

	w = f.do(t, http.MethodGet, "/v1/executions/"+exec.ID, nil)
	if got := decode[execution.Execution](t, w); got.ID != exec.ID {
		t.Errorf("get = %+v", got)
	}

	errorCases := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
	}{
		{"missing subject", http.MethodPost, "/v1/executions", TriggerRequest{PolicyCode: "HOS-11"}, http.StatusBadRequest},
		{"unknown policy", http.MethodPost, "/v1/executions", TriggerRequest{PolicyCode: "NOPE", SubjectID: "DR-7"}, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/v1/executions?status=done", nil, http.StatusBadRequest},
		{"bad from filter", http.MethodGet, "/v1/executions?from=yesterday", nil, http.StatusBadRequest},
		{"unknown execution", http.MethodGet, "/v1/executions/nope", nil, http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/v1/executions/nope/cancel", nil, http.StatusNotFound},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			if w := f.do(t, tc.method, tc.path, tc.body); w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d: %s", w.Code, tc.wantStatus, w.Body.String())
			}
		})
	}

	w = f.do(t, http.MethodGet, "/v1/executions/inflight", nil)
	if w.Code != http.StatusOK {
		t.Errorf("inflight status = %d", w.Code)
	}
}

func TestSubjectChangedEvent(t *testing.T) {
	f := newFixture(t)
	f.activate(t, hoursPolicy())

	w := f.do(t, http.MethodPost, "/v1/events", EventRequest{
		SubjectID: "DR-8",
		Event:     "hours_updated",
		Fields:    map[string]any{"hours_on_duty": 13.0},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("event status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[EventResponse](t, w)
	if len(resp.Executions) != 1 || !resp.Executions[0].ConditionsMet {
		t.Fatalf("event executions = %+v", resp.Executions)
	}

	w = f.do(t, http.MethodPost, "/v1/events", EventRequest{SubjectID: "DR-8", Event: "shift_started"})
	if resp := decode[EventResponse](t, w); len(resp.Executions) != 0 {
		t.Errorf("unrelated event ran %d policies", len(resp.Executions))
	}

	w = f.do(t, http.MethodPost, "/v1/events", EventRequest{SubjectID: "DR-404", Event: "hours_updated", Fields: map[string]any{"x": 1}})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown subject status = %d", w.Code)
	}
}

func TestViolationCases(t *testing.T) {
	f := newFixture(t)
	f.activate(t, hoursPolicy())
	f.do(t, http.MethodPost, "/v1/executions", TriggerRequest{PolicyCode: "HOS-11", SubjectID: "DR-7"})

	w := f.do(t, http.MethodGet, "/v1/subjects/DR-7/violations?tenant=acme", nil)
	var history struct {
		Violations []*violation.Violation `json:"violations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil || len(history.Violations) != 1 {
		t.Fatalf("history = %s (%v)", w.Body.String(), err)
	}
	v := history.Violations[0]
	if v.OffenseCount != 1 || v.Severity != policy.SeverityMinor || v.CaseStatus != violation.CaseOpen {
		t.Errorf("violation = %+v", v)
	}

	path := "/v1/violations/" + v.ID + "/status"
	w = f.do(t, http.MethodPost, path, CaseStatusRequest{Status: violation.CaseUnderAppeal})
	if w.Code != http.StatusConflict || errorCode(t, w) != "invalid_transition" {
		t.Errorf("Open -> UnderAppeal = %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, path, CaseStatusRequest{Status: violation.CaseUnderInvestigation, Note: "pulling ELD logs"})
	if w.Code != http.StatusOK {
		t.Fatalf("transition status = %d: %s", w.Code, w.Body.String())
	}
	if got := decode[violation.Violation](t, w); got.CaseStatus != violation.CaseUnderInvestigation {
		t.Errorf("case status = %s", got.CaseStatus)
	}

	w = f.do(t, http.MethodGet, "/v1/violations/"+v.ID, nil)
	if got := decode[violation.Violation](t, w); got.CaseStatus != violation.CaseUnderInvestigation {
		t.Errorf("stored case status = %s", got.CaseStatus)
	}
	if w := f.do(t, http.MethodGet, "/v1/violations/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown violation status = %d", w.Code)
	}
}

func TestAuditEndpoints(t *testing.T) {
	f := newFixture(t)
	f.activate(t, hoursPolicy())
	f.do(t, http.MethodPost, "/v1/executions", TriggerRequest{PolicyCode: "HOS-11", SubjectID: "DR-7"})

	w := f.do(t, http.MethodGet, "/v1/audit/acme/verify", nil)
	if res := decode[audit.VerifyResult](t, w); !res.Valid || res.EntriesChecked < 2 {
		t.Errorf("verify = %+v", res)
	}

	w = f.do(t, http.MethodGet, "/v1/audit/acme/tip", nil)
	tip := decode[audit.Tip](t, w)
	if tip.Sequence < 2 || len(tip.Hash) != 64 {
		t.Errorf("tip = %+v", tip)
	}

	if w := f.do(t, http.MethodPost, "/v1/audit/acme/resume", ResumeRequest{Note: "nothing to resume"}); w.Code != http.StatusConflict {
		t.Errorf("resume of a valid chain = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/audit/acme/export?format=csv", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "text/csv" {
		t.Errorf("csv export = %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if w.Header().Get("X-Entry-Count") != itoa(int(tip.Sequence)) {
		t.Errorf("entry count = %s, want %d", w.Header().Get("X-Entry-Count"), tip.Sequence)
	}
	if w := f.do(t, http.MethodGet, "/v1/audit/acme/export?format=xml", nil); w.Code != http.StatusBadRequest {
		t.Errorf("xml export = %d", w.Code)
	}

	f.ledger.Tamper("acme", 1, func(e *audit.Entry) { e.SubjectID = "DR-9" })

	w = f.do(t, http.MethodGet, "/v1/audit/acme/verify", nil)
	res := decode[audit.VerifyResult](t, w)
	if res.Valid || res.FirstDivergentSequence == nil || *res.FirstDivergentSequence != 1 {
		t.Fatalf("verify after tamper = %+v", res)
	}

	w = f.do(t, http.MethodPost, "/v1/executions", TriggerRequest{PolicyCode: "HOS-11", SubjectID: "DR-7"})
	if exec := decode[execution.Execution](t, w); exec.Status != execution.StatusFailed {
		t.Errorf("execution on halted chain = %s", exec.Status)
	}

	if w := f.do(t, http.MethodPost, "/v1/audit/acme/resume", ResumeRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("resume without note = %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/audit/acme/resume", ResumeRequest{Note: "restored from backup"})
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d: %s", w.Code, w.Body.String())
	}
	if entry := decode[audit.Entry](t, w); entry.Kind != audit.KindRecovery {
		t.Errorf("resume entry kind = %s", entry.Kind)
	}
}

func TestTenantScopedKeys(t *testing.T) {
	f := newFixture(t)
	f.activate(t, hoursPolicy())

	keys := auth.NewValidator([]*auth.APIKey{
		{Key: "sk-acme", Actor: "acme-console", Tenants: []string{"acme"}, Enabled: true},
		{Key: "sk-globex", Actor: "globex-console", Tenants: []string{"globex"}, Enabled: true},
	})
	h := auth.NewMiddleware(keys, nil).Handle(f.mux)

	call := func(key, method, path string, body any) *httptest.ResponseRecorder {
		t.Helper()
		var buf bytes.Buffer
		if body != nil {
			if err := json.NewEncoder(&buf).Encode(body); err != nil {
				t.Fatal(err)
			}
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Authorization", "Bearer "+key)
		req.Header.Set(ActorHeader, "spoofed")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	tests := []struct {
		name   string
		key    string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "own policy", key: "sk-acme", method: http.MethodGet, path: "/v1/policies/HOS-11", want: http.StatusOK},
		{name: "foreign policy", key: "sk-globex", method: http.MethodGet, path: "/v1/policies/HOS-11", want: http.StatusForbidden},
		{name: "foreign trigger", key: "sk-globex", method: http.MethodPost, path: "/v1/executions",
			body: TriggerRequest{PolicyCode: "HOS-11", SubjectID: "DR-7"}, want: http.StatusForbidden},
		{name: "foreign audit chain", key: "sk-globex", method: http.MethodGet, path: "/v1/audit/acme/verify", want: http.StatusForbidden},
		{name: "own audit chain", key: "sk-acme", method: http.MethodGet, path: "/v1/audit/acme/tip", want: http.StatusOK},
		{name: "foreign tenant query", key: "sk-acme", method: http.MethodGet, path: "/v1/executions?tenant=globex", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(tt.key, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusForbidden && errorCode(t, w) != "forbidden" {
				t.Errorf("error code = %q", errorCode(t, w))
			}
		})
	}

	// The key's actor is recorded, not the X-Actor header.
	w := call("sk-acme", http.MethodPost, "/v1/executions", TriggerRequest{PolicyCode: "HOS-11", SubjectID: "DR-7"})
	if w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d: %s", w.Code, w.Body.String())
	}
	exec := decode[execution.Execution](t, w)
	if exec.Trigger.RequestedBy != "acme-console" {
		t.Errorf("requested by = %q, want acme-console", exec.Trigger.RequestedBy)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&policy.SchemaError{Code: "X"}, http.StatusUnprocessableEntity},
		{policy.NewConflictError("X", 2, "busy"), http.StatusConflict},
		{&audit.ChainIntegrityError{Tenant: "acme", Sequence: 3}, http.StatusConflict},
		{dispatcher.ErrCancelRefused, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{dispatcher.ErrClosed, http.StatusServiceUnavailable},
		{subject.ErrNotFound, http.StatusNotFound},
		{errNoSubjects, http.StatusNotImplemented},
		{bytes.ErrTooLarge, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
