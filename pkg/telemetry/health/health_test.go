package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fleetops/warden/pkg/audit"
)

type haltStub map[string]*audit.ChainIntegrityError

func (h haltStub) Halted() map[string]*audit.ChainIntegrityError { return h }

func TestChecker_CheckReadiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]CheckFunc
		wantStatus string
	}{
		{name: "no checks", wantStatus: StatusReady},
		{
			name: "all healthy",
			checks: map[string]CheckFunc{
				"audit":  func(ctx context.Context) error { return nil },
				"policy": func(ctx context.Context) error { return nil },
			},
			wantStatus: StatusReady,
		},
		{
			name: "one failing",
			checks: map[string]CheckFunc{
				"audit": func(ctx context.Context) error { return nil },
				"redis": func(ctx context.Context) error { return errors.New("connection refused") },
			},
			wantStatus: StatusDegraded,
		},
		{
			name: "timeout",
			checks: map[string]CheckFunc{
				"slow": func(ctx context.Context) error {
					<-ctx.Done()
					time.Sleep(10 * time.Millisecond)
					return nil
				},
			},
			wantStatus: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(20 * time.Millisecond)
			for name, check := range tt.checks {
				c.RegisterCheck(name, check)
			}
			status := c.CheckReadiness(context.Background())
			if status.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q (%+v)", status.Status, tt.wantStatus, status.Checks)
			}
			if len(status.Checks) != len(tt.checks) {
				t.Errorf("got %d results, want %d", len(status.Checks), len(tt.checks))
			}
		})
	}
}

func TestAuditChainCheck(t *testing.T) {
	if err := AuditChainCheck(haltStub{})(context.Background()); err != nil {
		t.Errorf("healthy chain reported %v", err)
	}

	err := AuditChainCheck(haltStub{
		"globex": {Tenant: "globex", Sequence: 9},
		"acme":   {Tenant: "acme", Sequence: 4},
	})(context.Background())
	if err == nil {
		t.Fatal("halted chain not reported")
	}
	if !strings.Contains(err.Error(), "acme at sequence 4, globex at sequence 9") {
		t.Errorf("error = %v", err)
	}
}

func TestEndpoints(t *testing.T) {
	c := New(time.Second)
	c.RegisterCheck("audit", AuditChainCheck(haltStub{"acme": {Tenant: "acme", Sequence: 2}}))

	mux := http.NewServeMux()
	Register(mux, c, "1.2.0", "abc123", "2026-10-16")

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/health", http.StatusOK, `"status":"ok"`},
		{"/ready", http.StatusServiceUnavailable, `"status":"degraded"`},
		{"/version", http.StatusOK, `"version":"1.2.0"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s", rec.Body.String())
			}
			var decoded map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
				t.Errorf("body is not JSON: %v", err)
			}
		})
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health code = %d", rec.Code)
	}
}

func TestListChecks(t *testing.T) {
	c := New(0)
	c.RegisterCheck("redis", nil)
	c.RegisterCheck("audit", nil)
	if got := c.ListChecks(); len(got) != 2 || got[0] != "audit" {
		t.Errorf("ListChecks() = %v", got)
	}
}

func TestReadinessHandler_BodyShape(t *testing.T) {
	c := New(time.Second)
	c.RegisterCheck("audit_chain", AuditChainCheck(haltStub{"acme": {Tenant: "acme", Sequence: 3}}))
	c.RegisterCheck("redis", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var body HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusDegraded || body.Timestamp.IsZero() {
		t.Fatalf("status = %q, timestamp = %v", body.Status, body.Timestamp)
	}

	tests := []struct {
		check       string
		wantStatus  string
		wantMessage string
	}{
		{"redis", StatusOK, ""},
		{"audit_chain", StatusUnhealthy, "audit chain halted: acme at sequence 3"},
	}
	for _, tt := range tests {
		t.Run(tt.check, func(t *testing.T) {
			got, ok := body.Checks[tt.check]
			if !ok {
				t.Fatalf("missing check %q in %s", tt.check, rec.Body.String())
			}
			if got.Status != tt.wantStatus || got.Message != tt.wantMessage {
				t.Errorf("%s = %+v, want status %q message %q", tt.check, got, tt.wantStatus, tt.wantMessage)
			}
		})
	}
}
