package action

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetops/warden/pkg/action/ratelimit"
	"fleetops/warden/pkg/policy"
)

type countingTarget struct {
	calls atomic.Int32
	err   error
}

func (c *countingTarget) Execute(ctx context.Context, req *Request) (*Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &Result{Output: map[string]any{"key": req.IdempotencyKey}}, nil
}

func workOrder(target string, onFailure policy.FailurePolicy) policy.Action {
	return policy.Action{
		Type:       policy.ActionCreateWorkOrder,
		Target:     target,
		Parameters: map[string]any{"title": "inspect"},
		OnFailure:  onFailure,
	}
}

func job(id string, actions ...policy.Action) Job {
	return Job{
		ExecutionID: id,
		Tenant:      "acme",
		SubjectID:   "VH-1",
		Policy:      &policy.Template{Code: "P-1", Version: 1, Actions: actions},
	}
}

func TestExecutor_RunsInOrder(t *testing.T) {
	reg := NewRegistry()
	var order []int
	reg.Register("wo", TargetFunc(func(ctx context.Context, req *Request) (*Result, error) {
		order = append(order, req.Index)
		return &Result{}, nil
	}))

	report := NewExecutor(reg, nil).Run(context.Background(), job("exec-1",
		workOrder("wo", ""), workOrder("wo", ""), workOrder("wo", "")))

	if report.Aborted || report.Err != nil {
		t.Fatalf("unexpected abort: %+v", report)
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("call order = %v, want [0 1 2]", order)
	}
	for i, rec := range report.Records {
		if rec.IdempotencyKey != Key("exec-1", i) {
			t.Errorf("record %d key = %q", i, rec.IdempotencyKey)
		}
		if rec.Outcome != OutcomeSuccess {
			t.Errorf("record %d outcome = %s", i, rec.Outcome)
		}
	}
}

func TestExecutor_FailurePolicies(t *testing.T) {
	tests := []struct {
		name         string
		onFailure    policy.FailurePolicy
		wantAborted  bool
		wantOutcomes []Outcome
	}{
		{
			name:         "abort_remaining skips later actions",
			onFailure:    policy.AbortRemaining,
			wantAborted:  true,
			wantOutcomes: []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeSkipped},
		},
		{
			name:         "default is abort_remaining",
			onFailure:    "",
			wantAborted:  true,
			wantOutcomes: []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeSkipped},
		},
		{
			name:         "continue runs later actions",
			onFailure:    policy.Continue,
			wantAborted:  false,
			wantOutcomes: []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeSuccess},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			reg.Register("ok", &countingTarget{})
			reg.Register("broken", &countingTarget{err: errors.New("downstream unavailable")})

			report := NewExecutor(reg, nil).Run(context.Background(), job("exec-2",
				workOrder("ok", ""), workOrder("broken", tt.onFailure), workOrder("ok", "")))

			if report.Aborted != tt.wantAborted {
				t.Errorf("Aborted = %v, want %v", report.Aborted, tt.wantAborted)
			}
			for i, want := range tt.wantOutcomes {
				if got := report.Records[i].Outcome; got != want {
					t.Errorf("record %d outcome = %s, want %s", i, got, want)
				}
			}
			if report.Records[1].Reason != "downstream unavailable" {
				t.Errorf("failure reason = %q", report.Records[1].Reason)
			}
			if tt.wantAborted && (report.Err == nil || report.Err.Kind != Transient) {
				t.Errorf("Err = %v, want transient ActionExecutionError", report.Err)
			}
		})
	}
}

func TestExecutor_IdempotentReplay(t *testing.T) {
	reg := NewRegistry()
	target := &countingTarget{}
	reg.Register("wo", target)
	exec := NewExecutor(reg, NewMemoryIdempotencyStore())

	first := exec.Run(context.Background(), job("exec-3", workOrder("wo", "")))
	second := exec.Run(context.Background(), job("exec-3", workOrder("wo", "")))

	if got := target.calls.Load(); got != 1 {
		t.Errorf("target called %d times, want 1", got)
	}
	if first.Records[0].Replayed {
		t.Error("first run marked as replay")
	}
	if !second.Records[0].Replayed || second.Records[0].Outcome != OutcomeSuccess {
		t.Errorf("second run record = %+v, want replayed success", second.Records[0])
	}
	if second.Records[0].Output["key"] != "exec-3:0" {
		t.Errorf("replayed output = %v, want stored output", second.Records[0].Output)
	}

	exec.Run(context.Background(), job("exec-4", workOrder("wo", "")))
	if got := target.calls.Load(); got != 2 {
		t.Errorf("new execution id did not call target: calls = %d", got)
	}
}

func TestExecutor_FailuresAreNotRecorded(t *testing.T) {
	reg := NewRegistry()
	target := &countingTarget{err: errors.New("timeout")}
	reg.Register("wo", target)
	store := NewMemoryIdempotencyStore()
	exec := NewExecutor(reg, store)

	exec.Run(context.Background(), job("exec-5", workOrder("wo", "")))
	exec.Run(context.Background(), job("exec-5", workOrder("wo", "")))

	if target.calls.Load() != 2 {
		t.Errorf("failed action was not retried on second run: calls = %d", target.calls.Load())
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d records, want 0", store.Len())
	}
}

// flakyStore fails lookups or saves while the matching error is set.
type flakyStore struct {
	*MemoryIdempotencyStore
	lookupErr error
	saveErr   error
}

func (f *flakyStore) Lookup(ctx context.Context, key string) (*Record, bool, error) {
	if f.lookupErr != nil {
		return nil, false, f.lookupErr
	}
	return f.MemoryIdempotencyStore.Lookup(ctx, key)
}

func (f *flakyStore) Save(ctx context.Context, key string, rec Record) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.MemoryIdempotencyStore.Save(ctx, key, rec)
}

func TestExecutor_UnreadableStoreDoesNotCallTarget(t *testing.T) {
	reg := NewRegistry()
	target := &countingTarget{}
	reg.Register("wo", target)
	store := &flakyStore{MemoryIdempotencyStore: NewMemoryIdempotencyStore(), lookupErr: errors.New("connection refused")}
	exec := NewExecutor(reg, store)

	report := exec.Run(context.Background(), job("exec-8", workOrder("wo", ""), workOrder("wo", policy.Continue)))

	if target.calls.Load() != 0 {
		t.Errorf("target called %d times with the store unreadable, want 0", target.calls.Load())
	}
	if report.Err == nil || report.Err.IsFatal() || !errors.Is(report.Err, ErrIdempotencyUnavailable) {
		t.Fatalf("report.Err = %v, want transient ErrIdempotencyUnavailable", report.Err)
	}
	if report.Records[0].Outcome != OutcomeFailure || report.Records[1].Outcome != OutcomeSkipped {
		t.Errorf("outcomes = %s, %s; want failure, skipped", report.Records[0].Outcome, report.Records[1].Outcome)
	}

	store.lookupErr = nil
	if report := exec.Run(context.Background(), job("exec-8", workOrder("wo", ""), workOrder("wo", policy.Continue))); report.Err != nil {
		t.Fatalf("run after recovery: %v", report.Err)
	}
	if target.calls.Load() != 2 {
		t.Errorf("target calls after recovery = %d, want 2", target.calls.Load())
	}
}

func TestExecutor_UnsavedRecordStillReplays(t *testing.T) {
	reg := NewRegistry()
	target := &countingTarget{}
	reg.Register("wo", target)
	store := &flakyStore{MemoryIdempotencyStore: NewMemoryIdempotencyStore(), saveErr: errors.New("connection reset")}
	exec := NewExecutor(reg, store)

	first := exec.Run(context.Background(), job("exec-9", workOrder("wo", "")))
	if first.Err != nil || first.Records[0].Outcome != OutcomeSuccess {
		t.Fatalf("first run = %+v, want success", first.Records[0])
	}

	second := exec.Run(context.Background(), job("exec-9", workOrder("wo", "")))
	if target.calls.Load() != 1 {
		t.Errorf("target called %d times, want 1", target.calls.Load())
	}
	if !second.Records[0].Replayed {
		t.Errorf("second run record = %+v, want replay", second.Records[0])
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d records while saves fail", store.Len())
	}

	store.saveErr = nil
	exec.Run(context.Background(), job("exec-9", workOrder("wo", "")))
	if store.Len() != 1 {
		t.Errorf("store holds %d records after saves recover, want 1", store.Len())
	}
	if target.calls.Load() != 1 {
		t.Errorf("target called %d times, want 1", target.calls.Load())
	}
}

func TestExecutor_FatalClassification(t *testing.T) {
	tests := []struct {
		name   string
		action policy.Action
		target Target
	}{
		{
			name:   "unknown target",
			action: workOrder("missing", ""),
		},
		{
			name:   "missing required parameter",
			action: policy.Action{Type: policy.ActionNotify, Target: "ok", Parameters: map[string]any{"recipient": "ops"}},
			target: &countingTarget{},
		},
		{
			name:   "target reports fatal",
			action: workOrder("ok", ""),
			target: &countingTarget{err: FatalError(errors.New("rejected"))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			if tt.target != nil {
				reg.Register("ok", tt.target)
			}
			report := NewExecutor(reg, nil).Run(context.Background(), job("exec-6", tt.action))
			if report.Err == nil || !report.Err.IsFatal() {
				t.Fatalf("Err = %v, want fatal", report.Err)
			}
			if KindOf(report.Err) != Fatal {
				t.Errorf("KindOf = %s, want fatal", KindOf(report.Err))
			}
		})
	}
}

func TestExecutor_Observer(t *testing.T) {
	reg := NewRegistry()
	reg.Register("wo", &countingTarget{})
	exec := NewExecutor(reg, nil)

	var seen []Outcome
	exec.SetObserver(func(code string, rec Record) {
		if code != "P-1" {
			t.Errorf("observer code = %q", code)
		}
		seen = append(seen, rec.Outcome)
	})
	exec.Run(context.Background(), job("exec-7", workOrder("wo", ""), workOrder("nope", ""), workOrder("wo", "")))

	if len(seen) != 3 || seen[2] != OutcomeSkipped {
		t.Errorf("observed %v, want three records ending in skipped", seen)
	}
}

func TestWebhookTarget(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantErr  bool
		wantKind ErrorKind
	}{
		{name: "accepted", status: http.StatusAccepted},
		{name: "server error is transient", status: http.StatusBadGateway, wantErr: true, wantKind: Transient},
		{name: "rate limited is transient", status: http.StatusTooManyRequests, wantErr: true, wantKind: Transient},
		{name: "bad request is fatal", status: http.StatusBadRequest, wantErr: true, wantKind: Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKey string
			var payload webhookPayload
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKey = r.Header.Get("Idempotency-Key")
				_ = json.NewDecoder(r.Body).Decode(&payload)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			target := NewWebhookTarget(srv.URL, map[string]string{"X-Fleet": "north"}, time.Second)
			req := &Request{
				ExecutionID:    "exec-8",
				PolicyCode:     "P-1",
				Index:          2,
				IdempotencyKey: Key("exec-8", 2),
				Action:         policy.Action{Type: policy.ActionTriggerWebhook, Target: "hook"},
			}
			_, err := target.Execute(context.Background(), req)

			if gotKey != "exec-8:2" {
				t.Errorf("Idempotency-Key header = %q, want exec-8:2", gotKey)
			}
			if payload.PolicyCode != "P-1" {
				t.Errorf("payload policy_code = %q", payload.PolicyCode)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && KindOf(err) != tt.wantKind {
				t.Errorf("KindOf(err) = %s, want %s", KindOf(err), tt.wantKind)
			}
		})
	}
}

func TestRateLimitedTarget(t *testing.T) {
	var calls atomic.Int32
	inner := TargetFunc(func(ctx context.Context, req *Request) (*Result, error) {
		calls.Add(1)
		return &Result{}, nil
	})
	target := NewRateLimitedTarget("work_orders", inner, ratelimit.New(ratelimit.Config{RequestsPerMinute: 2}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := target.Execute(ctx, &Request{IdempotencyKey: "x"}); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	_, err := target.Execute(ctx, &Request{IdempotencyKey: "x"})
	if err == nil || KindOf(err) != Transient {
		t.Fatalf("third delivery error = %v, want transient rate limit", err)
	}
	if calls.Load() != 2 {
		t.Errorf("inner target called %d times, want 2", calls.Load())
	}
}

func TestRedisIdempotencyStore(t *testing.T) {
	addr := os.Getenv("WARDEN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WARDEN_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	store := NewRedisIdempotencyStore(client, "warden:test:"+time.Now().Format("150405.000000")+":", time.Minute)

	if _, ok, err := store.Lookup(ctx, "e:0"); err != nil || ok {
		t.Fatalf("Lookup(empty) = %v, %v", ok, err)
	}
	if err := store.Save(ctx, "e:0", Record{Index: 0, Outcome: OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "e:0", Record{Index: 0, Outcome: OutcomeFailure}); err != nil {
		t.Fatal(err)
	}
	rec, ok, err := store.Lookup(ctx, "e:0")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v", ok, err)
	}
	if rec.Outcome != OutcomeSuccess {
		t.Errorf("stored outcome = %s, want first write to win", rec.Outcome)
	}
}
