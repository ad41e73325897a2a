package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetops/warden/pkg/action"
	"fleetops/warden/pkg/audit"
	"fleetops/warden/pkg/audit/storage"
	"fleetops/warden/pkg/dispatcher/lease"
	"fleetops/warden/pkg/execution"
	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/subject"
	"fleetops/warden/pkg/violation"
)

type fakePolicies struct {
	mu       sync.Mutex
	policies map[string]*policy.Template
}

func newFakePolicies(ts ...*policy.Template) *fakePolicies {
	f := &fakePolicies{policies: make(map[string]*policy.Template)}
	for _, t := range ts {
		f.put(t)
	}
	return f
}

func (f *fakePolicies) put(t *policy.Template) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Status = policy.StatusActive
	if t.Version == 0 {
		t.Version = 1
	}
	f.policies[t.Code] = t
}

func (f *fakePolicies) remove(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.policies, code)
}

func (f *fakePolicies) Active(ctx context.Context, code string) (*policy.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.policies[code]
	if !ok {
		return nil, fmt.Errorf("no active version of %s", code)
	}
	return t.Clone(), nil
}

func (f *fakePolicies) ListActive(ctx context.Context) ([]*policy.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*policy.Template, 0, len(f.policies))
	for _, t := range f.policies {
		out = append(out, t.Clone())
	}
	return out, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses map[string]int
	skips    int
	retries  int
}

func (o *recordingObserver) RecordExecution(code, trigger, status string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.statuses == nil {
		o.statuses = make(map[string]int)
	}
	o.statuses[status]++
}

func (o *recordingObserver) RecordScheduledSkip(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skips++
}

func (o *recordingObserver) RecordRetry(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

// blockingSource holds snapshots until the caller's context ends.
type blockingSource struct {
	*subject.MemoryStore
}

func (b blockingSource) Snapshot(ctx context.Context, id string) (*subject.Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *action.Registry
	subjects   *subject.MemoryStore
	policies   *fakePolicies
	audit      *audit.Manager
	executions *execution.Repository
	observer   *recordingObserver
}

func newFixture(t *testing.T, cfg Config, source subject.Source, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		registry: action.NewRegistry(),
		subjects: subject.NewMemoryStore(),
		policies: newFakePolicies(),
		audit:    audit.NewManager(storage.NewMemoryStorage()),
		observer: &recordingObserver{},
	}
	f.executions = execution.NewRepository(f.audit)
	if source == nil {
		source = f.subjects
	}
	f.subjects.Put(subject.Record{
		ID:     "DR-7",
		Kind:   "driver",
		Tenant: "acme",
		Fields: map[string]any{"hours_on_duty": 12.5, "status": "active"},
	})
	f.subjects.Put(subject.Record{
		ID:     "DR-8",
		Kind:   "driver",
		Tenant: "acme",
		Fields: map[string]any{"hours_on_duty": 6.0, "status": "active"},
	})
	f.subjects.Put(subject.Record{
		ID:     "VH-1",
		Kind:   "vehicle",
		Tenant: "acme",
		Fields: map[string]any{"odometer": 120000.0},
	})

	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	opts = append([]Option{WithObserver(f.observer)}, opts...)
	f.dispatcher = New(cfg, f.policies, source, action.NewExecutor(f.registry, nil), f.audit, opts...)
	t.Cleanup(func() {
		f.dispatcher.Close()
		f.audit.Close()
	})
	return f
}

func overHours(code string, actions ...policy.Action) *policy.Template {
	return &policy.Template{
		Code:        code,
		Tenant:      "acme",
		SubjectKind: "driver",
		Conditions: []policy.Condition{
			{Type: policy.ConditionThreshold, Field: "hours_on_duty", Operator: policy.OpGT, Value: 11.0},
		},
		Actions: actions,
	}
}

func workOrder(target string) policy.Action {
	return policy.Action{
		Type:       policy.ActionCreateWorkOrder,
		Target:     target,
		Parameters: map[string]any{"title": "review hours"},
	}
}

func logViolation() policy.Action {
	return policy.Action{Type: policy.ActionLogViolation, Target: violation.TargetID}
}

func okTarget(calls *atomic.Int32) action.Target {
	return action.TargetFunc(func(ctx context.Context, req *action.Request) (*action.Result, error) {
		calls.Add(1)
		return &action.Result{}, nil
	})
}

func TestDispatcher_TriggerManual(t *testing.T) {
	tests := []struct {
		name        string
		subjectID   string
		wantMet     bool
		wantActions int
	}{
		{name: "conditions met", subjectID: "DR-7", wantMet: true, wantActions: 1},
		{name: "conditions not met", subjectID: "DR-8", wantMet: false, wantActions: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig(), nil)
			var calls atomic.Int32
			f.registry.Register("wo", okTarget(&calls))
			f.policies.put(overHours("HOS-11", workOrder("wo")))

			exec, err := f.dispatcher.TriggerManual(context.Background(), "HOS-11", tt.subjectID, "ops@acme")
			if err != nil {
				t.Fatalf("TriggerManual() error = %v", err)
			}
			if exec.Status != execution.StatusCompleted {
				t.Errorf("status = %s (%s), want completed", exec.Status, exec.FailureReason)
			}
			if exec.ConditionsMet != tt.wantMet {
				t.Errorf("ConditionsMet = %v, want %v", exec.ConditionsMet, tt.wantMet)
			}
			if len(exec.Trace) != 1 {
				t.Errorf("trace has %d entries, want 1", len(exec.Trace))
			}
			if len(exec.Actions) != tt.wantActions || int(calls.Load()) != tt.wantActions {
				t.Errorf("actions = %d, calls = %d, want %d", len(exec.Actions), calls.Load(), tt.wantActions)
			}

			stored, err := f.executions.Get(context.Background(), "acme", exec.ID)
			if err != nil {
				t.Fatalf("execution not in audit log: %v", err)
			}
			if stored.Status != execution.StatusCompleted || stored.Trigger.RequestedBy != "ops@acme" {
				t.Errorf("stored execution = %+v", stored)
			}
			if len(f.dispatcher.Inflight()) != 0 {
				t.Error("terminal execution still reported in flight")
			}
		})
	}
}

func TestDispatcher_TriggerManualErrors(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	if _, err := f.dispatcher.TriggerManual(context.Background(), "NOPE", "DR-7", ""); err == nil {
		t.Error("expected error for policy without active version")
	}
	f.policies.put(overHours("HOS-11", workOrder("wo")))
	if _, err := f.dispatcher.TriggerManual(context.Background(), "HOS-11", "", ""); err == nil {
		t.Error("expected error for empty subject")
	}
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)

	var first, flaky atomic.Int32
	f.registry.Register("first", okTarget(&first))
	f.registry.Register("flaky", action.TargetFunc(func(ctx context.Context, req *action.Request) (*action.Result, error) {
		if flaky.Add(1) < 3 {
			return nil, action.TransientError(errors.New("gateway timeout"))
		}
		return &action.Result{}, nil
	}))
	f.policies.put(overHours("HOS-11", workOrder("first"), workOrder("flaky")))

	exec, err := f.dispatcher.TriggerManual(context.Background(), "HOS-11", "DR-7", "")
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != execution.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", exec.Status, exec.FailureReason)
	}
	if exec.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exec.Attempts)
	}
	if first.Load() != 1 {
		t.Errorf("first action applied %d times, want 1", first.Load())
	}
	if !exec.Actions[0].Replayed {
		t.Error("first action on final attempt should be a replay")
	}
	if f.observer.retries != 2 {
		t.Errorf("observer saw %d retries, want 2", f.observer.retries)
	}
}

func TestDispatcher_FailurePaths(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		target       action.Target
		wantAttempts int
		wantReason   string
	}{
		{
			name: "fatal is not retried",
			cfg:  DefaultConfig(),
			target: action.TargetFunc(func(ctx context.Context, req *action.Request) (*action.Result, error) {
				return nil, action.FatalError(errors.New("work order rejected"))
			}),
			wantAttempts: 1,
			wantReason:   "work order rejected",
		},
		{
			name: "transient exhausts retries",
			cfg:  Config{MaxRetries: 2},
			target: action.TargetFunc(func(ctx context.Context, req *action.Request) (*action.Result, error) {
				return nil, action.TransientError(errors.New("unavailable"))
			}),
			wantAttempts: 3,
			wantReason:   "unavailable",
		},
		{
			name: "timeout",
			cfg:  Config{ExecutionTimeout: 30 * time.Millisecond},
			target: action.TargetFunc(func(ctx context.Context, req *action.Request) (*action.Result, error) {
				<-ctx.Done()
				return nil, action.TransientError(ctx.Err())
			}),
			wantAttempts: 1,
			wantReason:   "exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg, nil)
			f.registry.Register("wo", tt.target)
			f.policies.put(overHours("HOS-11", workOrder("wo")))

			exec, err := f.dispatcher.TriggerManual(context.Background(), "HOS-11", "DR-7", "")
			if err != nil {
				t.Fatal(err)
			}
			if exec.Status != execution.StatusFailed {
				t.Fatalf("status = %s, want failed", exec.Status)
			}
			if exec.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", exec.Attempts, tt.wantAttempts)
			}
			if !strings.Contains(exec.FailureReason, tt.wantReason) {
				t.Errorf("FailureReason = %q, want it to contain %q", exec.FailureReason, tt.wantReason)
			}
		})
	}
}

func TestDispatcher_ViolationCycleIsBounded(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	tracker := violation.NewTracker(f.audit)
	f.registry.Register(violation.TargetID, tracker)

	a := overHours("HOS-A", logViolation())
	a.OnViolationOf = []string{"HOS-B"}
	b := overHours("HOS-B", logViolation())
	b.OnViolationOf = []string{"HOS-A"}
	f.policies.put(a)
	f.policies.put(b)

	ctx := context.Background()
	if err := f.dispatcher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	root, err := f.dispatcher.TriggerManual(ctx, "HOS-A", "DR-7", "")
	if err != nil {
		t.Fatal(err)
	}
	f.dispatcher.Wait()

	execs, total, err := f.executions.List(ctx, execution.Filter{Tenant: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 {
		t.Fatalf("recorded %d executions, want 4", total)
	}

	byDepth := make(map[int]*execution.Execution)
	for _, e := range execs {
		byDepth[e.Trigger.Depth] = e
	}
	if byDepth[1].ID != root.ID {
		t.Error("depth 1 execution is not the manual run")
	}
	for depth := 2; depth <= 4; depth++ {
		e := byDepth[depth]
		if e == nil {
			t.Fatalf("no execution at depth %d", depth)
		}
		if e.TriggerType != execution.TriggerViolation || e.Trigger.ParentExecutionID != byDepth[depth-1].ID {
			t.Errorf("depth %d: trigger = %s parent = %s", depth, e.TriggerType, e.Trigger.ParentExecutionID)
		}
		if e.Trigger.ViolationID == "" {
			t.Errorf("depth %d: missing violation id", depth)
		}
	}
	last := byDepth[4]
	if last.Status != execution.StatusFailed || !strings.Contains(last.FailureReason, "exceeds limit 3") {
		t.Errorf("depth 4 = %s (%s), want failed by cycle limit", last.Status, last.FailureReason)
	}

	history, err := tracker.History(ctx, "acme", "DR-7")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("recorded %d violations, want 3", len(history))
	}
}

func TestDispatcher_ScheduledSkipsWhileLeaseHeld(t *testing.T) {
	locker := lease.NewMemoryLocker()
	f := newFixture(t, DefaultConfig(), nil, WithLocker(locker))
	var calls atomic.Int32
	f.registry.Register("wo", okTarget(&calls))
	f.policies.put(overHours("HOS-11", workOrder("wo")))

	ctx := context.Background()
	held, err := locker.Acquire(ctx, "HOS-11")
	if err != nil {
		t.Fatal(err)
	}

	execs, err := f.dispatcher.TriggerScheduled(ctx, "HOS-11")
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || execs[0].Status != execution.StatusSkipped {
		t.Fatalf("got %+v, want one skipped execution", execs)
	}
	if !strings.Contains(execs[0].FailureReason, ErrLeaseHeld.Error()) {
		t.Errorf("FailureReason = %q", execs[0].FailureReason)
	}
	if f.observer.skips != 1 {
		t.Errorf("observer skips = %d, want 1", f.observer.skips)
	}
	held.Release(ctx)

	execs, err = f.dispatcher.TriggerScheduled(ctx, "HOS-11")
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 {
		t.Fatalf("scheduled run covered %d subjects, want 2 drivers", len(execs))
	}
	if calls.Load() != 1 {
		t.Errorf("actions ran %d times, want 1 (only DR-7 is over hours)", calls.Load())
	}
	if locker.Held("HOS-11") {
		t.Error("lease still held after scheduled run")
	}
}

func TestDispatcher_OneExecutionPerCode(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	var inside, maxInside atomic.Int32
	f.registry.Register("wo", action.TargetFunc(func(ctx context.Context, req *action.Request) (*action.Result, error) {
		n := inside.Add(1)
		for {
			m := maxInside.Load()
			if n <= m || maxInside.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inside.Add(-1)
		return &action.Result{}, nil
	}))
	f.policies.put(overHours("HOS-11", workOrder("wo")))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.dispatcher.TriggerManual(context.Background(), "HOS-11", "DR-7", ""); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("%d executions of one code overlapped", maxInside.Load())
	}
}

func waitInflight(t *testing.T, d *Dispatcher, status execution.Status) *execution.Execution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range d.Inflight() {
			if e.Status == status {
				return e
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no in-flight execution reached %s", status)
	return nil
}

func TestDispatcher_CancelBeforeActions(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.dispatcher.subjects = blockingSource{f.subjects}
	var calls atomic.Int32
	f.registry.Register("wo", okTarget(&calls))
	f.policies.put(overHours("HOS-11", workOrder("wo")))

	done := make(chan *execution.Execution, 1)
	go func() {
		exec, err := f.dispatcher.TriggerManual(context.Background(), "HOS-11", "DR-7", "")
		if err != nil {
			t.Error(err)
		}
		done <- exec
	}()

	running := waitInflight(t, f.dispatcher, execution.StatusRunning)
	if err := f.dispatcher.Cancel(running.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	exec := <-done
	if exec.Status != execution.StatusSkipped {
		t.Errorf("status = %s, want skipped", exec.Status)
	}
	if calls.Load() != 0 {
		t.Error("actions ran after cancel")
	}
	if err := f.dispatcher.Cancel(running.ID); !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("Cancel() of terminal execution error = %v, want ErrNotFound", err)
	}
}

func TestDispatcher_CancelRefusedAfterActionsStart(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	f.registry.Register("wo", action.TargetFunc(func(ctx context.Context, req *action.Request) (*action.Result, error) {
		close(started)
		<-release
		return &action.Result{}, nil
	}))
	f.policies.put(overHours("HOS-11", workOrder("wo")))

	done := make(chan *execution.Execution, 1)
	go func() {
		exec, _ := f.dispatcher.TriggerManual(context.Background(), "HOS-11", "DR-7", "")
		done <- exec
	}()

	<-started
	running := waitInflight(t, f.dispatcher, execution.StatusRunning)
	if err := f.dispatcher.Cancel(running.ID); !errors.Is(err, ErrCancelRefused) {
		t.Errorf("Cancel() error = %v, want ErrCancelRefused", err)
	}
	close(release)

	if exec := <-done; exec.Status != execution.StatusCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
}

func TestDispatcher_NotifySubjectChanged(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	var calls atomic.Int32
	f.registry.Register("wo", okTarget(&calls))

	driver := overHours("HOS-11", workOrder("wo"))
	driver.Events = []string{"duty_status_changed"}
	wildcard := overHours("HOS-ANY", workOrder("wo"))
	wildcard.Events = []string{"*"}
	vehicle := overHours("VEH-1", workOrder("wo"))
	vehicle.SubjectKind = "vehicle"
	vehicle.Events = []string{"duty_status_changed"}
	otherTenant := overHours("HOS-GLOBEX", workOrder("wo"))
	otherTenant.Tenant = "globex"
	otherTenant.Events = []string{"duty_status_changed"}
	silent := overHours("HOS-QUIET", workOrder("wo"))
	for _, p := range []*policy.Template{driver, wildcard, vehicle, otherTenant, silent} {
		f.policies.put(p)
	}

	execs, err := f.dispatcher.NotifySubjectChanged(context.Background(), "DR-7", "duty_status_changed")
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]bool)
	for _, e := range execs {
		got[e.PolicyCode] = true
		if e.TriggerType != execution.TriggerEvent || e.Trigger.Event != "duty_status_changed" {
			t.Errorf("%s trigger = %s/%s", e.PolicyCode, e.TriggerType, e.Trigger.Event)
		}
	}
	if len(got) != 2 || !got["HOS-11"] || !got["HOS-ANY"] {
		t.Errorf("ran %v, want HOS-11 and HOS-ANY", got)
	}

	if _, err := f.dispatcher.NotifySubjectChanged(context.Background(), "missing", "x"); err == nil {
		t.Error("expected error for unknown subject")
	}
}

func TestDispatcher_SyncSchedules(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	nightly := overHours("HOS-11", workOrder("wo"))
	nightly.Schedule = "0 2 * * *"
	f.policies.put(nightly)
	f.policies.put(overHours("HOS-12", workOrder("wo")))

	ctx := context.Background()
	if err := f.dispatcher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	schedules := f.dispatcher.Schedules()
	if len(schedules) != 1 || schedules["HOS-11"] != "0 2 * * *" {
		t.Fatalf("Schedules() = %v", schedules)
	}
	if f.dispatcher.NextRun("HOS-11").IsZero() {
		t.Error("NextRun() is zero for a scheduled policy")
	}

	nightly.Schedule = "30 3 * * *"
	f.policies.put(nightly)
	if err := f.dispatcher.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.dispatcher.Schedules()["HOS-11"]; got != "30 3 * * *" {
		t.Errorf("schedule after change = %q", got)
	}

	f.policies.remove("HOS-11")
	if err := f.dispatcher.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.dispatcher.Schedules()) != 0 {
		t.Errorf("Schedules() after archive = %v", f.dispatcher.Schedules())
	}
}

func TestDispatcher_CloseRejectsQueuedWork(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	if err := f.dispatcher.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.dispatcher.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
	if err := f.dispatcher.enqueue(&task{code: "HOS-11", scheduled: true}); !errors.Is(err, ErrClosed) {
		t.Errorf("enqueue() after Close error = %v, want ErrClosed", err)
	}
}

func TestDispatcher_ScheduledFireNeverQueuesBehindRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	f := newFixture(t, cfg, nil)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	f.registry.Register("slow", action.TargetFunc(func(ctx context.Context, req *action.Request) (*action.Result, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return &action.Result{}, nil
	}))
	var calls atomic.Int32
	f.registry.Register("wo", okTarget(&calls))
	f.policies.put(overHours("HOS-11", workOrder("slow")))
	f.policies.put(overHours("HOS-12", workOrder("wo")))

	ctx := context.Background()
	if err := f.dispatcher.Start(ctx); err != nil {
		t.Fatal(err)
	}

	f.dispatcher.tick("HOS-11")()
	<-started

	// HOS-11 is running on the only worker, so the first HOS-12 fire waits
	// in the queue. Neither second fire may stack behind them.
	f.dispatcher.tick("HOS-11")()
	f.dispatcher.tick("HOS-12")()
	f.dispatcher.tick("HOS-12")()

	close(release)
	f.dispatcher.Wait()

	tests := []struct {
		code       string
		wantReason error
	}{
		{"HOS-11", ErrLeaseHeld},
		{"HOS-12", ErrRunPending},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			skipped, _, err := f.executions.List(ctx, execution.Filter{
				Tenant:     "acme",
				PolicyCode: tt.code,
				Status:     execution.StatusSkipped,
			})
			if err != nil {
				t.Fatal(err)
			}
			if len(skipped) != 1 {
				t.Fatalf("skipped executions = %d, want 1", len(skipped))
			}
			if !strings.Contains(skipped[0].FailureReason, tt.wantReason.Error()) {
				t.Errorf("FailureReason = %q, want %q", skipped[0].FailureReason, tt.wantReason)
			}

			completed, _, err := f.executions.List(ctx, execution.Filter{
				Tenant:     "acme",
				PolicyCode: tt.code,
				Status:     execution.StatusCompleted,
			})
			if err != nil {
				t.Fatal(err)
			}
			if len(completed) != 2 {
				t.Errorf("completed executions = %d, want 2 (one run over both drivers)", len(completed))
			}
		})
	}

	if f.observer.skips != 2 {
		t.Errorf("observer skips = %d, want 2", f.observer.skips)
	}
	if calls.Load() != 1 {
		t.Errorf("HOS-12 actions ran %d times, want 1", calls.Load())
	}

	// Both claims are released once the runs finish.
	f.dispatcher.tick("HOS-12")()
	f.dispatcher.Wait()
	if calls.Load() != 2 {
		t.Errorf("HOS-12 actions ran %d times after a later fire, want 2", calls.Load())
	}
}

func TestDispatcher_FiresDuringClose(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	var calls atomic.Int32
	f.registry.Register("wo", okTarget(&calls))
	f.policies.put(overHours("HOS-11", workOrder("wo")))
	if err := f.dispatcher.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				f.dispatcher.tick("HOS-11")()
			}
		}()
	}
	if err := f.dispatcher.Close(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if err := f.dispatcher.enqueue(&task{code: "HOS-11", scheduled: true}); !errors.Is(err, ErrClosed) {
		t.Errorf("enqueue() after Close error = %v, want ErrClosed", err)
	}
}
