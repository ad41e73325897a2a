// Package dispatcher turns triggers into executions.
//
// Every execution moves pending → running → completed, failed or skipped
// and is appended to the tenant's audit log exactly once, when it reaches
// a terminal status. A per-policy-code lease is held from start to
// terminal status, so two executions of one code never overlap. A
// scheduled fire that finds a run of its code in progress, or a scheduled
// run still queued, records a skipped execution instead of queueing.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"fleetops/warden/pkg/action"
	"fleetops/warden/pkg/audit"
	"fleetops/warden/pkg/dispatcher/lease"
	"fleetops/warden/pkg/evaluator"
	"fleetops/warden/pkg/execution"
	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/subject"
	"fleetops/warden/pkg/telemetry/tracing"
)

// PolicySource supplies Active policy versions.
type PolicySource interface {
	Active(ctx context.Context, code string) (*policy.Template, error)
	ListActive(ctx context.Context) ([]*policy.Template, error)
}

// Ledger records terminal executions.
type Ledger interface {
	Append(ctx context.Context, tenant string, kind audit.Kind, idx audit.Index, record any) (*audit.Entry, error)
}

// Observer receives dispatch measurements.
type Observer interface {
	RecordExecution(policyCode, trigger, status string, duration time.Duration)
	RecordScheduledSkip(policyCode string)
	RecordRetry(policyCode string)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithObserver reports measurements to obs.
func WithObserver(obs Observer) Option {
	return func(d *Dispatcher) { d.observer = obs }
}

// WithLocker replaces the in-memory lease locker.
func WithLocker(l lease.Locker) Option {
	return func(d *Dispatcher) { d.locker = l }
}

// WithTracer sets the tracer used for execution spans. The default is the
// global tracer provider's.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// runState tracks a non-terminal execution for Cancel.
type runState struct {
	exec           *execution.Execution
	cancel         context.CancelFunc
	cancelled      bool
	actionsStarted bool
}

type task struct {
	code      string
	scheduled bool
	state     *runState
}

type cronEntry struct {
	id       cron.EntryID
	schedule string
}

// Dispatcher runs policies in response to triggers.
type Dispatcher struct {
	cfg       Config
	policies  PolicySource
	subjects  subject.Source
	executor  *action.Executor
	evaluator *evaluator.Evaluator
	ledger    Ledger
	locker    lease.Locker
	observer  Observer
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	queue   chan *task
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*runState
	ticking  map[string]bool
	closed   bool
	started  bool

	cronMu  sync.Mutex
	cron    *cron.Cron
	entries map[string]cronEntry
}

// New creates a Dispatcher. Call Start to run workers and the scheduler.
func New(cfg Config, policies PolicySource, subjects subject.Source, executor *action.Executor, ledger Ledger, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:       cfg,
		policies:  policies,
		subjects:  subjects,
		executor:  executor,
		evaluator: evaluator.New(),
		ledger:    ledger,
		locker:    lease.NewMemoryLocker(),
		tracer:    otel.Tracer(tracing.InstrumentationName),
		logger:    slog.Default().With("component", "dispatcher"),
		now:       time.Now,
		baseCtx:   ctx,
		stop:      cancel,
		queue:     make(chan *task, cfg.QueueSize),
		inflight:  make(map[string]*runState),
		ticking:   make(map[string]bool),
		cron:      cron.New(),
		entries:   make(map[string]cronEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool, registers cron entries for the current
// Active set and starts the scheduler.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.workers.Add(1)
		go d.work()
	}

	if err := d.Sync(ctx); err != nil {
		return err
	}
	d.cron.Start()

	d.logger.Info("dispatcher started",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
		"max_retries", d.cfg.MaxRetries,
		"execution_timeout", d.cfg.ExecutionTimeout,
	)
	return nil
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for {
		select {
		case <-d.baseCtx.Done():
			return
		case t := <-d.queue:
			d.runTask(t)
			d.pending.Done()
		}
	}
}

func (d *Dispatcher) runTask(t *task) {
	if t.scheduled {
		defer d.releaseTick(t.code)
		if _, err := d.TriggerScheduled(d.baseCtx, t.code); err != nil {
			d.logger.Error("scheduled run failed", "policy_code", t.code, "error", err)
		}
		return
	}

	tmpl, err := d.policies.Active(d.baseCtx, t.code)
	if err != nil {
		d.finish(d.baseCtx, t.state, nil, execution.StatusFailed, fmt.Errorf("policy %s: %w", t.code, err))
		return
	}
	l, err := d.locker.Acquire(d.baseCtx, t.code)
	if err != nil {
		d.finish(d.baseCtx, t.state, tmpl, execution.StatusFailed, fmt.Errorf("failed to acquire lease: %w", err))
		return
	}
	exec := d.execute(d.baseCtx, t.state, tmpl)
	d.release(l)
	d.cascade(exec)
}

// enqueue hands work to the pool without blocking. The closed check and
// pending.Add happen under one lock so Close never waits on a counter that
// is still growing.
func (d *Dispatcher) enqueue(t *task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.pending.Add(1)
	d.mu.Unlock()

	select {
	case d.queue <- t:
		return nil
	default:
		d.pending.Done()
		return ErrQueueFull
	}
}

// TriggerManual runs the Active version of code against one subject,
// waiting for the policy lease. It returns the terminal execution.
func (d *Dispatcher) TriggerManual(ctx context.Context, code, subjectID, requestedBy string) (*execution.Execution, error) {
	if subjectID == "" {
		return nil, errors.New("subject id is required")
	}
	tmpl, err := d.policies.Active(ctx, code)
	if err != nil {
		return nil, err
	}

	st := d.track(d.newExecution(tmpl.Code, execution.TriggerManual, execution.TriggerContext{
		SubjectID:   subjectID,
		Depth:       1,
		RequestedBy: requestedBy,
	}))

	l, err := d.locker.Acquire(ctx, code)
	if err != nil {
		return d.finish(ctx, st, tmpl, execution.StatusFailed, fmt.Errorf("failed to acquire lease: %w", err)), nil
	}
	exec := d.execute(ctx, st, tmpl)
	d.release(l)
	d.cascade(exec)
	return exec, nil
}

// NotifySubjectChanged runs every Active policy that listens to event
// against the subject. Policies run concurrently, each under its own lease.
func (d *Dispatcher) NotifySubjectChanged(ctx context.Context, subjectID, event string) ([]*execution.Execution, error) {
	snap, err := d.subjects.Snapshot(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	active, err := d.policies.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*policy.Template
	for _, tmpl := range active {
		if !tmpl.ListensTo(event) {
			continue
		}
		if snap.Tenant != "" && d.tenantOf(tmpl) != snap.Tenant {
			continue
		}
		if tmpl.SubjectKind != "" && snap.Kind != "" && tmpl.SubjectKind != snap.Kind {
			continue
		}
		matched = append(matched, tmpl)
	}

	results := make([]*execution.Execution, len(matched))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i, tmpl := range matched {
		g.Go(func() error {
			st := d.track(d.newExecution(tmpl.Code, execution.TriggerEvent, execution.TriggerContext{
				SubjectID: subjectID,
				Event:     event,
				Depth:     1,
			}))
			l, err := d.locker.Acquire(gctx, tmpl.Code)
			if err != nil {
				results[i] = d.finish(gctx, st, tmpl, execution.StatusFailed, fmt.Errorf("failed to acquire lease: %w", err))
				return nil
			}
			results[i] = d.execute(gctx, st, tmpl)
			d.release(l)
			d.cascade(results[i])
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Debug("subject change dispatched",
		"subject_id", subjectID,
		"event", event,
		"policies", len(matched),
	)
	return results, nil
}

// TriggerScheduled runs the Active version of code against every subject
// of its subject kind. If the policy lease is held, a single skipped
// execution is recorded and nothing runs.
func (d *Dispatcher) TriggerScheduled(ctx context.Context, code string) ([]*execution.Execution, error) {
	tmpl, err := d.policies.Active(ctx, code)
	if err != nil {
		return nil, err
	}

	l, ok, err := d.locker.TryAcquire(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		if d.observer != nil {
			d.observer.RecordScheduledSkip(code)
		}
		st := d.track(d.newExecution(code, execution.TriggerScheduled, execution.TriggerContext{Depth: 1}))
		return []*execution.Execution{d.finish(ctx, st, tmpl, execution.StatusSkipped, ErrLeaseHeld)}, nil
	}

	ids, err := d.subjects.Subjects(ctx, tmpl.SubjectKind)
	if err != nil {
		d.release(l)
		return nil, fmt.Errorf("failed to list %s subjects: %w", tmpl.SubjectKind, err)
	}

	// Subjects run one at a time: the lease admits one execution per code.
	var out []*execution.Execution
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		st := d.track(d.newExecution(code, execution.TriggerScheduled, execution.TriggerContext{SubjectID: id, Depth: 1}))
		out = append(out, d.execute(ctx, st, tmpl))
	}
	d.release(l)

	for _, exec := range out {
		d.cascade(exec)
	}
	d.logger.Info("scheduled run finished", "policy_code", code, "subjects", len(ids), "executions", len(out))
	return out, nil
}

// Cancel stops a pending or running execution that has not started any
// action; it is recorded skipped. Once an action started, Cancel returns
// ErrCancelRefused.
func (d *Dispatcher) Cancel(executionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.inflight[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", execution.ErrNotFound, executionID)
	}
	if st.actionsStarted {
		return ErrCancelRefused
	}
	st.cancelled = true
	if st.cancel != nil {
		st.cancel()
	}
	d.logger.Info("execution cancelled", "execution_id", executionID, "policy_code", st.exec.PolicyCode)
	return nil
}

// Inflight returns summaries of executions that have not reached a
// terminal status.
func (d *Dispatcher) Inflight() []*execution.Execution {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*execution.Execution, 0, len(d.inflight))
	for _, st := range d.inflight {
		out = append(out, &execution.Execution{
			ID:          st.exec.ID,
			Tenant:      st.exec.Tenant,
			PolicyCode:  st.exec.PolicyCode,
			TriggerType: st.exec.TriggerType,
			Trigger:     st.exec.Trigger,
			Status:      st.exec.Status,
			StartedAt:   st.exec.StartedAt,
		})
	}
	return out
}

func (d *Dispatcher) newExecution(code string, trigger execution.TriggerType, tc execution.TriggerContext) *execution.Execution {
	return &execution.Execution{
		ID:          uuid.NewString(),
		PolicyCode:  code,
		TriggerType: trigger,
		Trigger:     tc,
		Status:      execution.StatusPending,
		StartedAt:   d.now().UTC(),
	}
}

func (d *Dispatcher) track(exec *execution.Execution) *runState {
	st := &runState{exec: exec}
	d.mu.Lock()
	d.inflight[exec.ID] = st
	d.mu.Unlock()
	return st
}

// begin moves the execution to running unless it was cancelled.
func (d *Dispatcher) begin(st *runState, cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st.cancelled {
		return false
	}
	st.cancel = cancel
	st.exec.Status = execution.StatusRunning
	return true
}

// startActions marks the point after which Cancel is refused.
func (d *Dispatcher) startActions(st *runState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st.cancelled {
		return false
	}
	st.actionsStarted = true
	return true
}

func (d *Dispatcher) cancelled(st *runState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return st.cancelled
}

// execute runs one execution while the caller holds the policy lease.
func (d *Dispatcher) execute(ctx context.Context, st *runState, tmpl *policy.Template) *execution.Execution {
	ctx, span := d.tracer.Start(ctx, "execution "+tmpl.Code, trace.WithAttributes(
		tracing.ExecutionAttributes(st.exec.ID, tmpl.Code, tmpl.Version,
			string(st.exec.TriggerType), st.exec.Trigger.SubjectID, st.exec.Trigger.Depth)...,
	))
	defer span.End()

	exec := d.run(ctx, st, tmpl)
	span.SetAttributes(
		attribute.String(tracing.AttrStatus, string(exec.Status)),
		attribute.Int(tracing.AttrAttempts, exec.Attempts),
	)
	if exec.Status == execution.StatusFailed {
		span.SetStatus(codes.Error, exec.FailureReason)
	}
	return exec
}

func (d *Dispatcher) run(ctx context.Context, st *runState, tmpl *policy.Template) *execution.Execution {
	exec := st.exec

	if exec.Trigger.Depth > d.cfg.MaxViolationDepth {
		return d.finish(ctx, st, tmpl, execution.StatusFailed, &CycleLimitError{
			PolicyCode: tmpl.Code,
			Depth:      exec.Trigger.Depth,
			Limit:      d.cfg.MaxViolationDepth,
		})
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.ExecutionTimeout)
	defer cancel()
	if !d.begin(st, cancel) {
		return d.finish(ctx, st, tmpl, execution.StatusSkipped, errCancelled)
	}

	snap, err := d.subjects.Snapshot(runCtx, exec.Trigger.SubjectID)
	if err != nil {
		if d.cancelled(st) {
			return d.finish(ctx, st, tmpl, execution.StatusSkipped, errCancelled)
		}
		return d.finish(ctx, st, tmpl, execution.StatusFailed, d.phaseError(runCtx, exec, "snapshot", err))
	}

	result := d.evaluator.Evaluate(tmpl.Conditions, snap)
	exec.ConditionsMet = result.Met
	exec.Trace = result.Trace
	if !result.Met {
		return d.finish(ctx, st, tmpl, execution.StatusCompleted, nil)
	}

	if !d.startActions(st) {
		return d.finish(ctx, st, tmpl, execution.StatusSkipped, errCancelled)
	}

	report, attempts, err := d.runActions(runCtx, exec, tmpl, snap.Tenant)
	exec.Attempts = attempts
	if report != nil {
		exec.Actions = report.Records
	}
	if err != nil {
		return d.finish(ctx, st, tmpl, execution.StatusFailed, d.phaseError(runCtx, exec, "actions", err))
	}
	return d.finish(ctx, st, tmpl, execution.StatusCompleted, nil)
}

// runActions runs the action phase, retrying transient abort_remaining
// failures with exponential backoff. Idempotency keys keep the execution
// id, so successful actions are replayed rather than re-applied.
func (d *Dispatcher) runActions(ctx context.Context, exec *execution.Execution, tmpl *policy.Template, tenant string) (*action.Report, int, error) {
	if tenant == "" {
		tenant = d.tenantOf(tmpl)
	}
	job := action.Job{
		ExecutionID: exec.ID,
		Tenant:      tenant,
		SubjectID:   exec.Trigger.SubjectID,
		Policy:      tmpl,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff

	var last *action.Report
	attempts := 0
	_, err := backoff.Retry(ctx, func() (*action.Report, error) {
		attempts++
		last = d.executor.Run(ctx, job)
		if last.Err == nil {
			return last, nil
		}
		if last.Err.IsFatal() || ctx.Err() != nil {
			return last, backoff.Permanent(last.Err)
		}
		return last, last.Err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			if d.observer != nil {
				d.observer.RecordRetry(tmpl.Code)
			}
			d.logger.Warn("retrying action phase",
				"execution_id", exec.ID,
				"policy_code", tmpl.Code,
				"attempt", attempts,
				"next_in", next,
				"error", err,
			)
		}),
	)
	return last, attempts, err
}

// phaseError converts a deadline overrun into a TimeoutError.
func (d *Dispatcher) phaseError(ctx context.Context, exec *execution.Execution, phase string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{
			PolicyCode:  exec.PolicyCode,
			ExecutionID: exec.ID,
			Budget:      d.cfg.ExecutionTimeout,
			Phase:       phase,
		}
	}
	return err
}

// finish makes the execution terminal and appends it to the audit log.
// The append ignores caller cancellation so that no terminal execution is
// lost.
func (d *Dispatcher) finish(ctx context.Context, st *runState, tmpl *policy.Template, status execution.Status, cause error) *execution.Execution {
	exec := st.exec

	d.mu.Lock()
	delete(d.inflight, exec.ID)
	exec.Status = status
	d.mu.Unlock()

	if tmpl != nil {
		exec.PolicyVersion = tmpl.Version
		if exec.Tenant == "" {
			exec.Tenant = d.tenantOf(tmpl)
		}
	}
	if exec.Tenant == "" {
		exec.Tenant = d.cfg.DefaultTenant
	}
	if cause != nil {
		exec.FailureReason = cause.Error()
	}
	exec.FinishedAt = d.now().UTC()

	if _, err := d.ledger.Append(context.WithoutCancel(ctx), exec.Tenant, audit.KindExecution, execution.Index(exec), exec); err != nil {
		d.logger.Error("failed to record execution",
			"execution_id", exec.ID,
			"policy_code", exec.PolicyCode,
			"status", exec.Status,
			"error", err,
		)
	}
	if d.observer != nil {
		d.observer.RecordExecution(exec.PolicyCode, string(exec.TriggerType), string(exec.Status), exec.Duration())
	}

	attrs := []any{
		"execution_id", exec.ID,
		"policy_code", exec.PolicyCode,
		"policy_version", exec.PolicyVersion,
		"trigger", exec.TriggerType,
		"subject_id", exec.Trigger.SubjectID,
		"status", exec.Status,
		"attempts", exec.Attempts,
	}
	if status == execution.StatusFailed {
		d.logger.Warn("execution failed", append(attrs, "reason", exec.FailureReason)...)
	} else {
		d.logger.Info("execution finished", attrs...)
	}
	return exec
}

// cascade enqueues runs of policies that react to violations recorded by
// exec. Each child run is one level deeper than its parent.
func (d *Dispatcher) cascade(exec *execution.Execution) {
	var violations []string
	for _, rec := range exec.Actions {
		if rec.Type != policy.ActionLogViolation || rec.Outcome != action.OutcomeSuccess {
			continue
		}
		if id, ok := rec.Output["violation_id"].(string); ok {
			violations = append(violations, id)
		}
	}
	if len(violations) == 0 {
		return
	}

	active, err := d.policies.ListActive(d.baseCtx)
	if err != nil {
		d.logger.Error("failed to list policies for violation cascade", "execution_id", exec.ID, "error", err)
		return
	}

	for _, tmpl := range active {
		if !tmpl.ReactsTo(exec.PolicyCode) || d.tenantOf(tmpl) != exec.Tenant {
			continue
		}
		for _, vid := range violations {
			child := d.newExecution(tmpl.Code, execution.TriggerViolation, execution.TriggerContext{
				SubjectID:         exec.Trigger.SubjectID,
				Depth:             exec.Trigger.Depth + 1,
				ParentExecutionID: exec.ID,
				ViolationID:       vid,
			})
			st := d.track(child)
			if err := d.enqueue(&task{code: tmpl.Code, state: st}); err != nil {
				d.finish(d.baseCtx, st, tmpl, execution.StatusFailed, err)
			}
		}
	}
}

func (d *Dispatcher) release(l lease.Lease) {
	if err := l.Release(context.WithoutCancel(d.baseCtx)); err != nil {
		d.logger.Error("failed to release policy lease", "policy_code", l.Key(), "error", err)
	}
}

func (d *Dispatcher) tenantOf(tmpl *policy.Template) string {
	if tmpl.Tenant != "" {
		return tmpl.Tenant
	}
	return d.cfg.DefaultTenant
}

// Wait blocks until all queued work, including cascades, has finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Close stops the scheduler, waits for queued work and stops the workers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	<-d.cron.Stop().Done()
	if started {
		d.pending.Wait()
	}
	d.stop()
	d.workers.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}
