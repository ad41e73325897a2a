package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/telemetry/tracing"
)

// Registry maps target ids to Targets.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Target)}
}

// Register binds id to t, replacing any previous binding.
func (r *Registry) Register(id string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[id] = t
}

// Get returns the target bound to id.
func (r *Registry) Get(id string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[id]
	return t, ok
}

// IDs returns the registered target ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.targets))
	for id := range r.targets {
		ids = append(ids, id)
	}
	return ids
}

// Job describes one run of a policy's action list.
type Job struct {
	ExecutionID string
	Tenant      string
	SubjectID   string
	Policy      *policy.Template
}

// Observer receives each action record as it is produced.
type Observer func(policyCode string, rec Record)

// Executor runs action lists.
type Executor struct {
	registry *Registry
	store    IdempotencyStore
	observe  Observer
	tracer   trace.Tracer
	logger   *slog.Logger

	// unsaved holds successful records the store failed to save. They are
	// replayed from here and saved again on the next lookup of their key.
	mu      sync.Mutex
	unsaved map[string]Record
}

// NewExecutor creates an Executor. A nil store uses an in-memory one.
func NewExecutor(registry *Registry, store IdempotencyStore) *Executor {
	if store == nil {
		store = NewMemoryIdempotencyStore()
	}
	return &Executor{
		registry: registry,
		store:    store,
		unsaved:  make(map[string]Record),
		tracer:   otel.Tracer(tracing.InstrumentationName),
		logger:   slog.Default().With("component", "action.executor"),
	}
}

// SetObserver installs a callback invoked for every record.
func (e *Executor) SetObserver(o Observer) {
	e.observe = o
}

// Run executes the job's actions strictly in order and returns a report.
// An abort_remaining failure marks every later action skipped; a continue
// failure does not stop the list.
func (e *Executor) Run(ctx context.Context, job Job) *Report {
	report := &Report{Records: make([]Record, 0, len(job.Policy.Actions))}

	for i, a := range job.Policy.Actions {
		key := Key(job.ExecutionID, i)

		if report.Aborted {
			rec := Record{
				Index:          i,
				Type:           a.Type,
				Target:         a.Target,
				IdempotencyKey: key,
				Outcome:        OutcomeSkipped,
				Reason:         fmt.Sprintf("skipped after action %d failed", report.Err.Index),
			}
			e.emit(job, &report.Records, rec)
			continue
		}

		rec, execErr := e.runOne(ctx, job, i, a, key)
		e.emit(job, &report.Records, rec)

		if execErr != nil && a.FailureMode() == policy.AbortRemaining {
			report.Aborted = true
			report.Err = execErr
		}
	}

	return report
}

func (e *Executor) runOne(ctx context.Context, job Job, index int, a policy.Action, key string) (Record, *ActionExecutionError) {
	rec := Record{
		Index:          index,
		Type:           a.Type,
		Target:         a.Target,
		IdempotencyKey: key,
	}

	fail := func(kind ErrorKind, cause error) (Record, *ActionExecutionError) {
		rec.Outcome = OutcomeFailure
		rec.Reason = cause.Error()
		return rec, &ActionExecutionError{Kind: kind, Index: index, Target: a.Target, Cause: cause}
	}

	stored, ok, err := e.lookup(ctx, key)
	if err != nil {
		e.logger.Warn("idempotency lookup failed", "key", key, "error", err)
		return fail(Transient, fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, err))
	}
	if ok {
		replay := *stored
		replay.Replayed = true
		replay.Duration = 0
		return replay, nil
	}

	if err := policy.ValidateParameters(a); err != nil {
		return fail(Fatal, err)
	}
	target, ok := e.registry.Get(a.Target)
	if !ok {
		return fail(Fatal, fmt.Errorf("%w: %q", ErrUnknownTarget, a.Target))
	}
	if err := ctx.Err(); err != nil {
		return fail(Transient, err)
	}

	req := &Request{
		ExecutionID:    job.ExecutionID,
		Tenant:         job.Tenant,
		PolicyCode:     job.Policy.Code,
		PolicyVersion:  job.Policy.Version,
		SubjectID:      job.SubjectID,
		Index:          index,
		Action:         a,
		IdempotencyKey: key,
		Policy:         job.Policy,
	}

	spanCtx, span := e.tracer.Start(ctx, "action "+string(a.Type),
		trace.WithAttributes(tracing.ActionAttributes(index, string(a.Type), a.Target)...))
	start := time.Now()
	res, err := target.Execute(spanCtx, req)
	rec.Duration = time.Since(start)
	tracing.End(span, err)

	if err != nil {
		e.logger.Warn("action failed",
			"execution_id", job.ExecutionID,
			"policy_code", job.Policy.Code,
			"index", index,
			"target", a.Target,
			"error", err,
		)
		return fail(KindOf(err), err)
	}

	rec.Outcome = OutcomeSuccess
	if res != nil {
		rec.Output = res.Output
	}
	if err := e.store.Save(ctx, key, rec); err != nil {
		e.mu.Lock()
		e.unsaved[key] = rec
		e.mu.Unlock()
		e.logger.Error("failed to record idempotency key; kept in process", "key", key, "error", err)
	}
	return rec, nil
}

// lookup checks records the store failed to save before asking the store.
func (e *Executor) lookup(ctx context.Context, key string) (*Record, bool, error) {
	e.mu.Lock()
	rec, ok := e.unsaved[key]
	e.mu.Unlock()
	if ok {
		if err := e.store.Save(ctx, key, rec); err == nil {
			e.mu.Lock()
			delete(e.unsaved, key)
			e.mu.Unlock()
		}
		return &rec, true, nil
	}
	return e.store.Lookup(ctx, key)
}

func (e *Executor) emit(job Job, records *[]Record, rec Record) {
	*records = append(*records, rec)
	if e.observe != nil {
		e.observe(job.Policy.Code, rec)
	}
}
