package violation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetops/warden/pkg/action"
	"fleetops/warden/pkg/audit"
	"fleetops/warden/pkg/policy"
)

// idNamespace derives violation ids from idempotency keys, so a replayed
// log_violation action resolves to the violation it already recorded.
var idNamespace = uuid.MustParse("7b0c5e8e-3f57-4d4e-9c1a-6f1d3e2b9a40")

// Ledger is the part of the audit log the tracker writes and reads.
type Ledger interface {
	Append(ctx context.Context, tenant string, kind audit.Kind, idx audit.Index, record any) (*audit.Entry, error)
	Query(ctx context.Context, q *audit.Query) ([]*audit.Entry, error)
	Count(ctx context.Context, q *audit.Query) (int64, error)
}

// Observer is notified of each newly recorded violation.
type Observer func(v *Violation)

// Option configures a Tracker.
type Option func(*Tracker)

// WithEscalation replaces the default escalation table.
func WithEscalation(table []policy.EscalationTier) Option {
	return func(t *Tracker) {
		if len(table) > 0 {
			t.table = table
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithObserver registers a callback for new violations.
func WithObserver(obs Observer) Option {
	return func(t *Tracker) { t.observer = obs }
}

// Tracker records violations and manages their cases. It implements
// action.Target for log_violation actions.
type Tracker struct {
	ledger   Ledger
	table    []policy.EscalationTier
	now      func() time.Time
	observer Observer
	logger   *slog.Logger
	locks    keyedMutex
}

// NewTracker creates a Tracker.
func NewTracker(ledger Ledger, opts ...Option) *Tracker {
	t := &Tracker{
		ledger: ledger,
		table:  DefaultEscalation,
		now:    time.Now,
		logger: slog.Default().With("component", "violation"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute implements action.Target. It records one violation for the
// request's policy and subject and returns its id, offense count and
// escalation in the result output.
func (t *Tracker) Execute(ctx context.Context, req *action.Request) (*action.Result, error) {
	if req.Action.Type != policy.ActionLogViolation {
		return nil, action.FatalError(fmt.Errorf("violation tracker cannot handle %s actions", req.Action.Type))
	}
	if req.SubjectID == "" {
		return nil, action.FatalError(errors.New("log_violation requires a subject"))
	}

	table := t.table
	if req.Policy != nil && len(req.Policy.Escalation) > 0 {
		table = req.Policy.Escalation
	}

	v, err := t.Record(ctx, Input{
		Tenant:         req.Tenant,
		PolicyCode:     req.PolicyCode,
		PolicyVersion:  req.PolicyVersion,
		SubjectID:      req.SubjectID,
		ExecutionID:    req.ExecutionID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.StringParam("description"),
		Escalation:     table,
	})
	if err != nil {
		return nil, action.TransientError(err)
	}

	return &action.Result{Output: map[string]any{
		"violation_id":        v.ID,
		"offense_count":       v.OffenseCount,
		"severity":            string(v.Severity),
		"disciplinary_action": v.DisciplinaryAction,
	}}, nil
}

// Input describes a violation to record.
type Input struct {
	Tenant         string
	PolicyCode     string
	PolicyVersion  int
	SubjectID      string
	ExecutionID    string
	IdempotencyKey string
	Description    string

	// Escalation overrides the tracker's table when set.
	Escalation []policy.EscalationTier
}

// Record counts prior violations for the (policy code, subject) pair,
// escalates, and appends the violation to the audit log. Recording the
// same idempotency key twice returns the existing violation.
func (t *Tracker) Record(ctx context.Context, in Input) (*Violation, error) {
	if in.Tenant == "" || in.PolicyCode == "" || in.SubjectID == "" {
		return nil, errors.New("tenant, policy code and subject are required")
	}

	id := uuid.New().String()
	if in.IdempotencyKey != "" {
		id = uuid.NewSHA1(idNamespace, []byte(in.Tenant+"/"+in.IdempotencyKey)).String()
	}

	unlock := t.locks.Lock(in.Tenant + "\x00" + in.PolicyCode + "\x00" + in.SubjectID)
	defer unlock()

	if existing, err := t.Get(ctx, in.Tenant, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	prior, err := t.ledger.Count(ctx, &audit.Query{
		Tenant:     in.Tenant,
		Kind:       audit.KindViolation,
		PolicyCode: in.PolicyCode,
		SubjectID:  in.SubjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count prior violations: %w", err)
	}

	table := in.Escalation
	if len(table) == 0 {
		table = t.table
	}
	count := int(prior) + 1
	tier := Escalate(table, count)

	v := &Violation{
		ID:                 id,
		Tenant:             in.Tenant,
		PolicyCode:         in.PolicyCode,
		PolicyVersion:      in.PolicyVersion,
		SubjectID:          in.SubjectID,
		ExecutionID:        in.ExecutionID,
		IdempotencyKey:     in.IdempotencyKey,
		Severity:           tier.Severity,
		OffenseCount:       count,
		DisciplinaryAction: tier.DisciplinaryAction,
		CaseStatus:         CaseOpen,
		Description:        in.Description,
		RecordedAt:         t.now().UTC(),
	}

	idx := audit.Index{PolicyCode: v.PolicyCode, SubjectID: v.SubjectID, RecordID: v.ID, Status: string(v.Severity)}
	if _, err := t.ledger.Append(ctx, v.Tenant, audit.KindViolation, idx, v); err != nil {
		return nil, fmt.Errorf("failed to record violation: %w", err)
	}

	t.logger.Info("violation recorded",
		"tenant", v.Tenant,
		"violation_id", v.ID,
		"policy_code", v.PolicyCode,
		"subject_id", v.SubjectID,
		"offense_count", v.OffenseCount,
		"severity", v.Severity,
	)
	if t.observer != nil {
		t.observer(v)
	}
	return v, nil
}

// Get returns a violation with its current case status.
func (t *Tracker) Get(ctx context.Context, tenant, id string) (*Violation, error) {
	entries, err := t.ledger.Query(ctx, &audit.Query{Tenant: tenant, Kind: audit.KindViolation, RecordID: id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var v Violation
	if err := entries[0].DecodeRecord(&v); err != nil {
		return nil, fmt.Errorf("failed to decode violation %s: %w", id, err)
	}
	if err := t.foldStatus(ctx, tenant, []*Violation{&v}); err != nil {
		return nil, err
	}
	return &v, nil
}

// History returns a subject's violations ordered by policy code and offense
// count, each with its current case status.
func (t *Tracker) History(ctx context.Context, tenant, subjectID string) ([]*Violation, error) {
	entries, err := t.ledger.Query(ctx, &audit.Query{Tenant: tenant, Kind: audit.KindViolation, SubjectID: subjectID})
	if err != nil {
		return nil, err
	}

	out := make([]*Violation, 0, len(entries))
	for _, e := range entries {
		var v Violation
		if err := e.DecodeRecord(&v); err != nil {
			return nil, fmt.Errorf("failed to decode violation at sequence %d: %w", e.Sequence, err)
		}
		out = append(out, &v)
	}
	if err := t.foldStatus(ctx, tenant, out); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PolicyCode != out[j].PolicyCode {
			return out[i].PolicyCode < out[j].PolicyCode
		}
		return out[i].OffenseCount < out[j].OffenseCount
	})
	return out, nil
}

// UpdateCaseStatus moves a violation's case to a new status, appending a
// case_update entry. Transitions outside the case table fail with
// *TransitionError.
func (t *Tracker) UpdateCaseStatus(ctx context.Context, tenant, id string, to CaseStatus, actor, note string) (*Violation, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("unknown case status %q", to)
	}
	if actor == "" {
		return nil, errors.New("actor is required")
	}

	unlock := t.locks.Lock(tenant + "\x00case\x00" + id)
	defer unlock()

	v, err := t.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if !v.CaseStatus.CanTransition(to) {
		return nil, &TransitionError{ID: id, From: v.CaseStatus, To: to}
	}

	update := CaseUpdate{
		ViolationID: id,
		From:        v.CaseStatus,
		To:          to,
		Actor:       actor,
		Note:        note,
		UpdatedAt:   t.now().UTC(),
	}
	idx := audit.Index{PolicyCode: v.PolicyCode, SubjectID: v.SubjectID, RecordID: id, Status: string(to)}
	if _, err := t.ledger.Append(ctx, tenant, audit.KindCaseUpdate, idx, update); err != nil {
		return nil, fmt.Errorf("failed to record case update: %w", err)
	}

	t.logger.Info("violation case updated",
		"tenant", tenant,
		"violation_id", id,
		"from", update.From,
		"to", to,
		"actor", actor,
	)
	v.CaseStatus = to
	return v, nil
}

// foldStatus applies case_update entries, in sequence order, to vs.
func (t *Tracker) foldStatus(ctx context.Context, tenant string, vs []*Violation) error {
	if len(vs) == 0 {
		return nil
	}
	byID := make(map[string]*Violation, len(vs))
	for _, v := range vs {
		byID[v.ID] = v
	}

	q := &audit.Query{Tenant: tenant, Kind: audit.KindCaseUpdate}
	if len(vs) == 1 {
		q.RecordID = vs[0].ID
	} else {
		q.SubjectID = vs[0].SubjectID
	}
	entries, err := t.ledger.Query(ctx, q)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if v, ok := byID[e.RecordID]; ok {
			v.CaseStatus = CaseStatus(e.Status)
		}
	}
	return nil
}

// keyedMutex serialises work per key. Entries are removed once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
