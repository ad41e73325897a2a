package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetops/warden/pkg/audit"
)

// ErrNotFound is returned when no execution has the requested id.
var ErrNotFound = errors.New("execution not found")

// Ledger is the part of the audit log the repository reads.
type Ledger interface {
	Query(ctx context.Context, q *audit.Query) ([]*audit.Entry, error)
	Count(ctx context.Context, q *audit.Query) (int64, error)
}

// Filter selects recorded executions.
type Filter struct {
	Tenant     string
	PolicyCode string
	SubjectID  string
	Status     Status
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Repository reads terminal executions from the audit log, where the
// dispatcher records each one exactly once.
type Repository struct {
	ledger Ledger
}

// NewRepository creates a Repository.
func NewRepository(ledger Ledger) *Repository {
	return &Repository{ledger: ledger}
}

// Get returns the execution with the given id.
func (r *Repository) Get(ctx context.Context, tenant, id string) (*Execution, error) {
	entries, err := r.ledger.Query(ctx, &audit.Query{Tenant: tenant, Kind: audit.KindExecution, RecordID: id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decode(entries[0])
}

// List returns executions matching f, newest first, and the total number of
// matches ignoring pagination.
func (r *Repository) List(ctx context.Context, f Filter) ([]*Execution, int64, error) {
	q := f.query()
	total, err := r.ledger.Count(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	q.Limit = f.Limit
	q.Offset = f.Offset
	q.Descending = true
	entries, err := r.ledger.Query(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	out := make([]*Execution, 0, len(entries))
	for _, e := range entries {
		exec, err := decode(e)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, exec)
	}
	return out, total, nil
}

func (f Filter) query() *audit.Query {
	return &audit.Query{
		Tenant:     f.Tenant,
		Kind:       audit.KindExecution,
		PolicyCode: f.PolicyCode,
		SubjectID:  f.SubjectID,
		Status:     string(f.Status),
		StartTime:  f.From,
		EndTime:    f.To,
	}
}

// Index returns the audit columns for an execution.
func Index(e *Execution) audit.Index {
	return audit.Index{
		PolicyCode: e.PolicyCode,
		SubjectID:  e.Trigger.SubjectID,
		RecordID:   e.ID,
		Status:     string(e.Status),
	}
}

func decode(entry *audit.Entry) (*Execution, error) {
	var exec Execution
	if err := entry.DecodeRecord(&exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution at sequence %d: %w", entry.Sequence, err)
	}
	return &exec, nil
}
