package audit

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// Kind is the type of record an entry carries.
type Kind string

const (
	KindExecution  Kind = "execution"
	KindViolation  Kind = "violation"
	KindCaseUpdate Kind = "case_update"
	KindRecovery   Kind = "recovery"
)

// GenesisHash is the prev_hash of the first entry in every tenant chain.
var GenesisHash = strings.Repeat("0", 64)

// Index holds the denormalised columns stored alongside an entry for
// queries. They are also part of the hashed payload.
type Index struct {
	PolicyCode string `json:"policy_code,omitempty"`
	SubjectID  string `json:"subject_id,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Entry is one link in a tenant's hash chain.
type Entry struct {
	Tenant   string `json:"tenant"`
	Sequence int64  `json:"sequence"`
	Kind     Kind   `json:"kind"`
	Index

	PrevHash  string          `json:"prev_hash"`
	Payload   json.RawMessage `json:"payload"`
	EntryHash string          `json:"entry_hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// Clone returns a copy of the entry that shares no memory with e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// DecodeRecord unmarshals the record carried in the entry's payload into v.
func (e *Entry) DecodeRecord(v any) error {
	var env envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Record, v)
}

// Tip identifies the head of a tenant chain for external anchoring.
type Tip struct {
	Tenant    string    `json:"tenant"`
	Sequence  int64     `json:"sequence"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Query filters entries. Zero values are ignored.
type Query struct {
	Tenant     string
	Kind       Kind
	PolicyCode string
	SubjectID  string
	RecordID   string
	Status     string

	StartTime *time.Time
	EndTime   *time.Time

	// FromSequence and ToSequence bound the sequence range, inclusive.
	FromSequence int64
	ToSequence   int64

	Limit  int
	Offset int

	// Descending orders newest first. The default is ascending sequence.
	Descending bool
}

// Matches reports whether e satisfies the query filters. Pagination and
// ordering are not considered.
func (q *Query) Matches(e *Entry) bool {
	switch {
	case q.Tenant != "" && e.Tenant != q.Tenant,
		q.Kind != "" && e.Kind != q.Kind,
		q.PolicyCode != "" && e.PolicyCode != q.PolicyCode,
		q.SubjectID != "" && e.SubjectID != q.SubjectID,
		q.RecordID != "" && e.RecordID != q.RecordID,
		q.Status != "" && e.Status != q.Status,
		q.StartTime != nil && e.Timestamp.Before(*q.StartTime),
		q.EndTime != nil && e.Timestamp.After(*q.EndTime),
		q.FromSequence > 0 && e.Sequence < q.FromSequence,
		q.ToSequence > 0 && e.Sequence > q.ToSequence:
		return false
	}
	return true
}

// Storage persists entries. Implementations must be safe for concurrent use
// and must never modify or delete a stored entry.
type Storage interface {
	// Append stores an entry. It fails with ErrDuplicateSequence if the
	// tenant already has an entry with that sequence.
	Append(ctx context.Context, entry *Entry) error

	// Tip returns the highest-sequence entry of a tenant, or nil if the
	// tenant has no entries.
	Tip(ctx context.Context, tenant string) (*Entry, error)

	// Query returns matching entries ordered by (tenant, sequence).
	Query(ctx context.Context, query *Query) ([]*Entry, error)

	// QueryStream streams matching entries. Both channels are closed when
	// the stream ends; the error channel carries at most one error.
	QueryStream(ctx context.Context, query *Query) (<-chan *Entry, <-chan error, error)

	// Count returns the number of matching entries.
	Count(ctx context.Context, query *Query) (int64, error)

	// Tenants lists every tenant with at least one entry.
	Tenants(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Exporter writes entries in some external format.
type Exporter interface {
	Export(ctx context.Context, entries []*Entry, w io.Writer) error
}
