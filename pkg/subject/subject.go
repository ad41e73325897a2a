// Package subject provides read access to the live state of managed
// entities (vehicles, drivers, facilities) as immutable snapshots.
package subject

import (
	"context"
	"errors"
	"strings"
	"time"

	"fleetops/warden/pkg/policy"
)

// ErrNotFound is returned when a subject does not exist.
var ErrNotFound = errors.New("subject not found")

// Snapshot is a point-in-time copy of a subject's fields. It is never
// modified after creation.
type Snapshot struct {
	ID      string
	Kind    string
	Tenant  string
	TakenAt time.Time

	fields map[string]any
}

// NewSnapshot deep-copies fields into a new Snapshot.
func NewSnapshot(id, kind, tenant string, fields map[string]any, at time.Time) *Snapshot {
	copied, _ := policy.CopyValue(normalize(fields)).(map[string]any)
	if copied == nil {
		copied = map[string]any{}
	}
	return &Snapshot{ID: id, Kind: kind, Tenant: tenant, TakenAt: at, fields: copied}
}

// Lookup resolves a dot-separated path into the snapshot. A nil value is
// reported as absent.
func (s *Snapshot) Lookup(path string) (any, bool) {
	if s == nil || path == "" {
		return nil, false
	}
	var cur any = s.fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Fields returns a deep copy of the snapshot's fields.
func (s *Snapshot) Fields() map[string]any {
	return policy.CopyValue(s.fields).(map[string]any)
}

// Reader fetches subject snapshots.
type Reader interface {
	Snapshot(ctx context.Context, id string) (*Snapshot, error)
}

// Lister enumerates subjects of a kind for scheduled runs.
type Lister interface {
	Subjects(ctx context.Context, kind string) ([]string, error)
}

// Source is both a Reader and a Lister.
type Source interface {
	Reader
	Lister
}

// normalize converts map[any]any nodes, which some YAML decoders produce,
// into map[string]any so dot paths resolve uniformly.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if ks, ok := k.(string); ok {
				out[ks] = normalize(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
