package subject

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Record is a subject's current state.
type Record struct {
	ID     string         `yaml:"id" json:"id"`
	Kind   string         `yaml:"kind" json:"kind"`
	Tenant string         `yaml:"tenant,omitempty" json:"tenant,omitempty"`
	Fields map[string]any `yaml:"fields" json:"fields"`
}

// MemoryStore holds subject state in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[string]Record
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects: make(map[string]Record),
		now:      time.Now,
	}
}

// Put replaces a subject's state.
func (m *MemoryStore) Put(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Fields = normalize(r.Fields).(map[string]any)
	m.subjects[r.ID] = r
}

// Update merges top-level fields into an existing subject.
func (m *MemoryStore) Update(id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.subjects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	merged := make(map[string]any, len(r.Fields)+len(fields))
	for k, v := range r.Fields {
		merged[k] = v
	}
	for k, v := range normalize(fields).(map[string]any) {
		merged[k] = v
	}
	r.Fields = merged
	m.subjects[id] = r
	return nil
}

// Snapshot implements Reader.
func (m *MemoryStore) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.subjects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return NewSnapshot(r.ID, r.Kind, r.Tenant, r.Fields, m.now().UTC()), nil
}

// Subjects implements Lister. IDs are returned in sorted order.
func (m *MemoryStore) Subjects(ctx context.Context, kind string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, r := range m.subjects {
		if kind == "" || r.Kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type fixture struct {
	Subjects []Record `yaml:"subjects"`
}

// LoadFile reads a YAML fixture of the form {subjects: [{id, kind, fields}]}
// into a new MemoryStore.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subjects file: %w", err)
	}
	var f fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse subjects file: %w", err)
	}

	store := NewMemoryStore()
	for i, r := range f.Subjects {
		if r.ID == "" {
			return nil, fmt.Errorf("subjects[%d]: id is required", i)
		}
		if r.Fields == nil {
			r.Fields = map[string]any{}
		}
		store.Put(r)
	}
	return store, nil
}
