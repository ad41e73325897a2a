package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleetops/warden/pkg/policy"
)

// MemoryBackend keeps policy versions in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	versions map[string]map[int]*policy.Template
	active   map[string]int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		versions: make(map[string]map[int]*policy.Template),
		active:   make(map[string]int),
	}
}

// Insert stores a new version.
func (m *MemoryBackend) Insert(ctx context.Context, t *policy.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byVersion, ok := m.versions[t.Code]
	if !ok {
		byVersion = make(map[int]*policy.Template)
		m.versions[t.Code] = byVersion
	}
	if _, exists := byVersion[t.Version]; exists {
		return ErrVersionExists
	}
	byVersion[t.Version] = t.Clone()
	return nil
}

// Get returns one version.
func (m *MemoryBackend) Get(ctx context.Context, code string, version int) (*policy.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.versions[code][version]
	if !ok {
		return nil, policy.ErrNotFound
	}
	return t.Clone(), nil
}

// Versions returns every version of a code in ascending order.
func (m *MemoryBackend) Versions(ctx context.Context, code string) ([]*policy.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byVersion, ok := m.versions[code]
	if !ok {
		return nil, policy.ErrNotFound
	}
	out := make([]*policy.Template, 0, len(byVersion))
	for _, t := range byVersion {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LatestVersion returns the highest version number for code.
func (m *MemoryBackend) LatestVersion(ctx context.Context, code string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := 0
	for v := range m.versions[code] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// SetStatus moves a version between statuses.
func (m *MemoryBackend) SetStatus(ctx context.Context, code string, version int, from, to policy.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.versions[code][version]
	if !ok {
		return policy.ErrNotFound
	}
	if t.Status != from {
		return ErrStatusChanged
	}
	t.Status = to
	t.UpdatedAt = at
	return nil
}

// Activate swaps the active pointer.
func (m *MemoryBackend) Activate(ctx context.Context, code string, version, expected int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.versions[code][version]
	if !ok {
		return policy.ErrNotFound
	}
	if m.active[code] != expected {
		return ErrActiveChanged
	}
	if t.Status != policy.StatusDraft && t.Status != policy.StatusPendingApproval {
		return ErrStatusChanged
	}

	if prev, ok := m.versions[code][expected]; ok && expected != 0 {
		prev.Status = policy.StatusSuperseded
		prev.UpdatedAt = at
	}
	t.Status = policy.StatusActive
	t.UpdatedAt = at
	activated := at
	t.ActivatedAt = &activated
	m.active[code] = version
	return nil
}

// Archive archives a version.
func (m *MemoryBackend) Archive(ctx context.Context, code string, version int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.versions[code][version]
	if !ok {
		return policy.ErrNotFound
	}
	if t.Status == policy.StatusArchived {
		return ErrStatusChanged
	}
	t.Status = policy.StatusArchived
	t.UpdatedAt = at
	if m.active[code] == version {
		delete(m.active, code)
	}
	return nil
}

// ActiveVersion returns the active version number for code.
func (m *MemoryBackend) ActiveVersion(ctx context.Context, code string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[code], nil
}

// Active returns the active version for code.
func (m *MemoryBackend) Active(ctx context.Context, code string) (*policy.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	version, ok := m.active[code]
	if !ok {
		if _, known := m.versions[code]; !known {
			return nil, policy.ErrNotFound
		}
		return nil, policy.ErrNoActiveVersion
	}
	return m.versions[code][version].Clone(), nil
}

// ListActive returns the active version of every code, ordered by code.
func (m *MemoryBackend) ListActive(ctx context.Context) ([]*policy.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*policy.Template, 0, len(m.active))
	for code, version := range m.active {
		out = append(out, m.versions[code][version].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}
