package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type options struct {
	logger       *slog.Logger
	now          func() time.Time
	observer     Observer
	verifyOnOpen bool
}

// Option configures a Manager.
type Option func(*options)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithObserver reports appends and verifications to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// VerifyOnOpen verifies each tenant chain when its log is first opened, so
// a tampered chain is halted before it accepts new entries.
func VerifyOnOpen(enabled bool) Option {
	return func(o *options) { o.verifyOnOpen = enabled }
}

// Manager hands out one Log per tenant over a shared Storage.
type Manager struct {
	storage Storage
	opts    options
	logger  *slog.Logger

	mu     sync.Mutex
	logs   map[string]*Log
	closed bool
}

// NewManager creates a Manager.
func NewManager(storage Storage, opts ...Option) *Manager {
	o := options{
		logger: slog.Default().With("component", "audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		storage: storage,
		opts:    o,
		logger:  o.logger,
		logs:    make(map[string]*Log),
	}
}

// Log returns the tenant's log, opening it on first use.
func (m *Manager) Log(ctx context.Context, tenant string) (*Log, error) {
	if tenant == "" {
		return nil, errors.New("tenant is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrLogClosed
	}
	if l, ok := m.logs[tenant]; ok {
		return l, nil
	}

	l, err := openLog(ctx, tenant, m.storage, &m.opts)
	if err != nil {
		return nil, err
	}
	m.logs[tenant] = l

	if m.opts.verifyOnOpen {
		res, err := l.Verify(ctx)
		if err != nil {
			m.logger.Error("verification on open failed", "tenant", tenant, "error", err)
		} else if !res.Valid {
			m.logger.Error("tenant audit chain is halted", "tenant", tenant, "sequence", *res.FirstDivergentSequence)
		}
	}
	return l, nil
}

// Append adds a record to the tenant's chain.
func (m *Manager) Append(ctx context.Context, tenant string, kind Kind, idx Index, record any) (*Entry, error) {
	l, err := m.Log(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return l.Append(ctx, kind, idx, record)
}

// Verify verifies the tenant's chain.
func (m *Manager) Verify(ctx context.Context, tenant string) (*VerifyResult, error) {
	l, err := m.Log(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return l.Verify(ctx)
}

// Resume acknowledges a halted tenant chain.
func (m *Manager) Resume(ctx context.Context, tenant, reviewer, note string) (*Entry, error) {
	l, err := m.Log(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return l.Resume(ctx, reviewer, note)
}

// Tip returns the tenant's chain head.
func (m *Manager) Tip(ctx context.Context, tenant string) (Tip, error) {
	l, err := m.Log(ctx, tenant)
	if err != nil {
		return Tip{}, err
	}
	return l.Tip(), nil
}

// Tips returns the chain head of every tenant known to storage.
func (m *Manager) Tips(ctx context.Context) ([]Tip, error) {
	tenants, err := m.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	tips := make([]Tip, 0, len(tenants))
	for _, tenant := range tenants {
		tip, err := m.Tip(ctx, tenant)
		if err != nil {
			return nil, err
		}
		tips = append(tips, tip)
	}
	return tips, nil
}

// Halted returns the divergence of every open tenant log that is halted.
func (m *Manager) Halted() map[string]*ChainIntegrityError {
	m.mu.Lock()
	logs := make([]*Log, 0, len(m.logs))
	for _, l := range m.logs {
		logs = append(logs, l)
	}
	m.mu.Unlock()

	halted := make(map[string]*ChainIntegrityError)
	for _, l := range logs {
		if h := l.Halted(); h != nil {
			halted[l.Tenant()] = h
		}
	}
	return halted
}

// Tenants lists tenants with at least one entry.
func (m *Manager) Tenants(ctx context.Context) ([]string, error) {
	tenants, err := m.storage.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Query returns entries matching q.
func (m *Manager) Query(ctx context.Context, q *Query) ([]*Entry, error) {
	return m.storage.Query(ctx, q)
}

// Count returns the number of entries matching q.
func (m *Manager) Count(ctx context.Context, q *Query) (int64, error) {
	return m.storage.Count(ctx, q)
}

// Export writes the entries matching q using exporter.
func (m *Manager) Export(ctx context.Context, q *Query, exporter Exporter, w io.Writer) (int, error) {
	entries, err := m.storage.Query(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("failed to query entries for export: %w", err)
	}
	if err := exporter.Export(ctx, entries, w); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Close stops every tenant writer and closes storage.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	logs := m.logs
	m.logs = nil
	m.mu.Unlock()

	for _, l := range logs {
		l.Close()
	}
	return m.storage.Close()
}
