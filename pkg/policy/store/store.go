// Package store manages versioned policy templates and their lifecycle.
//
// Versions of a code are immutable once created; only their lifecycle status
// moves. At most one version of a code is active at any instant. Activation
// swaps the active pointer with a compare-and-set, so readers observe either
// the old or the new version and never a mix.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleetops/warden/pkg/policy"
)

// Store is the policy lifecycle service.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	// createMu serializes version allocation so concurrent drafts of the
	// same code get distinct, monotonically increasing versions.
	createMu sync.Mutex

	// inflight marks codes with an activation underway.
	inflight sync.Map

	// cache maps code to *atomic.Pointer[policy.Template] holding the
	// active version, or nil when the code has none.
	cache sync.Map

	listenersMu sync.RWMutex
	listeners   []func(*policy.Template)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store on the given backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.Default().With("component", "policy.store"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnActivate registers a callback invoked after every successful activation
// or archive of an active version. The callback receives a clone of the
// affected template.
func (s *Store) OnActivate(fn func(*policy.Template)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// CreateDraft stores t as a new Draft version of its code. The version
// number is assigned by the store and returned on the stored copy.
func (s *Store) CreateDraft(ctx context.Context, t *policy.Template) (*policy.Template, error) {
	if t == nil || t.Code == "" {
		return nil, &policy.SchemaError{Problems: []string{"code is required"}}
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	latest, err := s.backend.LatestVersion(ctx, t.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}

	draft := t.Clone()
	draft.Version = latest + 1
	draft.Status = policy.StatusDraft
	now := s.now().UTC()
	draft.CreatedAt = now
	draft.UpdatedAt = now
	draft.ActivatedAt = nil

	if err := s.backend.Insert(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to store draft: %w", err)
	}

	s.logger.Info("policy draft created", "code", draft.Code, "version", draft.Version)
	return draft.Clone(), nil
}

// SubmitForApproval moves a Draft version to PendingApproval.
func (s *Store) SubmitForApproval(ctx context.Context, code string, version int) error {
	err := s.backend.SetStatus(ctx, code, version, policy.StatusDraft, policy.StatusPendingApproval, s.now().UTC())
	if errors.Is(err, ErrStatusChanged) {
		return s.transitionError(ctx, code, version, policy.StatusPendingApproval)
	}
	if err != nil {
		return err
	}
	s.logger.Info("policy submitted for approval", "code", code, "version", version)
	return nil
}

// Activate validates a Draft or PendingApproval version and makes it the
// active version of its code. The previously active version becomes
// Superseded in the same step.
//
// A second activation for the same code while one is in flight fails with
// *policy.ConflictError. A version that fails validation returns
// *policy.SchemaError; if it was PendingApproval it is returned to Draft.
func (s *Store) Activate(ctx context.Context, code string, version int) (*policy.Template, error) {
	if _, busy := s.inflight.LoadOrStore(code, struct{}{}); busy {
		return nil, policy.NewConflictError(code, version, "another activation is in progress")
	}
	defer s.inflight.Delete(code)

	t, err := s.backend.Get(ctx, code, version)
	if err != nil {
		return nil, err
	}
	if t.Status != policy.StatusDraft && t.Status != policy.StatusPendingApproval {
		return nil, &policy.TransitionError{Code: code, Version: version, From: t.Status, To: policy.StatusActive}
	}

	if verr := policy.Validate(t); verr != nil {
		if t.Status == policy.StatusPendingApproval {
			if err := s.backend.SetStatus(ctx, code, version, policy.StatusPendingApproval, policy.StatusDraft, s.now().UTC()); err != nil {
				s.logger.Warn("failed to return rejected policy to draft", "code", code, "version", version, "error", err)
			}
		}
		s.logger.Warn("policy activation rejected", "code", code, "version", version, "error", verr)
		return nil, verr
	}

	expected, err := s.backend.ActiveVersion(ctx, code)
	if err != nil {
		return nil, err
	}

	switch err := s.backend.Activate(ctx, code, version, expected, s.now().UTC()); {
	case errors.Is(err, ErrActiveChanged):
		return nil, policy.NewConflictError(code, version, "active version changed during activation")
	case errors.Is(err, ErrStatusChanged):
		return nil, policy.NewConflictError(code, version, "version status changed during activation")
	case err != nil:
		return nil, err
	}

	active, err := s.backend.Get(ctx, code, version)
	if err != nil {
		return nil, err
	}

	s.pointer(code).Store(active)
	s.logger.Info("policy activated", "code", code, "version", version, "superseded", expected)
	s.notify(active)
	return active.Clone(), nil
}

// Archive moves a version to Archived. Archiving the active version leaves
// the code with no active version. It shares the per-code in-flight marker
// with Activate, so the active pointer cache never outlives the version it
// points at.
func (s *Store) Archive(ctx context.Context, code string, version int) error {
	if _, busy := s.inflight.LoadOrStore(code, struct{}{}); busy {
		return policy.NewConflictError(code, version, "an activation or archive is in progress")
	}
	defer s.inflight.Delete(code)

	activeVersion, err := s.backend.ActiveVersion(ctx, code)
	if err != nil {
		return err
	}

	err = s.backend.Archive(ctx, code, version, s.now().UTC())
	if errors.Is(err, ErrStatusChanged) {
		return s.transitionError(ctx, code, version, policy.StatusArchived)
	}
	if err != nil {
		return err
	}

	s.logger.Info("policy archived", "code", code, "version", version)
	if activeVersion == version {
		s.pointer(code).Store(nil)
		if t, err := s.backend.Get(ctx, code, version); err == nil {
			s.notify(t)
		}
	}
	return nil
}

// Active returns a snapshot of the active version of code. Pointers cached
// by this store are swapped whole; codes activated elsewhere (another process
// sharing the SQLite file) fall through to the backend.
func (s *Store) Active(ctx context.Context, code string) (*policy.Template, error) {
	if v, ok := s.cache.Load(code); ok {
		if t := v.(*atomic.Pointer[policy.Template]).Load(); t != nil {
			return t.Clone(), nil
		}
	}
	return s.backend.Active(ctx, code)
}

// Get returns a specific version.
func (s *Store) Get(ctx context.Context, code string, version int) (*policy.Template, error) {
	return s.backend.Get(ctx, code, version)
}

// Versions returns every version of code in ascending order.
func (s *Store) Versions(ctx context.Context, code string) ([]*policy.Template, error) {
	return s.backend.Versions(ctx, code)
}

// ListActive returns the active version of every code.
func (s *Store) ListActive(ctx context.Context) ([]*policy.Template, error) {
	return s.backend.ListActive(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) pointer(code string) *atomic.Pointer[policy.Template] {
	v, _ := s.cache.LoadOrStore(code, new(atomic.Pointer[policy.Template]))
	return v.(*atomic.Pointer[policy.Template])
}

func (s *Store) transitionError(ctx context.Context, code string, version int, to policy.Status) error {
	t, err := s.backend.Get(ctx, code, version)
	if err != nil {
		return err
	}
	return &policy.TransitionError{Code: code, Version: version, From: t.Status, To: to}
}

func (s *Store) notify(t *policy.Template) {
	s.listenersMu.RLock()
	listeners := append([]func(*policy.Template){}, s.listeners...)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(t.Clone())
	}
}
