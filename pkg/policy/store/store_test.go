package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"fleetops/warden/pkg/policy"
)

func sampleTemplate(code string) *policy.Template {
	return &policy.Template{
		Code:   code,
		Tenant: "acme",
		Conditions: []policy.Condition{
			{Type: policy.ConditionThreshold, Field: "mileage", Operator: policy.OpGT, Value: 100000},
		},
		Actions: []policy.Action{
			{Type: policy.ActionNotify, Target: "ops", Parameters: map[string]any{"recipient": "ops@example.com", "message": "service due"}},
		},
	}
}

func backends(t *testing.T) map[string]func() Backend {
	return map[string]func() Backend{
		"memory": func() Backend { return NewMemoryBackend() },
		"sqlite": func() Backend {
			b, err := NewSQLiteBackend(SQLiteConfig{Path: filepath.Join(t.TempDir(), "policies.db")})
			if err != nil {
				t.Fatalf("NewSQLiteBackend() error = %v", err)
			}
			return b
		},
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, newBackend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(newBackend())
			defer s.Close()

			v1, err := s.CreateDraft(ctx, sampleTemplate("MAINT-1"))
			if err != nil {
				t.Fatalf("CreateDraft() error = %v", err)
			}
			if v1.Version != 1 || v1.Status != policy.StatusDraft {
				t.Fatalf("got version %d status %s, want 1 draft", v1.Version, v1.Status)
			}

			if _, err := s.Active(ctx, "MAINT-1"); !errors.Is(err, policy.ErrNoActiveVersion) {
				t.Errorf("Active() before activation error = %v, want ErrNoActiveVersion", err)
			}

			if err := s.SubmitForApproval(ctx, "MAINT-1", 1); err != nil {
				t.Fatalf("SubmitForApproval() error = %v", err)
			}
			if _, err := s.Activate(ctx, "MAINT-1", 1); err != nil {
				t.Fatalf("Activate(v1) error = %v", err)
			}

			v2, err := s.CreateDraft(ctx, sampleTemplate("MAINT-1"))
			if err != nil {
				t.Fatalf("CreateDraft(v2) error = %v", err)
			}
			if v2.Version != 2 {
				t.Fatalf("second draft version = %d, want 2", v2.Version)
			}
			if _, err := s.Activate(ctx, "MAINT-1", 2); err != nil {
				t.Fatalf("Activate(v2) error = %v", err)
			}

			active, err := s.Active(ctx, "MAINT-1")
			if err != nil {
				t.Fatalf("Active() error = %v", err)
			}
			if active.Version != 2 || active.ActivatedAt == nil {
				t.Errorf("active version = %d (activated_at %v), want 2 with timestamp", active.Version, active.ActivatedAt)
			}

			old, err := s.Get(ctx, "MAINT-1", 1)
			if err != nil {
				t.Fatalf("Get(v1) error = %v", err)
			}
			if old.Status != policy.StatusSuperseded {
				t.Errorf("v1 status = %s, want superseded", old.Status)
			}

			if err := s.Archive(ctx, "MAINT-1", 2); err != nil {
				t.Fatalf("Archive() error = %v", err)
			}
			if _, err := s.Active(ctx, "MAINT-1"); !errors.Is(err, policy.ErrNoActiveVersion) {
				t.Errorf("Active() after archive error = %v, want ErrNoActiveVersion", err)
			}

			versions, err := s.Versions(ctx, "MAINT-1")
			if err != nil {
				t.Fatalf("Versions() error = %v", err)
			}
			if len(versions) != 2 {
				t.Errorf("Versions() returned %d entries, want 2", len(versions))
			}
		})
	}
}

func TestStore_ActivateRejectsInvalid(t *testing.T) {
	for name, newBackend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(newBackend())
			defer s.Close()

			bad := sampleTemplate("BAD-1")
			bad.Conditions[0] = policy.Condition{Field: "vin", FieldType: policy.FieldString, Operator: policy.OpGT, Value: "x"}
			if _, err := s.CreateDraft(ctx, bad); err != nil {
				t.Fatalf("CreateDraft() error = %v", err)
			}
			if err := s.SubmitForApproval(ctx, "BAD-1", 1); err != nil {
				t.Fatalf("SubmitForApproval() error = %v", err)
			}

			_, err := s.Activate(ctx, "BAD-1", 1)
			var schemaErr *policy.SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("Activate() error = %v, want *SchemaError", err)
			}

			got, err := s.Get(ctx, "BAD-1", 1)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Status != policy.StatusDraft {
				t.Errorf("rejected version status = %s, want draft", got.Status)
			}
			if _, err := s.Active(ctx, "BAD-1"); !errors.Is(err, policy.ErrNoActiveVersion) {
				t.Errorf("Active() error = %v, want ErrNoActiveVersion", err)
			}
		})
	}
}

func TestStore_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())

	if _, err := s.CreateDraft(ctx, sampleTemplate("T-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Archive(ctx, "T-1", 1); err != nil {
		t.Fatal(err)
	}

	var transErr *policy.TransitionError
	if err := s.SubmitForApproval(ctx, "T-1", 1); !errors.As(err, &transErr) {
		t.Errorf("SubmitForApproval(archived) error = %v, want *TransitionError", err)
	}
	if _, err := s.Activate(ctx, "T-1", 1); !errors.As(err, &transErr) {
		t.Errorf("Activate(archived) error = %v, want *TransitionError", err)
	}
	if _, err := s.Activate(ctx, "T-1", 9); !errors.Is(err, policy.ErrNotFound) {
		t.Errorf("Activate(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_ActivationInFlightConflicts(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	if _, err := s.CreateDraft(ctx, sampleTemplate("C-1")); err != nil {
		t.Fatal(err)
	}

	s.inflight.Store("C-1", struct{}{})
	_, err := s.Activate(ctx, "C-1", 1)
	var conflict *policy.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Activate() error = %v, want *ConflictError", err)
	}
	s.inflight.Delete("C-1")

	if _, err := s.Activate(ctx, "C-1", 1); err != nil {
		t.Errorf("Activate() after release error = %v", err)
	}
}

func TestStore_ArchiveWaitsForActivation(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	if _, err := s.CreateDraft(ctx, sampleTemplate("C-2")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Activate(ctx, "C-2", 1); err != nil {
		t.Fatal(err)
	}

	s.inflight.Store("C-2", struct{}{})
	err := s.Archive(ctx, "C-2", 1)
	var conflict *policy.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Archive() during activation error = %v, want *ConflictError", err)
	}
	if got, err := s.Active(ctx, "C-2"); err != nil || got.Version != 1 {
		t.Fatalf("Active() after rejected archive = %v, %v; want v1", got, err)
	}
	s.inflight.Delete("C-2")

	if err := s.Archive(ctx, "C-2", 1); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if _, err := s.Active(ctx, "C-2"); !errors.Is(err, policy.ErrNoActiveVersion) {
		t.Errorf("Active() after archive error = %v, want ErrNoActiveVersion", err)
	}
}

func TestStore_ConcurrentActivationAndArchive(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	for i := 0; i < 2; i++ {
		if _, err := s.CreateDraft(ctx, sampleTemplate("MIX")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Activate(ctx, "MIX", 1); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Activate(ctx, "MIX", 2)
	}()
	go func() {
		defer wg.Done()
		s.Archive(ctx, "MIX", 2)
	}()
	wg.Wait()

	// Whatever the interleaving, the cached answer matches the backend.
	cached, cerr := s.Active(ctx, "MIX")
	stored, serr := s.backend.Active(ctx, "MIX")
	if (cerr == nil) != (serr == nil) {
		t.Fatalf("Active() = %v, backend = %v", cerr, serr)
	}
	if cerr == nil && cached.Version != stored.Version {
		t.Errorf("cached active v%d, backend active v%d", cached.Version, stored.Version)
	}
}

func TestStore_ConcurrentActivationKeepsSingleActive(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())

	const n = 8
	for i := 0; i < n; i++ {
		if _, err := s.CreateDraft(ctx, sampleTemplate("RACE")); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for v := 1; v <= n; v++ {
		wg.Add(1)
		go func(version int) {
			defer wg.Done()
			_, err := s.Activate(ctx, "RACE", version)
			var conflict *policy.ConflictError
			var trans *policy.TransitionError
			if err != nil && !errors.As(err, &conflict) && !errors.As(err, &trans) {
				t.Errorf("Activate(%d) unexpected error = %v", version, err)
			}
		}(v)
	}
	wg.Wait()

	versions, err := s.Versions(ctx, "RACE")
	if err != nil {
		t.Fatal(err)
	}
	active := 0
	for _, v := range versions {
		if v.Status == policy.StatusActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("found %d active versions, want exactly 1", active)
	}
}

func TestStore_ConcurrentDraftsGetDistinctVersions(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())

	var wg sync.WaitGroup
	seen := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.CreateDraft(ctx, sampleTemplate("DRAFTS"))
			if err != nil {
				t.Errorf("CreateDraft() error = %v", err)
				return
			}
			seen <- d.Version
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int]bool)
	for v := range seen {
		if unique[v] {
			t.Errorf("version %d allocated twice", v)
		}
		unique[v] = true
	}
}

func TestStore_OnActivateCallback(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())

	var got []string
	s.OnActivate(func(t *policy.Template) { got = append(got, string(t.Status)) })

	if _, err := s.CreateDraft(ctx, sampleTemplate("CB")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Activate(ctx, "CB", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Archive(ctx, "CB", 1); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 || got[0] != "active" || got[1] != "archived" {
		t.Errorf("callback statuses = %v, want [active archived]", got)
	}
}

func TestStore_ActiveReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	if _, err := s.CreateDraft(ctx, sampleTemplate("ISO")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Activate(ctx, "ISO", 1); err != nil {
		t.Fatal(err)
	}

	a, _ := s.Active(ctx, "ISO")
	a.Actions[0].Parameters["message"] = "tampered"

	b, _ := s.Active(ctx, "ISO")
	if b.Actions[0].Parameters["message"] != "service due" {
		t.Error("mutation of returned template leaked into store")
	}
}
