package store

import (
	"context"
	"errors"
	"time"

	"fleetops/warden/pkg/policy"
)

var (
	// ErrVersionExists is returned when inserting a (code, version) that already exists.
	ErrVersionExists = errors.New("policy version already exists")

	// ErrStatusChanged is returned when a status compare-and-set finds a
	// different status than expected.
	ErrStatusChanged = errors.New("policy status changed concurrently")

	// ErrActiveChanged is returned when the active pointer no longer holds
	// the expected version.
	ErrActiveChanged = errors.New("active version changed concurrently")
)

// Backend persists policy versions and the per-code active pointer.
//
// Every mutating method is a compare-and-set: it applies only when the
// stored state still matches the caller's expectation, and is atomic with
// respect to readers.
type Backend interface {
	// Insert stores a new version. Returns ErrVersionExists on collision.
	Insert(ctx context.Context, t *policy.Template) error

	// Get returns one version or policy.ErrNotFound.
	Get(ctx context.Context, code string, version int) (*policy.Template, error)

	// Versions returns every version of a code in ascending order.
	Versions(ctx context.Context, code string) ([]*policy.Template, error)

	// LatestVersion returns the highest version number for code, or 0.
	LatestVersion(ctx context.Context, code string) (int, error)

	// SetStatus moves a version from one status to another.
	SetStatus(ctx context.Context, code string, version int, from, to policy.Status, at time.Time) error

	// Activate makes version the active one for code, provided the active
	// pointer currently holds expected (0 for none). The previously active
	// version, if any, becomes superseded in the same step.
	Activate(ctx context.Context, code string, version, expected int, at time.Time) error

	// Archive archives a version and clears the active pointer if it
	// pointed at that version.
	Archive(ctx context.Context, code string, version int, at time.Time) error

	// ActiveVersion returns the active version number for code, or 0.
	ActiveVersion(ctx context.Context, code string) (int, error)

	// Active returns the active version for code read in one consistent step.
	Active(ctx context.Context, code string) (*policy.Template, error)

	// ListActive returns the active version of every code.
	ListActive(ctx context.Context) ([]*policy.Template, error)

	// Close releases backend resources.
	Close() error
}
