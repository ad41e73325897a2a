package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a policy code or version does not exist.
	ErrNotFound = errors.New("policy not found")

	// ErrNoActiveVersion is returned when a code has no Active version.
	ErrNoActiveVersion = errors.New("policy has no active version")
)

// SchemaError is returned when a policy fails validation. A policy that fails
// validation is never activated.
type SchemaError struct {
	Code     string
	Version  int
	Problems []string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("policy %s v%d failed validation: %s", e.Code, e.Version, e.Problems[0])
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "policy %s v%d failed validation with %d problems:", e.Code, e.Version, len(e.Problems))
	for _, p := range e.Problems {
		sb.WriteString("\n  - ")
		sb.WriteString(p)
	}
	return sb.String()
}

// ConflictError is returned when a concurrent activation or archive for the
// same code is in flight or the active pointer moved underneath the caller.
// Callers may retry.
type ConflictError struct {
	Code    string
	Version int
	Reason  string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on policy %s v%d: %s", e.Code, e.Version, e.Reason)
}

// NewConflictError creates a new ConflictError.
func NewConflictError(code string, version int, reason string) *ConflictError {
	return &ConflictError{Code: code, Version: version, Reason: reason}
}

// TransitionError is returned for a lifecycle transition that is not allowed
// from the version's current status.
type TransitionError struct {
	Code    string
	Version int
	From    Status
	To      Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("policy %s v%d cannot move from %s to %s", e.Code, e.Version, e.From, e.To)
}
