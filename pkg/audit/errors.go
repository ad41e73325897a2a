package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSequence is returned by Storage.Append for a sequence the
	// tenant already holds.
	ErrDuplicateSequence = errors.New("duplicate audit sequence")

	// ErrLogClosed is returned when appending to a closed log.
	ErrLogClosed = errors.New("audit log closed")

	// ErrNotHalted is returned by Resume when the log has no unresolved
	// divergence.
	ErrNotHalted = errors.New("audit log is not halted")
)

// StorageError represents an error from a storage backend.
type StorageError struct {
	Backend   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: operation, Cause: cause}
}

// ChainIntegrityError reports a broken hash chain. Sequence is the first
// entry whose hash, linkage or numbering does not verify.
type ChainIntegrityError struct {
	Tenant   string
	Sequence int64
	Reason   string
}

// Error implements the error interface.
func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain for tenant %q diverges at sequence %d: %s", e.Tenant, e.Sequence, e.Reason)
}

// ExportError represents an error during export.
type ExportError struct {
	Format     string
	EntryCount int
	Cause      error
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	return fmt.Sprintf("export error [format=%s, entry_count=%d]: %v", e.Format, e.EntryCount, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *ExportError) Unwrap() error {
	return e.Cause
}

// NewExportError creates a new ExportError.
func NewExportError(format string, entryCount int, cause error) *ExportError {
	return &ExportError{Format: format, EntryCount: entryCount, Cause: cause}
}
