package action

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an action failure for the caller's retry decision.
type ErrorKind string

const (
	// Transient failures may succeed on retry.
	Transient ErrorKind = "transient"

	// Fatal failures will not succeed on retry.
	Fatal ErrorKind = "fatal"
)

var (
	// ErrUnknownTarget is returned when an action names an unregistered target.
	ErrUnknownTarget = errors.New("unknown action target")

	// ErrIdempotencyUnavailable is the cause of a Transient failure recorded
	// when the idempotency store cannot be read. The target is not called.
	ErrIdempotencyUnavailable = errors.New("idempotency store unavailable")
)

// ActionExecutionError reports a failed action.
type ActionExecutionError struct {
	Kind   ErrorKind
	Index  int
	Target string
	Cause  error
}

// Error implements the error interface.
func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed [%s]: %v", e.Index, e.Target, e.Kind, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ActionExecutionError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the failure should not be retried.
func (e *ActionExecutionError) IsFatal() bool {
	return e.Kind == Fatal
}

// classified lets targets state the kind of a failure.
type classified struct {
	kind ErrorKind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// FatalError marks err as not retryable.
func FatalError(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: Fatal, err: err}
}

// TransientError marks err as retryable.
func TransientError(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: Transient, err: err}
}

// KindOf returns the classification of err. Unclassified errors are
// Transient.
func KindOf(err error) ErrorKind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	var ae *ActionExecutionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Transient
}
