package dispatcher

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelRefused is returned by Cancel once an execution has started
	// running actions.
	ErrCancelRefused = errors.New("execution already started actions; cancel refused")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")

	// ErrQueueFull is recorded when queued work cannot be accepted.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrLeaseHeld is recorded for a scheduled run skipped because the
	// previous run of the policy still holds its lease.
	ErrLeaseHeld = errors.New("previous run still holds the policy lease")

	// ErrRunPending is recorded for a scheduled fire skipped because the
	// previous scheduled run of the policy is still queued.
	ErrRunPending = errors.New("previous scheduled run of the policy has not finished")

	errCancelled = errors.New("cancelled before actions started")
)

// CycleLimitError is recorded for a violation-triggered run nested deeper
// than the configured limit.
type CycleLimitError struct {
	PolicyCode string
	Depth      int
	Limit      int
}

// Error implements the error interface.
func (e *CycleLimitError) Error() string {
	return fmt.Sprintf("violation chain depth %d exceeds limit %d at policy %s", e.Depth, e.Limit, e.PolicyCode)
}

// TimeoutError is recorded for an execution that exceeded its wall-clock
// budget.
type TimeoutError struct {
	PolicyCode  string
	ExecutionID string
	Budget      time.Duration
	Phase       string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution %s of %s exceeded %s during %s", e.ExecutionID, e.PolicyCode, e.Budget, e.Phase)
}
