// Package execution defines the record of one policy run and reads recorded
// runs back from the audit log.
package execution

import (
	"time"

	"fleetops/warden/pkg/action"
	"fleetops/warden/pkg/evaluator"
)

// Status is the state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// TriggerType is what caused an execution.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerManual    TriggerType = "manual"
	TriggerViolation TriggerType = "violation"
)

// TriggerContext carries the details of the trigger.
type TriggerContext struct {
	SubjectID string `json:"subject_id,omitempty"`
	Event     string `json:"event,omitempty"`

	// Depth is the position in a violation-triggered chain. Runs started
	// directly by a schedule, event or operator have depth 1.
	Depth             int    `json:"depth"`
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	ViolationID       string `json:"violation_id,omitempty"`
	RequestedBy       string `json:"requested_by,omitempty"`
}

// Execution is one run of one policy version against one subject. It is
// immutable once its status is terminal.
type Execution struct {
	ID            string         `json:"id"`
	Tenant        string         `json:"tenant"`
	PolicyCode    string         `json:"policy_code"`
	PolicyVersion int            `json:"policy_version"`
	TriggerType   TriggerType    `json:"trigger_type"`
	Trigger       TriggerContext `json:"trigger_context"`

	Status        Status                 `json:"status"`
	ConditionsMet bool                   `json:"conditions_met"`
	Trace         []evaluator.TraceEntry `json:"condition_trace,omitempty"`
	Actions       []action.Record        `json:"actions_executed,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Attempts      int                    `json:"attempts"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the execution ran, or zero if it has not
// finished.
func (e *Execution) Duration() time.Duration {
	if e.FinishedAt.IsZero() || e.StartedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// ActionStarted reports whether any action was attempted.
func (e *Execution) ActionStarted() bool {
	for _, rec := range e.Actions {
		if rec.Outcome != action.OutcomeSkipped {
			return true
		}
	}
	return false
}
