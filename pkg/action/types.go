// Package action executes a policy's actions in order, exactly once per
// idempotency key.
//
// Each action is dispatched to a Target looked up by id in a Registry. The
// idempotency key of an action is "<execution_id>:<action_index>"; a key
// whose success was already recorded is replayed from the IdempotencyStore
// instead of calling the target again. The executor never retries; retry
// policy belongs to the caller.
package action

import (
	"context"
	"fmt"
	"time"

	"fleetops/warden/pkg/policy"
)

// Outcome is the result of one action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Request is what a Target receives for one action.
type Request struct {
	ExecutionID    string
	Tenant         string
	PolicyCode     string
	PolicyVersion  int
	SubjectID      string
	Index          int
	Action         policy.Action
	IdempotencyKey string

	// Policy is the template being executed. Targets must not modify it.
	Policy *policy.Template
}

// Param returns a parameter value.
func (r *Request) Param(name string) (any, bool) {
	v, ok := r.Action.Parameters[name]
	return v, ok
}

// StringParam returns a parameter as a string, or "" when absent.
func (r *Request) StringParam(name string) string {
	v, ok := r.Action.Parameters[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Result is what a Target returns on success.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
}

// Target performs one kind of side effect.
type Target interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, req *Request) (*Result, error)

// Execute calls f.
func (f TargetFunc) Execute(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// Record is the persisted outcome of one action.
type Record struct {
	Index          int               `json:"index"`
	Type           policy.ActionType `json:"type"`
	Target         string            `json:"target"`
	IdempotencyKey string            `json:"idempotency_key"`
	Outcome        Outcome           `json:"outcome"`
	Reason         string            `json:"reason,omitempty"`
	Duration       time.Duration     `json:"duration_ns"`
	Replayed       bool              `json:"replayed,omitempty"`
	Output         map[string]any    `json:"output,omitempty"`
}

// Report is the outcome of running a whole action list.
type Report struct {
	Records []Record `json:"records"`

	// Aborted is set when an abort_remaining action failed.
	Aborted bool `json:"aborted"`

	// Err is the failure that aborted the list, if any. Failures of
	// continue actions are recorded but do not set Err.
	Err *ActionExecutionError `json:"-"`
}

// Successful returns the records whose outcome is success.
func (r *Report) Successful() []Record {
	var out []Record
	for _, rec := range r.Records {
		if rec.Outcome == OutcomeSuccess {
			out = append(out, rec)
		}
	}
	return out
}

// Key builds the idempotency key for an action.
func Key(executionID string, index int) string {
	return fmt.Sprintf("%s:%d", executionID, index)
}
