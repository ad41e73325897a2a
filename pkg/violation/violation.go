// Package violation records compliance violations in the audit log and
// derives their offense count and escalation.
//
// The offense count for a (policy code, subject) pair is the number of
// violation entries already in the tenant's audit chain plus one. Counting
// and appending are serialised per pair, so counts never repeat or skip.
// Case status is folded from case_update entries that follow a violation.
package violation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"fleetops/warden/pkg/policy"
)

// TargetID is the registry id the tracker is registered under for
// log_violation actions.
const TargetID = "violation_tracker"

// ErrNotFound is returned when no violation has the requested id.
var ErrNotFound = errors.New("violation not found")

// CaseStatus is the review state of a violation case.
type CaseStatus string

const (
	CaseOpen               CaseStatus = "Open"
	CaseUnderInvestigation CaseStatus = "UnderInvestigation"
	CaseActionTaken        CaseStatus = "ActionTaken"
	CaseClosed             CaseStatus = "Closed"
	CaseUnderAppeal        CaseStatus = "UnderAppeal"
)

var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseOpen:               {CaseUnderInvestigation, CaseActionTaken, CaseClosed},
	CaseUnderInvestigation: {CaseActionTaken, CaseClosed},
	CaseActionTaken:        {CaseUnderAppeal, CaseClosed},
	CaseUnderAppeal:        {CaseActionTaken, CaseClosed},
	CaseClosed:             nil,
}

// Valid reports whether s is a known case status.
func (s CaseStatus) Valid() bool {
	_, ok := caseTransitions[s]
	return ok
}

// CanTransition reports whether a case may move from s to to.
func (s CaseStatus) CanTransition(to CaseStatus) bool {
	for _, next := range caseTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a case status change the transition table
// does not allow.
type TransitionError struct {
	ID   string
	From CaseStatus
	To   CaseStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("violation %s cannot move from %s to %s", e.ID, e.From, e.To)
}

// Violation is one recorded breach of a policy by a subject.
type Violation struct {
	ID                 string          `json:"id"`
	Tenant             string          `json:"tenant"`
	PolicyCode         string          `json:"policy_code"`
	PolicyVersion      int             `json:"policy_version"`
	SubjectID          string          `json:"subject_id"`
	ExecutionID        string          `json:"execution_id"`
	IdempotencyKey     string          `json:"idempotency_key"`
	Severity           policy.Severity `json:"severity"`
	OffenseCount       int             `json:"offense_count"`
	DisciplinaryAction string          `json:"disciplinary_action"`
	CaseStatus         CaseStatus      `json:"case_status"`
	Description        string          `json:"description,omitempty"`
	RecordedAt         time.Time       `json:"recorded_at"`
}

// CaseUpdate is the payload of a case_update audit entry.
type CaseUpdate struct {
	ViolationID string     `json:"violation_id"`
	From        CaseStatus `json:"from"`
	To          CaseStatus `json:"to"`
	Actor       string     `json:"actor"`
	Note        string     `json:"note,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DefaultEscalation is the escalation table used when neither the policy
// nor the configuration supplies one.
var DefaultEscalation = []policy.EscalationTier{
	{MinOffenses: 1, Severity: policy.SeverityMinor, DisciplinaryAction: "Verbal Warning"},
	{MinOffenses: 2, Severity: policy.SeverityModerate, DisciplinaryAction: "Written Warning"},
	{MinOffenses: 3, Severity: policy.SeveritySerious, DisciplinaryAction: "Suspension"},
	{MinOffenses: 4, Severity: policy.SeverityCritical, DisciplinaryAction: "Termination"},
}

// Escalate returns the highest tier whose MinOffenses is at most count.
// Counts below the first tier map to the first tier.
func Escalate(table []policy.EscalationTier, count int) policy.EscalationTier {
	if len(table) == 0 {
		table = DefaultEscalation
	}
	sorted := append([]policy.EscalationTier(nil), table...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinOffenses < sorted[j].MinOffenses })

	tier := sorted[0]
	for _, t := range sorted {
		if t.MinOffenses <= count {
			tier = t
		}
	}
	return tier
}
