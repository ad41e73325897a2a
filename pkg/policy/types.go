package policy

import (
	"time"
)

// Status is the lifecycle state of a policy version.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusActive          Status = "active"
	StatusArchived        Status = "archived"
	StatusSuperseded      Status = "superseded"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusActive, StatusArchived, StatusSuperseded:
		return true
	}
	return false
}

// ConditionType is the semantic category of a condition. It restricts which
// operators the condition may use.
type ConditionType string

const (
	ConditionThreshold  ConditionType = "field_threshold"
	ConditionRange      ConditionType = "field_range"
	ConditionMembership ConditionType = "field_membership"
	ConditionPresence   ConditionType = "field_presence"
	ConditionPattern    ConditionType = "field_pattern"
	ConditionEquality   ConditionType = "field_equality"
)

// Operator is a comparison operator in a condition.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGT          Operator = "gt"
	OpLT          Operator = "lt"
	OpGTE         Operator = "gte"
	OpLTE         Operator = "lte"
	OpBetween     Operator = "between"
	OpNotBetween  Operator = "not_between"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpMatches     Operator = "matches_regex"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OpEquals, OpNotEquals, OpGT, OpLT, OpGTE, OpLTE, OpBetween, OpNotBetween,
	OpIn, OpNotIn, OpContains, OpNotContains, OpExists, OpNotExists, OpMatches,
}

// FieldType is the declared type of a snapshot field.
type FieldType string

const (
	FieldNumber    FieldType = "number"
	FieldString    FieldType = "string"
	FieldBoolean   FieldType = "boolean"
	FieldTimestamp FieldType = "timestamp"
	FieldList      FieldType = "list"
)

// Condition is a single predicate against a subject snapshot.
type Condition struct {
	Type      ConditionType `json:"type" yaml:"type"`
	Field     string        `json:"field" yaml:"field"`
	FieldType FieldType     `json:"field_type,omitempty" yaml:"field_type,omitempty"`
	Operator  Operator      `json:"operator" yaml:"operator"`
	Value     any           `json:"value,omitempty" yaml:"value,omitempty"`
}

// EffectiveFieldType returns the declared field type, or one inferred from
// the literal value when none is declared. It returns "" when neither is
// available (presence checks with no value).
func (c Condition) EffectiveFieldType() FieldType {
	if c.FieldType != "" {
		return c.FieldType
	}
	return inferFieldType(c.Value)
}

func inferFieldType(v any) FieldType {
	switch val := v.(type) {
	case nil:
		return ""
	case bool:
		return FieldBoolean
	case string:
		if _, err := time.Parse(time.RFC3339, val); err == nil {
			return FieldTimestamp
		}
		return FieldString
	case time.Time:
		return FieldTimestamp
	case []any:
		if len(val) == 0 {
			return ""
		}
		return inferFieldType(val[0])
	default:
		if _, ok := ToFloat(v); ok {
			return FieldNumber
		}
		return ""
	}
}

// ActionType enumerates the side effects a policy may request.
type ActionType string

const (
	ActionNotify              ActionType = "notify"
	ActionCreateWorkOrder     ActionType = "create_work_order"
	ActionUpdateSubjectStatus ActionType = "update_subject_status"
	ActionDisableSubject      ActionType = "disable_subject"
	ActionLogViolation        ActionType = "log_violation"
	ActionTriggerWebhook      ActionType = "trigger_webhook"
	ActionExecuteWorkflow     ActionType = "execute_workflow"
)

// FailurePolicy controls what happens to later actions when one fails.
type FailurePolicy string

const (
	AbortRemaining FailurePolicy = "abort_remaining"
	Continue       FailurePolicy = "continue"
)

// Action is a side-effecting step executed when all conditions hold.
type Action struct {
	Type       ActionType     `json:"type" yaml:"type"`
	Target     string         `json:"target" yaml:"target"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	OnFailure  FailurePolicy  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// FailureMode returns the action's failure policy, defaulting to abort_remaining.
func (a Action) FailureMode() FailurePolicy {
	if a.OnFailure == "" {
		return AbortRemaining
	}
	return a.OnFailure
}

// Severity grades a recorded violation.
type Severity string

const (
	SeverityMinor    Severity = "Minor"
	SeverityModerate Severity = "Moderate"
	SeveritySerious  Severity = "Serious"
	SeverityCritical Severity = "Critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityMinor, SeverityModerate, SeveritySerious, SeverityCritical:
		return true
	}
	return false
}

// EscalationTier maps an offense count to a severity and disciplinary action.
// A tier applies to every count at or above MinOffenses until the next tier.
type EscalationTier struct {
	MinOffenses        int      `json:"min_offenses" yaml:"min_offenses"`
	Severity           Severity `json:"severity" yaml:"severity"`
	DisciplinaryAction string   `json:"disciplinary_action" yaml:"disciplinary_action"`
}

// Template is one version of a compliance policy.
type Template struct {
	Code        string `json:"code" yaml:"code"`
	Version     int    `json:"version" yaml:"version,omitempty"`
	Tenant      string `json:"tenant" yaml:"tenant,omitempty"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Status      Status `json:"status" yaml:"status,omitempty"`

	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Actions    []Action    `json:"actions" yaml:"actions"`

	// Schedule is a standard five-field cron spec. Empty means the policy
	// only runs on events, manual triggers or violations.
	Schedule  string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Mandatory bool   `json:"mandatory" yaml:"mandatory"`

	// SubjectKind selects the subjects a scheduled run iterates.
	SubjectKind string `json:"subject_kind,omitempty" yaml:"subject_kind,omitempty"`

	// Events lists subject-change event names that trigger this policy.
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`

	// OnViolationOf lists policy codes whose recorded violations trigger this policy.
	OnViolationOf []string `json:"on_violation_of,omitempty" yaml:"on_violation_of,omitempty"`

	// Escalation overrides the tracker's default escalation table.
	Escalation []EscalationTier `json:"escalation,omitempty" yaml:"escalation,omitempty"`

	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"-"`
	ActivatedAt *time.Time `json:"activated_at,omitempty" yaml:"-"`
}

// ListensTo reports whether the template is triggered by the named event.
func (t *Template) ListensTo(event string) bool {
	for _, e := range t.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// ReactsTo reports whether violations of code trigger the template.
func (t *Template) ReactsTo(code string) bool {
	for _, c := range t.OnViolationOf {
		if c == code {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the template. Snapshots handed to readers are
// always clones so that no caller can observe or cause a partial edit.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	c.Conditions = make([]Condition, len(t.Conditions))
	for i, cond := range t.Conditions {
		cond.Value = CopyValue(cond.Value)
		c.Conditions[i] = cond
	}
	c.Actions = make([]Action, len(t.Actions))
	for i, a := range t.Actions {
		if a.Parameters != nil {
			a.Parameters = CopyValue(a.Parameters).(map[string]any)
		}
		c.Actions[i] = a
	}
	c.Events = append([]string(nil), t.Events...)
	c.OnViolationOf = append([]string(nil), t.OnViolationOf...)
	c.Escalation = append([]EscalationTier(nil), t.Escalation...)
	if t.ActivatedAt != nil {
		at := *t.ActivatedAt
		c.ActivatedAt = &at
	}
	return &c
}

// CopyValue deep-copies maps and slices built from JSON or YAML decoding.
func CopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
