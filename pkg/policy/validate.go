package policy

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/robfig/cron/v3"
)

// operatorsByFieldType lists the operators allowed for each declared field type.
var operatorsByFieldType = map[FieldType][]Operator{
	FieldNumber:    {OpEquals, OpNotEquals, OpGT, OpLT, OpGTE, OpLTE, OpBetween, OpNotBetween, OpIn, OpNotIn, OpExists, OpNotExists},
	FieldTimestamp: {OpEquals, OpNotEquals, OpGT, OpLT, OpGTE, OpLTE, OpBetween, OpNotBetween, OpIn, OpNotIn, OpExists, OpNotExists},
	FieldString:    {OpEquals, OpNotEquals, OpIn, OpNotIn, OpContains, OpNotContains, OpMatches, OpExists, OpNotExists},
	FieldBoolean:   {OpEquals, OpNotEquals, OpExists, OpNotExists},
	FieldList:      {OpContains, OpNotContains, OpExists, OpNotExists},
}

// operatorsByConditionType lists the operators allowed for each condition category.
var operatorsByConditionType = map[ConditionType][]Operator{
	ConditionThreshold:  {OpGT, OpLT, OpGTE, OpLTE},
	ConditionRange:      {OpBetween, OpNotBetween},
	ConditionMembership: {OpIn, OpNotIn, OpContains, OpNotContains},
	ConditionPresence:   {OpExists, OpNotExists},
	ConditionPattern:    {OpMatches},
	ConditionEquality:   {OpEquals, OpNotEquals},
}

// requiredParameters lists the parameters each action type must carry.
var requiredParameters = map[ActionType][]string{
	ActionNotify:              {"recipient", "message"},
	ActionCreateWorkOrder:     {"title"},
	ActionUpdateSubjectStatus: {"status"},
	ActionDisableSubject:      nil,
	ActionLogViolation:        nil,
	ActionTriggerWebhook:      nil,
	ActionExecuteWorkflow:     {"workflow"},
}

// reservedViolationParameters may not be supplied to log_violation; the
// tracker alone derives them.
var reservedViolationParameters = []string{"offense_count", "severity", "disciplinary_action"}

// FieldTypeAllows reports whether op may be used against fields of type ft.
func FieldTypeAllows(ft FieldType, op Operator) bool {
	return containsOperator(operatorsByFieldType[ft], op)
}

// RequiredParameters returns the parameter names an action type requires.
func RequiredParameters(t ActionType) ([]string, bool) {
	params, ok := requiredParameters[t]
	return params, ok
}

// ValidateParameters checks an action's parameters against its type.
func ValidateParameters(a Action) error {
	required, ok := requiredParameters[a.Type]
	if !ok {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	for _, name := range required {
		v, present := a.Parameters[name]
		if !present {
			return fmt.Errorf("%s requires parameter %q", a.Type, name)
		}
		if s, isString := v.(string); !isString || s == "" {
			return fmt.Errorf("%s parameter %q must be a non-empty string", a.Type, name)
		}
	}
	if a.Type == ActionLogViolation {
		for _, name := range reservedViolationParameters {
			if _, present := a.Parameters[name]; present {
				return fmt.Errorf("log_violation parameter %q is derived and cannot be set", name)
			}
		}
	}
	return nil
}

// Validate checks a template for activation. It returns a *SchemaError that
// lists every problem found, or nil.
func Validate(t *Template) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if t.Code == "" {
		add("code is required")
	}
	if len(t.Conditions) == 0 {
		add("at least one condition is required")
	}
	if len(t.Actions) == 0 {
		add("at least one action is required")
	}

	for i, c := range t.Conditions {
		for _, p := range validateCondition(c) {
			add("conditions[%d]: %s", i, p)
		}
	}

	for i, a := range t.Actions {
		if a.Target == "" {
			add("actions[%d]: target is required", i)
		}
		switch a.OnFailure {
		case "", AbortRemaining, Continue:
		default:
			add("actions[%d]: unknown on_failure %q", i, a.OnFailure)
		}
		if err := ValidateParameters(a); err != nil {
			add("actions[%d]: %v", i, err)
		}
	}

	if t.Schedule != "" {
		if _, err := cron.ParseStandard(t.Schedule); err != nil {
			add("schedule %q is invalid: %v", t.Schedule, err)
		}
		if t.SubjectKind == "" {
			add("subject_kind is required for scheduled policies")
		}
	}

	for i, code := range t.OnViolationOf {
		if code == "" {
			add("on_violation_of[%d]: empty policy code", i)
		}
	}

	if len(t.Escalation) > 0 {
		if err := ValidateEscalation(t.Escalation); err != nil {
			add("escalation: %v", err)
		}
	}

	if len(problems) > 0 {
		return &SchemaError{Code: t.Code, Version: t.Version, Problems: problems}
	}
	return nil
}

func validateCondition(c Condition) []string {
	var problems []string

	if c.Field == "" {
		problems = append(problems, "field is required")
	}
	if !containsOperator(Operators, c.Operator) {
		return append(problems, fmt.Sprintf("unknown operator %q", c.Operator))
	}

	if c.Type != "" {
		allowed, ok := operatorsByConditionType[c.Type]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown condition type %q", c.Type))
		} else if !containsOperator(allowed, c.Operator) {
			problems = append(problems, fmt.Sprintf("operator %s is not valid for condition type %s", c.Operator, c.Type))
		}
	}

	presence := c.Operator == OpExists || c.Operator == OpNotExists
	ft := c.EffectiveFieldType()
	if ft == "" {
		if !presence {
			problems = append(problems, "field_type is required when it cannot be inferred from value")
		}
		return problems
	}
	if _, ok := operatorsByFieldType[ft]; !ok {
		return append(problems, fmt.Sprintf("unknown field_type %q", ft))
	}
	if !FieldTypeAllows(ft, c.Operator) {
		problems = append(problems, fmt.Sprintf("operator %s is not compatible with %s fields", c.Operator, ft))
		return problems
	}

	if presence {
		return problems
	}
	if msg := validateValueShape(c, ft); msg != "" {
		problems = append(problems, msg)
	}
	return problems
}

func validateValueShape(c Condition, ft FieldType) string {
	switch c.Operator {
	case OpBetween, OpNotBetween:
		low, high, ok := Bounds(c.Value)
		if !ok {
			return fmt.Sprintf("%s requires a [low, high] pair", c.Operator)
		}
		if !scalarMatches(ft, low) || !scalarMatches(ft, high) {
			return fmt.Sprintf("%s bounds must be %s values", c.Operator, ft)
		}
		if !ordered(ft, low, high) {
			return fmt.Sprintf("%s low bound exceeds high bound", c.Operator)
		}
	case OpIn, OpNotIn:
		list, ok := ToList(c.Value)
		if !ok || len(list) == 0 {
			return fmt.Sprintf("%s requires a non-empty list", c.Operator)
		}
		for _, item := range list {
			if !scalarMatches(ft, item) {
				return fmt.Sprintf("%s list items must be %s values", c.Operator, ft)
			}
		}
	case OpContains, OpNotContains:
		if c.Value == nil {
			return fmt.Sprintf("%s requires a value", c.Operator)
		}
		if ft == FieldString {
			if _, ok := c.Value.(string); !ok {
				return fmt.Sprintf("%s on string fields requires a string value", c.Operator)
			}
		}
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return "matches_regex requires a string pattern"
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Sprintf("invalid pattern: %v", err)
		}
	default:
		if !scalarMatches(ft, c.Value) {
			return fmt.Sprintf("%s value must be a %s", c.Operator, ft)
		}
	}
	return ""
}

func scalarMatches(ft FieldType, v any) bool {
	switch ft {
	case FieldNumber:
		_, ok := ToFloat(v)
		return ok
	case FieldTimestamp:
		_, ok := ToTime(v)
		return ok
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldBoolean:
		_, ok := v.(bool)
		return ok
	default:
		return v != nil
	}
}

func ordered(ft FieldType, low, high any) bool {
	if ft == FieldTimestamp {
		l, _ := ToTime(low)
		h, _ := ToTime(high)
		return !l.After(h)
	}
	l, _ := ToFloat(low)
	h, _ := ToFloat(high)
	return l <= h
}

// ValidateEscalation checks that an escalation table starts at one offense and
// has strictly increasing thresholds.
func ValidateEscalation(tiers []EscalationTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("table is empty")
	}
	sorted := append([]EscalationTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinOffenses < sorted[j].MinOffenses })
	if sorted[0].MinOffenses != 1 {
		return fmt.Errorf("first tier must start at 1 offense, got %d", sorted[0].MinOffenses)
	}
	for i, tier := range sorted {
		if !tier.Severity.Valid() {
			return fmt.Errorf("tier for %d offenses has unknown severity %q", tier.MinOffenses, tier.Severity)
		}
		if i > 0 && tier.MinOffenses == sorted[i-1].MinOffenses {
			return fmt.Errorf("duplicate tier for %d offenses", tier.MinOffenses)
		}
	}
	return nil
}

func containsOperator(list []Operator, op Operator) bool {
	for _, o := range list {
		if o == op {
			return true
		}
	}
	return false
}
