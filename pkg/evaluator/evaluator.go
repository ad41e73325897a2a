// Package evaluator decides whether a policy's conditions hold for a subject
// snapshot.
//
// Evaluation is pure: the same conditions and snapshot always yield the same
// Result. Conditions are combined with AND, and every condition is evaluated
// even after one is false so the trace is complete.
package evaluator

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"fleetops/warden/pkg/policy"
)

// Fields resolves dot paths into a subject snapshot.
type Fields interface {
	Lookup(path string) (any, bool)
}

// Reason explains a condition's result in the trace.
type Reason string

const (
	ReasonMatched         Reason = "matched"
	ReasonNotMatched      Reason = "not_matched"
	ReasonFieldMissing    Reason = "field_missing"
	ReasonEvaluationError Reason = "evaluation_error"
)

// TraceEntry records how one condition was evaluated.
type TraceEntry struct {
	Index    int                  `json:"index"`
	Type     policy.ConditionType `json:"type,omitempty"`
	Field    string               `json:"field"`
	Operator policy.Operator      `json:"operator"`
	Expected any                  `json:"expected,omitempty"`
	Actual   any                  `json:"actual,omitempty"`
	Result   bool                 `json:"result"`
	Reason   Reason               `json:"reason"`
	Error    string               `json:"error,omitempty"`
}

// Result is the outcome of evaluating a condition list.
type Result struct {
	Met   bool         `json:"met"`
	Trace []TraceEntry `json:"trace"`
}

// Errors returns the evaluation errors captured in the trace.
func (r Result) Errors() []*EvaluationError {
	var out []*EvaluationError
	for _, e := range r.Trace {
		if e.Reason == ReasonEvaluationError {
			out = append(out, &EvaluationError{Index: e.Index, Field: e.Field, Operator: e.Operator, Cause: fmt.Errorf("%s", e.Error)})
		}
	}
	return out
}

// EvaluationError reports a condition that could not be evaluated, such as
// a numeric comparison against a string value.
type EvaluationError struct {
	Index    int
	Field    string
	Operator policy.Operator
	Cause    error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("condition %d (%s %s): %v", e.Index, e.Field, e.Operator, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// Evaluator evaluates conditions and caches compiled patterns.
type Evaluator struct {
	patterns sync.Map // pattern string -> *regexp.Regexp
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

var defaultEvaluator = New()

// Evaluate evaluates conditions with a shared Evaluator.
func Evaluate(conditions []policy.Condition, fields Fields) Result {
	return defaultEvaluator.Evaluate(conditions, fields)
}

// Evaluate returns Met when every condition holds. An empty condition list
// is met.
func (e *Evaluator) Evaluate(conditions []policy.Condition, fields Fields) Result {
	result := Result{Met: true, Trace: make([]TraceEntry, 0, len(conditions))}
	for i, c := range conditions {
		entry := e.evaluateOne(i, c, fields)
		if !entry.Result {
			result.Met = false
		}
		result.Trace = append(result.Trace, entry)
	}
	return result
}

func (e *Evaluator) evaluateOne(index int, c policy.Condition, fields Fields) TraceEntry {
	entry := TraceEntry{
		Index:    index,
		Type:     c.Type,
		Field:    c.Field,
		Operator: c.Operator,
		Expected: c.Value,
	}

	actual, present := fields.Lookup(c.Field)
	if present {
		entry.Actual = actual
	}

	switch c.Operator {
	case policy.OpExists:
		return finish(entry, present)
	case policy.OpNotExists:
		return finish(entry, !present)
	}

	if !present {
		entry.Reason = ReasonFieldMissing
		return entry
	}

	ok, err := e.compare(c, actual)
	if err != nil {
		entry.Reason = ReasonEvaluationError
		entry.Error = (&EvaluationError{Index: index, Field: c.Field, Operator: c.Operator, Cause: err}).Error()
		return entry
	}
	return finish(entry, ok)
}

func finish(entry TraceEntry, ok bool) TraceEntry {
	entry.Result = ok
	if ok {
		entry.Reason = ReasonMatched
	} else {
		entry.Reason = ReasonNotMatched
	}
	return entry
}

func (e *Evaluator) compare(c policy.Condition, actual any) (bool, error) {
	ft := c.EffectiveFieldType()
	if ft == "" {
		ft = policy.Condition{Value: actual}.EffectiveFieldType()
	}
	if !policy.FieldTypeAllows(ft, c.Operator) {
		return false, fmt.Errorf("operator %s is not supported for %s fields", c.Operator, ft)
	}

	switch ft {
	case policy.FieldNumber:
		a, ok := policy.ToFloat(actual)
		if !ok {
			return false, fmt.Errorf("expected number, got %T", actual)
		}
		return compareOrdered(c, a, policy.ToFloat, cmpFloat)

	case policy.FieldTimestamp:
		a, ok := policy.ToTime(actual)
		if !ok {
			return false, fmt.Errorf("expected timestamp, got %T", actual)
		}
		return compareOrdered(c, a, policy.ToTime, func(x, y time.Time) int { return x.Compare(y) })

	case policy.FieldString:
		a, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("expected string, got %T", actual)
		}
		return e.compareString(c, a)

	case policy.FieldBoolean:
		a, ok := actual.(bool)
		if !ok {
			return false, fmt.Errorf("expected boolean, got %T", actual)
		}
		want, ok := c.Value.(bool)
		if !ok {
			return false, fmt.Errorf("expected boolean value, got %T", c.Value)
		}
		if c.Operator == policy.OpNotEquals {
			return a != want, nil
		}
		return a == want, nil

	case policy.FieldList:
		list, ok := policy.ToList(actual)
		if !ok {
			return false, fmt.Errorf("expected list, got %T", actual)
		}
		found := false
		for _, item := range list {
			if equalValues(item, c.Value) {
				found = true
				break
			}
		}
		if c.Operator == policy.OpNotContains {
			return !found, nil
		}
		return found, nil
	}

	return false, fmt.Errorf("unsupported field type %q", ft)
}

// compareOrdered implements the comparison operators shared by numbers and
// timestamps.
func compareOrdered[T any](c policy.Condition, actual T, convert func(any) (T, bool), cmp func(T, T) int) (bool, error) {
	switch c.Operator {
	case policy.OpBetween, policy.OpNotBetween:
		lowRaw, highRaw, ok := policy.Bounds(c.Value)
		if !ok {
			return false, fmt.Errorf("between requires a [low, high] pair")
		}
		low, ok1 := convert(lowRaw)
		high, ok2 := convert(highRaw)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("between bounds have the wrong type")
		}
		inside := cmp(actual, low) >= 0 && cmp(actual, high) <= 0
		if c.Operator == policy.OpNotBetween {
			return !inside, nil
		}
		return inside, nil

	case policy.OpIn, policy.OpNotIn:
		list, ok := policy.ToList(c.Value)
		if !ok {
			return false, fmt.Errorf("%s requires a list value", c.Operator)
		}
		found := false
		for _, raw := range list {
			v, ok := convert(raw)
			if !ok {
				return false, fmt.Errorf("list element %v has the wrong type", raw)
			}
			if cmp(actual, v) == 0 {
				found = true
				break
			}
		}
		if c.Operator == policy.OpNotIn {
			return !found, nil
		}
		return found, nil
	}

	expected, ok := convert(c.Value)
	if !ok {
		return false, fmt.Errorf("value %v has the wrong type for %s", c.Value, c.Operator)
	}
	r := cmp(actual, expected)
	switch c.Operator {
	case policy.OpEquals:
		return r == 0, nil
	case policy.OpNotEquals:
		return r != 0, nil
	case policy.OpGT:
		return r > 0, nil
	case policy.OpLT:
		return r < 0, nil
	case policy.OpGTE:
		return r >= 0, nil
	case policy.OpLTE:
		return r <= 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

func (e *Evaluator) compareString(c policy.Condition, actual string) (bool, error) {
	switch c.Operator {
	case policy.OpEquals, policy.OpNotEquals:
		want, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("expected string value, got %T", c.Value)
		}
		return (actual == want) == (c.Operator == policy.OpEquals), nil

	case policy.OpContains, policy.OpNotContains:
		want, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("expected string value, got %T", c.Value)
		}
		return strings.Contains(actual, want) == (c.Operator == policy.OpContains), nil

	case policy.OpIn, policy.OpNotIn:
		list, ok := policy.ToList(c.Value)
		if !ok {
			return false, fmt.Errorf("%s requires a list value", c.Operator)
		}
		found := false
		for _, item := range list {
			if s, ok := item.(string); ok && s == actual {
				found = true
				break
			}
		}
		return found == (c.Operator == policy.OpIn), nil

	case policy.OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("matches_regex requires a string pattern")
		}
		re, err := e.pattern(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(actual), nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

func (e *Evaluator) pattern(p string) (*regexp.Regexp, error) {
	if cached, ok := e.patterns.Load(p); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", p, err)
	}
	e.patterns.Store(p, re)
	return re, nil
}

func cmpFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// equalValues compares list elements, treating numbers of different Go
// types as equal when their values are.
func equalValues(a, b any) bool {
	if af, ok := policy.ToFloat(a); ok {
		bf, ok := policy.ToFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}
