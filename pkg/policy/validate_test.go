package policy

import (
	"errors"
	"strings"
	"testing"
)

func validTemplate() *Template {
	return &Template{
		Code:    "MAINT-MILEAGE",
		Version: 1,
		Conditions: []Condition{
			{Type: ConditionThreshold, Field: "mileage", Operator: OpGT, Value: 100000},
		},
		Actions: []Action{
			{Type: ActionCreateWorkOrder, Target: "work_orders", Parameters: map[string]any{"title": "Service due"}},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Template)
		wantErr string
	}{
		{
			name:   "valid template",
			mutate: func(*Template) {},
		},
		{
			name:    "missing code",
			mutate:  func(t *Template) { t.Code = "" },
			wantErr: "code is required",
		},
		{
			name: "numeric operator on string field",
			mutate: func(t *Template) {
				t.Conditions[0] = Condition{Field: "vin", FieldType: FieldString, Operator: OpGT, Value: "x"}
			},
			wantErr: "not compatible with string fields",
		},
		{
			name: "regex on number field",
			mutate: func(t *Template) {
				t.Conditions[0] = Condition{Field: "mileage", FieldType: FieldNumber, Operator: OpMatches, Value: "^1"}
			},
			wantErr: "not compatible with number fields",
		},
		{
			name: "operator outside condition category",
			mutate: func(t *Template) {
				t.Conditions[0].Type = ConditionRange
			},
			wantErr: "not valid for condition type",
		},
		{
			name: "between needs a pair",
			mutate: func(t *Template) {
				t.Conditions[0] = Condition{Field: "mileage", FieldType: FieldNumber, Operator: OpBetween, Value: []any{1}}
			},
			wantErr: "[low, high] pair",
		},
		{
			name: "between bounds out of order",
			mutate: func(t *Template) {
				t.Conditions[0] = Condition{Field: "mileage", FieldType: FieldNumber, Operator: OpBetween, Value: []any{10, 1}}
			},
			wantErr: "low bound exceeds high bound",
		},
		{
			name: "invalid regex",
			mutate: func(t *Template) {
				t.Conditions[0] = Condition{Field: "plate", Operator: OpMatches, Value: "("}
			},
			wantErr: "invalid pattern",
		},
		{
			name: "exists without value or type",
			mutate: func(t *Template) {
				t.Conditions[0] = Condition{Field: "inspection.date", Operator: OpExists}
			},
		},
		{
			name: "missing action parameter",
			mutate: func(t *Template) {
				t.Actions[0].Parameters = nil
			},
			wantErr: `requires parameter "title"`,
		},
		{
			name: "log_violation cannot set offense count",
			mutate: func(t *Template) {
				t.Actions = append(t.Actions, Action{Type: ActionLogViolation, Target: "violations", Parameters: map[string]any{"offense_count": 9}})
			},
			wantErr: "is derived",
		},
		{
			name: "bad schedule",
			mutate: func(t *Template) {
				t.Schedule = "every day"
				t.SubjectKind = "vehicle"
			},
			wantErr: "schedule",
		},
		{
			name: "scheduled policy needs a subject kind",
			mutate: func(t *Template) {
				t.Schedule = "0 6 * * *"
			},
			wantErr: "subject_kind is required",
		},
		{
			name: "escalation must start at one",
			mutate: func(t *Template) {
				t.Escalation = []EscalationTier{{MinOffenses: 2, Severity: SeverityMinor}}
			},
			wantErr: "must start at 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := validTemplate()
			tt.mutate(tmpl)
			err := Validate(tmpl)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected *SchemaError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	tmpl := &Template{Code: "X"}
	err := Validate(tmpl)
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
	if len(schemaErr.Problems) != 2 {
		t.Errorf("expected 2 problems, got %d: %v", len(schemaErr.Problems), schemaErr.Problems)
	}
}

func TestEffectiveFieldType(t *testing.T) {
	tests := []struct {
		value any
		want  FieldType
	}{
		{100000, FieldNumber},
		{1.5, FieldNumber},
		{"abc", FieldString},
		{"2025-01-01T00:00:00Z", FieldTimestamp},
		{true, FieldBoolean},
		{[]any{"a", "b"}, FieldString},
		{nil, ""},
	}

	for _, tt := range tests {
		got := Condition{Value: tt.value}.EffectiveFieldType()
		if got != tt.want {
			t.Errorf("EffectiveFieldType(%v) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := validTemplate()
	orig.Conditions[0].Value = []any{1, 2}
	clone := orig.Clone()

	clone.Conditions[0].Value.([]any)[0] = 99
	clone.Actions[0].Parameters["title"] = "changed"

	if orig.Conditions[0].Value.([]any)[0] != 1 {
		t.Error("condition value shared between clone and original")
	}
	if orig.Actions[0].Parameters["title"] != "Service due" {
		t.Error("action parameters shared between clone and original")
	}
}
