package logging

import (
	"log/slog"
	"strings"
	"testing"

	"fleetops/warden/pkg/config"
)

func TestNewRedactor(t *testing.T) {
	r := NewRedactor([]config.RedactPattern{
		{Name: "badge", Pattern: `BADGE-\d+`, Replacement: "BADGE-***"},
		{Name: "broken", Pattern: `[unclosed`},
	})

	names := r.Patterns()
	if len(names) != len(defaultPatterns)+1 {
		t.Fatalf("patterns = %v", names)
	}
	if names[len(names)-1] != "badge" {
		t.Errorf("custom pattern not appended last: %v", names)
	}
}

func TestRedactor_RedactString(t *testing.T) {
	r := NewRedactor(nil)

	tests := []struct {
		name    string
		input   string
		leak    string
		survive string
	}{
		{name: "bearer", input: "Authorization: Bearer eyJhbGciOi.x.y", leak: "eyJhbGciOi", survive: "Bearer ***"},
		{name: "api key", input: "url?api_key=k3y-value&x=1", leak: "k3y-value", survive: "&x=1"},
		{name: "password", input: "password=hunter2 retry", leak: "hunter2", survive: "retry"},
		{name: "email", input: "notify dispatch@fleet.example.com now", leak: "dispatch@", survive: "notify"},
		{name: "ssn", input: "ssn 123-45-6789", leak: "6789", survive: "ssn"},
		{name: "phone", input: "call (555) 123-4567", leak: "4567", survive: "call"},
		{name: "plain", input: "HOS-11 v3 activated", survive: "HOS-11 v3 activated"},
		{name: "timestamp", input: "2026-10-16T08:00:00Z", survive: "2026-10-16T08:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.RedactString(tt.input)
			if tt.leak != "" && strings.Contains(got, tt.leak) {
				t.Errorf("RedactString(%q) = %q, leaks %q", tt.input, got, tt.leak)
			}
			if !strings.Contains(got, tt.survive) {
				t.Errorf("RedactString(%q) = %q, lost %q", tt.input, got, tt.survive)
			}
		})
	}
}

func TestRedactor_RedactAttr(t *testing.T) {
	r := NewRedactor(nil)

	tests := []struct {
		name string
		attr slog.Attr
		want string
	}{
		{name: "sensitive key", attr: slog.String("Authorization", "Basic Zm9v"), want: "***"},
		{name: "sensitive non-string", attr: slog.Int("license_number", 1234567), want: "***"},
		{name: "empty sensitive", attr: slog.String("secret", ""), want: ""},
		{name: "ordinary", attr: slog.String("subject_id", "DR-7"), want: "DR-7"},
		{name: "int untouched", attr: slog.Int("attempts", 3), want: "3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.RedactAttr(tt.attr)
			if got.Value.String() != tt.want {
				t.Errorf("RedactAttr() = %q, want %q", got.Value.String(), tt.want)
			}
		})
	}
}
