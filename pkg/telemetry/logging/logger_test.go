package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"fleetops/warden/pkg/config"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log output is not a single JSON line: %v\n%s", err, buf.String())
	}
	return entry
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "json", config: Config{Level: "info", Format: "json", RedactPII: true}},
		{name: "text", config: Config{Level: "debug", Format: "text"}},
		{name: "defaults", config: Config{}},
		{name: "invalid level", config: Config{Level: "loud"}, wantErr: true},
		{name: "invalid format", config: Config{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.Writer = &bytes.Buffer{}
			logger, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "warn", Format: "json", Writer: buf})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %s", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn record missing: %s", buf.String())
	}
}

func TestLogger_ContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "info", Format: "json", Writer: buf})
	if err != nil {
		t.Fatal(err)
	}

	ctx := WithRequestID(context.Background(), "req-42")
	ctx = WithTenant(ctx, "acme")
	ctx = WithActor(ctx, "ops@fleet")
	ctx = WithExecutionID(ctx, "exec-1")
	logger.InfoContext(ctx, "execution finished", "status", "Completed")

	entry := decodeLine(t, buf)
	want := map[string]string{
		"request_id":   "req-42",
		"tenant":       "acme",
		"actor":        "ops@fleet",
		"execution_id": "exec-1",
		"status":       "Completed",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLogger_Redaction(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{
		Level:     "info",
		Format:    "json",
		RedactPII: true,
		RedactPatterns: []config.RedactPattern{
			{Name: "vin", Pattern: `\b[A-HJ-NPR-Z0-9]{17}\b`, Replacement: "VIN-***"},
		},
		Writer: buf,
	})
	if err != nil {
		t.Fatal(err)
	}

	logger.With("api_token", "abc123").Info("webhook failed",
		"error", errString("post https://hooks.example.com?api_key=sekret: 401"),
		"note", "contact ana@example.com or 555-123-4567",
		"vehicle", "1HGCM82633A004352",
		"policy_code", "HOS-11",
		slog.Group("driver", slog.String("phone", "555-123-4567"), slog.String("id", "DR-7")),
	)

	entry := decodeLine(t, buf)
	if entry["api_token"] != "***" {
		t.Errorf("api_token = %v", entry["api_token"])
	}
	if s := entry["error"].(string); strings.Contains(s, "sekret") {
		t.Errorf("error not redacted: %s", s)
	}
	if s := entry["note"].(string); strings.Contains(s, "ana@") || strings.Contains(s, "4567") {
		t.Errorf("note not redacted: %s", s)
	}
	if entry["vehicle"] != "VIN-***" {
		t.Errorf("vehicle = %v", entry["vehicle"])
	}
	if entry["policy_code"] != "HOS-11" {
		t.Errorf("policy_code altered: %v", entry["policy_code"])
	}
	driver := entry["driver"].(map[string]any)
	if driver["phone"] != "***" || driver["id"] != "DR-7" {
		t.Errorf("driver group = %v", driver)
	}
}

func TestLogger_NoRedactionWhenDisabled(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Format: "json", Writer: buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("raw", "email", "ana@example.com")
	if decodeLine(t, buf)["email"] != "ana@example.com" {
		t.Error("value redacted with RedactPII disabled")
	}
}

func TestSetup(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	buf := &bytes.Buffer{}
	if _, err := Setup(FromConfig(config.LoggingConfig{Level: "info", Format: "text", RedactPII: true}, buf)); err != nil {
		t.Fatal(err)
	}
	slog.Default().With("component", "audit.manager").Info("chain resumed", "password", "hunter2")

	out := buf.String()
	if !strings.Contains(out, "component=audit.manager") || strings.Contains(out, "hunter2") {
		t.Errorf("unexpected default logger output: %s", out)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
