package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fleetops/warden/pkg/audit/anchor"
	"fleetops/warden/pkg/cli"
	"fleetops/warden/pkg/execution"
)

const definitions = `
policies:
  - code: HOS-11
    tenant: acme
    subject_kind: driver
    events: [hours_updated]
    conditions:
      - type: field_threshold
        field: hours_on_duty
        operator: gt
        value: 11
    actions:
      - type: log_violation
        target: violation_tracker
`

const invalidDefinition = `
code: BROKEN
conditions:
  - type: field_threshold
    field: hours_on_duty
    operator: contains
    value: 11
actions:
  - type: notify
    target: ops
`

const subjects = `
subjects:
  - id: DR-7
    kind: driver
    tenant: acme
    fields:
      hours_on_duty: 12.5
`

// env is a config file with SQLite stores in a temp directory, so state
// survives between command invocations.
type env struct {
	dir        string
	configPath string
	policies   string
	auditDB    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:      dir,
		policies: writeFile(t, dir, "policies.yaml", definitions),
		auditDB:  filepath.Join(dir, "data", "audit.db"),
	}
	subjectsPath := writeFile(t, dir, "subjects.yaml", subjects)
	e.configPath = writeFile(t, dir, "warden.yaml", `
service:
  default_tenant: acme
policy:
  backend: sqlite
  sqlite:
    path: `+filepath.Join(dir, "data", "policies.db")+`
  definitions_path: `+e.policies+`
  auto_activate: true
audit:
  backend: sqlite
  sqlite:
    path: `+e.auditDB+`
  anchor:
    path: `+filepath.Join(dir, "data", "anchors.jsonl")+`
subjects:
  fixture_path: `+subjectsPath+`
`)
	return e
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the root command with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	orig := Version
	Version = "0.1.0-test"
	defer func() { Version = orig }()

	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Warden 0.1.0-test", "Go Version: " + runtime.Version()} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", definitions)
	bad := writeFile(t, dir, "bad.yaml", invalidDefinition)

	out, err := run(t, "policy", "validate", good)
	if err != nil {
		t.Fatalf("validate good file: %v", err)
	}
	if !strings.Contains(out, "HOS-11") || !strings.Contains(out, "ok") {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, "policy", "validate", good, bad, "-o", "json")
	if cli.ExitCode(err) != cli.ExitFailure {
		t.Fatalf("exit code = %d (%v), want %d", cli.ExitCode(err), err, cli.ExitFailure)
	}
	var checks []PolicyCheck
	if err := json.Unmarshal([]byte(out), &checks); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(checks) != 2 || !checks[0].Valid || checks[1].Valid || checks[1].Code != "BROKEN" {
		t.Errorf("checks = %+v", checks)
	}
}

func TestServeDryRun(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, "serve", "--config", e.configPath, "--dry-run")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Errorf("output = %q", out)
	}

	_, err = run(t, "serve", "--config", e.configPath, "--dry-run", "--log-level", "loud")
	var cfgErr *cli.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want ConfigError", err)
	}
}

func TestTriggerAndAudit(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, "trigger", "HOS-11", "--subject", "DR-7", "--config", e.configPath, "-o", "json")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	var exec execution.Execution
	if err := json.Unmarshal([]byte(out), &exec); err != nil {
		t.Fatalf("trigger output is not JSON: %v\n%s", err, out)
	}
	if exec.Status != execution.StatusCompleted || !exec.ConditionsMet {
		t.Fatalf("execution = %+v", exec)
	}

	out, err = run(t, "policy", "show", "HOS-11", "--config", e.configPath)
	if err != nil {
		t.Fatalf("policy show: %v", err)
	}
	if !strings.Contains(out, "active") || !strings.Contains(out, "events hours_updated") {
		t.Errorf("policy show output = %q", out)
	}

	out, err = run(t, "audit", "verify", "--config", e.configPath)
	if err != nil {
		t.Fatalf("audit verify: %v", err)
	}
	if !strings.Contains(out, "acme") || !strings.Contains(out, "true") {
		t.Errorf("verify output = %q", out)
	}

	out, err = run(t, "audit", "export", "--config", e.configPath, "--format", "csv", "--kind", "violation")
	if err != nil {
		t.Fatalf("audit export: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 {
		t.Errorf("export = %d lines, want header and one violation:\n%s", len(lines), out)
	}

	if _, err := run(t, "audit", "anchor", "--config", e.configPath); err != nil {
		t.Fatalf("audit anchor: %v", err)
	}
	records, err := anchor.ReadFile(filepath.Join(e.dir, "data", "anchors.jsonl"))
	if err != nil || len(records) != 1 || records[0].Tenant != "acme" {
		t.Errorf("anchor records = %+v, %v", records, err)
	}
}

func TestAuditVerify_TamperedChain(t *testing.T) {
	e := newEnv(t)
	if _, err := run(t, "trigger", "HOS-11", "--subject", "DR-7", "--config", e.configPath); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite3", e.auditDB)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("DROP TRIGGER audit_entries_no_update"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("UPDATE audit_entries SET payload = replace(payload, 'DR-7', 'DR-9') WHERE sequence = 1"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	out, err := run(t, "audit", "verify", "--tenant", "acme", "--config", e.configPath, "-o", "json")
	if got := cli.ExitCode(err); got != cli.ExitIntegrity {
		t.Fatalf("exit code = %d (%v), want %d", got, err, cli.ExitIntegrity)
	}
	var results []struct {
		Valid                  bool   `json:"valid"`
		FirstDivergentSequence *int64 `json:"first_divergent_sequence"`
	}
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("verify output is not JSON: %v\n%s", err, out)
	}
	if len(results) != 1 || results[0].Valid || results[0].FirstDivergentSequence == nil || *results[0].FirstDivergentSequence != 1 {
		t.Errorf("results = %+v", results)
	}
}

func TestPolicyLoad(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, "policy", "load", e.policies, "--config", e.configPath, "-o", "csv")
	if err != nil {
		t.Fatal(err)
	}
	if want := "CODE,RESULT\nHOS-11,\"created, activated\"\n"; out != want {
		t.Errorf("first load = %q, want %q", out, want)
	}

	out, err = run(t, "policy", "load", e.policies, "--config", e.configPath, "-o", "csv")
	if err != nil {
		t.Fatal(err)
	}
	if want := "CODE,RESULT\nHOS-11,unchanged\n"; out != want {
		t.Errorf("second load = %q, want %q", out, want)
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := run(t, "audit", "tip", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	var cfgErr *cli.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error = %v, want ConfigError", err)
	}
}
