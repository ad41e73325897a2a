package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"fleetops/warden/pkg/cli"
	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/policy/loader"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate, load and inspect policy templates",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate PATH...",
	Short: "Validate policy definition files",
	Long: `Decode and validate policy definition files without touching the store.

Each PATH may be a YAML file or a directory searched recursively.

Examples:
  warden policy validate policies/
  warden policy validate hos.yaml maintenance.yaml -o json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPolicyValidate,
}

var policyLoadCmd = &cobra.Command{
	Use:   "load [PATH]",
	Short: "Load policy definitions into the configured store",
	Long: `Store each changed definition as a new draft version. With --activate each
new draft is activated immediately. PATH defaults to policy.definitions_path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyLoad,
}

var policyShowCmd = &cobra.Command{
	Use:   "show CODE",
	Short: "List the versions of a policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyShow,
}

var policyLoadFlags struct {
	activate bool
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd, policyLoadCmd, policyShowCmd)

	addOutputFlag(policyValidateCmd)
	addOutputFlag(policyLoadCmd)
	addOutputFlag(policyShowCmd)
	policyLoadCmd.Flags().BoolVar(&policyLoadFlags.activate, "activate", false, "activate each new draft")
}

// PolicyCheck is the validation outcome of one definition.
type PolicyCheck struct {
	File       string `json:"file"`
	Code       string `json:"code"`
	Tenant     string `json:"tenant,omitempty"`
	Conditions int    `json:"conditions"`
	Actions    int    `json:"actions"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

type policyChecks []PolicyCheck

func (c policyChecks) Table() cli.Table {
	t := cli.Table{Headers: []string{"CODE", "TENANT", "CONDITIONS", "ACTIONS", "RESULT"}}
	for _, pc := range c {
		result := "ok"
		if !pc.Valid {
			result = pc.Error
		}
		t.Rows = append(t.Rows, []string{
			pc.Code, pc.Tenant, strconv.Itoa(pc.Conditions), strconv.Itoa(pc.Actions), result,
		})
	}
	return t
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	l := loader.New(loader.DefaultConfig())
	var checks policyChecks
	for _, path := range args {
		templates, err := l.Load(path)
		if err != nil {
			checks = append(checks, PolicyCheck{File: path, Error: err.Error()})
			continue
		}
		for _, t := range templates {
			pc := PolicyCheck{
				File:       path,
				Code:       t.Code,
				Tenant:     t.Tenant,
				Conditions: len(t.Conditions),
				Actions:    len(t.Actions),
				Valid:      true,
			}
			if err := policy.Validate(t); err != nil {
				pc.Valid = false
				pc.Error = err.Error()
			}
			checks = append(checks, pc)
		}
	}

	if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), checks); err != nil {
		return err
	}

	invalid := 0
	for _, pc := range checks {
		if !pc.Valid {
			invalid++
		}
	}
	if invalid > 0 {
		return &cli.ExitError{
			Code: cli.ExitFailure,
			Err:  fmt.Errorf("%d of %d policy definitions are invalid", invalid, len(checks)),
		}
	}
	return nil
}

// SyncRow is the outcome of loading one policy code.
type SyncRow struct {
	Code   string `json:"code"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

type syncRows []SyncRow

func (r syncRows) Table() cli.Table {
	t := cli.Table{Headers: []string{"CODE", "RESULT"}}
	for _, row := range r {
		result := row.Result
		if row.Error != "" {
			result += ": " + row.Error
		}
		t.Rows = append(t.Rows, []string{row.Code, result})
	}
	return t
}

func runPolicyLoad(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	path := a.Config.Policy.DefinitionsPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return errors.New("no definitions path: pass PATH or set policy.definitions_path")
	}
	autoActivate := a.Config.Policy.AutoActivate || policyLoadFlags.activate

	syncer := loader.NewSyncer(loader.New(loader.DefaultConfig()), a.Policies, path, autoActivate)
	res, err := syncer.Sync(cmd.Context())
	if err != nil {
		return cli.NewCommandError("policy load", err)
	}

	activated := make(map[string]bool, len(res.Activated))
	for _, code := range res.Activated {
		activated[code] = true
	}
	var rows syncRows
	for _, code := range res.Created {
		result := "created"
		if activated[code] {
			result = "created, activated"
		}
		rows = append(rows, SyncRow{Code: code, Result: result})
	}
	for _, code := range res.Unchanged {
		rows = append(rows, SyncRow{Code: code, Result: "unchanged"})
	}
	for code, ferr := range res.Failed {
		rows = append(rows, SyncRow{Code: code, Result: "failed", Error: ferr.Error()})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Code < rows[j].Code })

	if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), rows); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return &cli.ExitError{
			Code: cli.ExitFailure,
			Err:  fmt.Errorf("%d policies failed to load", len(res.Failed)),
		}
	}
	return nil
}

type versionRows []*policy.Template

func (v versionRows) Table() cli.Table {
	t := cli.Table{Headers: []string{"VERSION", "STATUS", "TRIGGERS", "UPDATED"}}
	for _, tmpl := range v {
		var triggers []string
		if tmpl.Schedule != "" {
			triggers = append(triggers, "cron "+tmpl.Schedule)
		}
		if len(tmpl.Events) > 0 {
			triggers = append(triggers, "events "+strings.Join(tmpl.Events, ","))
		}
		if len(tmpl.OnViolationOf) > 0 {
			triggers = append(triggers, "violations "+strings.Join(tmpl.OnViolationOf, ","))
		}
		if len(triggers) == 0 {
			triggers = append(triggers, "manual")
		}
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(tmpl.Version),
			string(tmpl.Status),
			strings.Join(triggers, "; "),
			tmpl.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return t
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	versions, err := a.Policies.Versions(cmd.Context(), args[0])
	if err != nil {
		return cli.NewCommandError("policy show", err)
	}
	if len(versions) == 0 {
		return cli.NewCommandError("policy show", fmt.Errorf("policy %s: %w", args[0], policy.ErrNotFound))
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), versionRows(versions))
}
