package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"fleetops/warden/pkg/cli"
	"fleetops/warden/pkg/execution"
)

var triggerFlags struct {
	subjectID string
	actor     string
}

var triggerCmd = &cobra.Command{
	Use:   "trigger CODE",
	Short: "Run the active version of a policy once",
	Long: `Run the active version of a policy against one subject. The execution is
recorded in the tenant audit log like any other run, and policies listening
for its violations run before the command exits.

Examples:
  warden trigger HOS-11 --subject DR-7
  warden trigger MAINT-MILEAGE --subject VH-100 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)

	triggerCmd.Flags().StringVarP(&triggerFlags.subjectID, "subject", "s", "", "subject id")
	triggerCmd.Flags().StringVar(&triggerFlags.actor, "actor", "cli", "recorded as the requester")
	addOutputFlag(triggerCmd)
	_ = triggerCmd.MarkFlagRequired("subject")
}

type executionRow execution.Execution

func (e *executionRow) Table() cli.Table {
	t := cli.Table{Headers: []string{"FIELD", "VALUE"}}
	add := func(k, v string) {
		t.Rows = append(t.Rows, []string{k, v})
	}
	add("id", e.ID)
	add("tenant", e.Tenant)
	add("policy", fmt.Sprintf("%s v%d", e.PolicyCode, e.PolicyVersion))
	add("subject", e.Trigger.SubjectID)
	add("status", string(e.Status))
	add("conditions_met", strconv.FormatBool(e.ConditionsMet))
	for _, rec := range e.Actions {
		add(fmt.Sprintf("action[%d]", rec.Index), fmt.Sprintf("%s -> %s: %s", rec.Type, rec.Target, rec.Outcome))
	}
	if e.FailureReason != "" {
		add("failure", e.FailureReason)
	}
	return t
}

func runTrigger(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return cli.NewCommandError("trigger", err)
	}

	exec, err := a.Dispatcher.TriggerManual(ctx, args[0], triggerFlags.subjectID, triggerFlags.actor)
	if err != nil {
		return cli.NewCommandError("trigger", err)
	}

	var out any = (*executionRow)(exec)
	if format == cli.FormatJSON {
		out = exec
	}
	if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if exec.Status == execution.StatusFailed {
		return &cli.ExitError{Code: cli.ExitFailure, Err: fmt.Errorf("execution %s failed: %s", exec.ID, exec.FailureReason)}
	}
	return nil
}
