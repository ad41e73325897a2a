package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"fleetops/warden/pkg/audit"
	"fleetops/warden/pkg/audit/anchor"
	"fleetops/warden/pkg/cli"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify, export and anchor tenant audit chains",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify tenant hash chains",
	Long: `Recompute every entry hash of each tenant chain and report the first
divergent sequence. Exits with status 2 when any chain is invalid.

Examples:
  warden audit verify
  warden audit verify --tenant acme -o json`,
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

var auditTipCmd = &cobra.Command{
	Use:   "tip",
	Short: "Print the head of each tenant chain",
	Args:  cobra.NoArgs,
	RunE:  runAuditTip,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a tenant's audit entries",
	Long: `Write the tenant's entries as JSON or CSV, oldest first.

Examples:
  warden audit export --tenant acme --format csv --out audit.csv
  warden audit export --tenant acme --kind violation --subject DR-7`,
	Args: cobra.NoArgs,
	RunE: runAuditExport,
}

var auditAnchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Publish every tenant tip to the anchor file now",
	Args:  cobra.NoArgs,
	RunE:  runAuditAnchor,
}

var auditFlags struct {
	tenant       string
	format       string
	out          string
	kind         string
	policyCode   string
	subjectID    string
	fromSequence int64
	toSequence   int64
	anchorPath   string
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditTipCmd, auditExportCmd, auditAnchorCmd)

	auditCmd.PersistentFlags().StringVarP(&auditFlags.tenant, "tenant", "t", "", "tenant (default: every tenant, or service.default_tenant for export)")
	addOutputFlag(auditVerifyCmd)
	addOutputFlag(auditTipCmd)

	auditExportCmd.Flags().StringVar(&auditFlags.format, "format", "json", "export format: json, csv")
	auditExportCmd.Flags().StringVar(&auditFlags.out, "out", "", "output file (default: stdout)")
	auditExportCmd.Flags().StringVar(&auditFlags.kind, "kind", "", "entry kind: execution, violation, case_update, recovery")
	auditExportCmd.Flags().StringVar(&auditFlags.policyCode, "policy", "", "policy code")
	auditExportCmd.Flags().StringVar(&auditFlags.subjectID, "subject", "", "subject id")
	auditExportCmd.Flags().Int64Var(&auditFlags.fromSequence, "from-sequence", 0, "first sequence, inclusive")
	auditExportCmd.Flags().Int64Var(&auditFlags.toSequence, "to-sequence", 0, "last sequence, inclusive")

	auditAnchorCmd.Flags().StringVar(&auditFlags.anchorPath, "path", "", "anchor file (default: audit.anchor.path)")
}

type verifyRows []*audit.VerifyResult

func (v verifyRows) Table() cli.Table {
	t := cli.Table{Headers: []string{"TENANT", "VALID", "ENTRIES", "TIP", "DIVERGENT", "REASON"}}
	for _, r := range v {
		divergent := "-"
		if r.FirstDivergentSequence != nil {
			divergent = strconv.FormatInt(*r.FirstDivergentSequence, 10)
		}
		t.Rows = append(t.Rows, []string{
			r.Tenant,
			strconv.FormatBool(r.Valid),
			strconv.FormatInt(r.EntriesChecked, 10),
			strconv.FormatInt(r.TipSequence, 10),
			divergent,
			r.Reason,
		})
	}
	return t
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	tenants := []string{auditFlags.tenant}
	if auditFlags.tenant == "" {
		if tenants, err = a.Audit.Tenants(ctx); err != nil {
			return cli.NewCommandError("audit verify", err)
		}
	}

	var progress cli.ProgressReporter
	if format == cli.FormatText && len(tenants) > 1 {
		progress = cli.NewProgressReporter(cmd.ErrOrStderr(), "Verifying")
		progress.Start(int64(len(tenants)))
	}

	results := make(verifyRows, 0, len(tenants))
	invalid := 0
	for i, tenant := range tenants {
		res, err := a.Audit.Verify(ctx, tenant)
		if err != nil {
			if progress != nil {
				progress.Error(err)
			}
			return cli.NewCommandError("audit verify", err)
		}
		if !res.Valid {
			invalid++
		}
		results = append(results, res)
		if progress != nil {
			progress.Update(int64(i + 1))
		}
	}
	if progress != nil {
		progress.Finish()
	}

	if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if invalid > 0 {
		return &cli.ExitError{
			Code: cli.ExitIntegrity,
			Err:  fmt.Errorf("%d of %d audit chains failed verification", invalid, len(results)),
		}
	}
	return nil
}

type tipRows []audit.Tip

func (r tipRows) Table() cli.Table {
	t := cli.Table{Headers: []string{"TENANT", "SEQUENCE", "HASH"}}
	for _, tip := range r {
		t.Rows = append(t.Rows, []string{tip.Tenant, strconv.FormatInt(tip.Sequence, 10), tip.Hash})
	}
	return t
}

func runAuditTip(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	var tips tipRows
	if auditFlags.tenant != "" {
		tip, err := a.Audit.Tip(ctx, auditFlags.tenant)
		if err != nil {
			return cli.NewCommandError("audit tip", err)
		}
		tips = append(tips, tip)
	} else {
		all, err := a.Audit.Tips(ctx)
		if err != nil {
			return cli.NewCommandError("audit tip", err)
		}
		tips = all
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), tips)
}

func runAuditExport(cmd *cobra.Command, args []string) (err error) {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	exporter, ok := a.Exporters[auditFlags.format]
	if !ok {
		return fmt.Errorf("unknown export format %q: must be json or csv", auditFlags.format)
	}
	tenant := auditFlags.tenant
	if tenant == "" {
		tenant = a.Config.Service.DefaultTenant
	}
	q := &audit.Query{
		Tenant:       tenant,
		Kind:         audit.Kind(auditFlags.kind),
		PolicyCode:   auditFlags.policyCode,
		SubjectID:    auditFlags.subjectID,
		FromSequence: auditFlags.fromSequence,
		ToSequence:   auditFlags.toSequence,
	}

	var w io.Writer = cmd.OutOrStdout()
	if auditFlags.out != "" {
		f, err := os.Create(auditFlags.out)
		if err != nil {
			return cli.NewCommandError("audit export", err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		bw := bufio.NewWriter(f)
		defer func() {
			if ferr := bw.Flush(); ferr != nil && err == nil {
				err = ferr
			}
		}()
		w = bw
	}

	n, err := a.Audit.Export(cmd.Context(), q, exporter, w)
	if err != nil {
		return cli.NewCommandError("audit export", err)
	}
	if auditFlags.out != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Exported %d entries to %s\n", n, auditFlags.out)
	}
	return nil
}

func runAuditAnchor(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	path := auditFlags.anchorPath
	if path == "" {
		path = a.Config.Audit.Anchor.Path
	}
	sched := anchor.NewScheduler(a.Audit, anchor.NewFileAnchor(path), a.Config.Audit.Anchor.Schedule)
	n := sched.PublishAll(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Published %d tenant tips to %s\n", n, path)
	return nil
}
