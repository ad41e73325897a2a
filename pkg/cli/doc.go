/*
Package cli provides helpers shared by the warden command: output
formatting, progress reporting, exit codes and signal handling.

Output Formatting:

Commands print results as text tables, JSON or CSV. Values that implement
Tabular render as aligned columns in text mode and as rows in CSV mode:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, executions); err != nil {
		return err
	}

Progress Reporting:

Verifying every tenant chain can take a while on a large audit database:

	progress := cli.NewProgressReporter(os.Stderr, "Verifying")
	progress.Start(int64(len(tenants)))
	for i, tenant := range tenants {
		// verify tenant
		progress.Update(int64(i + 1))
	}
	progress.Finish()

Exit Codes:

Commands return *ExitError to choose a non-zero exit status; ExitCode maps
any error to the status main should exit with.
*/
package cli
