// Warden enforces fleet compliance policies.
//
// It evaluates versioned policies against driver and vehicle state, runs
// their actions, tracks violations and records every outcome in a per-tenant
// hash-chained audit log.
//
// Usage:
//
//	# Start the API server and scheduler
//	warden serve --config warden.yaml
//
//	# Check policy definitions without loading them
//	warden policy validate policies/
//
//	# Run a policy against one subject
//	warden trigger HOS-11 --subject DR-7
//
//	# Verify every tenant audit chain
//	warden audit verify
//
//	# Export a tenant's audit log as CSV
//	warden audit export --tenant acme --format csv --out audit.csv
package main

import (
	"os"

	"fleetops/warden/pkg/cli"
)

func main() {
	os.Exit(cli.ExitCode(Execute()))
}
