package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"fleetops/warden/internal/app"
	"fleetops/warden/pkg/cli"
	"fleetops/warden/pkg/config"
	"fleetops/warden/pkg/telemetry/logging"
)

const defaultConfigFile = "warden.yaml"

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - fleet compliance policy enforcement",
	Long: `Warden evaluates versioned compliance policies against driver and vehicle
state and records every outcome in a tamper-evident audit log.

It provides:
  - Versioned policy templates with approval and atomic activation
  - Scheduled, event, manual and violation-triggered executions
  - Idempotent actions with retries and per-policy leases
  - Violation tracking with offense escalation and case management
  - Per-tenant hash-chained audit logs with verification and export`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and reports any error on stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the file named by --config with environment overrides
// and installs it as the process configuration. A missing default file
// means built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := cfgFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, cli.NewConfigError(path, err)
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	config.SetConfig(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config, w io.Writer) error {
	if _, err := logging.Setup(logging.FromConfig(cfg.Telemetry.Logging, w)); err != nil {
		return cli.NewConfigError("", err)
	}
	return nil
}

// openApp builds the components a one-shot command needs. Logs go to
// stderr so command output stays parseable, and the definitions watcher is
// never started.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Policy.Watch = false
	if !verbose {
		cfg.Telemetry.Logging.Level = "warn"
	}
	if err := setupLogging(cfg, cmd.ErrOrStderr()); err != nil {
		return nil, err
	}

	a, err := app.Build(cfg, buildInfo())
	if err != nil {
		return nil, cli.NewCommandError(cmd.Name(), err)
	}
	return a, nil
}

// outputFormat reads the --output flag of cmd.
func outputFormat(cmd *cobra.Command) (cli.OutputFormat, error) {
	s, _ := cmd.Flags().GetString("output")
	return cli.ParseFormat(s)
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "text", "output format: text, json, csv")
}
