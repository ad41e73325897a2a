package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"fleetops/warden/internal/app"
	"fleetops/warden/pkg/cli"
	"fleetops/warden/pkg/config"
)

var serveFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Warden API server and scheduler",
	Long: `Start the Warden API server with the specified configuration.

The server loads policy definitions, schedules active policies, and serves the
policy, execution, violation and audit API until interrupted.

Examples:
  # Start with default config
  warden serve

  # Start with custom config
  warden serve --config /etc/warden/warden.yaml

  # Override listen address
  warden serve --listen 0.0.0.0:8080

  # Validate config without starting server
  warden serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if serveFlags.listenAddress != "" {
		cfg.Service.ListenAddress = serveFlags.listenAddress
	}
	if serveFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = serveFlags.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError(cfgFile, err)
	}

	out := cmd.OutOrStdout()
	if serveFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}
	if err := setupLogging(cfg, os.Stdout); err != nil {
		return err
	}

	printBanner(out, cfg)

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	a, err := app.Build(cfg, buildInfo())
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return cli.NewCommandError("serve", err)
	}
	printComponents(ctx, out, a)

	srv := a.Server()
	fmt.Fprintf(out, "✓ Listening on %s\n", cfg.Service.ListenAddress)
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if err := srv.Start(ctx); err != nil {
		slog.Error("server stopped with error", "error", err)
		return cli.NewCommandError("serve", err)
	}
	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

func printBanner(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "Warden v%s\n", Version)
	if cfgFile != "" {
		fmt.Fprintf(out, "Configuration: %s\n", cfgFile)
	}
	fmt.Fprintln(out, "✓ Configuration loaded")

	slog.Debug("backends",
		"policy", cfg.Policy.Backend,
		"audit", cfg.Audit.Backend,
		"lease", cfg.Lease.Backend,
		"idempotency", cfg.Actions.IdempotencyBackend,
	)
}

func printComponents(ctx context.Context, out io.Writer, a *app.App) {
	active, err := a.Policies.ListActive(ctx)
	if err != nil {
		slog.Warn("failed to list active policies", "error", err)
	}
	fmt.Fprintf(out, "✓ Policy store ready (%d active policies)\n", len(active))
	fmt.Fprintf(out, "✓ Dispatcher started (%d scheduled)\n", len(a.Dispatcher.Schedules()))
	fmt.Fprintf(out, "✓ Action targets: %d\n", len(a.Registry.IDs()))
	if a.Anchor != nil {
		if next := a.Anchor.NextRun(); next != nil {
			fmt.Fprintf(out, "✓ Audit anchoring enabled (next %s)\n", next.Format("15:04:05"))
		}
	}
	scheme := "http"
	if a.Config.Service.TLS.Enabled {
		scheme = "https"
		fmt.Fprintf(out, "✓ TLS enabled (min version %s)\n", a.Config.Service.TLS.MinVersion)
	}
	if a.Keys != nil {
		fmt.Fprintf(out, "✓ API key authentication (%d actors)\n", len(a.Keys.Actors()))
	}
	if a.Config.Telemetry.Metrics.Enabled {
		fmt.Fprintf(out, "✓ Metrics endpoint: %s://%s%s\n", scheme, a.Config.Service.ListenAddress, a.Config.Telemetry.Metrics.Path)
	}
}
