// Package logging configures the process-wide structured logger.
//
// Components log through slog.Default().With("component", ...); Setup
// installs a handler that attaches request, tenant, actor and execution
// IDs carried on the context and masks personal data before records reach
// the JSON or text encoder.
//
//	logger, err := logging.Setup(logging.FromConfig(cfg.Telemetry.Logging, os.Stderr))
//	ctx = logging.WithTenant(ctx, "acme")
//	logger.InfoContext(ctx, "violation recorded", "driver_email", "ana@example.com")
//	// {"msg":"violation recorded","tenant":"acme","driver_email":"***"}
package logging
