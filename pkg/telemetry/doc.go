// Package telemetry groups Warden's observability packages.
//
// # Components
//
//   - logging: slog setup with request, tenant and execution context and PII redaction
//   - metrics: Prometheus collectors for executions, actions, audit appends and violations
//   - tracing: OpenTelemetry spans around executions, actions and HTTP requests
//   - health: liveness and readiness checks, including halted audit chains
//
// # Usage
//
//	cfg := config.GetConfig()
//	logger, err := logging.Setup(logging.FromConfig(cfg.Telemetry.Logging, os.Stdout))
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	executor.SetObserver(collector.ActionObserver())
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	defer tracer.Shutdown(ctx)
//
//	checker := health.New(5 * time.Second)
//	checker.RegisterCheck("audit_chain", health.AuditChainCheck(manager))
//
// # PII Protection
//
// With redact_pii enabled, log attributes are masked before they are
// written:
//
//   - Bearer tokens: Bearer abc.def → Bearer ***
//   - Emails: driver@example.com → ***@***
//   - SSN: 123-45-6789 → ***-**-****
//   - Phone numbers: 555-123-4567 → ***-***-****
//
// Attributes with sensitive keys such as license_number or phone are
// replaced outright. Custom redaction patterns can be configured.
package telemetry
