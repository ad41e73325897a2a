package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"fleetops/warden/pkg/policy"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "service.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. All validation errors are collected and
// returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateService(&cfg.Service)...)
	errs = append(errs, validatePolicy(&cfg.Policy)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateDispatcher(&cfg.Dispatcher)...)
	errs = append(errs, validateBackends(cfg)...)
	errs = append(errs, validateActions(&cfg.Actions)...)
	errs = append(errs, validateViolations(&cfg.Violations)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateService(cfg *ServiceConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "service.listen_address", Message: "listen address is required"})
	}
	for field, d := range map[string]int64{
		"service.read_timeout":     int64(cfg.ReadTimeout),
		"service.write_timeout":    int64(cfg.WriteTimeout),
		"service.idle_timeout":     int64(cfg.IdleTimeout),
		"service.shutdown_timeout": int64(cfg.ShutdownTimeout),
	} {
		if d < 0 {
			errs = append(errs, FieldError{Field: field, Message: "timeout must be positive"})
		}
	}
	if cfg.MaxHeaderBytes < 0 || cfg.MaxHeaderBytes > 10*1024*1024 {
		errs = append(errs, FieldError{
			Field:   "service.max_header_bytes",
			Message: "max header bytes must be between 0 and 10MB",
		})
	}
	if cfg.DefaultTenant == "" {
		errs = append(errs, FieldError{Field: "service.default_tenant", Message: "default tenant is required"})
	}
	errs = append(errs, validateTLS(&cfg.TLS)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	return errs
}

func validateTLS(cfg *TLSConfig) []FieldError {
	if !cfg.Enabled {
		return nil
	}
	var errs []FieldError
	if cfg.CertFile == "" {
		errs = append(errs, FieldError{Field: "service.tls.cert_file", Message: "certificate file is required when TLS is enabled"})
	}
	if cfg.KeyFile == "" {
		errs = append(errs, FieldError{Field: "service.tls.key_file", Message: "key file is required when TLS is enabled"})
	}
	if cfg.MinVersion != "1.2" && cfg.MinVersion != "1.3" {
		errs = append(errs, FieldError{Field: "service.tls.min_version", Message: "min version must be 1.2 or 1.3"})
	}
	return errs
}

func validateAuth(cfg *AuthConfig) []FieldError {
	if !cfg.Enabled {
		return nil
	}
	var errs []FieldError
	if len(cfg.Keys) == 0 {
		errs = append(errs, FieldError{Field: "service.auth.keys", Message: "at least one key is required when auth is enabled"})
	}
	seen := make(map[string]bool, len(cfg.Keys))
	for i, k := range cfg.Keys {
		field := fmt.Sprintf("service.auth.keys[%d]", i)
		if k.Key == "" {
			errs = append(errs, FieldError{Field: field + ".key", Message: "key is required"})
		} else if seen[k.Key] {
			errs = append(errs, FieldError{Field: field + ".key", Message: "duplicate key"})
		}
		seen[k.Key] = true
		if k.Actor == "" {
			errs = append(errs, FieldError{Field: field + ".actor", Message: "actor is required"})
		}
	}
	return errs
}

func validatePolicy(cfg *PolicyConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "policy.sqlite.path", Message: "path is required for the sqlite backend"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "policy.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'sqlite'", cfg.Backend),
		})
	}
	if cfg.Watch && cfg.DefinitionsPath == "" {
		errs = append(errs, FieldError{Field: "policy.definitions_path", Message: "definitions path is required when watch is enabled"})
	}
	if cfg.DebounceInterval < 0 {
		errs = append(errs, FieldError{Field: "policy.debounce_interval", Message: "debounce interval must be positive"})
	}
	return errs
}

func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "audit.sqlite.path", Message: "path is required for the sqlite backend"})
		}
		if cfg.SQLite.MaxOpenConns < 1 {
			errs = append(errs, FieldError{Field: "audit.sqlite.max_open_conns", Message: "must be at least 1"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "audit.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'sqlite'", cfg.Backend),
		})
	}

	if cfg.Anchor.Enabled {
		if cfg.Anchor.Path == "" {
			errs = append(errs, FieldError{Field: "audit.anchor.path", Message: "path is required when anchoring is enabled"})
		}
		if _, err := cron.ParseStandard(cfg.Anchor.Schedule); err != nil {
			errs = append(errs, FieldError{
				Field:   "audit.anchor.schedule",
				Message: fmt.Sprintf("invalid cron schedule %q: %v", cfg.Anchor.Schedule, err),
			})
		}
	}
	return errs
}

func validateDispatcher(cfg *DispatcherConfig) []FieldError {
	var errs []FieldError

	if cfg.Workers < 1 {
		errs = append(errs, FieldError{Field: "dispatcher.workers", Message: "must be at least 1"})
	}
	if cfg.QueueSize < 1 {
		errs = append(errs, FieldError{Field: "dispatcher.queue_size", Message: "must be at least 1"})
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, FieldError{Field: "dispatcher.max_retries", Message: "must be non-negative"})
	}
	if cfg.InitialBackoff <= 0 || cfg.MaxBackoff < cfg.InitialBackoff {
		errs = append(errs, FieldError{
			Field:   "dispatcher.max_backoff",
			Message: "backoff must be positive and max_backoff at least initial_backoff",
		})
	}
	if cfg.ExecutionTimeout <= 0 {
		errs = append(errs, FieldError{Field: "dispatcher.execution_timeout", Message: "must be positive"})
	}
	if cfg.MaxViolationDepth < 1 {
		errs = append(errs, FieldError{Field: "dispatcher.max_violation_depth", Message: "must be at least 1"})
	}
	return errs
}

func validateBackends(cfg *Config) []FieldError {
	var errs []FieldError
	usesRedis := false

	switch cfg.Lease.Backend {
	case "memory":
	case "redis":
		usesRedis = true
		if cfg.Lease.TTL <= 0 {
			errs = append(errs, FieldError{Field: "lease.ttl", Message: "must be positive"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "lease.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'redis'", cfg.Lease.Backend),
		})
	}

	switch cfg.Actions.IdempotencyBackend {
	case "memory":
	case "redis":
		usesRedis = true
	default:
		errs = append(errs, FieldError{
			Field:   "actions.idempotency_backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory' or 'redis'", cfg.Actions.IdempotencyBackend),
		})
	}

	if usesRedis && cfg.Redis.Address == "" {
		errs = append(errs, FieldError{Field: "redis.address", Message: "address is required when a redis backend is selected"})
	}
	return errs
}

func validateActions(cfg *ActionsConfig) []FieldError {
	var errs []FieldError

	for id, w := range cfg.Webhooks {
		field := fmt.Sprintf("actions.webhooks.%s.url", id)
		u, err := url.Parse(w.URL)
		if w.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf("invalid webhook url %q", w.URL)})
		}
		rl := w.RateLimit
		if rl.RequestsPerSecond < 0 || rl.RequestsPerMinute < 0 || rl.MaxConcurrent < 0 {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("actions.webhooks.%s.rate_limit", id),
				Message: "rate limits must not be negative",
			})
		}
	}
	for i, id := range cfg.LogTargets {
		if id == "" {
			errs = append(errs, FieldError{Field: fmt.Sprintf("actions.log_targets[%d]", i), Message: "target id is required"})
		}
		if _, dup := cfg.Webhooks[id]; dup {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("actions.log_targets[%d]", i),
				Message: fmt.Sprintf("target %q is also a webhook", id),
			})
		}
	}
	return errs
}

func validateViolations(cfg *ViolationsConfig) []FieldError {
	if len(cfg.Escalation) == 0 {
		return nil
	}
	if err := policy.ValidateEscalation(cfg.Escalation); err != nil {
		return []FieldError{{Field: "violations.escalation", Message: err.Error()}}
	}
	return nil
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	for i, p := range cfg.Logging.RedactPatterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("telemetry.logging.redact_patterns[%d].pattern", i),
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with '/' when metrics are enabled",
		})
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Sampler {
		case "always", "never", "ratio":
		default:
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sampler",
				Message: fmt.Sprintf("invalid sampler %q: must be 'always', 'never', or 'ratio'", cfg.Tracing.Sampler),
			})
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be between 0.0 and 1.0"})
		}
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "endpoint is required when tracing is enabled"})
		}
	}
	return errs
}
