package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "WARDEN_"

// LoadConfig loads configuration from a YAML file at the specified path.
// The file is decoded over DefaultConfig, so omitted fields keep their
// defaults, including booleans that default to true.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies WARDEN_SECTION_FIELD environment overrides. An empty path starts
// from DefaultConfig.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Service
	envString("SERVICE_LISTEN_ADDRESS", &cfg.Service.ListenAddress)
	envDuration("SERVICE_READ_TIMEOUT", &cfg.Service.ReadTimeout)
	envDuration("SERVICE_WRITE_TIMEOUT", &cfg.Service.WriteTimeout)
	envDuration("SERVICE_SHUTDOWN_TIMEOUT", &cfg.Service.ShutdownTimeout)
	envString("SERVICE_DEFAULT_TENANT", &cfg.Service.DefaultTenant)
	envBool("SERVICE_TLS_ENABLED", &cfg.Service.TLS.Enabled)
	envString("SERVICE_TLS_CERT_FILE", &cfg.Service.TLS.CertFile)
	envString("SERVICE_TLS_KEY_FILE", &cfg.Service.TLS.KeyFile)
	envBool("SERVICE_AUTH_ENABLED", &cfg.Service.Auth.Enabled)

	// Policy
	envString("POLICY_BACKEND", &cfg.Policy.Backend)
	envString("POLICY_SQLITE_PATH", &cfg.Policy.SQLite.Path)
	envString("POLICY_DEFINITIONS_PATH", &cfg.Policy.DefinitionsPath)
	envBool("POLICY_WATCH", &cfg.Policy.Watch)
	envBool("POLICY_AUTO_ACTIVATE", &cfg.Policy.AutoActivate)

	// Audit
	envString("AUDIT_BACKEND", &cfg.Audit.Backend)
	envString("AUDIT_SQLITE_PATH", &cfg.Audit.SQLite.Path)
	envBool("AUDIT_VERIFY_ON_OPEN", &cfg.Audit.VerifyOnOpen)
	envBool("AUDIT_ANCHOR_ENABLED", &cfg.Audit.Anchor.Enabled)
	envString("AUDIT_ANCHOR_PATH", &cfg.Audit.Anchor.Path)
	envString("AUDIT_ANCHOR_SCHEDULE", &cfg.Audit.Anchor.Schedule)

	// Dispatcher
	envInt("DISPATCHER_WORKERS", &cfg.Dispatcher.Workers)
	envInt("DISPATCHER_QUEUE_SIZE", &cfg.Dispatcher.QueueSize)
	envInt("DISPATCHER_MAX_RETRIES", &cfg.Dispatcher.MaxRetries)
	envDuration("DISPATCHER_EXECUTION_TIMEOUT", &cfg.Dispatcher.ExecutionTimeout)
	envInt("DISPATCHER_MAX_VIOLATION_DEPTH", &cfg.Dispatcher.MaxViolationDepth)

	// Lease, actions and Redis
	envString("LEASE_BACKEND", &cfg.Lease.Backend)
	envDuration("LEASE_TTL", &cfg.Lease.TTL)
	envString("ACTIONS_IDEMPOTENCY_BACKEND", &cfg.Actions.IdempotencyBackend)
	envString("REDIS_ADDRESS", &cfg.Redis.Address)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	// Secrets
	envString("SECRETS_DIR", &cfg.Secrets.Dir)

	// Subjects
	envString("SUBJECTS_FIXTURE_PATH", &cfg.Subjects.FixturePath)

	// Telemetry
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_LOGGING_REDACT_PII", &cfg.Telemetry.Logging.RedactPII)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
}

// Malformed values are ignored and leave the field unchanged.

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
