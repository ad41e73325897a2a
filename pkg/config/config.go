package config

import (
	"time"

	"fleetops/warden/pkg/action/ratelimit"
	"fleetops/warden/pkg/policy"
)

// Config is the root configuration structure for Warden.
type Config struct {
	// Service contains the HTTP listener and shutdown settings.
	Service ServiceConfig `yaml:"service"`

	// Policy selects the policy store backend and the optional definitions
	// directory that is synced into it.
	Policy PolicyConfig `yaml:"policy"`

	// Audit configures the hash-chained audit log, its storage, anchoring
	// and export defaults.
	Audit AuditConfig `yaml:"audit"`

	// Dispatcher controls worker concurrency, retries and limits.
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Lease selects where per-policy execution leases live.
	Lease LeaseConfig `yaml:"lease"`

	// Actions configures idempotency storage and the action targets.
	Actions ActionsConfig `yaml:"actions"`

	// Redis is shared by the Redis lease locker and idempotency store.
	Redis RedisConfig `yaml:"redis"`

	// Violations configures the violation tracker.
	Violations ViolationsConfig `yaml:"violations"`

	// Subjects configures the subject state source.
	Subjects SubjectsConfig `yaml:"subjects"`

	// Secrets resolves ${secret:name} references.
	Secrets SecretsConfig `yaml:"secrets"`

	// Telemetry contains logging and metrics configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServiceConfig contains configuration for the HTTP server.
type ServiceConfig struct {
	// ListenAddress is the address and port to listen on.
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Manual triggers run synchronously, so this bounds them too.
	// Default: 60s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is how long graceful shutdown waits for in-flight
	// requests and queued executions.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes limits request header size.
	// Default: 1048576 (1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// DefaultTenant is used for policies and requests that name no tenant.
	// Default: "default"
	DefaultTenant string `yaml:"default_tenant"`

	// TLS serves HTTPS when enabled.
	TLS TLSConfig `yaml:"tls"`

	// Auth requires an API key on /v1 routes when enabled.
	Auth AuthConfig `yaml:"auth"`
}

// TLSConfig configures HTTPS for the service listener.
type TLSConfig struct {
	// Enabled serves HTTPS instead of plain HTTP.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// CertFile is the PEM certificate chain.
	// Example: "/etc/warden/tls/server.crt"
	CertFile string `yaml:"cert_file"`

	// KeyFile is the PEM private key matching CertFile.
	// Example: "/etc/warden/tls/server.key"
	KeyFile string `yaml:"key_file"`

	// MinVersion is "1.2" or "1.3".
	// Default: "1.2"
	MinVersion string `yaml:"min_version"`

	// CipherSuites restricts TLS 1.2 suites by IANA name. Empty keeps the
	// Go defaults.
	// Example: ["TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384"]
	CipherSuites []string `yaml:"cipher_suites"`

	// ClientCAFile enables mutual TLS. Clients must present a certificate
	// signed by one of these CAs.
	ClientCAFile string `yaml:"client_ca_file"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	// Enabled requires a valid key on every /v1 request. Health and
	// metrics endpoints stay open.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Keys lists the accepted API keys.
	Keys []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig is one API key. Key may be a ${secret:name} reference.
type APIKeyConfig struct {
	// Key is sent as a bearer token or in the X-API-Key header.
	// Example: "${secret:ops_console_key}"
	Key string `yaml:"key"`

	// Actor is recorded as the requester of everything done with the key.
	Actor string `yaml:"actor"`

	// Tenants limits the key to these tenants. Empty allows every tenant.
	Tenants []string `yaml:"tenants"`

	// Disabled rejects the key without removing it from the file.
	// Default: false
	Disabled bool `yaml:"disabled"`
}

// SecretsConfig configures resolution of ${secret:name} references in
// the Redis password, webhook headers and API keys.
type SecretsConfig struct {
	// EnvPrefix is prepended to the upper-cased secret name.
	// Default: "WARDEN_SECRET_"
	EnvPrefix string `yaml:"env_prefix"`

	// Dir holds one file per secret, as mounted by Kubernetes. Files
	// must be mode 0600 or 0400. Checked before the environment.
	Dir string `yaml:"dir"`

	// CacheTTL is how long resolved values are reused.
	// Default: 5m
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PolicyConfig contains configuration for the policy store.
type PolicyConfig struct {
	// Backend selects the policy store backend.
	// Options: "memory", "sqlite"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite configures the SQLite backend.
	SQLite PolicySQLiteConfig `yaml:"sqlite"`

	// DefinitionsPath is a YAML file or directory of policy definitions
	// loaded into the store at startup. Empty disables loading.
	DefinitionsPath string `yaml:"definitions_path"`

	// Watch reloads DefinitionsPath when files change.
	// Default: false
	Watch bool `yaml:"watch"`

	// AutoActivate activates each changed definition after storing it as a
	// draft. When false, definitions stay drafts until approved.
	// Default: false
	AutoActivate bool `yaml:"auto_activate"`

	// DebounceInterval is the quiet period before a file change reloads.
	// Default: 250ms
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// PolicySQLiteConfig configures the SQLite policy backend.
type PolicySQLiteConfig struct {
	// Path is the database file path.
	// Default: "data/policies.db"
	Path string `yaml:"path"`

	// BusyTimeout is how long to wait for locks.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// AuditConfig contains configuration for the audit log.
type AuditConfig struct {
	// Backend selects the audit storage backend.
	// Options: "memory", "sqlite"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite configures the SQLite backend.
	SQLite AuditSQLiteConfig `yaml:"sqlite"`

	// VerifyOnOpen verifies each tenant chain the first time it is opened.
	// A chain that fails verification is halted until resumed.
	// Default: true
	VerifyOnOpen bool `yaml:"verify_on_open"`

	// Anchor configures periodic publication of chain tips.
	Anchor AnchorConfig `yaml:"anchor"`

	// Export contains export format defaults.
	Export ExportConfig `yaml:"export"`
}

// AuditSQLiteConfig configures the SQLite audit backend.
type AuditSQLiteConfig struct {
	// Path is the database file path.
	// Default: "data/audit.db"
	Path string `yaml:"path"`

	// MaxOpenConns is the connection pool size.
	// Default: 4
	MaxOpenConns int `yaml:"max_open_conns"`

	// WALMode enables write-ahead logging.
	// Default: true
	WALMode bool `yaml:"wal_mode"`

	// BusyTimeout is how long to wait for locks.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// AnchorConfig configures tip anchoring.
type AnchorConfig struct {
	// Enabled turns on the anchor scheduler.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Path is the JSON lines file tips are appended to.
	// Default: "data/anchors.jsonl"
	Path string `yaml:"path"`

	// Schedule is a standard cron spec.
	// Example: "0 * * * *" (hourly)
	// Default: "*/15 * * * *"
	Schedule string `yaml:"schedule"`
}

// ExportConfig contains export defaults.
type ExportConfig struct {
	// JSONPretty indents JSON exports.
	// Default: true
	JSONPretty bool `yaml:"json_pretty"`

	// CSVHeader writes a header row in CSV exports.
	// Default: true
	CSVHeader bool `yaml:"csv_header"`
}

// DispatcherConfig mirrors dispatcher.Config.
type DispatcherConfig struct {
	// Workers is the worker pool size.
	// Default: 4
	Workers int `yaml:"workers"`

	// QueueSize bounds queued scheduled ticks and violation runs.
	// Default: 256
	QueueSize int `yaml:"queue_size"`

	// MaxRetries is the number of retries of a transient action failure.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the first retry delay.
	// Default: 200ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the retry delay.
	// Default: 5s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// ExecutionTimeout is the wall-clock budget of one execution.
	// Default: 30s
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`

	// MaxViolationDepth bounds violation-triggered chains.
	// Default: 3
	MaxViolationDepth int `yaml:"max_violation_depth"`
}

// LeaseConfig selects the lease locker.
type LeaseConfig struct {
	// Backend is "memory" for a single instance or "redis" to share leases
	// between instances.
	// Default: "memory"
	Backend string `yaml:"backend"`

	// Prefix namespaces Redis lease keys.
	// Default: "warden:lease:"
	Prefix string `yaml:"prefix"`

	// TTL bounds how long a Redis lease survives a crashed holder.
	// Default: 30s
	TTL time.Duration `yaml:"ttl"`

	// RetryInterval is how often a waiting Acquire polls Redis.
	// Default: 100ms
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ActionsConfig configures action execution.
type ActionsConfig struct {
	// IdempotencyBackend is "memory" or "redis".
	// Default: "memory"
	IdempotencyBackend string `yaml:"idempotency_backend"`

	// IdempotencyPrefix namespaces Redis idempotency keys.
	// Default: "warden:idem:"
	IdempotencyPrefix string `yaml:"idempotency_prefix"`

	// IdempotencyTTL is how long a completed action is remembered.
	// Default: 168h
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// Webhooks maps target ids to HTTP endpoints.
	Webhooks map[string]WebhookConfig `yaml:"webhooks"`

	// LogTargets lists target ids that only log the request. Useful for
	// notification transports that are not wired yet.
	LogTargets []string `yaml:"log_targets"`
}

// WebhookConfig configures one webhook target.
type WebhookConfig struct {
	// URL receives a JSON POST per action.
	// Example: "https://dispatch.example.com/hooks/warden"
	URL string `yaml:"url"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Timeout bounds one delivery.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// RateLimit throttles deliveries. Throttled actions fail as transient
	// and are retried with backoff.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	// Address is host:port.
	// Default: "127.0.0.1:6379"
	Address string `yaml:"address"`

	// Password is the AUTH password. It may be a ${secret:name} reference.
	Password string `yaml:"password"`

	// DB selects the logical database.
	DB int `yaml:"db"`
}

// ViolationsConfig configures the violation tracker.
type ViolationsConfig struct {
	// Escalation maps offense counts to severity and disciplinary action.
	// Policies may override it. Default: 1 Minor, 2 Moderate, 3 Serious,
	// 4 Critical.
	Escalation []policy.EscalationTier `yaml:"escalation"`
}

// SubjectsConfig configures the subject state source.
type SubjectsConfig struct {
	// FixturePath is a YAML file of subjects loaded into the in-memory
	// subject store. Empty starts with no subjects.
	FixturePath string `yaml:"fixture_path"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// RedactPII redacts driver contact details and credentials from logs.
	// Default: true
	RedactPII bool `yaml:"redact_pii"`

	// RedactPatterns contains custom redaction patterns.
	RedactPatterns []RedactPattern `yaml:"redact_patterns"`
}

// RedactPattern defines a custom redaction pattern.
type RedactPattern struct {
	// Name is a descriptive name for the pattern.
	Name string `yaml:"name"`

	// Pattern is the regular expression to match.
	Pattern string `yaml:"pattern"`

	// Replacement is the string to replace matches with.
	Replacement string `yaml:"replacement"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics are recorded and served.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path of the Prometheus endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "warden"
	Namespace string `yaml:"namespace"`

	// DurationBuckets are the histogram buckets for execution durations in
	// seconds.
	// Default: [0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30]
	DurationBuckets []float64 `yaml:"duration_buckets"`
}

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	// Enabled turns span export on. When false a no-op tracer is used.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS to the collector.
	// Default: false
	Insecure bool `yaml:"insecure"`

	// Timeout bounds each export call.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Sampler is the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces sampled by the "ratio" sampler.
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// ServiceName is reported as the service.name resource attribute.
	// Default: "warden"
	ServiceName string `yaml:"service_name"`
}
