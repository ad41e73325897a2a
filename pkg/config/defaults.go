package config

import "time"

// Default values for configuration fields.
const (
	// Service defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB
	DefaultTenant          = "default"

	// Policy defaults
	DefaultPolicyBackend          = "sqlite"
	DefaultPolicySQLitePath       = "data/policies.db"
	DefaultPolicySQLiteBusy       = 5 * time.Second
	DefaultPolicyDebounceInterval = 250 * time.Millisecond

	// Audit defaults
	DefaultAuditBackend            = "sqlite"
	DefaultAuditSQLitePath         = "data/audit.db"
	DefaultAuditSQLiteMaxOpenConns = 4
	DefaultAuditSQLiteBusyTimeout  = 5 * time.Second
	DefaultAnchorPath              = "data/anchors.jsonl"
	DefaultAnchorSchedule          = "*/15 * * * *"

	// Dispatcher defaults
	DefaultDispatcherWorkers           = 4
	DefaultDispatcherQueueSize         = 256
	DefaultDispatcherMaxRetries        = 3
	DefaultDispatcherInitialBackoff    = 200 * time.Millisecond
	DefaultDispatcherMaxBackoff        = 5 * time.Second
	DefaultDispatcherExecutionTimeout  = 30 * time.Second
	DefaultDispatcherMaxViolationDepth = 3

	// Lease defaults
	DefaultLeaseBackend       = "memory"
	DefaultLeasePrefix        = "warden:lease:"
	DefaultLeaseTTL           = 30 * time.Second
	DefaultLeaseRetryInterval = 100 * time.Millisecond

	// Action defaults
	DefaultIdempotencyBackend = "memory"
	DefaultIdempotencyPrefix  = "warden:idem:"
	DefaultIdempotencyTTL     = 7 * 24 * time.Hour
	DefaultWebhookTimeout     = 10 * time.Second

	// Redis defaults
	DefaultRedisAddress = "127.0.0.1:6379"

	// Telemetry defaults
	DefaultLoggingLevel     = "info"
	DefaultLoggingFormat    = "json"
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "warden"
	DefaultTracingEndpoint  = "localhost:4317"
	DefaultTracingTimeout   = 10 * time.Second
	DefaultTracingSampler   = "ratio"
	DefaultTracingRatio     = 0.1
	DefaultServiceName      = "warden"
	DefaultTLSMinVersion    = "1.2"
	DefaultSecretEnvPrefix  = "WARDEN_SECRET_"
	DefaultSecretCacheTTL   = 5 * time.Minute
)

// DefaultDurationBuckets are the execution duration histogram buckets.
var DefaultDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{
		Audit: AuditConfig{
			VerifyOnOpen: true,
			SQLite:       AuditSQLiteConfig{WALMode: true},
			Export:       ExportConfig{JSONPretty: true, CSVHeader: true},
		},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{RedactPII: true},
			Metrics: MetricsConfig{Enabled: true},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field with its default. Boolean
// fields are left alone; DefaultConfig sets the ones that default to true.
func ApplyDefaults(cfg *Config) {
	applyServiceDefaults(&cfg.Service)
	applyPolicyDefaults(&cfg.Policy)
	applyAuditDefaults(&cfg.Audit)
	applyDispatcherDefaults(&cfg.Dispatcher)
	applyLeaseDefaults(&cfg.Lease)
	applyActionsDefaults(&cfg.Actions)

	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = DefaultSecretEnvPrefix
	}
	if cfg.Secrets.CacheTTL == 0 {
		cfg.Secrets.CacheTTL = DefaultSecretCacheTTL
	}

	if cfg.Redis.Address == "" {
		cfg.Redis.Address = DefaultRedisAddress
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(cfg.Telemetry.Metrics.DurationBuckets) == 0 {
		cfg.Telemetry.Metrics.DurationBuckets = append([]float64(nil), DefaultDurationBuckets...)
	}
	applyTracingDefaults(&cfg.Telemetry.Tracing)
}

func applyTracingDefaults(t *TracingConfig) {
	if t.Endpoint == "" {
		t.Endpoint = DefaultTracingEndpoint
	}
	if t.Timeout == 0 {
		t.Timeout = DefaultTracingTimeout
	}
	if t.Sampler == "" {
		t.Sampler = DefaultTracingSampler
		if t.SampleRatio == 0 {
			t.SampleRatio = DefaultTracingRatio
		}
	}
	if t.ServiceName == "" {
		t.ServiceName = DefaultServiceName
	}
}

func applyServiceDefaults(s *ServiceConfig) {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.MaxHeaderBytes == 0 {
		s.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if s.DefaultTenant == "" {
		s.DefaultTenant = DefaultTenant
	}
	if s.TLS.MinVersion == "" {
		s.TLS.MinVersion = DefaultTLSMinVersion
	}
}

func applyPolicyDefaults(p *PolicyConfig) {
	if p.Backend == "" {
		p.Backend = DefaultPolicyBackend
	}
	if p.SQLite.Path == "" {
		p.SQLite.Path = DefaultPolicySQLitePath
	}
	if p.SQLite.BusyTimeout == 0 {
		p.SQLite.BusyTimeout = DefaultPolicySQLiteBusy
	}
	if p.DebounceInterval == 0 {
		p.DebounceInterval = DefaultPolicyDebounceInterval
	}
}

func applyAuditDefaults(a *AuditConfig) {
	if a.Backend == "" {
		a.Backend = DefaultAuditBackend
	}
	if a.SQLite.Path == "" {
		a.SQLite.Path = DefaultAuditSQLitePath
	}
	if a.SQLite.MaxOpenConns == 0 {
		a.SQLite.MaxOpenConns = DefaultAuditSQLiteMaxOpenConns
	}
	if a.SQLite.BusyTimeout == 0 {
		a.SQLite.BusyTimeout = DefaultAuditSQLiteBusyTimeout
	}
	if a.Anchor.Path == "" {
		a.Anchor.Path = DefaultAnchorPath
	}
	if a.Anchor.Schedule == "" {
		a.Anchor.Schedule = DefaultAnchorSchedule
	}
}

func applyDispatcherDefaults(d *DispatcherConfig) {
	if d.Workers == 0 {
		d.Workers = DefaultDispatcherWorkers
	}
	if d.QueueSize == 0 {
		d.QueueSize = DefaultDispatcherQueueSize
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = DefaultDispatcherMaxRetries
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = DefaultDispatcherInitialBackoff
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = DefaultDispatcherMaxBackoff
	}
	if d.ExecutionTimeout == 0 {
		d.ExecutionTimeout = DefaultDispatcherExecutionTimeout
	}
	if d.MaxViolationDepth == 0 {
		d.MaxViolationDepth = DefaultDispatcherMaxViolationDepth
	}
}

func applyLeaseDefaults(l *LeaseConfig) {
	if l.Backend == "" {
		l.Backend = DefaultLeaseBackend
	}
	if l.Prefix == "" {
		l.Prefix = DefaultLeasePrefix
	}
	if l.TTL == 0 {
		l.TTL = DefaultLeaseTTL
	}
	if l.RetryInterval == 0 {
		l.RetryInterval = DefaultLeaseRetryInterval
	}
}

func applyActionsDefaults(a *ActionsConfig) {
	if a.IdempotencyBackend == "" {
		a.IdempotencyBackend = DefaultIdempotencyBackend
	}
	if a.IdempotencyPrefix == "" {
		a.IdempotencyPrefix = DefaultIdempotencyPrefix
	}
	if a.IdempotencyTTL == 0 {
		a.IdempotencyTTL = DefaultIdempotencyTTL
	}
	for id, w := range a.Webhooks {
		if w.Timeout == 0 {
			w.Timeout = DefaultWebhookTimeout
			a.Webhooks[id] = w
		}
	}
}
