// Package app assembles a running warden instance from configuration.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetops/warden/pkg/action"
	"fleetops/warden/pkg/action/ratelimit"
	"fleetops/warden/pkg/api"
	"fleetops/warden/pkg/audit"
	"fleetops/warden/pkg/audit/anchor"
	"fleetops/warden/pkg/audit/export"
	"fleetops/warden/pkg/audit/storage"
	"fleetops/warden/pkg/config"
	"fleetops/warden/pkg/dispatcher"
	"fleetops/warden/pkg/dispatcher/lease"
	"fleetops/warden/pkg/execution"
	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/policy/loader"
	"fleetops/warden/pkg/policy/store"
	"fleetops/warden/pkg/security/auth"
	"fleetops/warden/pkg/security/secrets"
	wardentls "fleetops/warden/pkg/security/tls"
	"fleetops/warden/pkg/server"
	"fleetops/warden/pkg/subject"
	"fleetops/warden/pkg/telemetry/health"
	"fleetops/warden/pkg/telemetry/metrics"
	"fleetops/warden/pkg/telemetry/tracing"
	"fleetops/warden/pkg/violation"
)

const healthCheckTimeout = 5 * time.Second

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// App holds every component of a warden instance.
type App struct {
	Config *config.Config

	Policies   *store.Store
	Subjects   *subject.MemoryStore
	Audit      *audit.Manager
	Executions *execution.Repository
	Violations *violation.Tracker
	Registry   *action.Registry
	Executor   *action.Executor
	Dispatcher *dispatcher.Dispatcher
	Metrics    *metrics.Collector
	Health     *health.Checker
	Tracer     *tracing.Tracer

	// Anchor is nil unless anchoring is enabled.
	Anchor *anchor.Scheduler

	// Syncer is nil unless a definitions path is configured.
	Syncer *loader.Syncer

	Exporters map[string]audit.Exporter

	// Keys is nil unless service.auth is enabled.
	Keys *auth.Validator

	info    BuildInfo
	tls     *tls.Config
	watcher *loader.Watcher
	redis   *redis.Client
	closers []func() error
	logger  *slog.Logger
}

// Build constructs an App from cfg. Nothing runs until Start.
func Build(cfg *config.Config, build BuildInfo) (*App, error) {
	a := &App{
		Config: cfg,
		info:   build,
		logger: slog.Default().With("component", "app"),
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.Config
	var err error

	if err = a.buildSecurity(); err != nil {
		return err
	}

	a.Tracer, err = tracing.New(&cfg.Telemetry.Tracing, a.info.Version)
	if err != nil {
		return err
	}
	a.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		return a.Tracer.Shutdown(ctx)
	})

	a.Metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)

	if err = a.buildPolicies(); err != nil {
		return err
	}
	if err = a.buildAudit(); err != nil {
		return err
	}
	if err = a.buildSubjects(); err != nil {
		return err
	}
	if a.usesRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(a.redis.Close)
	}

	a.buildActions()
	a.buildDispatcher()

	if cfg.Policy.DefinitionsPath != "" {
		a.Syncer = loader.NewSyncer(loader.New(loader.DefaultConfig()), a.Policies,
			cfg.Policy.DefinitionsPath, cfg.Policy.AutoActivate)
		if cfg.Policy.Watch {
			wcfg := loader.DefaultWatcherConfig()
			wcfg.Path = cfg.Policy.DefinitionsPath
			if cfg.Policy.DebounceInterval > 0 {
				wcfg.DebounceInterval = cfg.Policy.DebounceInterval
			}
			if a.watcher, err = loader.NewWatcher(wcfg); err != nil {
				return err
			}
		}
	}

	if cfg.Audit.Anchor.Enabled {
		a.Anchor = anchor.NewScheduler(a.Audit, anchor.NewFileAnchor(cfg.Audit.Anchor.Path), cfg.Audit.Anchor.Schedule)
	}

	a.Health = health.New(healthCheckTimeout)
	a.Health.RegisterCheck("audit_chain", health.AuditChainCheck(a.Audit))
	if a.redis != nil {
		a.Health.RegisterCheck("redis", health.RedisCheck(a.redis))
	}

	a.Exporters = map[string]audit.Exporter{
		"json": export.NewJSONExporter(cfg.Audit.Export.JSONPretty),
		"csv":  export.NewCSVExporter(cfg.Audit.Export.CSVHeader),
	}
	return nil
}

// buildSecurity resolves secret references in the config, then loads the
// TLS certificate and API keys.
func (a *App) buildSecurity() error {
	cfg := a.Config
	resolver, err := secrets.FromConfig(&cfg.Secrets)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if err := resolver.ResolveConfig(context.Background(), cfg); err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	if a.tls, err = wardentls.ServerConfig(&cfg.Service.TLS); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.Service.Auth.Enabled {
		a.Keys = auth.NewValidator(auth.KeysFromConfig(cfg.Service.Auth.Keys))
		a.logger.Info("api key authentication enabled", "keys", len(cfg.Service.Auth.Keys))
	}
	return nil
}

func (a *App) buildPolicies() error {
	cfg := a.Config.Policy
	var backend store.Backend
	switch cfg.Backend {
	case "memory":
		backend = store.NewMemoryBackend()
	case "sqlite":
		if err := ensureDir(cfg.SQLite.Path); err != nil {
			return err
		}
		b, err := store.NewSQLiteBackend(store.SQLiteConfig{
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to open policy store: %w", err)
		}
		backend = b
	default:
		return fmt.Errorf("unknown policy backend %q", cfg.Backend)
	}
	a.Policies = store.New(backend)
	a.onClose(a.Policies.Close)
	return nil
}

func (a *App) buildAudit() error {
	cfg := a.Config.Audit
	var st audit.Storage
	switch cfg.Backend {
	case "memory":
		st = storage.NewMemoryStorage()
	case "sqlite":
		if err := ensureDir(cfg.SQLite.Path); err != nil {
			return err
		}
		s, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
			Path:         cfg.SQLite.Path,
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
			WALMode:      cfg.SQLite.WALMode,
			BusyTimeout:  cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to open audit storage: %w", err)
		}
		st = s
	default:
		return fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}

	a.Audit = audit.NewManager(st,
		audit.WithObserver(a.Metrics),
		audit.VerifyOnOpen(cfg.VerifyOnOpen),
	)
	a.onClose(a.Audit.Close)
	a.Executions = execution.NewRepository(a.Audit)
	return nil
}

func (a *App) buildSubjects() error {
	path := a.Config.Subjects.FixturePath
	if path == "" {
		a.Subjects = subject.NewMemoryStore()
		return nil
	}
	s, err := subject.LoadFile(path)
	if err != nil {
		return err
	}
	a.Subjects = s
	return nil
}

func (a *App) buildActions() {
	cfg := a.Config

	var opts []violation.Option
	if len(cfg.Violations.Escalation) > 0 {
		opts = append(opts, violation.WithEscalation(cfg.Violations.Escalation))
	}
	opts = append(opts, violation.WithObserver(a.Metrics.ViolationObserver()))
	a.Violations = violation.NewTracker(a.Audit, opts...)

	a.Registry = action.NewRegistry()
	a.Registry.Register(violation.TargetID, a.Violations)
	for id, w := range cfg.Actions.Webhooks {
		var target action.Target = action.NewWebhookTarget(w.URL, w.Headers, w.Timeout)
		if w.RateLimit.Enabled() {
			target = action.NewRateLimitedTarget(id, target, ratelimit.New(w.RateLimit))
		}
		a.Registry.Register(id, target)
	}
	for _, id := range cfg.Actions.LogTargets {
		a.Registry.Register(id, action.NewLogTarget(id))
	}

	var idem action.IdempotencyStore
	if cfg.Actions.IdempotencyBackend == "redis" {
		idem = action.NewRedisIdempotencyStore(a.redis, cfg.Actions.IdempotencyPrefix, cfg.Actions.IdempotencyTTL)
	} else {
		idem = action.NewMemoryIdempotencyStore()
	}
	a.Executor = action.NewExecutor(a.Registry, idem)
	a.Executor.SetObserver(a.Metrics.ActionObserver())
}

func (a *App) buildDispatcher() {
	cfg := a.Config
	dcfg := dispatcher.Config{
		Workers:           cfg.Dispatcher.Workers,
		QueueSize:         cfg.Dispatcher.QueueSize,
		MaxRetries:        cfg.Dispatcher.MaxRetries,
		InitialBackoff:    cfg.Dispatcher.InitialBackoff,
		MaxBackoff:        cfg.Dispatcher.MaxBackoff,
		ExecutionTimeout:  cfg.Dispatcher.ExecutionTimeout,
		MaxViolationDepth: cfg.Dispatcher.MaxViolationDepth,
		DefaultTenant:     cfg.Service.DefaultTenant,
	}

	opts := []dispatcher.Option{
		dispatcher.WithObserver(a.Metrics),
		dispatcher.WithTracer(a.Tracer.Tracer()),
	}
	if cfg.Lease.Backend == "redis" {
		opts = append(opts, dispatcher.WithLocker(lease.NewRedisLocker(a.redis, lease.RedisConfig{
			Prefix:        cfg.Lease.Prefix,
			TTL:           cfg.Lease.TTL,
			RetryInterval: cfg.Lease.RetryInterval,
		})))
	}
	a.Dispatcher = dispatcher.New(dcfg, a.Policies, a.Subjects, a.Executor, a.Audit, opts...)

	a.Policies.OnActivate(func(t *policy.Template) {
		a.Metrics.RecordActivation(t)
		if err := a.Dispatcher.Sync(context.Background()); err != nil {
			a.logger.Error("failed to sync schedules after activation", "policy_code", t.Code, "error", err)
		}
	})
}

// Start loads policy definitions, then starts the dispatcher, the anchor
// scheduler and the definitions watcher. Background work stops when ctx is
// cancelled or Close is called.
func (a *App) Start(ctx context.Context) error {
	if a.Syncer != nil {
		res, err := a.Syncer.Sync(ctx)
		if err != nil {
			return fmt.Errorf("failed to load policy definitions: %w", err)
		}
		for code, ferr := range res.Failed {
			a.logger.Warn("policy definition rejected", "policy_code", code, "error", ferr)
		}
	}

	if err := a.Dispatcher.Start(ctx); err != nil {
		return err
	}
	a.onClose(a.Dispatcher.Close)

	if a.Anchor != nil {
		if err := a.Anchor.Start(ctx); err != nil {
			return err
		}
		a.onClose(func() error {
			a.Anchor.Stop()
			return nil
		})
	}

	if a.watcher != nil {
		go func() {
			if err := a.watcher.Watch(ctx, a.Syncer.Reload(ctx)); err != nil {
				a.logger.Error("policy watcher stopped", "error", err)
			}
		}()
		a.onClose(a.watcher.Stop)
	}
	return nil
}

// API returns the v1 API handler over the app's components.
func (a *App) API() *api.Handler {
	return api.New(api.Deps{
		Policies:      a.Policies,
		Dispatcher:    a.Dispatcher,
		Executions:    a.Executions,
		Violations:    a.Violations,
		Audit:         a.Audit,
		Subjects:      a.Subjects,
		Exporters:     a.Exporters,
		DefaultTenant: a.Config.Service.DefaultTenant,
	})
}

// Server returns the HTTP server exposing the API, health and metrics.
func (a *App) Server() *server.Server {
	opts := server.Options{
		API:       a.API(),
		Health:    a.Health,
		Version:   a.info.Version,
		Commit:    a.info.Commit,
		BuildTime: a.info.BuildTime,
	}
	if a.Config.Telemetry.Metrics.Enabled {
		opts.Metrics = a.Metrics.Handler()
		opts.MetricsPath = a.Config.Telemetry.Metrics.Path
	}
	if a.Tracer.Enabled() {
		opts.Tracer = a.Tracer.Tracer()
	}
	opts.TLS = a.tls
	if a.Keys != nil {
		opts.Auth = auth.NewMiddleware(a.Keys, nil).Handle
	}
	return server.NewServer(&a.Config.Service, opts)
}

// Close releases components in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) usesRedis() bool {
	return a.Config.Lease.Backend == "redis" || a.Config.Actions.IdempotencyBackend == "redis"
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
