package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fleetops/warden/pkg/action"
	"fleetops/warden/pkg/config"
	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/violation"
)

// OverflowLabel replaces a policy code once the cardinality limit is reached.
const OverflowLabel = "other"

// Collector owns every Prometheus metric the service exports. It implements
// the observer hooks of the dispatcher and the audit manager, and exposes
// adapter funcs for the action executor and violation tracker, so the
// domain packages never import Prometheus.
//
// Policy codes are operator-defined; a CardinalityLimiter folds new codes
// into OverflowLabel once the limit is reached.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	// Execution metrics
	executionMetrics *ExecutionMetrics

	// Action metrics
	actionMetrics *ActionMetrics

	// Audit chain metrics
	auditMetrics *AuditMetrics

	// Policy lifecycle and violation metrics
	policyMetrics *PolicyMetrics

	// Cardinality tracking
	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a collector registered on registry. A nil registry
// gets a fresh private one; the process default registry is never used.
//
// Example:
//
//	cfg := &config.MetricsConfig{
//		Enabled:   true,
//		Namespace: "warden",
//	}
//	collector := metrics.NewCollector(cfg, nil)
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = append([]float64(nil), config.DefaultDurationBuckets...)
	}

	return &Collector{
		config:             cfg,
		registry:           registry,
		executionMetrics:   NewExecutionMetrics(cfg, registry),
		actionMetrics:      NewActionMetrics(cfg, registry),
		auditMetrics:       NewAuditMetrics(cfg, registry),
		policyMetrics:      NewPolicyMetrics(cfg, registry),
		cardinalityLimiter: NewCardinalityLimiter(1000),
	}
}

func (c *Collector) policyLabel(code string) string {
	if c.cardinalityLimiter.Allow(code) {
		return code
	}
	return OverflowLabel
}

// RecordExecution records a finished execution.
func (c *Collector) RecordExecution(policyCode, trigger, status string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.executionMetrics.RecordExecution(c.policyLabel(policyCode), trigger, status, duration)
}

// RecordScheduledSkip records a scheduled trigger that was not queued: the
// policy was already running, its previous scheduled run was still queued,
// or the queue was full.
func (c *Collector) RecordScheduledSkip(policyCode string) {
	if !c.config.Enabled {
		return
	}
	c.executionMetrics.RecordScheduledSkip(c.policyLabel(policyCode))
}

// RecordRetry records one retry of an execution's action phase.
func (c *Collector) RecordRetry(policyCode string) {
	if !c.config.Enabled {
		return
	}
	c.executionMetrics.RecordRetry(c.policyLabel(policyCode))
}

// RecordAction records one action outcome. It has the action.Observer
// signature; see ActionObserver.
func (c *Collector) RecordAction(policyCode string, rec action.Record) {
	if !c.config.Enabled {
		return
	}
	c.actionMetrics.RecordAction(string(rec.Type), string(rec.Outcome), rec.Replayed, rec.Duration)
}

// ActionObserver adapts the collector to action.Executor.SetObserver.
func (c *Collector) ActionObserver() action.Observer {
	return c.RecordAction
}

// RecordAuditAppend records one audit append attempt.
func (c *Collector) RecordAuditAppend(tenant, kind string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	c.auditMetrics.RecordAppend(kind, err == nil, duration)
}

// RecordVerification records one chain verification.
func (c *Collector) RecordVerification(tenant string, valid bool, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.auditMetrics.RecordVerification(tenant, valid, duration)
}

// RecordViolation records a new violation. It has the violation.Observer
// signature; see ViolationObserver.
func (c *Collector) RecordViolation(v *violation.Violation) {
	if !c.config.Enabled {
		return
	}
	c.policyMetrics.RecordViolation(c.policyLabel(v.PolicyCode), string(v.Severity))
}

// ViolationObserver adapts the collector to violation.WithObserver.
func (c *Collector) ViolationObserver() violation.Observer {
	return c.RecordViolation
}

// RecordActivation records a policy version becoming active or archived.
// It has the signature store.OnActivate expects.
func (c *Collector) RecordActivation(t *policy.Template) {
	if !c.config.Enabled {
		return
	}
	c.policyMetrics.RecordActivation(c.policyLabel(t.Code), string(t.Status), t.Version)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether labelSet may be used. Known values are always
// allowed; new ones are admitted until the limit is reached.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
