package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fleetops/warden/pkg/config"
)

// ExecutionMetrics tracks dispatcher activity.
//
// Metrics:
//   - warden_executions_total: finished executions by policy, trigger and status
//   - warden_execution_duration_seconds: end-to-end execution duration
//   - warden_scheduled_skips_total: scheduled triggers dropped because the lease was held
//   - warden_execution_retries_total: action phase retries
type ExecutionMetrics struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	scheduledSkips    *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
}

// NewExecutionMetrics creates and registers execution metrics.
func NewExecutionMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ExecutionMetrics {
	em := &ExecutionMetrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "executions_total",
				Help:      "Total number of finished policy executions",
			},
			[]string{"policy_code", "trigger", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of policy executions in seconds",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"policy_code", "trigger"},
		),
		scheduledSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "scheduled_skips_total",
				Help:      "Scheduled triggers skipped because a run was already in progress",
			},
			[]string{"policy_code"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "execution_retries_total",
				Help:      "Total number of action phase retries",
			},
			[]string{"policy_code"},
		),
	}

	registry.MustRegister(em.executionsTotal, em.executionDuration, em.scheduledSkips, em.retriesTotal)
	return em
}

// RecordExecution records a finished execution.
func (em *ExecutionMetrics) RecordExecution(policyCode, trigger, status string, duration time.Duration) {
	em.executionsTotal.WithLabelValues(policyCode, trigger, status).Inc()
	em.executionDuration.WithLabelValues(policyCode, trigger).Observe(duration.Seconds())
}

// RecordScheduledSkip records a skipped scheduled trigger.
func (em *ExecutionMetrics) RecordScheduledSkip(policyCode string) {
	em.scheduledSkips.WithLabelValues(policyCode).Inc()
}

// RecordRetry records a retry.
func (em *ExecutionMetrics) RecordRetry(policyCode string) {
	em.retriesTotal.WithLabelValues(policyCode).Inc()
}
