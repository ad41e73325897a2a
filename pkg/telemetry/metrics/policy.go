package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"fleetops/warden/pkg/config"
)

// PolicyMetrics tracks policy lifecycle and violation counts.
//
// Metrics:
//   - warden_policy_activations_total: activations and archives by policy
//   - warden_policy_active_version: currently active version per policy
//   - warden_violations_total: recorded violations by policy and severity
type PolicyMetrics struct {
	activationsTotal *prometheus.CounterVec
	activeVersion    *prometheus.GaugeVec
	violationsTotal  *prometheus.CounterVec
}

// NewPolicyMetrics creates and registers policy metrics with the provided registry.
func NewPolicyMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *PolicyMetrics {
	pm := &PolicyMetrics{
		activationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "policy_activations_total",
				Help:      "Total number of policy version status changes",
			},
			[]string{"policy_code", "status"},
		),
		activeVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "policy_active_version",
				Help:      "Currently active version of each policy (0 when archived)",
			},
			[]string{"policy_code"},
		),
		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "violations_total",
				Help:      "Total number of recorded violations",
			},
			[]string{"policy_code", "severity"},
		),
	}

	registry.MustRegister(pm.activationsTotal, pm.activeVersion, pm.violationsTotal)
	return pm
}

// RecordActivation records a status change of a policy version.
func (pm *PolicyMetrics) RecordActivation(policyCode, status string, version int) {
	pm.activationsTotal.WithLabelValues(policyCode, status).Inc()
	if status == "active" {
		pm.activeVersion.WithLabelValues(policyCode).Set(float64(version))
	} else {
		pm.activeVersion.WithLabelValues(policyCode).Set(0)
	}
}

// RecordViolation records a new violation.
func (pm *PolicyMetrics) RecordViolation(policyCode, severity string) {
	pm.violationsTotal.WithLabelValues(policyCode, severity).Inc()
}
