package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fleetops/warden/pkg/config"
)

// AuditMetrics tracks the audit log.
//
// Metrics:
//   - warden_audit_appends_total: append attempts by entry kind and result
//   - warden_audit_append_duration_seconds: append latency
//   - warden_audit_verifications_total: chain verifications by tenant and result
//   - warden_audit_chain_valid: 1 if the tenant's last verification succeeded
type AuditMetrics struct {
	appendsTotal       *prometheus.CounterVec
	appendDuration     prometheus.Histogram
	verificationsTotal *prometheus.CounterVec
	chainValid         *prometheus.GaugeVec
}

// NewAuditMetrics creates and registers audit metrics.
func NewAuditMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AuditMetrics {
	am := &AuditMetrics{
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "audit",
				Name:      "appends_total",
				Help:      "Total number of audit append attempts",
			},
			[]string{"kind", "result"},
		),
		appendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "audit",
				Name:      "append_duration_seconds",
				Help:      "Duration of audit appends in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
			},
		),
		verificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "audit",
				Name:      "verifications_total",
				Help:      "Total number of chain verifications",
			},
			[]string{"tenant", "result"},
		),
		chainValid: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "audit",
				Name:      "chain_valid",
				Help:      "Result of the last chain verification (1 = valid, 0 = broken)",
			},
			[]string{"tenant"},
		),
	}

	registry.MustRegister(am.appendsTotal, am.appendDuration, am.verificationsTotal, am.chainValid)
	return am
}

// RecordAppend records one append attempt.
func (am *AuditMetrics) RecordAppend(kind string, ok bool, duration time.Duration) {
	am.appendsTotal.WithLabelValues(kind, result(ok)).Inc()
	am.appendDuration.Observe(duration.Seconds())
}

// RecordVerification records one chain verification.
func (am *AuditMetrics) RecordVerification(tenant string, valid bool, duration time.Duration) {
	am.verificationsTotal.WithLabelValues(tenant, result(valid)).Inc()
	if valid {
		am.chainValid.WithLabelValues(tenant).Set(1)
	} else {
		am.chainValid.WithLabelValues(tenant).Set(0)
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
