package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fleetops/warden/pkg/config"
)

// ActionMetrics tracks action outcomes by action type.
type ActionMetrics struct {
	actionsTotal   *prometheus.CounterVec
	replaysTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
}

// NewActionMetrics creates and registers action metrics.
func NewActionMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ActionMetrics {
	am := &ActionMetrics{
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "actions_total",
				Help:      "Total number of actions by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		replaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "action_replays_total",
				Help:      "Actions answered from the idempotency store instead of the target",
			},
			[]string{"type"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action target calls in seconds",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(am.actionsTotal, am.replaysTotal, am.actionDuration)
	return am
}

// RecordAction records one action outcome. Replayed actions are counted
// separately and not observed in the duration histogram.
func (am *ActionMetrics) RecordAction(actionType, outcome string, replayed bool, duration time.Duration) {
	am.actionsTotal.WithLabelValues(actionType, outcome).Inc()
	if replayed {
		am.replaysTotal.WithLabelValues(actionType).Inc()
		return
	}
	am.actionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}
