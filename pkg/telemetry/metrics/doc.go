// Package metrics exports Prometheus metrics for the warden service.
//
// A Collector registers every metric on a private registry and implements
// the observer interfaces of the dispatcher and the audit manager. The
// action executor, violation tracker and policy store take plain funcs:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	executor.SetObserver(collector.ActionObserver())
//	tracker := violation.NewTracker(ledger, violation.WithObserver(collector.ViolationObserver()))
//	policies.OnActivate(collector.RecordActivation)
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// Policy code labels pass through a CardinalityLimiter; once it is full,
// unseen codes are reported as "other".
package metrics
