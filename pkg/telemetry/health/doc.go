// Package health serves liveness, readiness and version endpoints.
//
// Readiness aggregates component checks: the audit chain check fails while
// any tenant chain is halted after a verification divergence, and the Redis
// check pings the lease and idempotency backend when one is configured.
//
//	checker := health.New(5 * time.Second)
//	checker.RegisterCheck("audit", health.AuditChainCheck(auditManager))
//	health.Register(mux, checker, version, commit, buildTime)
package health
