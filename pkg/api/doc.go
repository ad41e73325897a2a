// Package api exposes Warden over HTTP as JSON.
//
// Routes use Go 1.22 method and wildcard patterns on a standard ServeMux:
//
//	POST /v1/policies                                       create a draft
//	GET  /v1/policies/{code}                                versions and active version
//	POST /v1/policies/{code}/versions/{version}/{op}        submit, activate or archive
//	POST /v1/executions                                     manual trigger
//	GET  /v1/executions                                     list recorded executions
//	GET  /v1/executions/inflight                            pending and running executions
//	GET  /v1/executions/{id}                                one recorded execution
//	POST /v1/executions/{id}/cancel                         cancel before actions start
//	POST /v1/events                                         subject changed
//	GET  /v1/subjects/{id}/violations                       violation history
//	GET  /v1/violations/{id}                                one violation
//	POST /v1/violations/{id}/status                         case status transition
//	GET  /v1/audit/{tenant}/verify                          verify the chain
//	GET  /v1/audit/{tenant}/tip                             chain head
//	POST /v1/audit/{tenant}/resume                          acknowledge a halted chain
//	GET  /v1/audit/{tenant}/export                          JSON or CSV export
//
// Requests name their tenant with the tenant query parameter or the
// X-Tenant header and their actor with X-Actor. Errors use the envelope
// written by middleware.WriteError.
package api
