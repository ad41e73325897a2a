// Package tracing sets up OpenTelemetry tracing.
//
// When enabled, New installs an OTLP gRPC exporting tracer provider as the
// global provider. The dispatcher opens a span per execution, the action
// executor a child span per action, and webhook targets inject W3C trace
// context into outbound requests. HTTPMiddleware joins incoming API calls
// to a caller's trace.
package tracing
