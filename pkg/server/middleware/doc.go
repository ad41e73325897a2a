// Package middleware provides the HTTP middleware used by the Warden API
// server: panic recovery, request logging, request IDs and request
// deadlines.
//
// The server applies them in this order, outermost first:
//
//	Recovery -> Logging -> RequestID -> Timeout -> handler
//
// Request IDs are stored with logging.WithRequestID, so every log line a
// handler writes through a context-aware slog call carries the request_id
// field.
package middleware
