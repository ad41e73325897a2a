package api

import (
	"context"
	"errors"
	"net/http"

	"fleetops/warden/pkg/audit"
	"fleetops/warden/pkg/dispatcher"
	"fleetops/warden/pkg/execution"
	"fleetops/warden/pkg/policy"
	"fleetops/warden/pkg/policy/store"
	"fleetops/warden/pkg/subject"
	"fleetops/warden/pkg/violation"
)

// classify returns the HTTP status and error code for err.
func classify(err error) (int, string) {
	var (
		schemaErr    *policy.SchemaError
		conflictErr  *policy.ConflictError
		policyTrans  *policy.TransitionError
		caseTrans    *violation.TransitionError
		integrityErr *audit.ChainIntegrityError
	)

	switch {
	case errors.As(err, &schemaErr):
		return http.StatusUnprocessableEntity, "schema_error"
	case errors.As(err, &conflictErr),
		errors.Is(err, store.ErrStatusChanged),
		errors.Is(err, store.ErrActiveChanged):
		return http.StatusConflict, "conflict"
	case errors.As(err, &policyTrans), errors.As(err, &caseTrans):
		return http.StatusConflict, "invalid_transition"
	case errors.As(err, &integrityErr):
		return http.StatusConflict, "chain_halted"
	case errors.Is(err, store.ErrVersionExists):
		return http.StatusConflict, "version_exists"
	case errors.Is(err, policy.ErrNoActiveVersion):
		return http.StatusConflict, "no_active_version"
	case errors.Is(err, dispatcher.ErrCancelRefused):
		return http.StatusConflict, "cancel_refused"
	case errors.Is(err, audit.ErrNotHalted):
		return http.StatusConflict, "not_halted"
	case errors.Is(err, policy.ErrNotFound),
		errors.Is(err, execution.ErrNotFound),
		errors.Is(err, violation.ErrNotFound),
		errors.Is(err, subject.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, dispatcher.ErrClosed), errors.Is(err, audit.ErrLogClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, errNoSubjects):
		return http.StatusNotImplemented, "not_implemented"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
