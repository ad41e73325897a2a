package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"fleetops/warden/pkg/server/middleware"
	"fleetops/warden/pkg/telemetry/logging"
)

// Source says where a request carries its key.
type Source struct {
	// Header names the header. Query is used when Header is empty.
	Header string
	Query  string

	// Scheme is a required value prefix such as "Bearer".
	Scheme string
}

// DefaultSources accepts "Authorization: Bearer <key>" and "X-API-Key".
var DefaultSources = []Source{
	{Header: "Authorization", Scheme: "Bearer"},
	{Header: "X-API-Key"},
}

var errMissingKey = errors.New("no API key found")

// Middleware rejects requests without a valid key and records the key's
// actor in the request context.
type Middleware struct {
	validator *Validator
	sources   []Source
	logger    *slog.Logger
}

// NewMiddleware creates the middleware. Nil sources means DefaultSources.
func NewMiddleware(validator *Validator, sources []Source) *Middleware {
	if len(sources) == 0 {
		sources = DefaultSources
	}
	return &Middleware{
		validator: validator,
		sources:   sources,
		logger:    slog.Default().With("component", "auth"),
	}
}

// Handle wraps next.
func (m *Middleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, err := m.extract(r)
		if err == nil {
			var key *APIKey
			key, err = m.validator.Validate(presented)
			if err == nil {
				ctx := WithKey(r.Context(), key)
				ctx = logging.WithActor(ctx, key.Actor)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		m.logger.WarnContext(r.Context(), "request rejected",
			"error", err,
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
		)
		w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
		middleware.WriteError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
	})
}

func (m *Middleware) extract(r *http.Request) (string, error) {
	for _, s := range m.sources {
		var value string
		if s.Header != "" {
			value = r.Header.Get(s.Header)
		} else if s.Query != "" {
			value = r.URL.Query().Get(s.Query)
		}
		if value == "" {
			continue
		}
		if s.Scheme == "" {
			return value, nil
		}
		if rest, ok := strings.CutPrefix(value, s.Scheme+" "); ok && rest != "" {
			return rest, nil
		}
	}
	return "", errMissingKey
}
