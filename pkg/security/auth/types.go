// Package auth authenticates API requests with configured API keys. Each
// key acts as one actor and may be limited to a set of tenants.
package auth

import (
	"context"
	"slices"

	"fleetops/warden/pkg/config"
)

// APIKey is a configured credential.
type APIKey struct {
	Key   string
	Actor string

	// Tenants the key may address. Empty allows every tenant.
	Tenants []string

	Enabled bool
}

// AllowsTenant reports whether the key may read or change tenant.
func (k *APIKey) AllowsTenant(tenant string) bool {
	return len(k.Tenants) == 0 || slices.Contains(k.Tenants, tenant)
}

// KeysFromConfig converts the service.auth.keys entries.
func KeysFromConfig(keys []config.APIKeyConfig) []*APIKey {
	out := make([]*APIKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, &APIKey{
			Key:     k.Key,
			Actor:   k.Actor,
			Tenants: append([]string(nil), k.Tenants...),
			Enabled: !k.Disabled,
		})
	}
	return out
}

type contextKey struct{}

// WithKey returns a context carrying the authenticated key.
func WithKey(ctx context.Context, key *APIKey) context.Context {
	return context.WithValue(ctx, contextKey{}, key)
}

// FromContext returns the key that authenticated the request, if any.
func FromContext(ctx context.Context) (*APIKey, bool) {
	key, ok := ctx.Value(contextKey{}).(*APIKey)
	return key, ok
}
