package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"fleetops/warden/pkg/config"
)

var refPattern = regexp.MustCompile(`\$\{secret:([^}]+)\}`)

// Resolver looks secrets up in its providers in order and caches the
// results.
type Resolver struct {
	providers []Provider
	cache     *cache
	logger    *slog.Logger
}

// NewResolver creates a resolver over providers, tried in order.
func NewResolver(providers []Provider, ttl time.Duration) *Resolver {
	return &Resolver{
		providers: providers,
		cache:     newCache(ttl),
		logger:    slog.Default().With("component", "secrets"),
	}
}

// FromConfig builds the configured resolver: the secrets directory first
// when set, then the environment.
func FromConfig(cfg *config.SecretsConfig) (*Resolver, error) {
	var providers []Provider
	if cfg.Dir != "" {
		fp, err := NewFileProvider(cfg.Dir)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fp)
	}
	providers = append(providers, NewEnvProvider(cfg.EnvPrefix))
	return NewResolver(providers, cfg.CacheTTL), nil
}

// Get returns the first value any provider has for name. Errors other
// than ErrNotFound stop the lookup.
func (r *Resolver) Get(ctx context.Context, name string) (string, error) {
	if v, ok := r.cache.get(name); ok {
		return v, nil
	}
	for _, p := range r.providers {
		v, err := p.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("secret %q from %s: %w", name, p.Name(), err)
		}
		r.logger.Debug("secret resolved", "name", redactName(name), "provider", p.Name())
		r.cache.set(name, v)
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Resolve replaces every ${secret:name} reference in s. Values without
// references are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, s string) (string, error) {
	var errs []error
	out := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := refPattern.FindStringSubmatch(ref)[1]
		v, err := r.Get(ctx, name)
		if err != nil {
			errs = append(errs, err)
			return ref
		}
		return v
	})
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return out, nil
}

// ResolveConfig resolves references in the Redis password, webhook
// headers and, when auth is enabled, API keys of cfg in place.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	var errs []error
	resolve := func(field string, dst *string) {
		v, err := r.Resolve(ctx, *dst)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = v
	}

	resolve("redis.password", &cfg.Redis.Password)
	for name, wh := range cfg.Actions.Webhooks {
		for k, v := range wh.Headers {
			resolve(fmt.Sprintf("actions.webhooks.%s.headers.%s", name, k), &v)
			wh.Headers[k] = v
		}
	}
	if cfg.Service.Auth.Enabled {
		for i := range cfg.Service.Auth.Keys {
			resolve(fmt.Sprintf("service.auth.keys[%d].key", i), &cfg.Service.Auth.Keys[i].Key)
		}
	}
	return errors.Join(errs...)
}

// Refresh drops cached values so the next lookup reads the providers.
func (r *Resolver) Refresh() {
	r.cache.clear()
}

func redactName(name string) string {
	if len(name) <= 4 {
		return "***"
	}
	return name[:2] + "..." + name[len(name)-2:]
}
