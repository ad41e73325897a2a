package ratelimit

import (
	"fmt"
	"time"
)

// Config sets the limits for one target. Zero disables a limit.
type Config struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
	MaxConcurrent     int `yaml:"max_concurrent"`
}

// Enabled reports whether any limit is set.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0 || c.RequestsPerMinute > 0 || c.MaxConcurrent > 0
}

// Result is the outcome of Acquire.
type Result struct {
	Allowed bool

	// Reason names the exhausted limit when Allowed is false.
	Reason string

	// RetryAfter is a hint for the next attempt.
	RetryAfter time.Duration
}

// Limiter checks every configured limit together.
type Limiter struct {
	perSecond  *TokenBucket
	perMinute  *TokenBucket
	concurrent *ConcurrentLimiter
}

// New creates a limiter. The per-second bucket bursts to twice the rate
// and the per-minute bucket to the full minute.
func New(cfg Config) *Limiter {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	l := &Limiter{}
	if cfg.RequestsPerSecond > 0 {
		l.perSecond = newTokenBucket(int64(cfg.RequestsPerSecond*2), float64(cfg.RequestsPerSecond), now)
	}
	if cfg.RequestsPerMinute > 0 {
		l.perMinute = newTokenBucket(int64(cfg.RequestsPerMinute), float64(cfg.RequestsPerMinute)/60, now)
	}
	if cfg.MaxConcurrent > 0 {
		l.concurrent = NewConcurrentLimiter(cfg.MaxConcurrent)
	}
	return l
}

// Acquire admits one delivery. When Allowed is true the caller must call
// Release once the delivery finishes.
func (l *Limiter) Acquire() Result {
	if l.concurrent != nil && !l.concurrent.Acquire() {
		return Result{Reason: fmt.Sprintf("%d deliveries already in flight", l.concurrent.limit), RetryAfter: 100 * time.Millisecond}
	}
	for _, b := range []struct {
		bucket *TokenBucket
		name   string
	}{
		{l.perSecond, "requests per second"},
		{l.perMinute, "requests per minute"},
	} {
		if b.bucket == nil || b.bucket.Take(1) {
			continue
		}
		if l.concurrent != nil {
			l.concurrent.Release()
		}
		return Result{Reason: b.name + " exceeded", RetryAfter: b.bucket.TimeUntilAvailable(1)}
	}
	return Result{Allowed: true}
}

// Release ends a delivery admitted by Acquire.
func (l *Limiter) Release() {
	if l.concurrent != nil {
		l.concurrent.Release()
	}
}
