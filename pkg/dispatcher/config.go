package dispatcher

import "time"

// Config controls dispatch concurrency, retries and limits.
type Config struct {
	// Workers is the size of the pool that runs scheduled ticks and
	// violation-triggered runs. Default: 4
	Workers int

	// QueueSize bounds queued work. Default: 256
	QueueSize int

	// MaxRetries is how many times a transient action failure is retried.
	// Default: 3
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the exponential retry delay.
	// Defaults: 200ms and 5s
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ExecutionTimeout is the wall-clock budget of one execution including
	// retries. Default: 30s
	ExecutionTimeout time.Duration

	// MaxViolationDepth is the deepest violation-triggered run allowed. A
	// run started directly has depth 1. Default: 3
	MaxViolationDepth int

	// DefaultTenant is used for policies that name no tenant.
	// Default: "default"
	DefaultTenant string
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueSize:         256,
		MaxRetries:        3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		ExecutionTimeout:  30 * time.Second,
		MaxViolationDepth: 3,
		DefaultTenant:     "default",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	if c.MaxViolationDepth <= 0 {
		c.MaxViolationDepth = d.MaxViolationDepth
	}
	if c.DefaultTenant == "" {
		c.DefaultTenant = d.DefaultTenant
	}
	return c
}
