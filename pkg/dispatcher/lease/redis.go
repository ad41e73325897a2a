package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
// KEYS[1] = lease key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only if the key still holds our token.
// KEYS[1] = lease key
// ARGV[1] = owner token
// ARGV[2] = ttl in milliseconds
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	// Prefix namespaces lease keys. Default: "warden:lease:"
	Prefix string

	// TTL bounds how long a lease survives a crashed holder. Held leases
	// are refreshed every TTL/3. Default: 30s
	TTL time.Duration

	// RetryInterval is the polling interval of Acquire. Default: 100ms
	RetryInterval time.Duration
}

// RedisLocker is a Locker shared by every instance connected to the same
// Redis. Leases are SET NX PX keys holding a random owner token.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "warden:lease:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	return &RedisLocker{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "dispatcher.lease.redis"),
	}
}

// TryAcquire implements Locker.
func (r *RedisLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.cfg.Prefix+key, token, r.cfg.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lease acquire failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return r.newLease(key, token), true, nil
}

// Acquire implements Locker by polling TryAcquire.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		l, ok, err := r.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *RedisLocker) newLease(key, token string) *redisLease {
	l := &redisLease{
		locker: r,
		key:    key,
		token:  token,
		stop:   make(chan struct{}),
	}
	go l.keepAlive()
	return l
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
	stop   chan struct{}
	once   sync.Once
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) keepAlive() {
	ticker := time.NewTicker(l.locker.cfg.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.locker.cfg.TTL/3)
			n, err := refreshScript.Run(ctx, l.locker.client,
				[]string{l.locker.cfg.Prefix + l.key}, l.token, l.locker.cfg.TTL.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.locker.logger.Warn("lease refresh failed", "key", l.key, "error", err)
				continue
			}
			if n == 0 {
				l.locker.logger.Error("lease lost before release", "key", l.key)
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	released := false
	l.once.Do(func() {
		close(l.stop)
		released = true
		var n int
		n, err = releaseScript.Run(ctx, l.locker.client, []string{l.locker.cfg.Prefix + l.key}, l.token).Int()
		if err == nil && n == 0 {
			err = ErrNotHeld
		}
	})
	if !released {
		return ErrNotHeld
	}
	return err
}
