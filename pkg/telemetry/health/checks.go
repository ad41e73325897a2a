package health

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"fleetops/warden/pkg/audit"
)

// HaltReporter reports tenant audit chains that failed verification.
type HaltReporter interface {
	Halted() map[string]*audit.ChainIntegrityError
}

// AuditChainCheck fails while any tenant chain is halted. A halted chain
// rejects appends, so executions for that tenant cannot be recorded.
func AuditChainCheck(r HaltReporter) CheckFunc {
	return func(ctx context.Context) error {
		halted := r.Halted()
		if len(halted) == 0 {
			return nil
		}
		parts := make([]string, 0, len(halted))
		for tenant, h := range halted {
			parts = append(parts, fmt.Sprintf("%s at sequence %d", tenant, h.Sequence))
		}
		sort.Strings(parts)
		return fmt.Errorf("audit chain halted: %s", strings.Join(parts, ", "))
	}
}

// RedisCheck pings the Redis server backing leases and idempotency keys.
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
