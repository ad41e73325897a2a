package storage

import (
	"context"
	"sort"
	"sync"

	"fleetops/warden/pkg/audit"
)

// MemoryStorage implements audit.Storage in memory. Entries are kept per
// tenant in sequence order.
type MemoryStorage struct {
	chains map[string][]*audit.Entry
	mu     sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		chains: make(map[string][]*audit.Entry),
	}
}

// Append stores an entry.
func (s *MemoryStorage) Append(ctx context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[entry.Tenant]
	i := sort.Search(len(chain), func(i int) bool { return chain[i].Sequence >= entry.Sequence })
	if i < len(chain) && chain[i].Sequence == entry.Sequence {
		return audit.ErrDuplicateSequence
	}

	chain = append(chain, nil)
	copy(chain[i+1:], chain[i:])
	chain[i] = entry.Clone()
	s.chains[entry.Tenant] = chain
	return nil
}

// Tip returns the last entry of the tenant's chain.
func (s *MemoryStorage) Tip(ctx context.Context, tenant string) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[tenant]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1].Clone(), nil
}

// Query retrieves entries matching the query filters.
func (s *MemoryStorage) Query(ctx context.Context, query *audit.Query) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := s.filter(query)

	start := query.Offset
	if start > len(results) {
		return []*audit.Entry{}, nil
	}
	results = results[start:]
	if query.Limit > 0 && query.Limit < len(results) {
		results = results[:query.Limit]
	}

	out := make([]*audit.Entry, len(results))
	for i, e := range results {
		out[i] = e.Clone()
	}
	return out, nil
}

// QueryStream streams entries matching the query filters.
func (s *MemoryStorage) QueryStream(ctx context.Context, query *audit.Query) (<-chan *audit.Entry, <-chan error, error) {
	entriesCh := make(chan *audit.Entry, 100)
	errCh := make(chan error, 1)

	s.mu.RLock()
	results := s.filter(query)
	s.mu.RUnlock()

	go func() {
		defer close(entriesCh)
		defer close(errCh)

		sent := 0
		for i, e := range results {
			if i < query.Offset {
				continue
			}
			if query.Limit > 0 && sent >= query.Limit {
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case entriesCh <- e.Clone():
				sent++
			}
		}
	}()

	return entriesCh, errCh, nil
}

// Count returns the number of entries matching the query filters.
func (s *MemoryStorage) Count(ctx context.Context, query *audit.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.filter(query))), nil
}

// Tenants lists tenants with entries.
func (s *MemoryStorage) Tenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenants := make([]string, 0, len(s.chains))
	for t, chain := range s.chains {
		if len(chain) > 0 {
			tenants = append(tenants, t)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Close is a no-op; entries stay readable.
func (s *MemoryStorage) Close() error {
	return nil
}

// Tamper mutates a stored entry in place, bypassing the append-only
// guarantee. It exists so verification can be exercised against a
// corrupted chain.
func (s *MemoryStorage) Tamper(tenant string, sequence int64, fn func(*audit.Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.chains[tenant] {
		if e.Sequence == sequence {
			fn(e)
			return true
		}
	}
	return false
}

// filter returns matching entries ordered by (tenant, sequence). Callers
// must hold s.mu.
func (s *MemoryStorage) filter(query *audit.Query) []*audit.Entry {
	var tenants []string
	if query.Tenant != "" {
		tenants = []string{query.Tenant}
	} else {
		for t := range s.chains {
			tenants = append(tenants, t)
		}
		sort.Strings(tenants)
	}

	var results []*audit.Entry
	for _, t := range tenants {
		for _, e := range s.chains[t] {
			if query.Matches(e) {
				results = append(results, e)
			}
		}
	}

	if query.Descending {
		for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
			results[i], results[j] = results[j], results[i]
		}
	}
	return results
}
