// Package lease provides per-policy-code mutual exclusion for the
// dispatcher. A lease is held from the moment an execution starts until it
// reaches a terminal status.
package lease

import (
	"context"
	"errors"
	"sync"
)

// ErrNotHeld is returned when releasing a lease that is no longer owned.
var ErrNotHeld = errors.New("lease not held")

// Lease is a held lock on one key.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	// Acquire blocks until the lease is free or ctx is done.
	Acquire(ctx context.Context, key string) (Lease, error)

	// TryAcquire returns immediately. ok is false if the lease is held.
	TryAcquire(ctx context.Context, key string) (l Lease, ok bool, err error)
}

// MemoryLocker is a process-local Locker built on one-slot channel
// semaphores.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (m *MemoryLocker) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[key] = s
	}
	return s
}

// Acquire implements Locker.
func (m *MemoryLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	s := m.slot(key)
	select {
	case s <- struct{}{}:
		return &memoryLease{key: key, slot: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire implements Locker.
func (m *MemoryLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	s := m.slot(key)
	select {
	case s <- struct{}{}:
		return &memoryLease{key: key, slot: s}, true, nil
	default:
		return nil, false, nil
	}
}

// Held reports whether key is currently leased.
func (m *MemoryLocker) Held(key string) bool {
	return len(m.slot(key)) == 1
}

type memoryLease struct {
	key  string
	slot chan struct{}
	once sync.Once
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Release(ctx context.Context) error {
	released := false
	l.once.Do(func() {
		<-l.slot
		released = true
	})
	if !released {
		return ErrNotHeld
	}
	return nil
}
