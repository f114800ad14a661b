// Package admission provides the named, ttl-bound, non-blocking lock that
// allows only one run to be admitted at a time.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aletop130/ZeroHR/internal/domain"
)

const (
	DefaultLockName = "start_run"
	DefaultTTL      = 15 * time.Second
)

// Lease is a held admission lock
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out admission leases
type Locker interface {
	// TryAcquire never waits; it returns ErrAdmissionBusy when name is held.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Memory is an in-process Locker
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	owner   string
	expires time.Time
}

// NewMemory creates an in-process Locker
func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), clock: time.Now}
}

// TryAcquire claims name unless an unexpired claim exists
func (m *Memory) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if e, ok := m.held[name]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAdmissionBusy, name)
	}
	owner := uuid.NewString()
	m.held[name] = memoryEntry{owner: owner, expires: now.Add(ttl)}
	return &memoryLease{m: m, name: name, owner: owner}, nil
}

type memoryLease struct {
	m     *Memory
	name  string
	owner string
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if e, ok := l.m.held[l.name]; ok && e.owner == l.owner {
		delete(l.m.held, l.name)
	}
	return nil
}

// LockStore is the persistence behind a SQL Locker
type LockStore interface {
	TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name, owner string) error
}

// SQL is a Locker backed by the unit store's locks table, shared by every
// process that opens the same database.
type SQL struct {
	store LockStore
}

// NewSQL creates a Locker over store
func NewSQL(store LockStore) *SQL {
	return &SQL{store: store}
}

// TryAcquire claims name unless an unexpired claim exists
func (s *SQL) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	owner := uuid.NewString()
	ok, err := s.store.TryLock(ctx, name, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAdmissionBusy, name)
	}
	return &sqlLease{store: s.store, name: name, owner: owner}, nil
}

type sqlLease struct {
	store LockStore
	name  string
	owner string
}

func (l *sqlLease) Release(ctx context.Context) error {
	return l.store.Unlock(ctx, l.name, l.owner)
}

// New returns the Locker named by backend
func New(backend string, store LockStore) (Locker, error) {
	switch backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		if store == nil {
			return nil, fmt.Errorf("sqlite admission backend needs a store")
		}
		return NewSQL(store), nil
	default:
		return nil, fmt.Errorf("unknown admission backend %q", backend)
	}
}
