package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/unitstore"
)

func lockers(t *testing.T) map[string]Locker {
	t.Helper()
	store, err := unitstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return map[string]Locker{
		"memory": NewMemory(),
		"sqlite": NewSQL(store),
	}
}

func TestLocker_BusyWhileHeld(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			lease, err := locker.TryAcquire(ctx, DefaultLockName, time.Minute)
			if err != nil {
				t.Fatal(err)
			}

			_, err = locker.TryAcquire(ctx, DefaultLockName, time.Minute)
			if !errors.Is(err, domain.ErrAdmissionBusy) {
				t.Errorf("second TryAcquire error = %v, want ErrAdmissionBusy", err)
			}

			if _, err := locker.TryAcquire(ctx, "other", time.Minute); err != nil {
				t.Errorf("different name should not be busy: %v", err)
			}

			if err := lease.Release(ctx); err != nil {
				t.Fatal(err)
			}
			again, err := locker.TryAcquire(ctx, DefaultLockName, time.Minute)
			if err != nil {
				t.Errorf("TryAcquire after release: %v", err)
			} else {
				again.Release(ctx)
			}
		})
	}
}

func TestLocker_Concurrent(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			var mu sync.Mutex
			won := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := locker.TryAcquire(context.Background(), "race", time.Minute); err == nil {
						mu.Lock()
						won++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if won != 1 {
				t.Errorf("%d callers acquired the lock, want 1", won)
			}
		})
	}
}

func TestMemory_ExpiredLeaseIsReclaimed(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.clock = func() time.Time { return now }

	old, err := m.TryAcquire(context.Background(), "x", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	m.clock = func() time.Time { return now.Add(2 * time.Second) }
	if _, err := m.TryAcquire(context.Background(), "x", time.Second); err != nil {
		t.Fatalf("expired lock should be reclaimable: %v", err)
	}

	// The stale holder's release must not drop the new claim.
	old.Release(context.Background())
	if _, err := m.TryAcquire(context.Background(), "x", time.Second); !errors.Is(err, domain.ErrAdmissionBusy) {
		t.Errorf("TryAcquire error = %v, want ErrAdmissionBusy", err)
	}
}

func TestNew_Backends(t *testing.T) {
	if l, err := New("memory", nil); err != nil || l == nil {
		t.Errorf("memory backend: %v", err)
	}
	if _, err := New("sqlite", nil); err == nil {
		t.Error("sqlite backend without store should fail")
	}
	if _, err := New("redis", nil); err == nil {
		t.Error("unknown backend should fail")
	}
}
