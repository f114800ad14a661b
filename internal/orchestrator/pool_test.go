package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPool_AcquireRelease(t *testing.T) {
	pool := NewPool(2)

	if pool.Available() != 2 {
		t.Errorf("got available=%d, want 2", pool.Available())
	}

	if !pool.TryAcquire() {
		t.Error("first acquire should succeed")
	}
	if err := pool.Acquire(context.Background()); err != nil {
		t.Errorf("second acquire should succeed: %v", err)
	}
	if pool.Available() != 0 {
		t.Errorf("got available=%d, want 0", pool.Available())
	}

	if pool.TryAcquire() {
		t.Error("third acquire should fail when pool exhausted")
	}

	pool.Release()
	if pool.Available() != 1 {
		t.Errorf("got available=%d, want 1", pool.Available())
	}
}

func TestPool_AcquireBlocksUntilRelease(t *testing.T) {
	pool := NewPool(1)
	pool.TryAcquire()

	acquired := make(chan struct{})
	go func() {
		if err := pool.Acquire(context.Background()); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire should proceed after release")
	}
}

func TestPool_AcquireCancelled(t *testing.T) {
	pool := NewPool(1)
	pool.TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pool.Acquire(ctx); err != context.Canceled {
		t.Errorf("Acquire error = %v, want context.Canceled", err)
	}
	if pool.Available() != 0 {
		t.Errorf("cancelled acquire must not take a slot, available=%d", pool.Available())
	}
}

func TestPool_Concurrent(t *testing.T) {
	pool := NewPool(5)

	var wg sync.WaitGroup
	acquired := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired <- pool.TryAcquire()
		}()
	}

	wg.Wait()
	close(acquired)

	successCount := 0
	for ok := range acquired {
		if ok {
			successCount++
		}
	}

	if successCount != 5 {
		t.Errorf("got %d successful acquires, want 5", successCount)
	}
}

func TestPool_OnSlotsChanged(t *testing.T) {
	pool := NewPool(3)

	var mu sync.Mutex
	notifications := []int{}

	pool.SetOnSlotsChanged(func(available int) {
		mu.Lock()
		notifications = append(notifications, available)
		mu.Unlock()
	})

	pool.TryAcquire()
	pool.TryAcquire()
	pool.Release()

	mu.Lock()
	defer mu.Unlock()
	want := []int{2, 1, 2}
	if len(notifications) != len(want) {
		t.Fatalf("notifications = %v, want %v", notifications, want)
	}
	for i := range want {
		if notifications[i] != want[i] {
			t.Errorf("notification[%d] = %d, want %d", i, notifications[i], want[i])
		}
	}
}

func TestPool_ReleaseOnEmptyIsNoop(t *testing.T) {
	pool := NewPool(2)
	pool.Release()
	if pool.Available() != 2 {
		t.Errorf("got available=%d, want 2", pool.Available())
	}
}
