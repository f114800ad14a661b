package orchestrator

import (
	"context"
	"sync"
)

// DefaultConcurrency is the number of units that may run at once
const DefaultConcurrency = 7

// Pool manages a fixed number of job slots
type Pool struct {
	maxJobs        int
	slots          chan struct{} // one token per occupied slot
	mu             sync.Mutex
	onSlotsChanged func(available int) // Callback when slots change
}

// NewPool creates a pool with the given capacity
func NewPool(maxJobs int) *Pool {
	if maxJobs <= 0 {
		maxJobs = DefaultConcurrency
	}
	return &Pool{
		maxJobs: maxJobs,
		slots:   make(chan struct{}, maxJobs),
	}
}

// SetOnSlotsChanged sets a callback to be invoked when slot availability changes
func (p *Pool) SetOnSlotsChanged(callback func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotsChanged = callback
}

// Acquire blocks until a slot is free or ctx is done
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		p.notify()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire claims a slot without waiting. Returns true if successful.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		p.notify()
		return true
	default:
		return false
	}
}

// Release returns a job slot to the pool.
func (p *Pool) Release() {
	select {
	case <-p.slots:
		p.notify()
	default:
	}
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	return p.maxJobs - len(p.slots)
}

// MaxJobs returns the pool capacity.
func (p *Pool) MaxJobs() int {
	return p.maxJobs
}

func (p *Pool) notify() {
	p.mu.Lock()
	callback := p.onSlotsChanged
	p.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(p.Available())
	}
}
