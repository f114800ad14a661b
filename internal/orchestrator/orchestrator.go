// Package orchestrator fans a run out into one job per section unit on a
// bounded pool and joins them behind a barrier.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/section"
	"github.com/aletop130/ZeroHR/internal/statemachine"
)

// HandlerResolver selects the section handler for a unit index
type HandlerResolver interface {
	Handler(index int) (section.Handler, error)
}

// RunContext carries one run through the pipeline
type RunContext struct {
	Run    *domain.Run
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunContext binds run to a cancellable context derived from parent
func NewRunContext(parent context.Context, run *domain.Run) *RunContext {
	ctx, cancel := context.WithCancel(parent)
	return &RunContext{Run: run, ctx: ctx, cancel: cancel}
}

// Context returns the run's context
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Cancel stops every job of the run
func (rc *RunContext) Cancel() { rc.cancel() }

// CancelStats reports what CancelAll stopped
type CancelStats struct {
	Killed int `json:"killed"` // jobs that held a pool slot
	Purged int `json:"purged"` // jobs still queued for a slot
}

// trackedJob is a dispatched unit that has not returned yet
type trackedJob struct {
	runID   string
	index   int
	cancel  context.CancelFunc
	running bool
}

// Orchestrator dispatches units onto the pool
type Orchestrator struct {
	machine  *statemachine.Machine
	handlers HandlerResolver
	pool     *Pool
	logger   *slog.Logger

	jobs map[string]*trackedJob // unitID -> job
	mu   sync.Mutex
}

// New creates an Orchestrator
func New(machine *statemachine.Machine, handlers HandlerResolver, pool *Pool, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		machine:  machine,
		handlers: handlers,
		pool:     pool,
		logger:   logger,
		jobs:     make(map[string]*trackedJob),
	}
}

// Pool returns the worker pool
func (o *Orchestrator) Pool() *Pool {
	return o.pool
}

// Dispatch starts one job per Pending unit of the run. Units in any other
// committed status are skipped.
func (o *Orchestrator) Dispatch(rc *RunContext) (*Barrier, error) {
	return o.start(rc, func(u *domain.Unit) bool {
		return u.Status == domain.StatusPending
	})
}

// Resume starts a job for every unit of the run that is not yet terminal,
// continuing from its last committed status.
func (o *Orchestrator) Resume(rc *RunContext) (*Barrier, error) {
	return o.start(rc, func(u *domain.Unit) bool {
		return !u.Status.Terminal()
	})
}

func (o *Orchestrator) start(rc *RunContext, eligible func(*domain.Unit) bool) (*Barrier, error) {
	type planned struct {
		unit    *domain.Unit
		handler section.Handler
	}

	var plan []planned
	for _, snap := range rc.Run.Units {
		u, err := o.machine.Load(rc.ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("dispatching run %s: %w", rc.Run.ID, err)
		}
		if !eligible(u) {
			continue
		}
		h, err := o.handlers.Handler(u.Index)
		if err != nil {
			return nil, fmt.Errorf("dispatching run %s: %w", rc.Run.ID, err)
		}
		plan = append(plan, planned{unit: u, handler: h})
	}

	b := newBarrier()
	input := section.Input{Payload: rc.Run.Payload, HistoryHint: rc.Run.HistoryHint}

	o.mu.Lock()
	for _, p := range plan {
		if _, busy := o.jobs[p.unit.ID]; busy {
			continue
		}
		jobCtx, cancel := context.WithCancel(rc.ctx)
		tj := &trackedJob{runID: rc.Run.ID, index: p.unit.Index, cancel: cancel}
		o.jobs[p.unit.ID] = tj

		unit, handler := p.unit, p.handler
		b.group.Go(func() error {
			defer cancel()
			defer o.forget(unit.ID, tj)
			return o.runJob(jobCtx, tj, unit, handler, input)
		})
	}
	o.mu.Unlock()

	b.seal()
	o.logger.Info("dispatched run", "run", rc.Run.ID, "jobs", len(plan))
	return b, nil
}

func (o *Orchestrator) runJob(ctx context.Context, tj *trackedJob, unit *domain.Unit, h section.Handler, in section.Input) error {
	if !o.pool.TryAcquire() {
		o.logger.Debug("job queued for a slot", "run", tj.runID, "section", unit.Index)
		if err := o.pool.Acquire(ctx); err != nil {
			o.logger.Debug("queued job discarded", "run", tj.runID, "section", unit.Index)
			return err
		}
	}
	defer o.pool.Release()

	o.mu.Lock()
	tj.running = true
	o.mu.Unlock()

	final, err := o.machine.Run(ctx, unit, h, in)
	switch {
	case err == nil:
		o.logger.Debug("unit finished", "run", tj.runID, "section", final.Index, "status", final.Status, "retries", final.RetryCount)
		return nil
	case errors.Is(err, domain.ErrStaleGeneration):
		o.logger.Debug("stale write discarded", "run", tj.runID, "section", unit.Index)
		return nil
	case errors.Is(err, context.Canceled):
		o.logger.Debug("job cancelled", "run", tj.runID, "section", unit.Index)
		return err
	default:
		o.logger.Error("job died", "run", tj.runID, "section", unit.Index, "error", err)
		return err
	}
}

func (o *Orchestrator) forget(unitID string, tj *trackedJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.jobs[unitID] == tj {
		delete(o.jobs, unitID)
	}
}

// CancelAll cancels every in-flight job and discards every queued one
func (o *Orchestrator) CancelAll() CancelStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stats CancelStats
	for id, tj := range o.jobs {
		if tj.running {
			stats.Killed++
		} else {
			stats.Purged++
		}
		tj.cancel()
		delete(o.jobs, id)
	}
	return stats
}

// ActiveJobs returns the number of dispatched jobs that have not returned
func (o *Orchestrator) ActiveJobs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}
