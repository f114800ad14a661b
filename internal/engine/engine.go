// Package engine is the host-facing core: it admits runs, resets state,
// dispatches section units and finalizes runs once every unit finished.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aletop130/ZeroHR/internal/admission"
	"github.com/aletop130/ZeroHR/internal/aggregate"
	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/events"
	"github.com/aletop130/ZeroHR/internal/notify"
	"github.com/aletop130/ZeroHR/internal/orchestrator"
	"github.com/aletop130/ZeroHR/internal/section"
	"github.com/aletop130/ZeroHR/internal/statemachine"
	"github.com/aletop130/ZeroHR/internal/unitstore"
)

var (
	// ErrRunFinished is returned when resuming a run that already completed or failed
	ErrRunFinished = errors.New("run already finished")

	// ErrInvalidRequest is returned for a start request the engine cannot serve
	ErrInvalidRequest = errors.New("invalid run request")
)

// NotifyTimeout bounds the delivery of one run notification
const NotifyTimeout = 10 * time.Second

// Sections resolves handlers and weights for section indexes
type Sections interface {
	Handler(index int) (section.Handler, error)
	Len() int
	Weights(n int) ([]float64, error)
}

// Options tunes the engine
type Options struct {
	SectionCount  int
	MaxRetries    int
	Concurrency   int
	CallTimeout   time.Duration
	AdmissionLock string
	AdmissionTTL  time.Duration
	FinalizeAbove float64
}

// Deps are the collaborators of an Engine. Hub and Notifier are optional.
type Deps struct {
	Store      *unitstore.Store
	Sections   Sections
	Summarizer aggregate.Summarizer
	Locker     admission.Locker
	Hub        *events.Hub
	Notifier   notify.Notifier
	Logger     *slog.Logger
}

// StartRequest describes a new run
type StartRequest struct {
	SectionCount int // zero selects the configured default
	Payload      string
	HistoryHint  string
}

// ResetReport describes what ResetAll stopped and cleared
type ResetReport struct {
	Generation    int64 `json:"generation"`
	Killed        int   `json:"killed"`
	Purged        int   `json:"purged"`
	UnitsCleared  int64 `json:"units_cleared"`
	RunsAbandoned int64 `json:"runs_abandoned"`
	UnitsSeeded   int   `json:"units_seeded"`
}

// SlotStats describes the worker pool
type SlotStats struct {
	Max       int `json:"max"`
	Available int `json:"available"`
	Jobs      int `json:"jobs"` // dispatched jobs, running or queued
}

// activeRun is the run whose jobs are currently dispatched
type activeRun struct {
	rc      *orchestrator.RunContext
	barrier *orchestrator.Barrier
	weights []float64
	done    chan struct{}
}

// Engine coordinates runs
type Engine struct {
	store    *unitstore.Store
	sections Sections
	orch     *orchestrator.Orchestrator
	agg      *aggregate.Aggregator
	locker   admission.Locker
	hub      *events.Hub
	notifier notify.Notifier
	logger   *slog.Logger
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *activeRun
}

// New wires an Engine
func New(deps Deps, opts Options) *Engine {
	if opts.SectionCount <= 0 {
		opts.SectionCount = deps.Sections.Len()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = statemachine.DefaultMaxRetries
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = statemachine.DefaultCallTimeout
	}
	if opts.AdmissionLock == "" {
		opts.AdmissionLock = admission.DefaultLockName
	}
	if opts.AdmissionTTL <= 0 {
		opts.AdmissionTTL = admission.DefaultTTL
	}
	if opts.FinalizeAbove <= 0 {
		opts.FinalizeAbove = aggregate.DefaultFinalizeThreshold
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}

	machine := statemachine.New(deps.Store, statemachine.Config{
		MaxRetries:  opts.MaxRetries,
		CallTimeout: opts.CallTimeout,
	}, deps.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    deps.Store,
		sections: deps.Sections,
		orch:     orchestrator.New(machine, deps.Sections, orchestrator.NewPool(opts.Concurrency), deps.Logger),
		agg:      aggregate.New(deps.Summarizer, opts.FinalizeAbove, deps.Logger),
		locker:   deps.Locker,
		hub:      deps.Hub,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
	machine.SetTransitionCallback(e.publishTransition)
	pool := e.orch.Pool()
	pool.SetOnSlotsChanged(func(available int) {
		e.publish(events.TypePoolSlots, events.PoolSlotsMessage{Available: available, Max: pool.MaxJobs()})
	})
	return e
}

// Slots reports worker pool occupancy
func (e *Engine) Slots() SlotStats {
	pool := e.orch.Pool()
	return SlotStats{
		Max:       pool.MaxJobs(),
		Available: pool.Available(),
		Jobs:      e.orch.ActiveJobs(),
	}
}

// Hub returns the event hub, nil when events are disabled
func (e *Engine) Hub() *events.Hub {
	return e.hub
}

// StartRun admits a new run: it takes the admission lock without waiting,
// resets all state, claims freshly seeded units and dispatches one job per
// unit. It returns ErrAdmissionBusy without touching any state when another
// admission is in progress.
func (e *Engine) StartRun(ctx context.Context, req StartRequest) (*domain.Run, error) {
	n := req.SectionCount
	if n == 0 {
		n = e.opts.SectionCount
	}
	weights, err := e.sections.Weights(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := aggregate.ValidateWeights(weights); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	lease, err := e.locker.TryAcquire(ctx, e.opts.AdmissionLock, e.opts.AdmissionTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("releasing admission lock", "error", err)
		}
	}()

	report, err := e.reset(ctx, n)
	if err != nil {
		return nil, err
	}

	run := &domain.Run{
		ID:           uuid.NewString(),
		Generation:   report.Generation,
		SectionCount: n,
		Payload:      req.Payload,
		HistoryHint:  req.HistoryHint,
		Status:       domain.RunInProgress,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	if err := e.launch(run, weights, false); err != nil {
		return nil, err
	}
	e.logger.Info("run started", "run", run.ID, "generation", run.Generation, "sections", n)
	return run, nil
}

// ResumeRun re-dispatches the unfinished units of an in-progress run of the
// current generation, for example after a process restart.
func (e *Engine) ResumeRun(ctx context.Context, runID string) (*domain.Run, error) {
	lease, err := e.locker.TryAcquire(ctx, e.opts.AdmissionLock, e.opts.AdmissionTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("releasing admission lock", "error", err)
		}
	}()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Finished() {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.Status)
	}
	gen, err := e.store.CurrentGeneration(ctx)
	if err != nil {
		return nil, err
	}
	if run.Generation != gen {
		return nil, fmt.Errorf("%w: run %s", domain.ErrStaleGeneration, runID)
	}

	e.mu.Lock()
	active := e.current != nil && e.current.rc.Run.ID == runID && e.current.rc.Context().Err() == nil
	e.mu.Unlock()
	if active {
		return run, nil
	}

	weights, err := e.sections.Weights(run.SectionCount)
	if err != nil {
		return nil, err
	}
	if err := e.launch(run, weights, true); err != nil {
		return nil, err
	}
	e.logger.Info("run resumed", "run", run.ID, "generation", run.Generation)
	return run, nil
}

// launch dispatches the run's units and finalizes it in the background
func (e *Engine) launch(run *domain.Run, weights []float64, resume bool) error {
	rc := orchestrator.NewRunContext(e.ctx, run)

	var (
		barrier *orchestrator.Barrier
		err     error
	)
	if resume {
		barrier, err = e.orch.Resume(rc)
	} else {
		barrier, err = e.orch.Dispatch(rc)
	}
	if err != nil {
		rc.Cancel()
		run.Status = domain.RunFailed
		run.Error = err.Error()
		if ferr := e.store.FinishRun(context.Background(), run); ferr != nil {
			e.logger.Error("recording dispatch failure", "run", run.ID, "error", ferr)
		}
		return err
	}

	ar := &activeRun{rc: rc, barrier: barrier, weights: weights, done: make(chan struct{})}
	e.mu.Lock()
	e.current = ar
	e.mu.Unlock()

	e.publish(events.TypeRunStarted, events.RunStartedMessage{
		RunID:        run.ID,
		Generation:   run.Generation,
		SectionCount: run.SectionCount,
		Resumed:      resume,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(ar.done)
		e.finish(ar)
	}()
	return nil
}

// finish joins the run's jobs and records the aggregated result
func (e *Engine) finish(ar *activeRun) {
	run, err := ar.barrier.Join(e.ctx, func(ctx context.Context, jobErr error) (*domain.Run, error) {
		return e.finalize(ctx, ar, jobErr)
	})

	e.mu.Lock()
	if e.current == ar {
		e.current = nil
	}
	e.mu.Unlock()

	if err != nil || run == nil {
		return
	}

	e.publish(events.TypeRunFinished, events.RunFinishedMessage{
		RunID:         run.ID,
		Status:        string(run.Status),
		WeightedScore: run.WeightedScore,
		Attempts:      run.Attempts,
		Error:         run.Error,
	})
	e.notify(run)
}

// notify sends the run notification. Close aborts a slow delivery.
func (e *Engine) notify(run *domain.Run) {
	ctx, cancel := context.WithTimeout(e.ctx, NotifyTimeout)
	defer cancel()
	if err := e.notifier.Send(ctx, notify.ForRun(run)); err != nil {
		e.logger.Warn("sending run notification", "run", run.ID, "error", err)
	}
}

func (e *Engine) finalize(ctx context.Context, ar *activeRun, jobErr error) (*domain.Run, error) {
	runID := ar.rc.Run.ID
	if ar.rc.Context().Err() != nil {
		e.logger.Info("run abandoned", "run", runID)
		return nil, ar.rc.Context().Err()
	}
	// Jobs cancelled by Kill or a reset leave the run in progress.
	if errors.Is(jobErr, context.Canceled) {
		e.logger.Info("run interrupted", "run", runID)
		return nil, jobErr
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Debug("run vanished before finalizing", "run", runID)
		} else {
			e.logger.Error("loading run for finalizing", "run", runID, "error", err)
		}
		return nil, err
	}

	if jobErr != nil {
		run.Status = domain.RunFailed
		run.Error = jobErr.Error()
	} else {
		aggCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		res, err := e.agg.Aggregate(aggCtx, run.Units, ar.weights)
		cancel()
		if err != nil {
			run.Status = domain.RunFailed
			run.Error = err.Error()
		} else {
			run.Status = domain.RunCompleted
			run.WeightedScore = &res.WeightedScore
			run.FinalText = res.FinalText
			run.FinalFeedback = res.FinalFeedback
			run.Attempts = res.Attempts
		}
	}

	if err := e.store.FinishRun(ctx, run); err != nil {
		if errors.Is(err, domain.ErrStaleGeneration) || errors.Is(err, domain.ErrNotFound) {
			e.logger.Debug("stale run result discarded", "run", runID)
			return nil, err
		}
		e.logger.Error("recording run result", "run", runID, "error", err)
		run.Status = domain.RunFailed
		run.WeightedScore = nil
		run.FinalText, run.FinalFeedback = "", ""
		run.Error = err.Error()
		if err := e.store.FinishRun(ctx, run); err != nil {
			return nil, err
		}
	}

	e.logger.Info("run finished", "run", runID, "status", run.Status, "attempts", run.Attempts)
	return run, nil
}

// PollRun returns the current state of a run and its units
func (e *Engine) PollRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunCompleted {
		run.WeightedScore = nil
		run.FinalText = ""
		run.FinalFeedback = ""
	}
	return run, nil
}

// WaitRun blocks until the run's barrier fired (or ctx is done) and returns
// the run's final state
func (e *Engine) WaitRun(ctx context.Context, runID string) (*domain.Run, error) {
	e.mu.Lock()
	ar := e.current
	e.mu.Unlock()

	if ar != nil && ar.rc.Run.ID == runID {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.PollRun(ctx, runID)
}

// ResetAll cancels in-flight jobs, discards queued ones and reseeds the
// default number of pending units under a new generation. It is idempotent.
func (e *Engine) ResetAll(ctx context.Context) (ResetReport, error) {
	return e.reset(ctx, e.opts.SectionCount)
}

func (e *Engine) reset(ctx context.Context, sectionCount int) (ResetReport, error) {
	e.mu.Lock()
	stats := e.orch.CancelAll()
	if e.current != nil {
		e.current.rc.Cancel()
	}
	e.mu.Unlock()

	st, err := e.store.Reset(ctx, sectionCount)
	if err != nil {
		return ResetReport{}, err
	}

	report := ResetReport{
		Generation:    st.Generation,
		Killed:        stats.Killed,
		Purged:        stats.Purged,
		UnitsCleared:  st.UnitsCleared,
		RunsAbandoned: st.RunsAbandoned,
		UnitsSeeded:   st.UnitsSeeded,
	}
	e.logger.Info("reset", "generation", report.Generation, "killed", report.Killed, "purged", report.Purged, "seeded", report.UnitsSeeded)
	e.publish(events.TypeRunReset, events.RunResetMessage{
		Generation:   report.Generation,
		Killed:       report.Killed,
		Purged:       report.Purged,
		UnitsCleared: report.UnitsCleared,
		UnitsSeeded:  report.UnitsSeeded,
	})
	return report, nil
}

// Kill cancels in-flight jobs and discards queued ones without reseeding.
// Units keep their last committed status and the run stays in progress, so
// ResumeRun can pick it up again.
func (e *Engine) Kill(ctx context.Context) (orchestrator.CancelStats, error) {
	e.mu.Lock()
	stats := e.orch.CancelAll()
	var runID string
	if e.current != nil {
		runID = e.current.rc.Run.ID
		e.current.rc.Cancel()
	}
	e.mu.Unlock()

	e.logger.Info("kill", "run", runID, "killed", stats.Killed, "purged", stats.Purged)
	e.publish(events.TypeRunKilled, events.RunKilledMessage{
		RunID:  runID,
		Killed: stats.Killed,
		Purged: stats.Purged,
	})
	return stats, nil
}

// Units lists the units of the current generation
func (e *Engine) Units(ctx context.Context) ([]*domain.Unit, error) {
	gen, err := e.store.CurrentGeneration(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.ListUnits(ctx, unitstore.ListOptions{Generation: gen})
}

// Close cancels outstanding jobs and waits for background finalizers
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) publishTransition(u *domain.Unit, from domain.UnitStatus) {
	e.publish(events.TypeUnitTransition, events.UnitTransitionMessage{
		RunID:      u.RunID,
		UnitID:     u.ID,
		Section:    u.Index,
		From:       string(from),
		To:         string(u.Status),
		Score:      u.Score,
		RetryCount: u.RetryCount,
		At:         u.UpdatedAt,
	})
}

func (e *Engine) publish(msgType string, payload any) {
	if e.hub != nil {
		e.hub.Publish(msgType, payload)
	}
}
