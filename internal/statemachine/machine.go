// Package statemachine drives one section unit through generate, judge and
// retry until it is Accepted or Failed. Every transition is committed to the
// store before the next step begins.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/section"
)

const (
	DefaultMaxRetries  = 2
	DefaultCallTimeout = 600 * time.Second
)

// Store is the persistence the machine needs
type Store interface {
	GetUnit(ctx context.Context, id string) (*domain.Unit, error)
	UpdateUnit(ctx context.Context, id string, gen int64, fn func(*domain.Unit) error) (*domain.Unit, error)
}

// errSettled marks a unit that reached a terminal status outside this job
var errSettled = errors.New("unit already settled")

// TransitionFunc is called after every committed transition
type TransitionFunc func(unit *domain.Unit, from domain.UnitStatus)

// Config bounds retries and collaborator calls
type Config struct {
	MaxRetries  int
	CallTimeout time.Duration
}

// Machine runs the unit lifecycle
type Machine struct {
	store        Store
	cfg          Config
	logger       *slog.Logger
	onTransition TransitionFunc
}

// New creates a Machine
func New(store Store, cfg Config, logger *slog.Logger) *Machine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Machine{store: store, cfg: cfg, logger: logger}
}

// SetTransitionCallback registers fn for committed transitions
func (m *Machine) SetTransitionCallback(fn TransitionFunc) {
	m.onTransition = fn
}

// MaxRetries returns the retry budget per unit
func (m *Machine) MaxRetries() int {
	return m.cfg.MaxRetries
}

// Load returns the committed state of unit. A unit that a reset deleted or
// moved to another generation yields ErrStaleGeneration.
func (m *Machine) Load(ctx context.Context, unit *domain.Unit) (*domain.Unit, error) {
	cur, err := m.store.GetUnit(ctx, unit.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: unit %s no longer exists", domain.ErrStaleGeneration, unit.ID)
	}
	if err != nil {
		return nil, err
	}
	if cur.Generation != unit.Generation {
		return nil, fmt.Errorf("%w: unit %s moved to generation %d", domain.ErrStaleGeneration, unit.ID, cur.Generation)
	}
	return cur, nil
}

// Run advances unit until it reaches a terminal status, starting from its
// committed state. A unit that is already terminal is returned unchanged.
// Units found in Generating or Judging (after a crash) redo that step. When
// ctx is cancelled the unit is left at its last committed status and
// ctx.Err() is returned. Store failures, including ErrStaleGeneration, end
// the run immediately.
func (m *Machine) Run(ctx context.Context, unit *domain.Unit, h section.Handler, in section.Input) (*domain.Unit, error) {
	u, err := m.Load(ctx, unit)
	if err != nil {
		return unit, err
	}
	log := m.logger.With("section", u.Index, "unit", u.ID)

	for !u.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return u, err
		}

		var err error
		switch u.Status {
		case domain.StatusPending, domain.StatusRetrying:
			u, err = m.transition(ctx, u, domain.StatusGenerating, nil)

		case domain.StatusGenerating:
			in.Feedback = u.Feedback
			text, genErr := m.generate(ctx, h, in)
			if ctx.Err() != nil {
				return u, ctx.Err()
			}
			if genErr != nil {
				next := m.afterError(u, genErr)
				log.Warn("generation failed", "error", genErr, "next", next, "retries", u.RetryCount)
				u, err = m.transition(ctx, u, next, nil)
				break
			}
			u, err = m.transition(ctx, u, domain.StatusAwaitingJudgment, func(cur *domain.Unit) {
				cur.Text = text
			})

		case domain.StatusAwaitingJudgment:
			u, err = m.transition(ctx, u, domain.StatusJudging, nil)

		case domain.StatusJudging:
			j, judgeErr := m.judge(ctx, h, u.Text)
			if ctx.Err() != nil {
				return u, ctx.Err()
			}
			if judgeErr != nil {
				next := m.afterError(u, judgeErr)
				log.Warn("judgment failed", "error", judgeErr, "next", next, "retries", u.RetryCount)
				u, err = m.transition(ctx, u, next, nil)
				break
			}

			next := domain.StatusAccepted
			if j.Score < h.Threshold() {
				next = domain.StatusFailed
				if u.RetryCount < m.cfg.MaxRetries {
					next = domain.StatusRetrying
				}
			}
			log.Debug("judged", "score", j.Score, "threshold", h.Threshold(), "next", next)
			u, err = m.transition(ctx, u, next, func(cur *domain.Unit) {
				cur.SetScore(j.Score, j.Feedback)
			})

		default:
			return u, &domain.StoreError{Op: "run unit", Err: errors.New("unknown status " + string(u.Status))}
		}

		if errors.Is(err, errSettled) {
			log.Debug("unit settled elsewhere", "status", u.Status)
			return u, nil
		}
		if err != nil {
			return u, err
		}
	}
	return u, nil
}

// afterError picks the status following a failed collaborator call
func (m *Machine) afterError(u *domain.Unit, err error) domain.UnitStatus {
	if domain.IsRetryable(err) && u.RetryCount < m.cfg.MaxRetries {
		return domain.StatusRetrying
	}
	return domain.StatusFailed
}

func (m *Machine) generate(ctx context.Context, h section.Handler, in section.Input) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	text, err := h.Generate(callCtx, in)
	if err != nil {
		var genErr *domain.GenerationError
		if !errors.As(err, &genErr) {
			err = &domain.GenerationError{
				Section:   h.Index(),
				Retryable: errors.Is(callCtx.Err(), context.DeadlineExceeded),
				Err:       err,
			}
		}
	}
	return text, err
}

func (m *Machine) judge(ctx context.Context, h section.Handler, text string) (section.Judgment, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	j, err := h.Judge(callCtx, text)
	if err != nil {
		var judgeErr *domain.JudgmentError
		if !errors.As(err, &judgeErr) {
			err = &domain.JudgmentError{
				Section:   h.Index(),
				Retryable: errors.Is(callCtx.Err(), context.DeadlineExceeded),
				Err:       err,
			}
		}
	}
	return j, err
}

// transition commits one status change. mutate, when set, runs on the stored
// unit before the status moves. A unit whose committed status is already
// terminal is left alone and returned with errSettled.
func (m *Machine) transition(ctx context.Context, u *domain.Unit, to domain.UnitStatus, mutate func(*domain.Unit)) (*domain.Unit, error) {
	from := u.Status
	var settled *domain.Unit
	updated, err := m.store.UpdateUnit(ctx, u.ID, u.Generation, func(cur *domain.Unit) error {
		if cur.Status.Terminal() {
			settled = cur.Clone()
			return errSettled
		}
		if mutate != nil {
			mutate(cur)
		}
		return cur.Transition(to, m.cfg.MaxRetries)
	})
	if errors.Is(err, errSettled) {
		return settled, err
	}
	if err != nil {
		return u, err
	}

	m.logger.Debug("unit transition", "section", updated.Index, "from", from, "to", to, "retries", updated.RetryCount)
	if m.onTransition != nil {
		m.onTransition(updated.Clone(), from)
	}
	return updated, nil
}
