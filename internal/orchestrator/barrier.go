package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aletop130/ZeroHR/internal/domain"
)

// FireFunc runs once after every job of a run has finished. jobErr is the
// first error a job died with, nil when every unit reached a terminal status.
type FireFunc func(ctx context.Context, jobErr error) (*domain.Run, error)

// Barrier joins the jobs of one dispatch
type Barrier struct {
	group errgroup.Group
	done  chan struct{}
	err   error

	once   sync.Once
	result *domain.Run
	resErr error
}

func newBarrier() *Barrier {
	return &Barrier{done: make(chan struct{})}
}

// seal starts waiting for the jobs; no job may be added afterwards
func (b *Barrier) seal() {
	go func() {
		b.err = b.group.Wait()
		close(b.done)
	}()
}

// Done is closed once every job has returned
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until every job returned or ctx is done
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join waits for every job and invokes fire exactly once. Later and
// concurrent callers receive the first call's result without firing again.
func (b *Barrier) Join(ctx context.Context, fire FireFunc) (*domain.Run, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.once.Do(func() {
		b.result, b.resErr = fire(ctx, b.err)
	})
	return b.result, b.resErr
}
