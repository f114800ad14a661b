// Package retention periodically purges finished runs that are older than the
// configured maximum age.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger deletes finished runs older than cutoff
type Purger interface {
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor like @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Janitor runs purges on a cron schedule
type Janitor struct {
	purger   Purger
	schedule cron.Schedule
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
	tick     time.Duration

	mu      sync.Mutex
	lastRun time.Time
	running bool
}

// New creates a Janitor. maxAge must be positive.
func New(purger Purger, expr string, maxAge time.Duration, logger *slog.Logger) (*Janitor, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("retention cron %q: %w", expr, err)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %v", maxAge)
	}
	return &Janitor{
		purger:   purger,
		schedule: sched,
		maxAge:   maxAge,
		logger:   logger,
		now:      time.Now,
		tick:     time.Minute,
	}, nil
}

// NextRun returns the next scheduled purge time
func (j *Janitor) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.schedule.Next(j.lastRunLocked())
}

// ShouldRun reports whether a purge is due and none is in progress
func (j *Janitor) ShouldRun() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return false
	}
	return !j.now().Before(j.schedule.Next(j.lastRunLocked()))
}

func (j *Janitor) lastRunLocked() time.Time {
	if j.lastRun.IsZero() {
		return j.now().Add(-24 * time.Hour)
	}
	return j.lastRun
}

// RunOnce purges runs finished before now minus the maximum age
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	j.mu.Lock()
	j.running = true
	cutoff := j.now().Add(-j.maxAge)
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.lastRun = j.now()
		j.mu.Unlock()
	}()

	purged, err := j.purger.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging runs: %w", err)
	}
	if purged > 0 {
		j.logger.Info("retention purge", "runs", purged, "cutoff", cutoff)
	}
	return purged, nil
}

// Start checks the schedule every tick until ctx is done
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !j.ShouldRun() {
				continue
			}
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("retention purge failed", "error", err)
			}
		}
	}
}
