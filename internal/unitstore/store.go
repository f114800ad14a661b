// Package unitstore persists section units, runs and the accepted-section
// archive in SQLite. Every write that belongs to a run is fenced by the run
// generation token so that a job from a reset run cannot overwrite newer state.
package unitstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed unit persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection serialises writers and keeps ":memory:" databases
	// from splitting into one database per pooled connection.
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CurrentGeneration returns the generation token of the active run
func (s *Store) CurrentGeneration(ctx context.Context) (int64, error) {
	gen, err := currentGeneration(ctx, s.db)
	if err != nil {
		return 0, storeErr("read generation", err)
	}
	return gen, nil
}

// ResetStats describes what a reset removed
type ResetStats struct {
	Generation    int64
	UnitsCleared  int64
	RunsAbandoned int64
	UnitsSeeded   int
}

// Reset bumps the generation token, deletes every unit and every run that never
// finished, and seeds sectionCount fresh pending units for the next run.
func (s *Store) Reset(ctx context.Context, sectionCount int) (ResetStats, error) {
	if sectionCount <= 0 {
		return ResetStats{}, fmt.Errorf("section count must be positive, got %d", sectionCount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ResetStats{}, storeErr("reset", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'generation'`); err != nil {
		return ResetStats{}, storeErr("bump generation", err)
	}
	gen, err := currentGeneration(ctx, tx)
	if err != nil {
		return ResetStats{}, storeErr("read generation", err)
	}

	stats := ResetStats{Generation: gen, UnitsSeeded: sectionCount}

	res, err := tx.ExecContext(ctx, `DELETE FROM units`)
	if err != nil {
		return ResetStats{}, storeErr("clear units", err)
	}
	stats.UnitsCleared, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE status = ?`, string(domain.RunInProgress))
	if err != nil {
		return ResetStats{}, storeErr("abandon runs", err)
	}
	stats.RunsAbandoned, _ = res.RowsAffected()

	now := toMillis(s.now())
	for i := 1; i <= sectionCount; i++ {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO units (id, run_id, section, status, retry_count, generation, updated_at)
			VALUES (?, NULL, ?, ?, 0, ?, ?)
		`, uuid.NewString(), i, string(domain.StatusPending), gen, now)
		if err != nil {
			return ResetStats{}, storeErr("seed unit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ResetStats{}, storeErr("commit reset", err)
	}
	return stats, nil
}

// PurgeFinishedBefore deletes finished runs older than cutoff together with
// their units and archive rows. The current generation is never purged.
func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("purge", err)
	}
	defer tx.Rollback()

	gen, err := currentGeneration(ctx, tx)
	if err != nil {
		return 0, storeErr("read generation", err)
	}

	stale := sq.Select("id").From("runs").Where(sq.And{
		sq.NotEq{"status": string(domain.RunInProgress)},
		sq.Lt{"finished_at": toMillis(cutoff)},
		sq.NotEq{"generation": gen},
	})
	staleSQL, staleArgs, err := stale.ToSql()
	if err != nil {
		return 0, err
	}

	for _, table := range []string{"archive", "units"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE run_id IN (%s)", table, staleSQL)
		if _, err := tx.ExecContext(ctx, query, staleArgs...); err != nil {
			return 0, storeErr("purge "+table, err)
		}
	}

	query, args, err := sq.Delete("runs").Where(sq.Expr("id IN ("+staleSQL+")", staleArgs...)).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storeErr("purge runs", err)
	}
	purged, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit purge", err)
	}
	return purged, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentGeneration(ctx context.Context, q queryer) (int64, error) {
	var gen int64
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'generation'`).Scan(&gen)
	return gen, err
}

// checkGeneration fails with ErrStaleGeneration unless gen is the active token
func checkGeneration(ctx context.Context, tx *sql.Tx, gen int64) error {
	current, err := currentGeneration(ctx, tx)
	if err != nil {
		return storeErr("read generation", err)
	}
	if current != gen {
		return fmt.Errorf("%w: have %d, current %d", domain.ErrStaleGeneration, gen, current)
	}
	return nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return &domain.StoreError{Op: op, Err: err}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
