package unitstore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/aletop130/ZeroHR/internal/domain"
)

var unitColumns = []string{
	"id", "run_id", "section", "status", "text", "score", "feedback", "retry_count", "generation", "updated_at",
}

// ListOptions specifies filters for listing units
type ListOptions struct {
	RunID      string
	Status     domain.UnitStatus
	Generation int64
}

// ListUnits returns units matching the given options ordered by section
func (s *Store) ListUnits(ctx context.Context, opts ListOptions) ([]*domain.Unit, error) {
	q := sq.Select(unitColumns...).From("units")
	if opts.RunID != "" {
		q = q.Where(sq.Eq{"run_id": opts.RunID})
	}
	if opts.Status != "" {
		q = q.Where(sq.Eq{"status": string(opts.Status)})
	}
	if opts.Generation != 0 {
		q = q.Where(sq.Eq{"generation": opts.Generation})
	}
	query, args, err := q.OrderBy("section").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list units", err)
	}
	defer rows.Close()

	var units []*domain.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, storeErr("scan unit", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list units", err)
	}
	return units, nil
}

// GetUnit retrieves a unit by ID
func (s *Store) GetUnit(ctx context.Context, id string) (*domain.Unit, error) {
	u, err := getUnit(ctx, s.db, id)
	if err != nil {
		return nil, storeErr("get unit", err)
	}
	return u, nil
}

// UpdateUnit performs an atomic read-modify-write of one unit. fn receives the
// committed state and mutates it in place; the result is written back in the
// same transaction. The write is rejected with ErrStaleGeneration when gen is
// no longer the active generation. A unit entering Accepted is also copied to
// the archive.
func (s *Store) UpdateUnit(ctx context.Context, id string, gen int64, fn func(*domain.Unit) error) (*domain.Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin unit update", err)
	}
	defer tx.Rollback()

	if err := checkGeneration(ctx, tx, gen); err != nil {
		return nil, err
	}

	u, err := getUnit(ctx, tx, id)
	if err != nil {
		return nil, storeErr("get unit", err)
	}
	if u.Generation != gen {
		return nil, fmt.Errorf("%w: unit %s belongs to generation %d", domain.ErrStaleGeneration, id, u.Generation)
	}

	before := u.Status
	if err := fn(u); err != nil {
		return nil, err
	}
	u.UpdatedAt = s.now()

	var score sql.NullFloat64
	if u.Score != nil {
		score = sql.NullFloat64{Float64: *u.Score, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE units SET status = ?, text = ?, score = ?, feedback = ?, retry_count = ?, updated_at = ?
		WHERE id = ?
	`, string(u.Status), u.Text, score, u.Feedback, u.RetryCount, toMillis(u.UpdatedAt), u.ID)
	if err != nil {
		return nil, storeErr("write unit", err)
	}

	if u.Status == domain.StatusAccepted && before != domain.StatusAccepted {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO archive (run_id, unit_id, section, text, score, feedback, retry_count, accepted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, u.RunID, u.ID, u.Index, u.Text, u.ScoreOrZero(), u.Feedback, u.RetryCount, toMillis(u.UpdatedAt))
		if err != nil {
			return nil, storeErr("archive unit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit unit", err)
	}
	return u, nil
}

// ListArchive returns the accepted-section snapshots for a run
func (s *Store) ListArchive(ctx context.Context, runID string) ([]*domain.ArchivedUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, unit_id, section, text, score, feedback, retry_count, accepted_at
		FROM archive WHERE run_id = ? ORDER BY section, id
	`, runID)
	if err != nil {
		return nil, storeErr("list archive", err)
	}
	defer rows.Close()

	var out []*domain.ArchivedUnit
	for rows.Next() {
		var a domain.ArchivedUnit
		var runIDCol, text, feedback sql.NullString
		var acceptedAt int64
		if err := rows.Scan(&a.ID, &runIDCol, &a.UnitID, &a.Index, &text, &a.Score, &feedback, &a.RetryCount, &acceptedAt); err != nil {
			return nil, storeErr("scan archive", err)
		}
		a.RunID = runIDCol.String
		a.Text = text.String
		a.Feedback = feedback.String
		a.AcceptedAt = fromMillis(acceptedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getUnit(ctx context.Context, q queryer, id string) (*domain.Unit, error) {
	query, args, err := sq.Select(unitColumns...).From("units").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanUnit(q.QueryRowContext(ctx, query, args...))
}

func scanUnit(row rowScanner) (*domain.Unit, error) {
	var u domain.Unit
	var runID, text, feedback sql.NullString
	var score sql.NullFloat64
	var status string
	var updatedAt int64

	err := row.Scan(&u.ID, &runID, &u.Index, &status, &text, &score, &feedback, &u.RetryCount, &u.Generation, &updatedAt)
	if err != nil {
		return nil, err
	}

	u.RunID = runID.String
	u.Status = domain.UnitStatus(status)
	u.Text = text.String
	u.Feedback = feedback.String
	if score.Valid {
		v := score.Float64
		u.Score = &v
	}
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}
