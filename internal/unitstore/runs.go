package unitstore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/aletop130/ZeroHR/internal/domain"
)

var runColumns = []string{
	"id", "generation", "section_count", "payload", "history_hint", "status",
	"weighted_score", "final_text", "final_feedback", "attempts", "error", "created_at", "finished_at",
}

// CreateRun inserts the run and claims the seeded units of its generation.
// Fails with ErrStaleGeneration if a reset happened since run.Generation was read.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create run", err)
	}
	defer tx.Rollback()

	if err := checkGeneration(ctx, tx, run.Generation); err != nil {
		return err
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	if run.Status == "" {
		run.Status = domain.RunInProgress
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, generation, section_count, payload, history_hint, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, run.ID, run.Generation, run.SectionCount, run.Payload, run.HistoryHint, string(run.Status), toMillis(run.CreatedAt))
	if err != nil {
		return storeErr("insert run", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE units SET run_id = ? WHERE generation = ? AND run_id IS NULL AND section <= ?
	`, run.ID, run.Generation, run.SectionCount)
	if err != nil {
		return storeErr("claim units", err)
	}
	claimed, _ := res.RowsAffected()
	if int(claimed) != run.SectionCount {
		return fmt.Errorf("claiming units for run %s: got %d, want %d", run.ID, claimed, run.SectionCount)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit create run", err)
	}

	units, err := s.ListUnits(ctx, ListOptions{RunID: run.ID})
	if err != nil {
		return err
	}
	run.Units = units
	return nil
}

// GetRun retrieves a run by ID together with its units
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	query, args, err := sq.Select(runColumns...).From("runs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, storeErr("get run", err)
	}

	units, err := s.ListUnits(ctx, ListOptions{RunID: id})
	if err != nil {
		return nil, err
	}
	run.Units = units
	return run, nil
}

// ListRuns returns the most recent runs without their units
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	q := sq.Select(runColumns...).From("runs").OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FinishRun records the aggregation outcome. The write is fenced by the run's
// generation so a reset run can never be marked finished.
func (s *Store) FinishRun(ctx context.Context, run *domain.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin finish run", err)
	}
	defer tx.Rollback()

	if err := checkGeneration(ctx, tx, run.Generation); err != nil {
		return err
	}

	if run.FinishedAt == nil {
		now := s.now()
		run.FinishedAt = &now
	}
	var score sql.NullFloat64
	if run.WeightedScore != nil {
		score = sql.NullFloat64{Float64: *run.WeightedScore, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, weighted_score = ?, final_text = ?, final_feedback = ?,
			attempts = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, string(run.Status), score, run.FinalText, run.FinalFeedback, run.Attempts, run.Error,
		toMillis(*run.FinishedAt), run.ID)
	if err != nil {
		return storeErr("finish run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit finish run", err)
	}
	return nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var payload, history, finalText, finalFeedback, errMsg sql.NullString
	var score sql.NullFloat64
	var status string
	var createdAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(&run.ID, &run.Generation, &run.SectionCount, &payload, &history, &status,
		&score, &finalText, &finalFeedback, &run.Attempts, &errMsg, &createdAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	run.Payload = payload.String
	run.HistoryHint = history.String
	run.Status = domain.RunStatus(status)
	run.FinalText = finalText.String
	run.FinalFeedback = finalFeedback.String
	run.Error = errMsg.String
	if score.Valid {
		v := score.Float64
		run.WeightedScore = &v
	}
	run.CreatedAt = fromMillis(createdAt)
	if finishedAt.Valid {
		t := fromMillis(finishedAt.Int64)
		run.FinishedAt = &t
	}
	return &run, nil
}
