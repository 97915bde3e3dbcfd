package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jandubois/srmprobe/internal/probe"
)

// Run is one archived probe invocation.
type Run struct {
	ID         int64
	RunID      string
	Metric     string
	Host       string
	VO         string
	Status     probe.Status
	Headline   string
	Details    Lines
	StartedAt  time.Time
	FinishedAt NullTime
	Duration   time.Duration
	Steps      []Step
}

// Step is the archived result of one metric executed by a run.
type Step struct {
	Position int
	Metric   string
	Status   probe.Status
	Summary  string
	Duration time.Duration
}

// RecordRun stores run and its steps in one transaction and returns the
// new row id.
func (d *DB) RecordRun(ctx context.Context, run *Run) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var finished any
	if run.FinishedAt.Valid {
		finished = formatTime(run.FinishedAt.Time)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, metric, host, vo, status, headline, details, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.Metric, run.Host, run.VO, string(run.Status), run.Headline, run.Details,
		formatTime(run.StartedAt), finished, run.Duration.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get run id: %w", err)
	}

	for _, s := range run.Steps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO step_results (run_id, position, metric, status, summary, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, s.Position, s.Metric, string(s.Status), s.Summary, s.Duration.Milliseconds())
		if err != nil {
			return 0, fmt.Errorf("insert step %d: %w", s.Position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit run: %w", err)
	}
	run.ID = id
	return id, nil
}

// RecentRuns returns up to limit runs, newest first. An empty metric
// matches every metric.
func (d *DB) RecentRuns(ctx context.Context, metric string, limit int) ([]Run, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, run_id, metric, host, vo, status, headline, details, started_at, finished_at, duration_ms
		FROM runs
		WHERE ? = '' OR metric = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, metric, metric, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			status     string
			started    NullTime
			durationMs int64
		)
		err := rows.Scan(&r.ID, &r.RunID, &r.Metric, &r.Host, &r.VO, &status, &r.Headline,
			&r.Details, &started, &r.FinishedAt, &durationMs)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = probe.Status(status)
		r.StartedAt = started.Time
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	for i := range runs {
		steps, err := d.steps(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Steps = steps
	}
	return runs, nil
}

// LastStatus returns the status of the newest run of metric against host
// for vo. ok is false when there is none.
func (d *DB) LastStatus(ctx context.Context, metric, host, vo string) (status probe.Status, ok bool, err error) {
	var s string
	err = d.db.QueryRowContext(ctx, `
		SELECT status FROM runs
		WHERE metric = ? AND host = ? AND vo = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, metric, host, vo).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query last status: %w", err)
	}
	return probe.Status(s), true, nil
}

func (d *DB) steps(ctx context.Context, runID int64) ([]Step, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT position, metric, status, summary, duration_ms
		FROM step_results
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			s          Step
			status     string
			durationMs int64
		)
		if err := rows.Scan(&s.Position, &s.Metric, &status, &s.Summary, &durationMs); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.Status = probe.Status(status)
		s.Duration = time.Duration(durationMs) * time.Millisecond
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// PruneRuns deletes runs that started before cutoff and returns how many
// were removed.
func (d *DB) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned runs: %w", err)
	}
	return n, nil
}
