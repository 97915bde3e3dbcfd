package db

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/srm"
)

// Archive records finished probe runs.
type Archive struct {
	db    *DB
	host  string
	vo    string
	newID func() string
}

// NewArchive returns a run sink writing to d.
func NewArchive(d *DB, host, vo string) *Archive {
	return &Archive{db: d, host: host, vo: vo, newID: uuid.NewString}
}

// Record implements srm.Sink.
func (a *Archive) Record(ctx context.Context, rep *srm.Report) error {
	run := &Run{
		RunID:      a.newID(),
		Metric:     rep.Metric,
		Host:       a.host,
		VO:         a.vo,
		Status:     rep.Result.Status,
		Headline:   rep.Headline,
		Details:    Lines(rep.Details),
		StartedAt:  rep.Started,
		FinishedAt: NullTime{Time: rep.Finished, Valid: !rep.Finished.IsZero()},
	}
	if run.FinishedAt.Valid {
		run.Duration = rep.Finished.Sub(rep.Started)
	}
	for i, s := range rep.Steps {
		run.Steps = append(run.Steps, Step{
			Position: i,
			Metric:   s.Metric,
			Status:   s.Result.Status,
			Summary:  s.Result.Summary,
			Duration: s.Duration,
		})
	}

	id, err := a.db.RecordRun(ctx, run)
	if err != nil {
		return err
	}
	slog.Debug("run archived", "id", id, "run_id", run.RunID, "metric", run.Metric)
	return nil
}

// LastStatus returns the status of the newest archived run of metric for
// the archive's host and VO.
func (a *Archive) LastStatus(ctx context.Context, metric string) (probe.Status, bool, error) {
	return a.db.LastStatus(ctx, metric, a.host, a.vo)
}
