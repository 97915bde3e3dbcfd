// Package metrics exports probe verdicts as Prometheus gauges in the
// node-exporter textfile format.
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jandubois/srmprobe/internal/srm"
)

const namespace = "srmprobe"

// Textfile rewrites one textfile after every run.
type Textfile struct {
	path string
	host string
	vo   string
}

// NewTextfile returns a run sink writing to path.
func NewTextfile(path, host, vo string) *Textfile {
	return &Textfile{path: path, host: host, vo: vo}
}

type gauges struct {
	status       *prometheus.GaugeVec
	duration     *prometheus.GaugeVec
	finished     *prometheus.GaugeVec
	stepStatus   *prometheus.GaugeVec
	stepDuration *prometheus.GaugeVec
}

func newGauges(reg prometheus.Registerer) *gauges {
	runLabels := []string{"metric", "host", "vo"}
	stepLabels := []string{"metric", "step", "host", "vo"}
	g := &gauges{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "Exit code of the last run: 0 OK, 1 WARNING, 2 CRITICAL, 3 UNKNOWN.",
		}, runLabels),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}, runLabels),
		finished: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}, runLabels),
		stepStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "status",
			Help:      "Exit code of each metric executed by the last run.",
		}, stepLabels),
		stepDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Wall time of each metric executed by the last run.",
		}, stepLabels),
	}
	reg.MustRegister(g.status, g.duration, g.finished, g.stepStatus, g.stepDuration)
	return g
}

// Record implements srm.Sink.
func (t *Textfile) Record(_ context.Context, rep *srm.Report) error {
	reg := prometheus.NewRegistry()
	g := newGauges(reg)

	g.status.WithLabelValues(rep.Metric, t.host, t.vo).Set(float64(rep.ExitCode()))
	g.duration.WithLabelValues(rep.Metric, t.host, t.vo).Set(rep.Finished.Sub(rep.Started).Seconds())
	g.finished.WithLabelValues(rep.Metric, t.host, t.vo).Set(float64(rep.Finished.Unix()))
	for _, s := range rep.Steps {
		g.stepStatus.WithLabelValues(rep.Metric, s.Metric, t.host, t.vo).Set(float64(s.Result.Status.ExitCode()))
		g.stepDuration.WithLabelValues(rep.Metric, s.Metric, t.host, t.vo).Set(s.Duration.Seconds())
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(t.path, reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
