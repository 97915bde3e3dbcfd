package srm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jandubois/srmprobe/internal/metric"
	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/verdict"
	"github.com/jandubois/srmprobe/internal/vocache"
)

// Phase is a stage of a probe run.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseLoadingCache
	PhaseRunningStep
	PhaseAggregating
	PhaseSavingCache
	PhaseDone
)

var phaseNames = [...]string{"INIT", "LOADING_CACHE", "RUNNING_STEP", "AGGREGATING", "SAVING_CACHE", "DONE"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is the runner's position in its lifecycle. Step is the index of
// the running step and is only meaningful in PhaseRunningStep.
type State struct {
	Phase Phase
	Step  int
}

func (s State) String() string {
	if s.Phase == PhaseRunningStep {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Step)
	}
	return s.Phase.String()
}

// Sink receives the report of every finished run.
type Sink interface {
	Record(ctx context.Context, rep *Report) error
}

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	// CacheDir holds the VO info cache and its hourly history.
	CacheDir    string
	CacheMaxAge time.Duration
	StepTimeout time.Duration
	Sinks       []Sink
}

// Runner drives one probe invocation: it loads the VO info cache, runs the
// requested metric or the steps of a composite in order, aggregates and
// saves the cache.
type Runner struct {
	exec     *Executor
	registry *metric.Registry
	opts     RunnerOptions
	state    State
	now      func() time.Time
}

// NewRunner returns a runner executing metrics with exec.
func NewRunner(exec *Executor, opts RunnerOptions) *Runner {
	if opts.CacheMaxAge <= 0 {
		opts.CacheMaxAge = vocache.DefaultMaxAge
	}
	return &Runner{
		exec:     exec,
		registry: exec.registry,
		opts:     opts,
		now:      time.Now,
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return r.state
}

func (r *Runner) enter(s State, attrs ...any) {
	r.state = s
	slog.Debug("runner state", append([]any{"state", s.String()}, attrs...)...)
}

// Run executes name and returns its report. Run never fails; every problem
// ends up in the report's result.
func (r *Runner) Run(ctx context.Context, name string) *Report {
	rep := &Report{
		Name:    name,
		Metric:  r.registry.FullName(name),
		Started: r.now(),
	}
	r.enter(State{Phase: PhaseInit}, "metric", name)

	def, ok := r.registry.Lookup(name)
	if !ok {
		rep.setResult(probe.Unknown("unknown metric %s", name), nil)
		return r.finish(ctx, rep, false)
	}
	steps, err := r.registry.Steps(name)
	if err != nil {
		rep.setResult(probe.Unknown("%v", err), nil)
		return r.finish(ctx, rep, false)
	}

	r.enter(State{Phase: PhaseLoadingCache})
	if err := os.MkdirAll(r.exec.settings.WorkDir, 0o755); err != nil {
		slog.Error("cannot create work directory", "path", r.exec.settings.WorkDir, "error", err)
	}
	if def.Scope == metric.VO {
		r.exec.UseCache(vocache.LoadOrEvict(vocache.CurrentPath(r.opts.CacheDir), r.opts.CacheMaxAge))
	}

	for i, step := range steps {
		r.enter(State{Phase: PhaseRunningStep, Step: i}, "step", step.Name)
		start := r.now()
		res := r.exec.Execute(ctx, step.Name, r.opts.StepTimeout)
		rep.Steps = append(rep.Steps, StepResult{
			Metric:   step.Name,
			Result:   res,
			Duration: r.now().Sub(start),
		})
	}

	r.enter(State{Phase: PhaseAggregating})
	rep.setResult(r.aggregate(def, rep.Steps), def.Messages)

	return r.finish(ctx, rep, def.Scope == metric.VO)
}

// aggregate produces the single verdict of a run. A plain metric already
// weighed its own endpoints. A composite is weighed over the operations of
// its steps, each endpoint contributing the worst of them.
func (r *Runner) aggregate(def metric.Definition, steps []StepResult) probe.Result {
	if !def.IsComposite() {
		return steps[0].Result
	}

	set := r.exec.legacy
	if def.Scope == metric.VO {
		set = r.exec.cache
	}
	entries := verdict.FromCache(set, r.registry.Operations(def.Name)...)
	if len(entries) == 0 {
		// Explain an empty endpoint set by the discovery step that failed.
		for _, s := range steps {
			sd, _ := r.registry.Lookup(s.Metric)
			if !sd.PerEndpoint() && s.Result.Status != probe.StatusOK {
				return s.Result
			}
		}
	}
	return verdict.Weigh(entries)
}

func (r *Runner) finish(ctx context.Context, rep *Report, saveCache bool) *Report {
	r.enter(State{Phase: PhaseSavingCache})
	rep.Finished = r.now()
	if saveCache {
		saved := r.exec.cache.SaveAll(
			vocache.CurrentPath(r.opts.CacheDir),
			vocache.HistoryPath(r.opts.CacheDir, rep.Finished),
		)
		slog.Debug("saved VO info cache", "copies", saved)
	}

	for _, s := range r.opts.Sinks {
		if err := s.Record(ctx, rep); err != nil {
			slog.Warn("failed to record run", "sink", fmt.Sprintf("%T", s), "error", err)
		}
	}

	r.enter(State{Phase: PhaseDone}, "status", rep.Result.Status)
	return rep
}

// StepResult is the outcome of one executed metric.
type StepResult struct {
	Metric   string
	Result   probe.Result
	Duration time.Duration
}

// Report is the outcome of one probe invocation.
type Report struct {
	Name     string
	Metric   string
	Result   probe.Result
	Headline string
	Details  []string
	Steps    []StepResult
	Started  time.Time
	Finished time.Time
}

// setResult stores res and splits it into a headline and detail lines. A
// fixed message for the status replaces the headline.
func (rep *Report) setResult(res probe.Result, messages map[probe.Status]string) {
	rep.Result = res
	lines := splitLines(res.Summary)

	if msg, ok := messages[res.Status]; ok {
		rep.Headline = msg
	} else if len(rep.Steps) > 1 {
		rep.Headline = rep.stepSummary()
	} else if len(lines) > 0 {
		rep.Headline, lines = lines[0], lines[1:]
	}

	rep.Details = nil
	if len(rep.Steps) > 1 {
		for _, s := range rep.Steps {
			first := ""
			if sl := splitLines(s.Result.Summary); len(sl) > 0 {
				first = sl[0]
			}
			rep.Details = append(rep.Details, fmt.Sprintf("%s: %s %s", s.Metric, s.Result.Status, first))
		}
	}
	rep.Details = append(rep.Details, lines...)
}

func (rep *Report) stepSummary() string {
	parts := make([]string, 0, len(rep.Steps))
	for _, s := range rep.Steps {
		parts = append(parts, fmt.Sprintf("%s=%s", s.Metric, s.Result.Status))
	}
	return fmt.Sprintf("%s: %s", rep.Name, strings.Join(parts, " "))
}

// Lines returns the Nagios output: the status line followed by one line
// per detail.
func (rep *Report) Lines() []string {
	first := string(rep.Result.Status)
	if rep.Headline != "" {
		first += " " + rep.Headline
	}
	return append([]string{first}, rep.Details...)
}

// ExitCode returns the Nagios exit code of the run.
func (rep *Report) ExitCode() int {
	return rep.Result.Status.ExitCode()
}

func splitLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
