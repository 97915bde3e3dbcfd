// Package srm runs SRM metrics against storage endpoints and folds their
// per-endpoint outcomes into one verdict.
package srm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jandubois/srmprobe/internal/bounded"
	"github.com/jandubois/srmprobe/internal/directory"
	"github.com/jandubois/srmprobe/internal/errdb"
	"github.com/jandubois/srmprobe/internal/metric"
	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/transfer"
	"github.com/jandubois/srmprobe/internal/verdict"
	"github.com/jandubois/srmprobe/internal/vocache"
)

// Files kept in the work directory between steps.
const (
	EndpointsFile = "EndpointAndPath"
	FilesOnSRM    = "FilesOnSRM.txt"
	TestFile      = "testFile.txt"
	TestFileIn    = "testFileIn.txt"
)

// Settings are the per-run parameters shared by all metrics.
type Settings struct {
	Host       string
	VO         string
	SRMVersion string
	WorkDir    string

	LDAPURI     string
	LDAPTimeout time.Duration
	SETimeout   time.Duration

	// TopologyFile lists "<endpoint> <space token> ..." lines for the
	// LHCb and ATLAS info metrics.
	TopologyFile string
	// CriticalTokens overrides the VO's default set of critical space
	// tokens when non-empty.
	CriticalTokens []string

	TFC TFCSettings
}

// TFCSettings locate the PhEDEx services used by GetPFNFromTFC.
type TFCSettings struct {
	EndpointsURL string
	DataSvcURL   string
	TestLFN      string
}

// Deps are the external collaborators of an Executor.
type Deps struct {
	Directory  directory.Querier
	Transfer   transfer.Client
	Classifier *errdb.Classifier
	HTTP       *http.Client
}

type operation func(ctx context.Context, def metric.Definition) probe.Result

// Executor runs single metrics. It is not safe for concurrent use.
type Executor struct {
	settings Settings
	registry *metric.Registry
	deps     Deps

	// cache is the persistent VO info cache; legacy collects the
	// endpoints legacy metrics have seen during this run.
	cache  *vocache.Cache
	legacy *vocache.Cache

	ops   map[string]operation
	now   func() time.Time
	newID func() string
}

// NewExecutor returns an executor for every non-composite metric in reg.
func NewExecutor(reg *metric.Registry, deps Deps, settings Settings) (*Executor, error) {
	if deps.Directory == nil || deps.Transfer == nil {
		return nil, fmt.Errorf("directory and transfer clients are required")
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: settings.SETimeout}
	}

	e := &Executor{
		settings: settings,
		registry: reg,
		deps:     deps,
		cache:    vocache.New(),
		legacy:   vocache.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	e.ops = map[string]operation{
		"GetSURLs":      e.getSURLs,
		"GetLHCbInfo":   e.topologyInfo(lhcbTopology),
		"GetATLASInfo":  e.topologyInfo(atlasTopology),
		"GetPFNFromTFC": e.pfnFromTFC,
		"LsDir":         e.lsDir,
		"VOLsDir":       e.lsDir,
		"Put":           e.put,
		"VOPut":         e.put,
		"Ls":            e.ls,
		"VOLs":          e.ls,
		"GetTURLs":      e.getTURLs,
		"VOGetTURLs":    e.getTURLs,
		"Get":           e.get,
		"VOGet":         e.get,
		"Del":           e.del,
		"VODel":         e.del,
	}

	for _, name := range reg.Names() {
		def, _ := reg.Lookup(name)
		if def.IsComposite() {
			continue
		}
		if _, ok := e.ops[name]; !ok {
			return nil, fmt.Errorf("no implementation for metric %s", name)
		}
	}
	return e, nil
}

// Cache returns the VO info cache the executor works on.
func (e *Executor) Cache() *vocache.Cache {
	return e.cache
}

// UseCache replaces the VO info cache.
func (e *Executor) UseCache(c *vocache.Cache) {
	e.cache = c
}

// Execute runs one metric under deadline. It never fails: errors,
// timeouts and missing preconditions are all reported as results.
//
// The operation runs on the calling goroutine and only its external calls
// are bounded, each confirmed terminated or abandoned before it returns.
// An abandoned call never touches the cache, so once Execute returns
// nothing of the step is still writing endpoint records.
func (e *Executor) Execute(ctx context.Context, name string, deadline time.Duration) probe.Result {
	def, ok := e.registry.Lookup(name)
	if !ok {
		return probe.Unknown("unknown metric %s", name)
	}
	op, ok := e.ops[name]
	if !ok {
		return probe.Unknown("metric %s cannot be executed directly", name)
	}

	slog.Info("running metric", "metric", name, "scope", def.Scope, "deadline", deadline)
	stepCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	res := op(stepCtx, def)
	if err := ctx.Err(); err != nil {
		return probe.Unknown("%s interrupted: %v", name, err)
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		slog.Warn("metric timed out", "metric", name, "deadline", deadline)
		return probe.Unknown("%s timed out after %s", name, deadline)
	}
	slog.Info("metric finished", "metric", name, "status", res.Status)
	return res
}

// endpointSet returns the records def iterates. For legacy metrics the set
// is rebuilt from the flat files written by earlier steps.
func (e *Executor) endpointSet(def metric.Definition) (*vocache.Cache, *probe.Result) {
	if def.Scope == metric.VO {
		return e.cache, nil
	}

	switch def.Operation {
	case vocache.OpLsDir, vocache.OpPut:
		path := e.path(EndpointsFile)
		lines, err := readLines(path)
		if err != nil {
			slog.Error("cannot read endpoint list", "path", path, "error", err)
			res := probe.Unknown("Error opening local file.")
			return nil, &res
		}
		if len(lines) == 0 {
			res := probe.Unknown("No SRM endpoints found in %s", path)
			return nil, &res
		}
		for _, ep := range lines {
			ep = strings.TrimRight(ep, "/")
			if _, ok := e.legacy.Get(ep); !ok {
				e.legacy.Put(ep, vocache.NewRecord(ep))
			}
		}
	default:
		path := e.path(FilesOnSRM)
		lines, err := readLines(path)
		if err != nil {
			slog.Error("cannot read files-on-SRM list", "path", path, "error", err)
			res := probe.Unknown("Error opening local file.")
			return nil, &res
		}
		if len(lines) == 0 {
			res := probe.Unknown("No files on SRM found in %s", path)
			return nil, &res
		}
		for _, line := range lines {
			e.mergeFileOnSRM(line)
		}
	}
	return e.legacy, nil
}

// mergeFileOnSRM folds one "<surl>[\t<status>]" line into the legacy set.
func (e *Executor) mergeFileOnSRM(line string) {
	surl, status, _ := strings.Cut(line, "\t")
	i := strings.LastIndex(surl, "/")
	if i <= 0 || i == len(surl)-1 {
		slog.Warn("ignoring malformed files-on-SRM entry", "line", line)
		return
	}
	ep, name := surl[:i], surl[i+1:]

	rec, ok := e.legacy.Get(ep)
	if !ok {
		rec = vocache.NewRecord(ep)
		e.legacy.Put(ep, rec)
	}
	rec.FileName = name
	if _, done := rec.Result(vocache.OpPut); done {
		return
	}
	if st, err := probe.ParseStatus(status); err == nil {
		rec.SetResult(vocache.OpPut, probe.Result{Status: st, Summary: "recorded in " + FilesOnSRM})
	}
}

func (e *Executor) writeFilesOnSRM(records []*vocache.Record) error {
	var b strings.Builder
	for _, rec := range records {
		if rec.FileName == "" {
			continue
		}
		res, _ := rec.Result(vocache.OpPut)
		fmt.Fprintf(&b, "%s\t%s\n", rec.SURL(), res.Status)
	}
	return os.WriteFile(e.path(FilesOnSRM), []byte(b.String()), 0o644)
}

// requiresPut reports whether op works on the object uploaded by put.
func requiresPut(op vocache.Operation) bool {
	switch op {
	case vocache.OpLs, vocache.OpGetTURL, vocache.OpGet, vocache.OpDel:
		return true
	}
	return false
}

// perEndpoint selects the endpoint set for def, reports UNKNOWN on every
// endpoint whose precondition is missing, hands the rest to run and weighs
// the recorded results.
func (e *Executor) perEndpoint(ctx context.Context, def metric.Definition, run func(context.Context, []*vocache.Record)) probe.Result {
	set, fail := e.endpointSet(def)
	if fail != nil {
		return *fail
	}

	var ready []*vocache.Record
	for _, rec := range set.Records() {
		if requiresPut(def.Operation) {
			if _, ok := rec.Result(vocache.OpPut); !ok || rec.FileName == "" {
				slog.Warn("precondition missing", "metric", def.Name, "endpoint", rec.Endpoint)
				rec.SetResult(def.Operation, probe.Unknown("no put result recorded for endpoint"))
				continue
			}
		}
		ready = append(ready, rec)
	}

	run(ctx, ready)
	return verdict.Weigh(verdict.FromCache(set, def.Operation))
}

// each runs fn serially on every record and stores its result. Once ctx
// ends no further call is started; the remaining records are marked as not
// attempted.
func each(op vocache.Operation, fn func(context.Context, *vocache.Record) probe.Result) func(context.Context, []*vocache.Record) {
	return func(ctx context.Context, recs []*vocache.Record) {
		for i, rec := range recs {
			if ctx.Err() != nil {
				skipAll(ctx, op, recs[i:])
				return
			}
			res := fn(ctx, rec)
			rec.SetResult(op, res)
			slog.Info("endpoint tested",
				"op", op,
				"endpoint", rec.Endpoint,
				"status", res.Status,
				"summary", res.Summary,
			)
		}
	}
}

// skipAll records recs as not attempted because ctx has ended.
func skipAll(ctx context.Context, op vocache.Operation, recs []*vocache.Record) {
	reason := "cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "deadline exceeded"
	}
	for _, rec := range recs {
		rec.SetResult(op, probe.Unknown("not attempted: %s", reason))
	}
	slog.Warn("endpoints not attempted", "op", op, "count", len(recs), "reason", reason)
}

// classify turns a failed external call into a result. Timeouts and
// cancellations are UNKNOWN; everything else goes through the error
// database and defaults to CRITICAL.
func (e *Executor) classify(err error, summary string) probe.Result {
	if errors.Is(err, bounded.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return probe.Unknown("%s Timed out.", summary)
	}
	if errors.Is(err, context.Canceled) {
		return probe.Unknown("%s Cancelled.", summary)
	}
	text := err.Error()
	var opErr *transfer.OpError
	if errors.As(err, &opErr) {
		text = opErr.Text()
	}
	slog.Debug("classifying error", "error", text)
	return e.deps.Classifier.Apply(text, summary)
}

func (e *Executor) transferOptions(rec *vocache.Record) transfer.Options {
	opts := transfer.Options{
		SRMVersion: e.settings.SRMVersion,
		Timeout:    e.settings.SETimeout,
	}
	if rec != nil {
		opts.SpaceToken = rec.SpaceToken
	}
	return opts
}

// storage runs one data-plane call bounded by the storage timeout.
func (e *Executor) storage(ctx context.Context, fn func(context.Context) error) error {
	return bounded.Run(ctx, e.settings.SETimeout, fn)
}

func (e *Executor) path(name string) string {
	return filepath.Join(e.settings.WorkDir, name)
}

// testFileName generates the name of the object uploaded by put.
func (e *Executor) testFileName(rec *vocache.Record) string {
	return fmt.Sprintf("testfile-put-%s-%d-%s.txt", rec.SpaceTokenLabel(), e.now().Unix(), e.newID())
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}
