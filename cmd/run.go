package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jandubois/srmprobe/internal/config"
	"github.com/jandubois/srmprobe/internal/db"
	"github.com/jandubois/srmprobe/internal/directory"
	"github.com/jandubois/srmprobe/internal/errdb"
	"github.com/jandubois/srmprobe/internal/metric"
	"github.com/jandubois/srmprobe/internal/metrics"
	"github.com/jandubois/srmprobe/internal/notify"
	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/srm"
	"github.com/jandubois/srmprobe/internal/transfer"
)

var runCmd = &cobra.Command{
	Use:   "run METRIC",
	Short: "Run one metric or a composite such as All and print the Nagios report",
	Example: `  srmprobe run --host srm.example.org --vo dteam All
  srmprobe run --host srm.example.org --namespace org.atlas --file atlas-topology.txt AllATLAS`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.StringP("host", "H", "", "Storage element host name")
	flags.String("vo", "", "Virtual organisation")
	flags.String(metric.OptSRMVersion, "", "SRM version (1 or 2)")
	flags.String("workdir", "", "Directory for per-run files and the VO info cache")
	flags.String(metric.OptLDAPURI, "", "Directory server URI")
	flags.Duration(metric.OptLDAPTimeout, 0, "Directory query timeout")
	flags.Duration(metric.OptSETimeout, 0, "Timeout of each storage operation")
	flags.Duration("step-timeout", 0, "Timeout of each metric")
	flags.Duration("cache-max-age", 0, "Age after which the VO info cache is discarded")
	flags.String(metric.OptFile, "", "VO topology file")
	flags.StringSlice("critical-space-tokens", nil, "Space tokens whose failures are critical")
	flags.String(metric.OptLFN, "", "Test LFN resolved through the PhEDEx data service")
	flags.String("error-db", "", "Error database replacing the built-in one")
	flags.StringSlice("error-topics", nil, "Only classify errors with rules of these topics")
	flags.String("metrics-textfile", "", "Write Prometheus gauges to this node-exporter textfile")

	bindFlags(settings, flags, map[string]string{
		"host":                  "host",
		"vo":                    "vo",
		metric.OptSRMVersion:    "srm_version",
		"workdir":               "workdir",
		metric.OptLDAPURI:       "ldap_uri",
		metric.OptLDAPTimeout:   "ldap_timeout",
		metric.OptSETimeout:     "se_timeout",
		"step-timeout":          "step_timeout",
		"cache-max-age":         "cache_max_age",
		metric.OptFile:          "topology_file",
		"critical-space-tokens": "critical_space_tokens",
		metric.OptLFN:           "tfc.test_lfn",
		"error-db":              "error_db",
		"error-topics":          "error_topics",
		"metrics-textfile":      "metrics_textfile",
	})
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, closeSinks, err := newRunner(ctx, cmd)
	if err != nil {
		return report(cmd, probe.Unknown("%v", err).Line(), probe.StatusUnknown)
	}
	defer closeSinks()

	rep := runner.Run(ctx, args[0])
	for _, line := range rep.Lines() {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	if code := rep.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func report(cmd *cobra.Command, line string, status probe.Status) error {
	fmt.Fprintln(cmd.OutOrStdout(), line)
	return &ExitError{Code: status.ExitCode()}
}

func newRunner(ctx context.Context, cmd *cobra.Command) (*srm.Runner, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireHost(); err != nil {
		return nil, nil, err
	}

	reg, err := metric.NewRegistry(cfg.Namespace)
	if err != nil {
		return nil, nil, err
	}
	classifier, err := loadClassifier(cfg)
	if err != nil {
		return nil, nil, err
	}

	workDir := filepath.Join(cfg.WorkDir, cfg.Host)
	exec, err := srm.NewExecutor(reg, srm.Deps{
		Directory:  directory.NewLDAP(""),
		Transfer:   transfer.NewGfal(cfg.Tools),
		Classifier: classifier,
	}, srm.Settings{
		Host:           cfg.Host,
		VO:             cfg.VO,
		SRMVersion:     cfg.SRMVersion,
		WorkDir:        workDir,
		LDAPURI:        directory.NormalizeURI(cfg.LDAPURI),
		LDAPTimeout:    cfg.LDAPTimeout,
		SETimeout:      cfg.SETimeout,
		TopologyFile:   cfg.TopologyFile,
		CriticalTokens: cfg.CriticalSpaceTokens,
		TFC: srm.TFCSettings{
			EndpointsURL: cfg.TFC.EndpointsURL,
			DataSvcURL:   cfg.TFC.DataSvcURL,
			TestLFN:      cfg.TFC.TestLFN,
		},
	})
	if err != nil {
		return nil, nil, err
	}

	sinks, closeSinks := openSinks(ctx, cfg)
	runner := srm.NewRunner(exec, srm.RunnerOptions{
		CacheDir:    workDir,
		CacheMaxAge: cfg.CacheMaxAge,
		StepTimeout: cfg.StepTimeout,
		Sinks:       sinks,
	})
	return runner, closeSinks, nil
}

func loadClassifier(cfg *config.ProbeConfig) (*errdb.Classifier, error) {
	var (
		c   *errdb.Classifier
		err error
	)
	if cfg.ErrorDB != "" {
		c, err = errdb.Load(cfg.ErrorDB)
	} else {
		c, err = errdb.Default()
	}
	if err != nil {
		return nil, err
	}
	return c.WithTopics(cfg.ErrorTopics), nil
}

// openSinks opens the optional alerting, run archive and metrics export.
// A sink that cannot be opened is skipped so the probe still reports.
func openSinks(ctx context.Context, cfg *config.ProbeConfig) ([]srm.Sink, func()) {
	var (
		sinks   []srm.Sink
		closers []func()
		archive *db.Archive
	)
	if cfg.Database != "" {
		d, err := db.Open(ctx, cfg.Database)
		if err != nil {
			slog.Warn("run archive disabled", "database", cfg.Database, "error", err)
		} else {
			archive = db.NewArchive(d, cfg.Host, cfg.VO)
			closers = append(closers, d.Close)
		}
	}
	if channels := cfg.Notify.Channels(); len(channels) > 0 {
		// The notifier reads the previous verdict, so it runs before the archive.
		var history notify.History
		if archive != nil {
			history = archive
		}
		sinks = append(sinks, notify.NewNotifier(channels, history, cfg.Host))
	}
	if archive != nil {
		sinks = append(sinks, archive)
	}
	if cfg.MetricsTextfile != "" {
		sinks = append(sinks, metrics.NewTextfile(cfg.MetricsTextfile, cfg.Host, cfg.VO))
	}
	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
