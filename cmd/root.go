package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jandubois/srmprobe/internal/config"
	"github.com/jandubois/srmprobe/internal/probe"
)

// Version is set at build time via -ldflags "-X github.com/jandubois/srmprobe/cmd.Version=..."
var Version = "dev"

// defaultDatabasePath is used by the archive commands when no database is
// configured.
const defaultDatabasePath = "/var/lib/srmprobe/srmprobe.db"

var rootCmd = &cobra.Command{
	Use:   "srmprobe",
	Short: "Nagios probe for SRM storage endpoints",
	Long: `srmprobe discovers the SRM endpoints of a storage element, runs list, put,
get and delete tests against them and reports one Nagios verdict.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

// settings collects defaults, environment and bound flags for every command.
var settings = config.New()

// ExitError carries a Nagios exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps the error returned by Execute to the process exit code. An
// error that kept the command from reporting becomes an UNKNOWN Nagios line.
func ExitCode(err error, stdout, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	fmt.Fprintf(stdout, "%s %v\n", probe.StatusUnknown, err)
	fmt.Fprintln(stderr, "Error:", err)
	return probe.StatusUnknown.ExitCode()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "YAML configuration file")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.StringP("database", "d", "", "SQLite run archive path (SRMPROBE_DATABASE)")
	flags.String("namespace", "", "Metric namespace, e.g. org.atlas")

	bindFlags(settings, flags, map[string]string{
		"database":  "database",
		"namespace": "namespace",
	})
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("log-level")
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return fmt.Errorf("invalid log level %q", name)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.ProbeConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(settings, path)
}

// bindFlags makes each flag override its configuration key when set.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}
