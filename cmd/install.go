package cmd

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/cobra"
)

const labelPrefix = "org.sam.srmprobe"

var launchAgentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>StartInterval</key>
    <integer>{{.Seconds}}</integer>
    <key>RunAtLoad</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/{{.Label}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/{{.Label}}.log</string>
</dict>
</plist>
`

var systemdService = `[Unit]
Description=srmprobe {{.Metric}} against {{.Host}}

[Service]
Type=oneshot
ExecStart={{.Command}}
# Nagios verdicts are not unit failures.
SuccessExitStatus=1 2 3
`

var systemdTimer = `[Unit]
Description=Run srmprobe {{.Metric}} against {{.Host}} every {{.Interval}}

[Timer]
OnBootSec=5min
OnUnitActiveSec={{.Seconds}}s
Persistent=true

[Install]
WantedBy=timers.target
`

// schedule describes one periodically executed probe run.
type schedule struct {
	Label      string
	Executable string
	Metric     string
	Host       string
	VO         string
	ConfigFile string
	Database   string
	LogDir     string
	Interval   time.Duration
}

func newSchedule(metricName, host string) schedule {
	return schedule{
		Label:  fmt.Sprintf("%s.%s.%s", labelPrefix, host, metricName),
		Metric: metricName,
		Host:   host,
	}
}

// Args returns the command line of the scheduled run.
func (s schedule) Args() []string {
	args := []string{s.Executable, "run", "--host", s.Host}
	if s.VO != "" {
		args = append(args, "--vo", s.VO)
	}
	if s.ConfigFile != "" {
		args = append(args, "--config", s.ConfigFile)
	}
	if s.Database != "" {
		args = append(args, "--database", s.Database)
	}
	return append(args, s.Metric)
}

func (s schedule) Command() string {
	quoted := make([]string, 0, len(s.Args()))
	for _, a := range s.Args() {
		if strings.ContainsAny(a, " \t\"'") {
			a = strconv.Quote(a)
		}
		quoted = append(quoted, a)
	}
	return strings.Join(quoted, " ")
}

func (s schedule) Seconds() int {
	return int(s.Interval / time.Second)
}

// render returns the unit files of s for goos, keyed by file name.
func (s schedule) render(goos string) (map[string]string, error) {
	templates := map[string]string{}
	switch goos {
	case "darwin":
		templates[s.Label+".plist"] = launchAgentPlist
	case "linux":
		templates[s.Label+".service"] = systemdService
		templates[s.Label+".timer"] = systemdTimer
	default:
		return nil, fmt.Errorf("scheduling is not supported on %s", goos)
	}

	files := make(map[string]string, len(templates))
	for name, text := range templates {
		tmpl, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
		}
		var b strings.Builder
		if err := tmpl.Execute(&b, s); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", name, err)
		}
		files[name] = b.String()
	}
	return files, nil
}

var installCmd = &cobra.Command{
	Use:   "install METRIC",
	Short: "Schedule a metric to run periodically (systemd timer or launchd agent)",
	Long: `Install a per-user systemd timer (Linux) or LaunchAgent (macOS) that runs
"srmprobe run" for METRIC against one storage host at a fixed interval.

Results go to the configured run archive, metrics textfile and notification
channels; the unit's own output only keeps the Nagios report.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall METRIC",
	Short: "Remove a scheduled metric",
	Args:  cobra.ExactArgs(1),
	RunE:  runUninstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)

	for _, c := range []*cobra.Command{installCmd, uninstallCmd} {
		c.Flags().String("host", "", "Storage element host name")
	}
	installCmd.Flags().String("vo", "", "Virtual organisation (default from configuration)")
	installCmd.Flags().Duration("interval", time.Hour, "Time between runs")
	installCmd.Flags().Bool("dry-run", false, "Print the unit files instead of installing them")
}

func runInstall(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		return fmt.Errorf("--host is required")
	}
	s := newSchedule(args[0], host)
	s.VO, _ = cmd.Flags().GetString("vo")
	s.Interval, _ = cmd.Flags().GetDuration("interval")
	if s.Interval < time.Minute {
		return fmt.Errorf("interval must be at least 1m")
	}
	s.ConfigFile, _ = cmd.Flags().GetString("config")
	s.Database, _ = cmd.Flags().GetString("database")

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if s.Executable, err = filepath.EvalSymlinks(executable); err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}
	if s.ConfigFile != "" {
		if s.ConfigFile, err = filepath.Abs(s.ConfigFile); err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
	}

	unitDir, err := userUnitDir(runtime.GOOS)
	if err != nil {
		return err
	}
	homeDir, _ := os.UserHomeDir()
	s.LogDir = filepath.Join(homeDir, "Library", "Logs", "srmprobe")

	files, err := s.render(runtime.GOOS)
	if err != nil {
		return err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	out := cmd.OutOrStdout()
	if dryRun {
		for _, name := range slices.Sorted(maps.Keys(files)) {
			fmt.Fprintf(out, "# %s\n%s\n", filepath.Join(unitDir, name), files[name])
		}
		return nil
	}

	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return fmt.Errorf("failed to create unit directory: %w", err)
	}
	if runtime.GOOS == "darwin" {
		if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		// Reinstalling replaces a loaded agent.
		_ = exec.Command("launchctl", "unload", filepath.Join(unitDir, s.Label+".plist")).Run()
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(unitDir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if err := activate(runtime.GOOS, unitDir, s.Label); err != nil {
		return err
	}
	fmt.Fprintf(out, "Scheduled %s every %s\n", s.Label, s.Interval)
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		return fmt.Errorf("--host is required")
	}
	s := newSchedule(args[0], host)

	unitDir, err := userUnitDir(runtime.GOOS)
	if err != nil {
		return err
	}

	var names []string
	switch runtime.GOOS {
	case "darwin":
		plist := filepath.Join(unitDir, s.Label+".plist")
		if err := exec.Command("launchctl", "unload", plist).Run(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to unload agent: %v\n", err)
		}
		names = []string{s.Label + ".plist"}
	default:
		if err := exec.Command("systemctl", "--user", "disable", "--now", s.Label+".timer").Run(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to disable timer: %v\n", err)
		}
		names = []string{s.Label + ".timer", s.Label + ".service"}
	}

	for _, name := range names {
		if err := os.Remove(filepath.Join(unitDir, name)); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%s is not installed", s.Label)
			}
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", s.Label)
	return nil
}

func userUnitDir(goos string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	switch goos {
	case "darwin":
		return filepath.Join(homeDir, "Library", "LaunchAgents"), nil
	case "linux":
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			return filepath.Join(dir, "systemd", "user"), nil
		}
		return filepath.Join(homeDir, ".config", "systemd", "user"), nil
	}
	return "", fmt.Errorf("scheduling is not supported on %s", goos)
}

func activate(goos, unitDir, label string) error {
	var cmds [][]string
	if goos == "darwin" {
		cmds = [][]string{{"launchctl", "load", filepath.Join(unitDir, label+".plist")}}
	} else {
		cmds = [][]string{
			{"systemctl", "--user", "daemon-reload"},
			{"systemctl", "--user", "enable", "--now", label + ".timer"},
		}
	}
	for _, c := range cmds {
		if out, err := exec.Command(c[0], c[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%s failed: %w: %s", strings.Join(c, " "), err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}
