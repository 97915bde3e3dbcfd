package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/jandubois/srmprobe/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history [METRIC]",
	Short: "List archived probe runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().Bool("steps", false, "Show the metrics executed by each run")
	historyCmd.Flags().Duration("prune", 0, "Delete runs older than this before listing")
}

func runHistory(cmd *cobra.Command, args []string) error {
	path, err := databasePath(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	archive, err := db.Open(ctx, path)
	if err != nil {
		return err
	}
	defer archive.Close()

	if age, _ := cmd.Flags().GetDuration("prune"); age > 0 {
		n, err := archive.PruneRuns(ctx, time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d runs older than %s\n", n, units.HumanDuration(age))
	}

	metricName := ""
	if len(args) == 1 {
		metricName = args[0]
		if !strings.Contains(metricName, ".SRM-") {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			metricName = fmt.Sprintf("%s.SRM-%s", cfg.Namespace, metricName)
		}
	}

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := archive.RecentRuns(ctx, metricName, limit)
	if err != nil {
		return err
	}

	showSteps, _ := cmd.Flags().GetBool("steps")
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tMETRIC\tHOST\tSTATUS\tDURATION\tHEADLINE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Metric, r.Host, r.Status,
			units.HumanDuration(r.Duration), r.Headline)
		if !showSteps {
			continue
		}
		for _, s := range r.Steps {
			fmt.Fprintf(w, "\t  %s\t\t%s\t%s\t%s\n", s.Metric, s.Status, units.HumanDuration(s.Duration), firstLine(s.Summary))
		}
	}
	return w.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
