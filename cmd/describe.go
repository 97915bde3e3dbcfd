package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jandubois/srmprobe/internal/metric"
	"github.com/jandubois/srmprobe/internal/probe"
)

var describeCmd = &cobra.Command{
	Use:   "describe [METRIC]",
	Short: "Print metric descriptions as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDescribe,
}

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().Bool("names", false, "Print only the full metric names")
}

func runDescribe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := metric.NewRegistry(cfg.Namespace)
	if err != nil {
		return err
	}

	descs := reg.Describe()
	if len(args) == 1 {
		def, ok := reg.Lookup(args[0])
		if !ok {
			return fmt.Errorf("unknown metric %q", args[0])
		}
		descs = []probe.Description{def.Describe(reg.FullName(def.Name))}
	}

	if names, _ := cmd.Flags().GetBool("names"); names {
		for _, d := range descs {
			fmt.Fprintln(cmd.OutOrStdout(), d.Name)
		}
		return nil
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(descs)
}
