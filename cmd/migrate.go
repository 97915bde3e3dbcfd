package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jandubois/srmprobe/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the run archive schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("down", false, "Roll back all migrations")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	path, err := databasePath(cmd)
	if err != nil {
		return err
	}
	down, _ := cmd.Flags().GetBool("down")

	if down {
		slog.Info("rolling back all migrations", "database", path)
		if err := db.RollbackMigrations(cmd.Context(), path); err != nil {
			return err
		}
		slog.Info("migrations rolled back")
		return nil
	}

	slog.Info("running migrations", "database", path)
	if err := db.RunMigrations(cmd.Context(), path); err != nil {
		return err
	}
	slog.Info("migrations complete")
	return nil
}

func databasePath(cmd *cobra.Command) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Database == "" {
		return defaultDatabasePath, nil
	}
	return cfg.Database, nil
}
