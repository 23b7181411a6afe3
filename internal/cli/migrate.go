package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/flowguard/internal/sources"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for the postgres source store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if url, _ := cmd.Flags().GetString("migrations"); url != "" {
			cfg.Database.MigrationsURL = url
		}
		if err := sources.Migrate(cfg.Database.URL, cfg.Database.MigrationsURL); err != nil {
			return err
		}
		printSuccess(cmd.OutOrStdout(), "Migrations applied from %s", cfg.Database.MigrationsURL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("migrations", "", "migrations source URL (overrides database.migrations_url)")
}
