package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/flowguard/internal/config"
	"github.com/telhawk-systems/flowguard/internal/models"
	"github.com/telhawk-systems/flowguard/internal/sources"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Work with source admission policies",
}

var sourcesValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a YAML source definition file",
	Long: `Parse and validate a source definition file without starting the collector.
Without an argument the file configured in sources.file is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.Sources.File
		}

		list, err := sources.LoadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		cidrs := 0
		for _, src := range list {
			cidrs += len(src.AllowedIPs)
		}
		printSuccess(cmd.OutOrStdout(), "%s: %d sources, %d allow-list entries (limit %d)",
			path, len(list), cidrs, models.MaxCIDRsTotal)
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sources from the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		list, err := listSources(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if outputFormat(cmd) == "json" {
			return printJSON(w, list)
		}
		if len(list) == 0 {
			printInfo(w, "No sources defined")
			return nil
		}
		table := newTable("ID", "TENANT", "ENABLED", "MAX EPS", "ON EXCEED", "ALLOWED IPS")
		for _, src := range list {
			onExceed := "flag"
			if src.BlockOnExceed {
				onExceed = "block"
			}
			maxEPS := "unlimited"
			if src.MaxEPS > 0 {
				maxEPS = strconv.Itoa(src.MaxEPS)
			}
			allowed := "any"
			if len(src.AllowedIPs) > 0 {
				allowed = strings.Join(src.AllowedIPs, ",")
			}
			table.addRow(src.ID, src.TenantID, strconv.FormatBool(src.Enabled), maxEPS, onExceed, allowed)
		}
		table.render(w)
		return nil
	},
}

func listSources(ctx context.Context, cfg *config.Config) ([]models.SourceConfig, error) {
	switch cfg.Sources.Backend {
	case "file":
		return sources.LoadFile(cfg.Sources.File)
	case "postgres":
		store, err := sources.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.List(ctx)
	default:
		return nil, nil
	}
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesValidateCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
}
