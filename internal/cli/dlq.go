package cli

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/flowguard/internal/dlq"
	"github.com/telhawk-systems/flowguard/internal/logging"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and maintain the dead-letter queue",
	Long:  "List, show and clean up export batches that could not be delivered",
}

func openConfiguredDLQ() (*dlq.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openDLQ(cfg, logging.Discard())
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List dead-lettered batches, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredDLQ()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := store.List(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("failed to list dlq: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputFormat(cmd) == "json" {
			return printJSON(w, entries)
		}
		if len(entries) == 0 {
			printInfo(w, "No dead-lettered batches")
			return nil
		}
		table := newTable("FILE", "DESTINATION", "RECORDS", "SIZE", "FAILED AT")
		for _, e := range entries {
			table.addRow(e.File, e.Destination, strconv.Itoa(e.Count), humanBytes(e.Size), e.Timestamp.Format(time.RFC3339))
		}
		table.render(w)
		return nil
	},
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Print one dead-lettered batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredDLQ()
		if err != nil {
			return err
		}
		rec, err := store.Read(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredDLQ()
		if err != nil {
			return err
		}
		stats := store.Stats()

		w := cmd.OutOrStdout()
		if outputFormat(cmd) == "json" {
			return printJSON(w, stats)
		}
		fmt.Fprintf(w, "Directory:     %s\n", stats.Dir)
		fmt.Fprintf(w, "Pending files: %d\n", stats.Files)
		fmt.Fprintf(w, "Total size:    %s\n", humanBytes(stats.Bytes))
		if stats.Oldest != nil {
			fmt.Fprintf(w, "Oldest:        %s\n", stats.Oldest.Format(time.RFC3339))
		}
		if len(stats.ByDestination) > 0 {
			fmt.Fprintln(w)
			table := newTable("DESTINATION", "FILES")
			for _, dest := range slices.Sorted(maps.Keys(stats.ByDestination)) {
				table.addRow(dest, strconv.Itoa(stats.ByDestination[dest]))
			}
			table.render(w)
		}
		return nil
	},
}

var dlqCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply age and size retention now",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredDLQ()
		if err != nil {
			return err
		}
		aged, err := store.CleanupOldRecords()
		if err != nil {
			return fmt.Errorf("age cleanup failed: %w", err)
		}
		trimmed, remaining, err := store.CheckSizeLimit()
		if err != nil {
			return fmt.Errorf("size cleanup failed: %w", err)
		}
		printSuccess(cmd.OutOrStdout(), "Removed %d expired and %d oversize files, %s remaining", aged, trimmed, humanBytes(remaining))
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-lettered batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			printWarn(cmd.OutOrStdout(), "This deletes all dead-lettered batches. Re-run with --yes to confirm.")
			return fmt.Errorf("purge not confirmed")
		}
		store, err := openConfiguredDLQ()
		if err != nil {
			return err
		}
		n, err := store.Purge(cmd.Context())
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
		printSuccess(cmd.OutOrStdout(), "Purged %d files", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqCleanupCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)

	dlqListCmd.Flags().IntP("limit", "l", 50, "Maximum entries to show (0 for all)")
	dlqPurgeCmd.Flags().Bool("yes", false, "Confirm deletion")
}
