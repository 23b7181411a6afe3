package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/flowguard/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flowguard",
	Short: "Network telemetry ingestion pipeline",
	Long: `flowguard ingests flow and connection-log records from registered sources,
admits them per source policy, enriches them and exports them downstream.

Run "flowguard serve" to start the HTTP collector, or use the maintenance
commands to inspect the dead-letter queue and source definitions.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/flowguard/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}
