package cli

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/flowguard/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flow collector",
	Long: `Start the HTTP collector, the enrichment workers and the export dispatcher.

SIGINT or SIGTERM stops intake, drains queued records within the shutdown
timeout and flushes pending exports before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := logging.New(
			logging.ParseLevel(cfg.Logging.Level),
			cfg.Logging.Format,
		).With(logging.Service("flowguard"))
		logging.SetDefault(logger)

		logger.Info("starting flowguard",
			slog.Int("port", cfg.Server.Port),
			slog.String("log_level", cfg.Logging.Level),
			slog.String("config", cfgFile),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			logger.Error("startup failed", logging.Error(err))
			return err
		}
		return a.run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
