package cmd

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the ingestion pipeline and status server.",
		Long: `run starts the download/upload worker pools, the status dashboard, and
the read-only status HTTP server. With automated mode enabled in the
configuration, the channel automation loop is started as well. The
process runs until interrupted and then unwinds every worker within the
shutdown grace period.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instance, ok := cmd.Context().Value(appKey).(App)
			if !ok || instance == nil {
				return errors.New("application not initialized")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return instance.Run(ctx)
		},
	}
}
