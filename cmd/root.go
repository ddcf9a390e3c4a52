// Package cmd wires the command-line interface of the ingestion service.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ingestpipe/mediaingest/internal/app"
	"github.com/ingestpipe/mediaingest/internal/config"
)

var (
	cfgFile   string
	automated bool
)

// appKeyType keys the App instance stored on the command context.
type appKeyType struct{}

var appKey appKeyType

// App is the slice of the application container commands depend on. An
// interface so tests can substitute a mock via newApp.
type App interface {
	Run(ctx context.Context) error
	Close()
}

// newApp is the application factory, a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.New(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediaingest",
		Short: "A long-running media ingestion pipeline for protected web hosts.",
		Long: `mediaingest periodically scans configured channels on a protected host,
discovers new posts, resolves each post's media asset URL through a
challenge-solver session, downloads the asset, and optionally forwards it
to a messaging delivery endpoint.`,

		// Runs after flags are parsed but before the subcommand's RunE:
		// build the service graph once and stash it on the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if cmd.Flags().Changed("automated") {
				cfg.Automated = automated
			}

			instance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}

			cmd.SetContext(context.WithValue(cmd.Context(), appKey, instance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if instance, ok := cmd.Context().Value(appKey).(App); ok && instance != nil {
				instance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (environment variables with prefix INGEST_ override)")
	cmd.PersistentFlags().BoolVar(&automated, "automated", false, "start the channel automation loop")

	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute runs the CLI and exits non-zero on any initialization or run
// error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
