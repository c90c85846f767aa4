// Package cmd defines the pagestore command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagestore/internal/config"
	"github.com/JakeFAU/pagestore/internal/server"
)

type appKeyType struct{}

var appKey appKeyType

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "pagestore",
		Short: "Stores crawled page records and serves the recent-pages feed.",
		Long: `pagestore accepts page observations from crawler workers, keeps exactly
one record per URL, and serves the newest pages to dashboards.`,
		SilenceUsage: true,

		// Config and the dependency graph are built once here so every
		// subcommand shares the same handles.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := server.Build(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return nil //nolint:nilerr // nothing was built
			}
			return app.Close(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.AddCommand(newServeCmd(), newMigrateCmd(), newExportCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
