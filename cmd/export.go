package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagestore/internal/page"
)

func newExportCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a JSON snapshot of the recent-pages feed",
		Long: `Reads the recent-pages feed and writes it to the configured export
backend (local directory or GCS bucket) as <prefix>/recent-<timestamp>.json.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			uri, err := app.Export(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), uri)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", page.DefaultLimit, "number of pages to export (capped at 50)")
	return cmd
}
