// Command scholarwatch runs the publication ingestion service: the crawl
// API, the background scheduler, and the PDF resolution pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scholarwatch/scholarwatch/internal/config"
	"github.com/scholarwatch/scholarwatch/internal/server"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scholarwatch",
		Short: "Tracks scholars' publication lists and resolves open-access PDFs.",
		Long: `scholarwatch crawls tracked author profiles on a scholarly index,
deduplicates the extracted publications, and resolves canonical identifiers
and open-access PDF links through OpenAlex, arXiv, Crossref, and Unpaywall.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (overrides SCHOLARWATCH_* environment)")
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API and the background scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
