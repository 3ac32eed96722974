package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "Review coordination for the document processing pipeline",
	Long: `docflow tracks documents through the processing pipeline and
coordinates human review of low-confidence sections.

It provides:
  - A per-document processing record with optimistic concurrency
  - Review leases, section completion and skip-all for reviewers
  - Batch abort and rerun across many documents
  - Baseline copies for evaluation`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.docflow/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "docflow home directory (default: ~/.docflow)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
