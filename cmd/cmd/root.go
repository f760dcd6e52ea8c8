// Package cmd wires the researcher CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "researcher",
	Short: "researcher aggregates academic literature into cited research reports",
	Long: `researcher plans searches over arXiv and OpenAlex, screens and
deduplicates the results, extracts verbatim evidence from PDFs, and writes a
report in which every claim cites the evidence spans backing it.

A full run pauses at approval gates (PDF downloads, external hosts, token
budget) and asks for a decision on the terminal. Quick runs stop at an
annotated paper list.`,
	SilenceUsage: true,
}

// Execute runs the CLI. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml, then ~/.tiny-researcher/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(cacheCmd)
}
