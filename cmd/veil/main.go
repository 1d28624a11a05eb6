package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veilworks/veil/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "veil",
	Short: "Veil - PII discovery and anonymization pipeline",
	Long: `Veil ingests uploaded files, discovers personally identifiable
information inside them, and emits anonymized outputs plus structured
findings under user-supplied policies.

A single binary runs the HTTP API, the asynchronous processing pipeline,
or both.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Veil version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(policyCmd)
}

// initLogging applies config plus flag overrides to the global logger.
func initLogging(level, format string) {
	log.Init(log.Config{
		Level:  log.Level(level),
		Format: log.Format(format),
	})
}
