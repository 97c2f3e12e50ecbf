package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "livegraph",
		Short: "livegraph - live dataflow reconciliation engine",
		Long: `livegraph keeps running dataflow topologies consistent with an edited design.

A design (blocks, properties, connections and affinity zones) is reconciled
against in-process and remote execution environments:
  - Incremental diffing of block properties and connections
  - Constant and expression propagation via Starlark
  - Remote peers spawned through a host daemon (tcp://) or over SSH (ssh://)
  - Failure containment and lock-up self-diagnosis
  - Event journal in SQLite, Prometheus metrics, OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newExportCommand())
	rootCmd.AddCommand(newHostCommand())
	rootCmd.AddCommand(newPeerCommand(version))
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}
