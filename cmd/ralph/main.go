// Command ralph is a thin CLI shell over the core orchestration packages:
// flag parsing, config loading, and a call into internal/scheduler,
// internal/looplock, or internal/mergequeue. It contains no orchestration
// logic of its own.
//
// Grounded on cmd/vc's one-file-per-subcommand cobra layout. The teacher's
// retrieval copy is missing its root.go; rootCmd and the global flags
// below are authored fresh in the same idiom the surviving subcommand
// files assume (package-level rootCmd, package-level shared flag values
// read by every subcommand's Run).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Event-driven multi-agent loop orchestrator",
	Long: `ralph drives one or more named "hats" — agent personas with their own
subscriptions and allowed emissions — through an event bus until a
configured completion promise is reached or a limit trips.`,
}

// Shared flags read by every subcommand.
var (
	workspaceFlag   string
	configPathFlag  string
	diagnosticsFlag bool
	verboseFlag     bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceFlag, "workspace", ".", "Workspace root (holds .ralph/ state)")
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "ralph.yaml", "Loop configuration file")
	rootCmd.PersistentFlags().BoolVar(&diagnosticsFlag, "diagnostics", false, "Write a diagnostics trace under .ralph/diagnostics/")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose console output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
