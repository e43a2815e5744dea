package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ralphcore/ralph/internal/console"
	"github.com/ralphcore/ralph/internal/events"
)

var emitCmd = &cobra.Command{
	Use:   "emit <topic> <payload>",
	Short: "Append a single event to the active loop's event store",
	Long: `Append one event to the active loop's event store, for use inside agent
tool calls that need to publish a topic the narrow emission grammar in the
agent's own output cannot express directly.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		source, _ := cmd.Flags().GetString("source")
		target, _ := cmd.Flags().GetString("target")
		os.Exit(runEmit(args[0], args[1], source, target))
	},
}

func init() {
	emitCmd.Flags().String("source", "operator", "Event source identifier")
	emitCmd.Flags().String("target", "", "Directed-delivery target hat id, if any")
	rootCmd.AddCommand(emitCmd)
}

func runEmit(topic, payload, source, target string) int {
	out := console.New()
	workspace, err := filepath.Abs(workspaceFlag)
	if err != nil {
		out.Fail("resolve workspace: %v", err)
		return 1
	}

	storePath, err := latestEventStorePath(filepath.Join(workspace, ".ralph"))
	if err != nil {
		out.Fail("locate event store: %v", err)
		return 1
	}

	store, err := events.NewStore(storePath)
	if err != nil {
		out.Fail("open event store: %v", err)
		return 1
	}

	appended, err := store.Append(events.New(topic, payload, source, target))
	if err != nil {
		out.Fail("append event: %v", err)
		return 1
	}

	out.Success("appended %s (sequence %d)", topic, appended[0].Sequence)
	return 0
}
