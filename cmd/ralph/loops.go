package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ralphcore/ralph/internal/console"
	"github.com/ralphcore/ralph/internal/events"
	"github.com/ralphcore/ralph/internal/looplock"
	"github.com/ralphcore/ralph/internal/mergequeue"
	"github.com/ralphcore/ralph/internal/worktree"
)

var loopsCmd = &cobra.Command{
	Use:   "loops",
	Short: "Inspect and operate the loop registry and merge queue",
}

var loopsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered loops",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runLoopsList())
	},
}

var loopsAttachCmd = &cobra.Command{
	Use:   "attach <loop-id>",
	Short: "Follow a loop's events and inject human guidance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runLoopsAttach(args[0]))
	},
}

var loopsStopCmd = &cobra.Command{
	Use:   "stop <loop-id>",
	Short: "Signal a running loop to stop",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		os.Exit(runLoopsStop(args[0], force, timeout))
	},
}

var loopsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Garbage-collect dead loop entries and their worktrees",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runLoopsPrune())
	},
}

var loopsProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Manually drain one entry from the merge queue",
	Long: `The primary loop drains the merge queue automatically whenever it goes
idle (see internal/scheduler.Scheduler.drainMergeQueue). This command is the
manual fallback for when no primary loop is running: it consumes the next
Queued entry, transitions it to Merging, and reports its worktree path for a
merge agent to process, then expects the operator to record Merged or
NeedsReview by hand.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runLoopsProcess())
	},
}

func init() {
	loopsStopCmd.Flags().Bool("force", false, "Send SIGKILL immediately instead of SIGINT")
	loopsStopCmd.Flags().Duration("timeout", 30*time.Second, "Grace period before escalating to SIGKILL")

	loopsCmd.AddCommand(loopsListCmd)
	loopsCmd.AddCommand(loopsAttachCmd)
	loopsCmd.AddCommand(loopsStopCmd)
	loopsCmd.AddCommand(loopsPruneCmd)
	loopsCmd.AddCommand(loopsProcessCmd)
	rootCmd.AddCommand(loopsCmd)
}

func runLoopsList() int {
	out := console.New()
	workspace, err := filepath.Abs(workspaceFlag)
	if err != nil {
		out.Fail("resolve workspace: %v", err)
		return 1
	}

	entries, err := looplock.List(workspace)
	if err != nil {
		out.Fail("list loops: %v", err)
		return 1
	}
	if len(entries) == 0 {
		out.Dim("no loops registered")
		return 0
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Started.Before(entries[j].Started) })

	for _, e := range entries {
		mode := "primary"
		if e.WorktreePath != "" {
			mode = "secondary"
		}
		out.Label("Loop ID", e.ID)
		out.Info("  PID:       %d", e.PID)
		out.Info("  Mode:      %s", mode)
		out.Info("  Started:   %s (%s ago)", e.Started.Format(time.RFC3339), time.Since(e.Started).Round(time.Second))
		out.Info("  Prompt:    %s", e.Prompt)
		out.Info("  Workspace: %s", e.Workspace)
		out.Info("")
	}
	return 0
}

func runLoopsAttach(loopID string) int {
	out := console.New()
	workspace, err := filepath.Abs(workspaceFlag)
	if err != nil {
		out.Fail("resolve workspace: %v", err)
		return 1
	}

	entry, err := findLoopEntry(workspace, loopID)
	if err != nil {
		out.Fail("%v", err)
		return 1
	}

	storePath, err := latestEventStorePath(filepath.Join(entry.Workspace, ".ralph"))
	if err != nil {
		out.Fail("locate event store: %v", err)
		return 1
	}
	store, err := events.NewStore(storePath)
	if err != nil {
		out.Fail("open event store: %v", err)
		return 1
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("ralph[%s]> ", loopID),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		out.Fail("create readline: %v", err)
		return 1
	}
	defer rl.Close()

	out.Info("attached to %s; type a line to send human.guidance, Ctrl+D to detach", loopID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tailEventStore(ctx, store, out)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				out.Info("detached")
				return 0
			}
			out.Fail("readline: %v", err)
			return 1
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := store.Append(events.New("human.guidance", line, "operator", "")); err != nil {
			out.Fail("send guidance: %v", err)
		}
	}
}

// tailEventStore polls for newly appended events and prints them, until
// ctx is canceled. Polling, not a filesystem watch, matches the event
// store's own resumable-offset reader contract.
func tailEventStore(ctx context.Context, store *events.Store, out *console.Console) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newEvents, err := store.ReadNew()
			if err != nil {
				continue
			}
			for _, e := range newEvents {
				out.Dim("[%d] %s: %s = %q", e.Sequence, e.Source, e.Topic, e.Payload)
			}
		}
	}
}

func runLoopsStop(loopID string, force bool, timeout time.Duration) int {
	out := console.New()
	workspace, err := filepath.Abs(workspaceFlag)
	if err != nil {
		out.Fail("resolve workspace: %v", err)
		return 1
	}

	entry, err := findLoopEntry(workspace, loopID)
	if err != nil {
		out.Fail("%v", err)
		return 1
	}

	if !looplock.IsProcessAlive(entry.PID) {
		out.Warn("process %d is not running; deregistering stale entry", entry.PID)
		_ = looplock.Deregister(workspace, loopID)
		return 0
	}

	if force {
		out.Info("sending SIGKILL to pid %d", entry.PID)
		if err := syscall.Kill(entry.PID, syscall.SIGKILL); err != nil {
			out.Fail("SIGKILL: %v", err)
			return 1
		}
		return 0
	}

	out.Info("sending SIGINT to pid %d", entry.PID)
	if err := syscall.Kill(entry.PID, syscall.SIGINT); err != nil {
		out.Fail("SIGINT: %v", err)
		return 1
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !looplock.IsProcessAlive(entry.PID) {
			out.Success("loop %s stopped", loopID)
			return 0
		}
		time.Sleep(200 * time.Millisecond)
	}

	out.Warn("graceful shutdown timed out; sending SIGKILL")
	if err := syscall.Kill(entry.PID, syscall.SIGKILL); err != nil {
		out.Fail("SIGKILL after timeout: %v", err)
		return 1
	}
	return 0
}

func runLoopsPrune() int {
	out := console.New()
	workspace, err := filepath.Abs(workspaceFlag)
	if err != nil {
		out.Fail("resolve workspace: %v", err)
		return 1
	}

	// looplock.List garbage-collects dead entries as a side effect of
	// reading the registry; the entries returned are only the survivors.
	// Any worktree directory whose name is not a surviving loop id is
	// treated as stale and removed.
	before, _ := looplock.List(workspace)
	beforeIDs := make(map[string]bool, len(before))
	for _, e := range before {
		beforeIDs[e.ID] = true
	}

	wc := worktree.New(workspace, "HEAD")
	removed := 0
	ctx := context.Background()
	entries, err := os.ReadDir(wc.WorktreesDir())
	if err == nil {
		for _, de := range entries {
			if !de.IsDir() {
				continue
			}
			if beforeIDs[de.Name()] {
				continue // still registered and alive
			}
			path := wc.Path(de.Name())
			if err := wc.Remove(ctx, path); err != nil {
				out.Warn("remove stale worktree %s: %v", de.Name(), err)
				continue
			}
			removed++
		}
	}

	out.Success("pruned %d stale worktree(s)", removed)
	return 0
}

func runLoopsProcess() int {
	out := console.New()
	workspace, err := filepath.Abs(workspaceFlag)
	if err != nil {
		out.Fail("resolve workspace: %v", err)
		return 1
	}

	queue, err := mergequeue.NewQueue(filepath.Join(workspace, ".ralph", "merge-queue.jsonl"))
	if err != nil {
		out.Fail("open merge queue: %v", err)
		return 1
	}

	queued, err := queue.Queued()
	if err != nil {
		out.Fail("read merge queue: %v", err)
		return 1
	}
	if len(queued) == 0 {
		out.Dim("merge queue is empty")
		return 0
	}

	next := queued[0]
	if err := queue.Append(mergequeue.Event{
		LoopID: next,
		Type:   mergequeue.EvMerging,
		PID:    os.Getpid(),
	}); err != nil {
		out.Fail("transition to Merging: %v", err)
		return 1
	}

	out.Success("loop %s is now Merging", next)
	out.Info("run a merge-preset agent against .worktrees/%s, then record the", next)
	out.Info("outcome with a direct mergequeue.Append (Merged{commit} or NeedsReview{reason})")
	return 0
}

func findLoopEntry(workspace, loopID string) (looplock.Entry, error) {
	entries, err := looplock.List(workspace)
	if err != nil {
		return looplock.Entry{}, fmt.Errorf("list loops: %w", err)
	}
	for _, e := range entries {
		if e.ID == loopID {
			return e, nil
		}
	}
	return looplock.Entry{}, fmt.Errorf("loop %q not found", loopID)
}

// latestEventStorePath finds the most recently created events-*.jsonl
// file under ralphDir, matching the naming convention from
// events.NewLoopStore.
func latestEventStorePath(ralphDir string) (string, error) {
	entries, err := os.ReadDir(ralphDir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", ralphDir, err)
	}

	var latest string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "events-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		if name > latest {
			latest = name
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no event store found under %s", ralphDir)
	}
	return filepath.Join(ralphDir, latest), nil
}

