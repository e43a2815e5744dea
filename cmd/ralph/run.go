package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ralphcore/ralph/internal/bus"
	"github.com/ralphcore/ralph/internal/config"
	"github.com/ralphcore/ralph/internal/console"
	"github.com/ralphcore/ralph/internal/diagnostics"
	"github.com/ralphcore/ralph/internal/events"
	"github.com/ralphcore/ralph/internal/hat"
	"github.com/ralphcore/ralph/internal/human"
	"github.com/ralphcore/ralph/internal/looplock"
	"github.com/ralphcore/ralph/internal/memory"
	"github.com/ralphcore/ralph/internal/mergequeue"
	"github.com/ralphcore/ralph/internal/scheduler"
	"github.com/ralphcore/ralph/internal/task"
	"github.com/ralphcore/ralph/internal/worktree"
)

var detectThrashingFlag bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a loop in this workspace",
	Long: `Start a loop: acquire the primary loop lock, or, if one is already held,
create an isolated git worktree and run as a secondary loop. Runs until the
configured completion promise is reached or a limit trips.

Exit codes: 0 CompletionPromise; 1 ValidationFailure|ConsecutiveFailures;
2 MaxIterations|MaxRuntime|MaxCost|LoopThrashing|Stopped; 130 Interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runLoop())
	},
}

func init() {
	runCmd.Flags().BoolVar(&detectThrashingFlag, "detect-thrashing", false, "Use an AI judge (ANTHROPIC_API_KEY) to detect unproductive loop repetition")
	rootCmd.AddCommand(runCmd)
}

func runLoop() int {
	out := console.New()

	cfg, err := config.Load(configPathFlag)
	if err != nil {
		out.Fail("failed to load config: %v", err)
		return 1
	}

	workspace, err := filepath.Abs(workspaceFlag)
	if err != nil {
		out.Fail("resolve workspace: %v", err)
		return 1
	}

	loopID := newLoopID()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	effectiveWorkspace := workspace
	var lock *looplock.Lock
	var worktreePath string

	acquired, err := looplock.Acquire(workspace, looplock.Metadata{
		PID:     os.Getpid(),
		Started: time.Now(),
		Prompt:  cfg.Objective,
	})
	if err != nil {
		var already *looplock.AlreadyLockedError
		if !asAlreadyLocked(err, &already) {
			out.Fail("acquire loop lock: %v", err)
			return 1
		}
		out.Warn("primary loop already held by pid %d (started %s); running as secondary",
			already.Existing.PID, already.Existing.Started.Format(time.RFC3339))

		wc := worktree.New(workspace, "HEAD")
		path, err := wc.Create(ctx, loopID, "ralph/"+loopID)
		if err != nil {
			out.Fail("create secondary worktree: %v", err)
			return 1
		}
		worktreePath = path
		effectiveWorkspace = path
	} else {
		lock = acquired
		defer lock.Release()
	}

	if err := looplock.Register(workspace, looplock.Entry{
		ID:           loopID,
		PID:          os.Getpid(),
		Started:      time.Now(),
		Prompt:       cfg.Objective,
		WorktreePath: worktreePath,
		Workspace:    effectiveWorkspace,
	}); err != nil {
		out.Warn("register loop: %v", err)
	}
	defer func() {
		if err := looplock.Deregister(workspace, loopID); err != nil {
			out.Warn("deregister loop: %v", err)
		}
	}()

	ralphDir := filepath.Join(effectiveWorkspace, ".ralph")

	eventStore, err := events.NewLoopStore(ralphDir, time.Now())
	if err != nil {
		out.Fail("open event store: %v", err)
		return 1
	}

	var taskStore *task.Store
	if cfg.TasksEnabled {
		taskStore, err = task.NewStore(filepath.Join(ralphDir, "tasks.jsonl"))
		if err != nil {
			out.Fail("open task store: %v", err)
			return 1
		}
	}

	var memoryStore *memory.Store
	if cfg.ScratchpadEnabled {
		memoryStore, err = memory.NewStore(filepath.Join(ralphDir, "memories.md"))
		if err != nil {
			out.Fail("open memory store: %v", err)
			return 1
		}
	}

	var diag *diagnostics.Sink
	if diagnosticsFlag {
		diag, err = diagnostics.Open(filepath.Join(ralphDir, "diagnostics", loopID))
		if err != nil {
			out.Warn("diagnostics sink disabled: %v", err)
		}
		defer diag.Close()
	}

	hats, err := cfg.BuildHats()
	if err != nil {
		out.Fail("build hats: %v", err)
		return 1
	}
	coordinator := hat.NewCoordinator(coordinatorInstructions(cfg), cfg.Backend)
	registry, err := hat.NewRegistry(hats, coordinator)
	if err != nil {
		out.Fail("build hat registry: %v", err)
		return 1
	}

	b := bus.New(registry)

	shutdown := &human.ShutdownFlag{}
	// ptyInterrupt fans a SIGINT into PTY-mode runs for double-interrupt
	// abort detection (supervisor.PTYSpec.Interrupt); a standard-mode
	// backend never reads it.
	ptyInterrupt := make(chan struct{}, 1)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			shutdown.Request()
			select {
			case ptyInterrupt <- struct{}{}:
			default:
			}
		}
	}()

	// Automatic merge-queue draining is a primary-loop responsibility
	// only: a secondary loop has no worktrees to merge into itself.
	var mergeQueue *mergequeue.Queue
	var mergeCoordinator *worktree.Coordinator
	if lock != nil {
		mergeQueue, err = mergequeue.NewQueue(filepath.Join(workspace, ".ralph", "merge-queue.jsonl"))
		if err != nil {
			out.Warn("automatic merge-queue draining disabled: %v", err)
			mergeQueue = nil
		} else {
			mergeCoordinator = worktree.New(workspace, "HEAD")
		}
	}

	var thrashJudge scheduler.ThrashJudge
	if detectThrashingFlag {
		judge, err := scheduler.NewAnthropicThrashJudge("", "")
		if err != nil {
			out.Warn("thrash detection disabled: %v", err)
		} else {
			thrashJudge = judge
		}
	}

	sched := scheduler.New(scheduler.Deps{
		Registry:          registry,
		Bus:               b,
		EventStore:        eventStore,
		TaskStore:         taskStore,
		MemoryStore:       memoryStore,
		Config:            cfg,
		Shutdown:          shutdown,
		Human:             human.NoopContract{},
		Diagnostics:       diag,
		ThrashJudge:       thrashJudge,
		Interrupt:         ptyInterrupt,
		MergeQueue:        mergeQueue,
		Worktree:          mergeCoordinator,
		MainBranch:        "main",
		PromptSideFileDir: filepath.Join(ralphDir, "prompts"),
		LoopID:            loopID,
	})

	out.Label("Loop ID", loopID)
	out.Label("Workspace", effectiveWorkspace)
	if worktreePath != "" {
		out.Label("Mode", "secondary")
	} else {
		out.Label("Mode", "primary")
	}
	out.Info("")

	reason, err := sched.Run(ctx)
	if err != nil {
		out.Fail("loop error: %v", err)
		return 1
	}

	switch reason.ExitCode() {
	case 0:
		out.Success("loop finished: %s", reason)
	case 130:
		out.Warn("loop interrupted: %s", reason)
	default:
		out.Fail("loop terminated: %s", reason)
	}

	return reason.ExitCode()
}

// coordinatorInstructions derives the universal coordinator's role
// section from the loop's objective, since the coordinator has no fixed
// instruction text of its own.
func coordinatorInstructions(cfg config.Config) string {
	return fmt.Sprintf(
		"You are the universal coordinator for this loop. Pursue the objective, "+
			"delegate to configured hats by emitting events on the topics they "+
			"subscribe to, and emit %q once the objective is fully satisfied.",
		cfg.CompletionPromise,
	)
}

func newLoopID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("loop-%d-%s", time.Now().Unix(), hex.EncodeToString(b[:]))
}

// asAlreadyLocked type-asserts err to *looplock.AlreadyLockedError and, on
// a match, stores it in target. Unlike errors.As it does not look through
// wrapped errors.
func asAlreadyLocked(err error, target **looplock.AlreadyLockedError) bool {
	already, ok := err.(*looplock.AlreadyLockedError)
	if !ok {
		return false
	}
	*target = already
	return true
}
