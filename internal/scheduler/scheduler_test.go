package scheduler_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralphcore/ralph/internal/backend"
	"github.com/ralphcore/ralph/internal/bus"
	"github.com/ralphcore/ralph/internal/config"
	"github.com/ralphcore/ralph/internal/events"
	"github.com/ralphcore/ralph/internal/hat"
	"github.com/ralphcore/ralph/internal/mergequeue"
	"github.com/ralphcore/ralph/internal/scheduler"
	"github.com/ralphcore/ralph/internal/task"
	"github.com/ralphcore/ralph/internal/topic"
	"github.com/ralphcore/ralph/internal/worktree"
)

// scriptedBackend returns a backend.Spec that runs a counter-driven shell
// script: each invocation bumps a counter file and prints the line at that
// index from lines, or nothing once lines are exhausted.
func scriptedBackend(t *testing.T, dir string, lines []string) backend.Spec {
	t.Helper()
	counter := filepath.Join(dir, "counter")
	require.NoError(t, os.WriteFile(counter, []byte("0"), 0o644))

	script := filepath.Join(dir, "agent.sh")
	var body string
	body += "#!/bin/sh\n"
	body += fmt.Sprintf("n=$(cat %q)\n", counter)
	body += fmt.Sprintf("echo $((n+1)) > %q\n", counter)
	for i, line := range lines {
		body += fmt.Sprintf("if [ \"$n\" = \"%d\" ]; then printf '%%s\\n' %q; exit 0; fi\n", i, line)
	}
	body += "exit 0\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	return backend.Spec{Kind: backend.Custom, Command: "/bin/sh", Args: []string{script}}
}

func newDeps(t *testing.T, cfg config.Config, hats []*hat.Hat) scheduler.Deps {
	t.Helper()
	dir := t.TempDir()

	coordinator := hat.NewCoordinator("You are the universal coordinator.", backend.Spec{})
	registry, err := hat.NewRegistry(hats, coordinator)
	require.NoError(t, err)

	b := bus.New(registry)

	eventStore, err := events.NewStore(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)

	return scheduler.Deps{
		Registry:          registry,
		Bus:               b,
		EventStore:        eventStore,
		Config:            cfg,
		PromptSideFileDir: filepath.Join(dir, "prompts"),
		LoopID:            "test-loop",
	}
}

// Scenario 1: solo coordinator, one completion.
func TestSoloCoordinatorCompletesAtSecondIteration(t *testing.T) {
	dir := t.TempDir()
	be := scriptedBackend(t, dir, []string{
		`emit topic="status.progress" payload="working"`,
		`emit topic="DONE" payload="all done"`,
	})

	cfg := config.Config{
		Objective:         "finish the thing",
		CompletionPromise: "DONE",
		Backend:           be,
		Limits:            config.Limits{MaxIterations: 3, MaxConsecutiveFailures: 5},
	}

	deps := newDeps(t, cfg, nil)
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonCompletionPromise, reason)
	require.Equal(t, 0, reason.ExitCode())

	all, err := deps.EventStore.ReadNew()
	require.NoError(t, err)
	require.Empty(t, all) // already drained by the scheduler during iterations

	require.Equal(t, 2, countSequences(t, deps))
}

func countSequences(t *testing.T, deps scheduler.Deps) int {
	t.Helper()
	data, err := os.ReadFile(deps.EventStore.Path())
	require.NoError(t, err)
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

// Scenario 2: two-hat pipeline.
func TestTwoHatPipelineRoutesAndCompletes(t *testing.T) {
	dir := t.TempDir()
	builderDir := filepath.Join(dir, "builder")
	reviewerDir := filepath.Join(dir, "reviewer")
	require.NoError(t, os.MkdirAll(builderDir, 0o755))
	require.NoError(t, os.MkdirAll(reviewerDir, 0o755))

	builderBackend := scriptedBackend(t, builderDir, []string{
		`emit topic="build.done" payload="built"`,
	})
	reviewerBackend := scriptedBackend(t, reviewerDir, []string{
		`emit topic="review.approved" payload="looks good"`,
	})

	builder := &hat.Hat{
		ID:            "builder",
		Name:          "Builder",
		Subscriptions: []topic.Topic{"build.task"},
		Publishes:     []topic.Topic{"build.done"},
		Instructions:  "Build the thing.",
		Backend:       builderBackend,
	}
	reviewer := &hat.Hat{
		ID:            "reviewer",
		Name:          "Reviewer",
		Subscriptions: []topic.Topic{"build.done"},
		Publishes:     []topic.Topic{"review.approved", "review.changes_requested"},
		Instructions:  "Review the build.",
		Backend:       reviewerBackend,
	}

	cfg := config.Config{
		Objective:         "ship the feature",
		CompletionPromise: "review.approved",
		StartingEvent:     "build.task",
		Limits:            config.Limits{MaxIterations: 5, MaxConsecutiveFailures: 5},
	}

	deps := newDeps(t, cfg, []*hat.Hat{builder, reviewer})
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonCompletionPromise, reason)
	require.Equal(t, 2, countSequences(t, deps))
}

// Scenario 3: default-publishes rescue.
func TestDefaultPublishesRescuesSilentIteration(t *testing.T) {
	dir := t.TempDir()
	be := scriptedBackend(t, dir, []string{
		"", // no parseable emission at all
	})

	worker := &hat.Hat{
		ID:               "worker",
		Name:             "Worker",
		Subscriptions:    []topic.Topic{"kickoff"},
		Publishes:        []topic.Topic{"build.blocked"},
		Instructions:     "Do work.",
		DefaultPublishes: "build.blocked",
		Backend:          be,
	}

	cfg := config.Config{
		Objective:         "do work",
		CompletionPromise: "DONE",
		StartingEvent:     "kickoff",
		Limits:            config.Limits{MaxIterations: 1, MaxConsecutiveFailures: 5},
	}

	deps := newDeps(t, cfg, []*hat.Hat{worker})
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonMaxIterations, reason)

	data, err := os.ReadFile(deps.EventStore.Path())
	require.NoError(t, err)
	require.Contains(t, string(data), `"build.blocked"`)
}

// Boundary: max_iterations = 0 terminates immediately.
func TestMaxIterationsZeroTerminatesImmediately(t *testing.T) {
	cfg := config.Config{
		Objective:         "anything",
		CompletionPromise: "DONE",
		Backend:           backend.Spec{Kind: backend.Custom, Command: "/bin/true"},
		Limits:            config.Limits{MaxIterations: 0, MaxConsecutiveFailures: 5},
	}
	deps := newDeps(t, cfg, nil)
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonMaxIterations, reason)
	require.Equal(t, 2, reason.ExitCode())
}

// Boundary: silent agent with no default_publishes increments
// consecutive_failures until the cap fires.
func TestConsecutiveFailuresTerminatesAfterCap(t *testing.T) {
	cfg := config.Config{
		Objective:         "anything",
		CompletionPromise: "DONE",
		Backend:           backend.Spec{Kind: backend.Custom, Command: "/bin/true"},
		Limits:            config.Limits{MaxIterations: 100, MaxConsecutiveFailures: 3},
	}
	deps := newDeps(t, cfg, nil)
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonConsecutiveFailures, reason)
	require.Equal(t, 1, reason.ExitCode())
}

// Ambiguous routing: two hats specifically subscribed to the same topic is
// rejected by the registry before any iteration runs, per scenario 6.
func TestAmbiguousRoutingRejectedAtRegistration(t *testing.T) {
	a := &hat.Hat{ID: "a", Subscriptions: []topic.Topic{"build.done"}, Publishes: []topic.Topic{"x"}}
	b := &hat.Hat{ID: "b", Subscriptions: []topic.Topic{"build.done"}, Publishes: []topic.Topic{"y"}}

	coordinator := hat.NewCoordinator("", backend.Spec{})
	_, err := hat.NewRegistry([]*hat.Hat{a, b}, coordinator)
	require.ErrorIs(t, err, hat.ErrAmbiguousRouting)
	require.Contains(t, err.Error(), "a")
	require.Contains(t, err.Error(), "b")
}

func TestExitCodeMapping(t *testing.T) {
	cases := map[scheduler.TerminationReason]int{
		scheduler.ReasonCompletionPromise:   0,
		scheduler.ReasonValidationFailure:   1,
		scheduler.ReasonConsecutiveFailures: 1,
		scheduler.ReasonMaxIterations:       2,
		scheduler.ReasonMaxRuntime:          2,
		scheduler.ReasonMaxCost:             2,
		scheduler.ReasonLoopThrashing:       2,
		scheduler.ReasonStopped:             2,
		scheduler.ReasonInterrupted:         130,
	}
	for reason, want := range cases {
		require.Equal(t, want, reason.ExitCode(), "reason %q", reason)
	}
}

func TestRunRespectsContextTimeoutOnHungChild(t *testing.T) {
	cfg := config.Config{
		Objective:         "anything",
		CompletionPromise: "DONE",
		Backend:           backend.Spec{Kind: backend.Custom, Command: "/bin/sleep", Args: []string{"60"}},
		Limits:            config.Limits{MaxIterations: 1, MaxConsecutiveFailures: 5},
	}
	deps := newDeps(t, cfg, nil)
	s := scheduler.New(deps)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := s.Run(ctx)
	require.NoError(t, err) // supervisor.Run absorbs the cancellation into a Result, not an error
}

func TestTasksModeIncludesReadyTasksInPrompt(t *testing.T) {
	dir := t.TempDir()
	captured := filepath.Join(dir, "captured-prompt.txt")

	script := filepath.Join(dir, "agent.sh")
	body := "#!/bin/sh\n" +
		"cat > " + captured + "\n" +
		`printf 'emit topic="DONE" payload="done"\n'` + "\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	taskStore, err := task.NewStore(filepath.Join(dir, "tasks.jsonl"))
	require.NoError(t, err)
	_, err = taskStore.Create("write tests", "cover the new path", 2, nil, "", time.Now())
	require.NoError(t, err)
	blocker, err := taskStore.Create("blocker", "must land first", 1, nil, "", time.Now())
	require.NoError(t, err)
	_, err = taskStore.Create("blocked task", "waits on the blocker", 1, []string{blocker.ID}, "", time.Now())
	require.NoError(t, err)

	cfg := config.Config{
		Objective:         "finish the thing",
		CompletionPromise: "DONE",
		TasksEnabled:      true,
		Backend:           backend.Spec{Kind: backend.Custom, Command: "/bin/sh", Args: []string{script}},
		Limits:            config.Limits{MaxIterations: 2, MaxConsecutiveFailures: 5},
	}

	deps := newDeps(t, cfg, nil)
	deps.TaskStore = taskStore
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonCompletionPromise, reason)

	prompt, err := os.ReadFile(captured)
	require.NoError(t, err)
	require.Contains(t, string(prompt), "# TASKS")
	require.Contains(t, string(prompt), "write tests")
	require.NotContains(t, string(prompt), "waits on the blocker") // still blocked, not ready
}

// NDJSON backends stream structured records rather than plain emission
// lines; the scheduler must collect their text segments and re-scan for
// the emission grammar instead of matching the NDJSON directly.
func TestNDJSONBackendOutputIsParsedForEmissions(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "agent.sh")
	body := "#!/bin/sh\n" +
		`printf '%s\n' '{"type":"text","text":"emit topic=\"DONE\" payload=\"done\""}'` + "\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	cfg := config.Config{
		Objective:         "finish the thing",
		CompletionPromise: "DONE",
		Backend: backend.Spec{
			Kind:         backend.Custom,
			Command:      "/bin/sh",
			Args:         []string{script},
			OutputFormat: backend.OutputNDJSON,
		},
		Limits: config.Limits{MaxIterations: 1, MaxConsecutiveFailures: 5},
	}

	deps := newDeps(t, cfg, nil)
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonCompletionPromise, reason)
}

// A backend.Spec with PTY set must dispatch through supervisor.RunPTY
// rather than the standard piped-stdio supervisor.Run.
func TestPTYBackendDispatchesThroughRunPTY(t *testing.T) {
	cfg := config.Config{
		Objective:         "finish the thing",
		CompletionPromise: "DONE",
		Backend: backend.Spec{
			Kind:    backend.Custom,
			Command: "sh",
			Args:    []string{"-c", `echo 'emit topic="DONE" payload="done"'`},
			PTY:     true,
		},
		Limits: config.Limits{MaxIterations: 1, MaxConsecutiveFailures: 5},
	}

	deps := newDeps(t, cfg, nil)
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonCompletionPromise, reason)
}

// fakeHumanContract records questions it was asked and, if configured
// with a response, answers the first WaitForResponse call.
type fakeHumanContract struct {
	mu        sync.Mutex
	questions []string
	response  string
}

func (f *fakeHumanContract) SendQuestion(_ context.Context, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, payload)
	return "msg-1", nil
}

func (f *fakeHumanContract) WaitForResponse(_ context.Context, _ string, _ time.Duration) (string, bool) {
	if f.response == "" {
		return "", false
	}
	return f.response, true
}

func (f *fakeHumanContract) SendCheckin(context.Context, string) error { return nil }

// An event on the reserved human.interact topic must reach the injected
// Human contract, and any reply it returns must be appended as a new
// event visible to the next iteration.
func TestHumanInteractTopicRoutesThroughContract(t *testing.T) {
	dir := t.TempDir()
	be := scriptedBackend(t, dir, []string{
		`emit topic="human.interact" payload="need guidance"`,
		`emit topic="DONE" payload="done"`,
	})

	cfg := config.Config{
		Objective:         "finish the thing",
		CompletionPromise: "DONE",
		Backend:           be,
		Limits:            config.Limits{MaxIterations: 3, MaxConsecutiveFailures: 5},
	}

	deps := newDeps(t, cfg, nil)
	fake := &fakeHumanContract{response: "proceed with plan B"}
	deps.Human = fake
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonCompletionPromise, reason)

	fake.mu.Lock()
	require.Contains(t, fake.questions, "need guidance")
	fake.mu.Unlock()

	data, err := os.ReadFile(deps.EventStore.Path())
	require.NoError(t, err)
	require.Contains(t, string(data), "proceed with plan B")
}

// setupMergeTestRepo creates a small git repository on branch "main",
// mirroring internal/worktree's own test fixture.
func setupMergeTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	run("init", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")

	return dir
}

// A primary loop wired with a MergeQueue and Worktree must drain the
// oldest Queued secondary loop automatically once an iteration produces
// no activity, per the idle-drain requirement, folding the outcome back
// as Merged on a clean merge.
func TestIdleSchedulerAutoDrainsMergeQueue(t *testing.T) {
	repo := setupMergeTestRepo(t)
	coord := worktree.New(repo, "main")

	path, err := coord.Create(context.Background(), "loop-2", "ralph/loop-2")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "feature.txt"), []byte("feature\n"), 0o644))
	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run(path, "add", "feature.txt")
	run(path, "commit", "-m", "add feature")
	require.NoError(t, coord.Remove(context.Background(), path))

	queue, err := mergequeue.NewQueue(filepath.Join(repo, ".ralph", "merge-queue.jsonl"))
	require.NoError(t, err)
	require.NoError(t, queue.Append(mergequeue.Event{LoopID: "loop-2", Type: mergequeue.EvQueued}))

	cfg := config.Config{
		Objective:         "anything",
		CompletionPromise: "DONE",
		Backend:           backend.Spec{Kind: backend.Custom, Command: "/bin/true"},
		Limits:            config.Limits{MaxIterations: 1, MaxConsecutiveFailures: 5},
	}
	deps := newDeps(t, cfg, nil)
	deps.MergeQueue = queue
	deps.Worktree = coord
	deps.MainBranch = "main"
	s := scheduler.New(deps)

	reason, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonMaxIterations, reason)

	history, err := queue.History()
	require.NoError(t, err)
	require.Equal(t, mergequeue.StateMerged, mergequeue.Fold(history)["loop-2"])

	data, err := os.ReadFile(filepath.Join(repo, "feature.txt"))
	require.NoError(t, err)
	require.Equal(t, "feature\n", string(data))
}
