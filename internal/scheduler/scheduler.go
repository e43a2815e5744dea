// Package scheduler implements the one-iteration-at-a-time loop driver:
// ingest pending events, select a hat, build a prompt, run the backend
// process, parse its output, persist events, and check termination.
//
// Grounded on the teacher's executor loop shape (internal/executor,
// internal/watchdog/loop_detector.go for the "judge whether we're
// stuck" idea, generalized here from AI-judged thrashing detection to
// the spec's simpler counter-based consecutive-failure model, with an
// optional AI judge layered on top for LoopThrashing).
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ralphcore/ralph/internal/backend"
	"github.com/ralphcore/ralph/internal/bus"
	"github.com/ralphcore/ralph/internal/config"
	"github.com/ralphcore/ralph/internal/diagnostics"
	"github.com/ralphcore/ralph/internal/events"
	"github.com/ralphcore/ralph/internal/hat"
	"github.com/ralphcore/ralph/internal/human"
	"github.com/ralphcore/ralph/internal/memory"
	"github.com/ralphcore/ralph/internal/mergequeue"
	"github.com/ralphcore/ralph/internal/parser"
	"github.com/ralphcore/ralph/internal/prompt"
	"github.com/ralphcore/ralph/internal/supervisor"
	"github.com/ralphcore/ralph/internal/task"
	"github.com/ralphcore/ralph/internal/topic"
	"github.com/ralphcore/ralph/internal/worktree"
)

// humanInteractTopic is the reserved topic a hat emits on to hand a
// question to the human-interaction contract instead of another hat.
const humanInteractTopic = "human.interact"

// defaultHumanResponseTimeout bounds WaitForResponse when the loop has no
// configured idle timeout to borrow.
const defaultHumanResponseTimeout = 10 * time.Minute

// defaultMainBranch is the branch automatic merge-queue draining merges
// completed secondary loops into.
const defaultMainBranch = "main"

// TerminationReason names why a loop stopped, per §4.9.
type TerminationReason string

const (
	ReasonNone                TerminationReason = ""
	ReasonCompletionPromise   TerminationReason = "CompletionPromise"
	ReasonValidationFailure   TerminationReason = "ValidationFailure"
	ReasonConsecutiveFailures TerminationReason = "ConsecutiveFailures"
	ReasonMaxIterations       TerminationReason = "MaxIterations"
	ReasonMaxRuntime          TerminationReason = "MaxRuntime"
	ReasonMaxCost             TerminationReason = "MaxCost"
	ReasonLoopThrashing       TerminationReason = "LoopThrashing"
	ReasonStopped             TerminationReason = "Stopped"
	ReasonInterrupted         TerminationReason = "Interrupted"
)

// ExitCode maps a TerminationReason to the process exit code the CLI
// should return, per §4.9.
func (r TerminationReason) ExitCode() int {
	switch r {
	case ReasonCompletionPromise:
		return 0
	case ReasonValidationFailure, ReasonConsecutiveFailures:
		return 1
	case ReasonMaxIterations, ReasonMaxRuntime, ReasonMaxCost, ReasonLoopThrashing, ReasonStopped:
		return 2
	case ReasonInterrupted:
		return 130
	default:
		return 2
	}
}

// ThrashJudge optionally asks an AI model whether the loop appears stuck,
// returning true when it judges the loop thrashing. A nil judge disables
// the check, per §4.9's LoopThrashing reason being an optional addition
// beyond the counter-based checks.
type ThrashJudge interface {
	IsThrashing(ctx context.Context, recentPayloads []string) (bool, error)
}

// Deps bundles every collaborator the scheduler drives for one loop.
type Deps struct {
	Registry    *hat.Registry
	Bus         *bus.Bus
	EventStore  *events.Store
	TaskStore   *task.Store
	MemoryStore *memory.Store

	Config      config.Config
	Shutdown    *human.ShutdownFlag
	Human       human.Contract
	Diagnostics *diagnostics.Sink
	ThrashJudge ThrashJudge

	// Interrupt is forwarded into PTY-mode backend runs so a second
	// SIGINT within the double-interrupt window aborts the child. Nil
	// disables double-interrupt abort (standard-mode backends never
	// read it).
	Interrupt <-chan struct{}

	// MergeQueue and Worktree, when both set, let the primary loop
	// automatically drain queued secondary loops when idle (§4.8). A nil
	// MergeQueue disables automatic draining; secondary loops never set
	// this.
	MergeQueue *mergequeue.Queue
	Worktree   *worktree.Coordinator
	// MainBranch is the branch automatically-drained merges land on.
	// Empty defaults to "main".
	MainBranch string

	// PromptSideFileDir is where oversize prompts are written.
	PromptSideFileDir string

	// LoopID identifies this loop for side-file naming
	// and diagnostics records.
	LoopID string
}

// Scheduler runs the per-iteration cycle for one loop instance. It holds
// only counters and offsets between iterations — the fresh-context
// invariant means no agent-facing state survives an iteration boundary.
type Scheduler struct {
	deps Deps

	iteration           int
	startedAt           time.Time
	consecutiveFailures int
	costSoFar           float64
	recentPayloads      []string
}

// New returns a Scheduler ready to run deps' loop.
func New(deps Deps) *Scheduler {
	return &Scheduler{deps: deps, startedAt: time.Now()}
}

// AddCost records cost incurred by the most recent iteration (e.g. from a
// backend that reports token usage). The scheduler itself never computes
// cost — backends are black-box processes.
func (s *Scheduler) AddCost(delta float64) {
	s.costSoFar += delta
}

// Run drives iterations until a termination reason fires.
func (s *Scheduler) Run(ctx context.Context) (TerminationReason, error) {
	if s.deps.Config.StartingEvent != "" && s.iteration == 0 {
		s.deps.Bus.Publish(events.New(s.deps.Config.StartingEvent, "", "", ""))
	}

	for {
		reason, err := s.step(ctx)
		if err != nil {
			return ReasonNone, err
		}
		if reason != ReasonNone {
			return reason, nil
		}
	}
}

// step runs exactly one iteration, returning a non-empty TerminationReason
// when the loop should stop.
func (s *Scheduler) step(ctx context.Context) (TerminationReason, error) {
	s.iteration++

	// 1. Ingest pending events.
	newEvents, err := s.deps.EventStore.ReadNew()
	if err != nil {
		return ReasonNone, fmt.Errorf("read new events: %w", err)
	}
	for _, e := range newEvents {
		s.deps.Bus.Publish(e)
	}

	// 2. Termination pre-checks.
	if reason := s.preChecks(); reason != ReasonNone {
		return reason, nil
	}

	// 3. Select a hat.
	hatID, batch := s.selectHat()
	h := s.deps.Registry.Get(hatID)
	if h == nil {
		return ReasonNone, fmt.Errorf("scheduler: selected hat %q not found in registry", hatID)
	}
	s.deps.Registry.RecordActivation(h)
	s.emitDiagnostic(diagnostics.KindHatSelection, hatID, hatID)

	// 4. Build prompt.
	promptText, err := s.buildPrompt(h, batch)
	if err != nil {
		return ReasonNone, fmt.Errorf("build prompt: %w", err)
	}

	// 5. Run the process.
	effectiveBackend := s.deps.Config.Backend
	if !h.Backend.IsZero() {
		effectiveBackend = h.Backend
	}
	command, args, promptMode, format, _, err := backend.Resolve(effectiveBackend)
	if err != nil {
		return ReasonNone, fmt.Errorf("resolve backend for hat %q: %w", hatID, err)
	}

	var result supervisor.Result
	if effectiveBackend.PTY {
		ptyResult, err := supervisor.RunPTY(ctx, supervisor.PTYSpec{
			Command:     command,
			Args:        append(append([]string{}, args...), promptText),
			IdleTimeout: s.deps.Config.Limits.IdleTimeout,
			Interrupt:   s.deps.Interrupt,
		})
		if err != nil {
			return ReasonNone, fmt.Errorf("run pty backend process: %w", err)
		}
		result = supervisor.Result{
			Output:   ptyResult.StrippedTranscript,
			Success:  ptyResult.Success,
			ExitCode: ptyResult.ExitCode,
			Duration: ptyResult.Duration,
			Reason:   ptyResult.Reason,
			TimedOut: ptyResult.Reason == supervisor.ExitTimeout || ptyResult.Reason == supervisor.ExitIdleTimeout,
		}
	} else {
		spec := supervisor.Spec{Command: command, Args: args}
		if promptMode == backend.PromptModeStdin {
			spec.Stdin = promptText
		} else {
			spec.Args = append(args, promptText)
		}
		result, err = supervisor.Run(ctx, spec)
		if err != nil {
			return ReasonNone, fmt.Errorf("run backend process: %w", err)
		}
	}
	s.emitDiagnostic(diagnostics.KindRawText, hatID, result.Output)

	// 6. Parse output, validate against hat.publishes. NDJSON backends
	// stream structured records rather than plain emission lines, so
	// their text content is collected and re-scanned for the emission
	// grammar instead of matching it directly.
	extracted := parser.WithDefaultPublish(parseOutput(result.Output, format), string(h.DefaultPublishes))
	validated, softFailures := s.validate(h, extracted)

	// 7. Write events; update task/memory stores happens via the tools
	// interface, which is out of this package's scope (agents mutate the
	// stores directly through emitted events consumed elsewhere).
	appended, err := s.deps.EventStore.Append(validated...)
	if err != nil {
		return ReasonNone, fmt.Errorf("append events: %w", err)
	}
	for _, e := range appended {
		s.deps.Bus.Publish(e)
		s.recentPayloads = append(s.recentPayloads, e.Payload)
		if e.Topic == humanInteractTopic {
			s.handleHumanInteraction(ctx, e)
		}
	}

	// 8. Termination post-checks.
	return s.postChecks(ctx, appended, softFailures, result)
}

func (s *Scheduler) selectHat() (string, []events.Event) {
	hatID, first, ok := s.deps.Bus.NextHat()
	if !ok {
		return hat.CoordinatorID, nil
	}
	rest := s.deps.Bus.Dequeue(hatID)
	return hatID, append([]events.Event{first}, rest...)
}

func (s *Scheduler) buildPrompt(h *hat.Hat, batch []events.Event) (string, error) {
	effectiveBackend := s.deps.Config.Backend
	if !h.Backend.IsZero() {
		effectiveBackend = h.Backend
	}
	_, _, _, _, softChar, err := backend.Resolve(effectiveBackend)
	if err != nil {
		return "", err
	}

	builder := prompt.New(softChar, s.deps.PromptSideFileDir)

	var memories []memory.Memory
	if s.deps.MemoryStore != nil {
		memories, err = s.deps.MemoryStore.All()
		if err != nil {
			return "", fmt.Errorf("load memories: %w", err)
		}
	}

	var tasks []task.Task
	if s.deps.TaskStore != nil {
		all, err := s.deps.TaskStore.All()
		if err != nil {
			return "", fmt.Errorf("load tasks: %w", err)
		}
		byID := make(map[string]task.Task, len(all))
		for _, t := range all {
			byID[t.ID] = t
		}
		for _, t := range all {
			if task.Ready(t, byID) {
				tasks = append(tasks, t)
			}
		}
	}

	ctx := prompt.Context{
		Objective:         s.deps.Config.Objective,
		Guardrails:        s.deps.Config.Guardrails,
		Tasks:             tasks,
		PendingEvents:     batch,
		MultiHatMode:      h.ID != hat.CoordinatorID,
		ActiveHat:         h,
		EmissionSyntax:    `emit topic="<topic>" payload="<text>"`,
		CompletionPromise: fmt.Sprintf("Emit topic=%q when the objective is fully satisfied.", s.deps.Config.CompletionPromise),
	}
	if s.deps.Config.ScratchpadEnabled {
		ctx.Scratchpad = prompt.FormatMemories(memories, 4000)
	}
	for _, sk := range s.deps.Config.Skills {
		ctx.Skills = append(ctx.Skills, prompt.Skill{Name: sk.Name, Description: sk.Description})
	}

	return builder.Build(ctx, s.deps.LoopID, s.iteration)
}

// validate checks each extracted event's topic against the acting hat's
// publishes set, recording validation failures (soft failures) for
// anything outside it. Events failing validation are still appended to
// the event store, per §4.1's "accepted into the event log but flagged".
func (s *Scheduler) validate(h *hat.Hat, extracted []parser.Extracted) ([]events.Event, int) {
	evts := parser.ToEvents(extracted, h.ID)
	softFailures := 0
	for i := range evts {
		allowed := h.CanPublish(topic.Topic(evts[i].Topic)) || evts[i].Topic == s.deps.Config.CompletionPromise
		if !allowed {
			softFailures++
			s.emitDiagnostic(diagnostics.KindParseError, h.ID, fmt.Sprintf("unsanctioned topic %q", evts[i].Topic))
		}
	}
	return evts, softFailures
}

func (s *Scheduler) preChecks() TerminationReason {
	if s.deps.Shutdown != nil && s.deps.Shutdown.Requested() {
		return ReasonInterrupted
	}
	limits := s.deps.Config.Limits
	// max_iterations has no "0 means unlimited" convention: a loop
	// configured with max_iterations=0 terminates before its first
	// iteration runs.
	if s.iteration > limits.MaxIterations {
		return ReasonMaxIterations
	}
	if limits.MaxRuntime > 0 && time.Since(s.startedAt) > limits.MaxRuntime {
		return ReasonMaxRuntime
	}
	if limits.MaxCost > 0 && s.costSoFar > limits.MaxCost {
		return ReasonMaxCost
	}
	if s.consecutiveFailures >= limits.MaxConsecutiveFailures {
		return ReasonConsecutiveFailures
	}
	return ReasonNone
}

func (s *Scheduler) postChecks(ctx context.Context, appended []events.Event, softFailures int, result supervisor.Result) (TerminationReason, error) {
	completionSeen := false
	for _, e := range appended {
		if e.Topic == s.deps.Config.CompletionPromise {
			completionSeen = true
		}
	}
	if completionSeen {
		if !s.deps.Config.TasksEnabled {
			return ReasonCompletionPromise, nil
		}
		tasks, err := s.deps.TaskStore.All()
		if err != nil {
			return ReasonNone, fmt.Errorf("read tasks: %w", err)
		}
		if task.OpenCount(tasks, s.deps.LoopID) == 0 {
			return ReasonCompletionPromise, nil
		}
	}

	producedActivity := len(appended) > 0 || result.Output != ""
	if !producedActivity {
		s.consecutiveFailures++
		s.drainMergeQueue(ctx)
	} else {
		s.consecutiveFailures = 0
	}

	if softFailures > 0 && len(appended) == softFailures {
		return ReasonValidationFailure, nil
	}

	if s.consecutiveFailures >= s.deps.Config.Limits.MaxConsecutiveFailures {
		return ReasonConsecutiveFailures, nil
	}

	if s.deps.Shutdown != nil && s.deps.Shutdown.Requested() {
		return ReasonInterrupted, nil
	}

	if s.deps.ThrashJudge != nil && len(s.recentPayloads) > 0 {
		thrashing, err := s.deps.ThrashJudge.IsThrashing(ctx, s.recentPayloads)
		if err == nil && thrashing {
			return ReasonLoopThrashing, nil
		}
	}

	if s.deps.Config.Limits.CooldownDelay > 0 {
		time.Sleep(s.deps.Config.Limits.CooldownDelay)
	}

	return ReasonNone, nil
}

// parseOutput extracts emission-grammar events from a backend's raw
// output. NDJSON backends stream structured records instead of plain
// emission lines, so their text segments are collected through
// StreamParser and the assembled text is handed to the same emission
// regex plain-text backends use.
func parseOutput(output string, format backend.OutputFormat) []parser.Extracted {
	p := parser.New()
	if format != backend.OutputNDJSON {
		return p.ParseAll(output)
	}

	var text strings.Builder
	sp := parser.NewStreamParser(parser.StreamHandlerFunc(func(r parser.StreamRecord) {
		if r.Kind != parser.KindText || r.Text == "" {
			return
		}
		text.WriteString(r.Text)
		text.WriteString("\n")
	}))
	sp.FeedAll(output)
	return p.ParseAll(text.String())
}

// handleHumanInteraction routes an event emitted on humanInteractTopic
// through the human-interaction contract: the question goes out
// immediately, and any reply that arrives before the timeout is appended
// as a new event so the next iteration sees it among pending events.
func (s *Scheduler) handleHumanInteraction(ctx context.Context, e events.Event) {
	if s.deps.Human == nil {
		return
	}

	messageID, err := s.deps.Human.SendQuestion(ctx, e.Payload)
	if err != nil {
		s.emitDiagnostic(diagnostics.KindParseError, e.Source, fmt.Sprintf("send human question: %v", err))
		return
	}

	response, ok := s.deps.Human.WaitForResponse(ctx, messageID, s.humanResponseTimeout())
	if !ok {
		return
	}

	responded, err := s.deps.EventStore.Append(events.New("human.response", response, "human", e.Source))
	if err != nil {
		s.emitDiagnostic(diagnostics.KindParseError, e.Source, fmt.Sprintf("append human response: %v", err))
		return
	}
	for _, re := range responded {
		s.deps.Bus.Publish(re)
	}
}

func (s *Scheduler) humanResponseTimeout() time.Duration {
	if s.deps.Config.Limits.IdleTimeout > 0 {
		return s.deps.Config.Limits.IdleTimeout
	}
	return defaultHumanResponseTimeout
}

// drainMergeQueue pops the oldest Queued secondary loop, if any, and
// merges its branch into MainBranch, folding the outcome back into the
// queue as Merged or NeedsReview. Disabled unless both MergeQueue and
// Worktree are configured, which cmd/ralph/run.go only does for the
// primary loop — a secondary loop has nothing to drain into.
func (s *Scheduler) drainMergeQueue(ctx context.Context) {
	if s.deps.MergeQueue == nil || s.deps.Worktree == nil {
		return
	}

	queued, err := s.deps.MergeQueue.Queued()
	if err != nil || len(queued) == 0 {
		return
	}
	loopID := queued[0]

	if err := s.deps.MergeQueue.Append(mergequeue.Event{
		LoopID: loopID,
		Type:   mergequeue.EvMerging,
		PID:    os.Getpid(),
	}); err != nil {
		s.emitDiagnostic(diagnostics.KindParseError, loopID, fmt.Sprintf("merge queue transition to Merging: %v", err))
		return
	}

	mainBranch := s.deps.MainBranch
	if mainBranch == "" {
		mainBranch = defaultMainBranch
	}

	if err := s.deps.Worktree.MergeToMain(ctx, "ralph/"+loopID, mainBranch); err != nil {
		_ = s.deps.MergeQueue.Append(mergequeue.Event{
			LoopID: loopID,
			Type:   mergequeue.EvNeedsReview,
			Reason: err.Error(),
		})
		s.emitDiagnostic(diagnostics.KindParseError, loopID, fmt.Sprintf("automatic merge needs review: %v", err))
		return
	}

	_ = s.deps.MergeQueue.Append(mergequeue.Event{LoopID: loopID, Type: mergequeue.EvMerged})
	s.emitDiagnostic(diagnostics.KindHatSelection, loopID, "merged")
}

func (s *Scheduler) emitDiagnostic(kind diagnostics.Kind, hatID, payload string) {
	if s.deps.Diagnostics == nil {
		return
	}
	s.deps.Diagnostics.Emit(diagnostics.Record{
		Timestamp: time.Now(),
		Iteration: s.iteration,
		Kind:      kind,
		HatID:     hatID,
		Payload:   payload,
	})
}
