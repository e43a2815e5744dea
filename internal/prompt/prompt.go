// Package prompt builds the single per-iteration prompt string handed to
// an agent process. Section order is fixed: downstream agents rely on
// positional cues, so the builder never reorders or omits a section
// based on content length — only on whether the section applies at all.
//
// Grounded on the teacher's internal/executor/prompt.go PromptBuilder,
// generalized from the teacher's fixed mission/issue template to the
// fixed eleven-section orientation/scratchpad/guardrails/... template.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ralphcore/ralph/internal/events"
	"github.com/ralphcore/ralph/internal/hat"
	"github.com/ralphcore/ralph/internal/memory"
	"github.com/ralphcore/ralph/internal/task"
)

// Skill is one entry in the skills table injected into every prompt.
type Skill struct {
	Name        string
	Description string
}

// Context carries everything the builder needs to render one iteration's
// prompt. Every field is read fresh from disk by the caller each
// iteration — the builder holds no state of its own, per the fresh-
// context invariant.
type Context struct {
	Objective         string
	Scratchpad        string // empty when scratchpad mode is disabled
	Guardrails        []string
	Skills            []Skill
	Memories          []memory.Memory
	Tasks             []task.Task // empty when tasks mode is disabled
	PendingEvents     []events.Event
	ActiveHat         *hat.Hat // ROLE is rendered only when MultiHatMode is set and this is non-nil
	MultiHatMode      bool
	EmissionSyntax    string
	CompletionPromise string
}

// Builder renders Context values into prompt strings, handling the
// oversize side-file fallback.
type Builder struct {
	// SoftCharLimit is the backend's soft character ceiling (§4.4). Zero
	// means no limit is enforced.
	SoftCharLimit int
	// SideFileDir is where oversize prompts are written, conventionally
	// <workspace>/.ralph/prompts/.
	SideFileDir string
}

// New returns a Builder for the given backend soft limit and side-file
// directory.
func New(softCharLimit int, sideFileDir string) *Builder {
	return &Builder{SoftCharLimit: softCharLimit, SideFileDir: sideFileDir}
}

// Build renders ctx into the final prompt string delivered to the agent.
// If the rendered prompt exceeds b.SoftCharLimit, the full text is
// written to a side file under b.SideFileDir and a short instruction
// referencing that file is returned instead.
func (b *Builder) Build(ctx Context, loopID string, iteration int) (string, error) {
	full := render(ctx)

	if b.SoftCharLimit <= 0 || utf8.RuneCountInString(full) <= b.SoftCharLimit {
		return full, nil
	}

	path, err := b.writeSideFile(full, loopID, iteration)
	if err != nil {
		return "", fmt.Errorf("write oversize prompt side file: %w", err)
	}

	return fmt.Sprintf(
		"Your full prompt for this iteration exceeded the inline size limit and was "+
			"written to disk. Read it in full before acting:\n\n%s\n", path), nil
}

func (b *Builder) writeSideFile(full, loopID string, iteration int) (string, error) {
	if err := os.MkdirAll(b.SideFileDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-iter-%d.md", loopID, iteration)
	path := filepath.Join(b.SideFileDir, name)
	if err := os.WriteFile(path, []byte(full), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// render assembles the eleven fixed sections in order, skipping any section
// whose content does not apply to this iteration.
func render(ctx Context) string {
	var b strings.Builder

	section(&b, "ORIENTATION", "You are starting a fresh iteration with no memory of prior turns. "+
		"Everything you need is in this prompt and the on-disk stores it describes.")

	if ctx.Scratchpad != "" {
		section(&b, "SCRATCHPAD", ctx.Scratchpad)
	}

	section(&b, "STATE MANAGEMENT", stateManagementText)

	if len(ctx.Guardrails) > 0 {
		section(&b, "GUARDRAILS", bulletList(ctx.Guardrails))
	}

	if len(ctx.Skills) > 0 {
		section(&b, "SKILLS", skillsTable(ctx.Skills))
	}

	section(&b, "OBJECTIVE", ctx.Objective)

	if len(ctx.Tasks) > 0 {
		section(&b, "TASKS", tasksTable(ctx.Tasks))
	}

	if len(ctx.PendingEvents) > 0 {
		section(&b, "PENDING EVENTS", eventsList(ctx.PendingEvents))
	}

	if ctx.MultiHatMode && ctx.ActiveHat != nil {
		section(&b, "ROLE", ctx.ActiveHat.Instructions)
	}

	if ctx.EmissionSyntax != "" {
		section(&b, "EMISSION SYNTAX", ctx.EmissionSyntax)
	}

	if ctx.CompletionPromise != "" {
		section(&b, "COMPLETION", ctx.CompletionPromise)
	}

	return b.String()
}

const stateManagementText = `Tasks, memories, and events are stored as flat files under .ralph/ and
are mutated only through the emission syntax described below. You never
edit those files directly.`

func section(b *strings.Builder, heading, body string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString("# ")
	b.WriteString(heading)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n")
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func skillsTable(skills []Skill) string {
	var b strings.Builder
	for _, s := range skills {
		fmt.Fprintf(&b, "- **%s**: %s\n", s.Name, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func tasksTable(tasks []task.Task) string {
	var b strings.Builder
	for _, t := range tasks {
		status := string(t.Status)
		if len(t.BlockedBy) > 0 {
			status += fmt.Sprintf(" (blocked by %s)", strings.Join(t.BlockedBy, ", "))
		}
		fmt.Fprintf(&b, "- [%s] %s (priority %d, %s): %s\n", t.ID, t.Title, t.Priority, status, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func eventsList(evts []events.Event) string {
	var b strings.Builder
	for _, e := range evts {
		fmt.Fprintf(&b, "- [%s] %s\n", e.Topic, e.Payload)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatMemories renders memories as a markdown table, trimmed to keep
// the rune count under budget. Entries are dropped from the end (oldest
// kept, most recent trimmed) until the table fits.
func FormatMemories(memories []memory.Memory, runeBudget int) string {
	if len(memories) == 0 {
		return ""
	}

	rows := make([]string, 0, len(memories))
	for _, m := range memories {
		rows = append(rows, fmt.Sprintf("| %s | %s | %s |", m.ID, m.Kind, oneLine(m.Content)))
	}

	header := "| ID | Kind | Content |\n| --- | --- | --- |"
	for len(rows) > 0 {
		body := header + "\n" + strings.Join(rows, "\n")
		if runeBudget <= 0 || utf8.RuneCountInString(body) <= runeBudget {
			return body
		}
		rows = rows[:len(rows)-1]
	}
	return ""
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", " "), "\n", " ")
}
