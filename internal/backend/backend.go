// Package backend defines the agent-backend tagged variant the process
// supervisor dispatches on, and the built-in presets.
//
// Grounded on the teacher's AgentType/buildAmpCommand/buildClaudeCodeCommand
// split (internal/executor/agent.go), generalized per §9's "Agent backend
// polymorphism" design note into {Named, AgentSlot, Custom}.
package backend

// Kind tags which shape of backend a Spec describes.
type Kind int

const (
	// Named selects a built-in preset by name ("claude-code", "codex",
	// "gemini", "amp").
	Named Kind = iota
	// AgentSlot selects a named slot plus a sub-agent name, for
	// multi-persona CLIs that can spawn different internal personas.
	AgentSlot
	// Custom runs an arbitrary command and argument list.
	Custom
)

// PromptMode describes how the prompt is delivered to the spawned process.
type PromptMode string

const (
	PromptModeArgv  PromptMode = "argv"
	PromptModeStdin PromptMode = "stdin"
)

// OutputFormat describes how to interpret the spawned process's stdout.
type OutputFormat string

const (
	OutputText   OutputFormat = "text"
	OutputNDJSON OutputFormat = "ndjson"
)

// Spec is the tagged backend variant. Zero value (Kind: Named, Name: "")
// means "inherit the caller's default backend" and must be resolved by the
// caller before being passed to the supervisor.
type Spec struct {
	Kind Kind

	// Named / AgentSlot
	Name     string // preset name, or slot name for AgentSlot
	SubAgent string // AgentSlot only

	// Custom
	Command string
	Args    []string

	// Spawn contract, overridable per spec; Named presets fill these in
	// from Presets if left zero.
	PromptMode     PromptMode
	OutputFormat   OutputFormat
	PromptSoftChar int // oversize soft limit in unicode scalars, 0 = no limit

	// PTY selects pseudo-terminal execution (supervisor.RunPTY) over the
	// standard piped-stdio run (supervisor.Run). Backends that expect an
	// interactive terminal (progress bars, raw-mode prompts) set this;
	// the default false keeps the piped-stdio path every preset uses.
	PTY bool
}

// IsZero reports whether s is the unresolved zero value.
func (s Spec) IsZero() bool {
	return s.Kind == Named && s.Name == "" && s.Command == ""
}

// Preset describes a built-in agent backend's default spawn parameters.
type Preset struct {
	Name           string
	Command        string
	BaseArgs       []string
	PromptMode     PromptMode
	OutputFormat   OutputFormat
	PromptSoftChar int
}

// Presets is the table of built-in agent backends, keyed by name.
//
// The 7,000-character soft limit for the stream-JSON agent is named
// explicitly in §4.4.
var Presets = map[string]Preset{
	"claude-code": {
		Name:           "claude-code",
		Command:        "claude",
		BaseArgs:       []string{"--print", "--output-format", "stream-json"},
		PromptMode:     PromptModeStdin,
		OutputFormat:   OutputNDJSON,
		PromptSoftChar: 7000,
	},
	"codex": {
		Name:         "codex",
		Command:      "codex",
		BaseArgs:     []string{"exec"},
		PromptMode:   PromptModeArgv,
		OutputFormat: OutputText,
	},
	"gemini": {
		Name:         "gemini",
		Command:      "gemini",
		BaseArgs:     nil,
		PromptMode:   PromptModeStdin,
		OutputFormat: OutputText,
	},
	"amp": {
		Name:           "amp",
		Command:        "amp",
		BaseArgs:       []string{"--stream-json"},
		PromptMode:     PromptModeStdin,
		OutputFormat:   OutputNDJSON,
		PromptSoftChar: 7000,
	},
}

// Resolve fills in any zero spawn-contract fields on s from the matching
// preset (Named/AgentSlot) and returns the effective preset parameters
// the supervisor should use, along with the command and args to run.
func Resolve(s Spec) (command string, args []string, promptMode PromptMode, format OutputFormat, softChar int, err error) {
	switch s.Kind {
	case Custom:
		command = s.Command
		args = append([]string{}, s.Args...)
		promptMode = s.PromptMode
		if promptMode == "" {
			promptMode = PromptModeStdin
		}
		format = s.OutputFormat
		if format == "" {
			format = OutputText
		}
		softChar = s.PromptSoftChar
		return command, args, promptMode, format, softChar, nil
	case Named, AgentSlot:
		p, ok := Presets[s.Name]
		if !ok {
			return "", nil, "", "", 0, &UnknownPresetError{Name: s.Name}
		}
		command = p.Command
		args = append([]string{}, p.BaseArgs...)
		if s.Kind == AgentSlot && s.SubAgent != "" {
			args = append(args, "--agent", s.SubAgent)
		}
		promptMode = p.PromptMode
		if s.PromptMode != "" {
			promptMode = s.PromptMode
		}
		format = p.OutputFormat
		if s.OutputFormat != "" {
			format = s.OutputFormat
		}
		softChar = p.PromptSoftChar
		if s.PromptSoftChar != 0 {
			softChar = s.PromptSoftChar
		}
		return command, args, promptMode, format, softChar, nil
	default:
		return "", nil, "", "", 0, &UnknownPresetError{Name: s.Name}
	}
}

// UnknownPresetError reports an unresolvable Named/AgentSlot preset name.
type UnknownPresetError struct{ Name string }

func (e *UnknownPresetError) Error() string {
	return "backend: unknown preset " + e.Name
}
