// Package config loads and validates the YAML-tagged configuration that
// drives a loop: hats, backends, limits, and feature toggles.
//
// Grounded on the teacher's internal/discovery/config.go (ConfigFile
// yaml-tagged struct, LoadConfigFile with a default-on-missing-file
// fallback) and internal/health/config.go's Normalize pass, generalized
// from discovery-worker budgets to loop hats/backends/limits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ralphcore/ralph/internal/backend"
	"github.com/ralphcore/ralph/internal/hat"
	"github.com/ralphcore/ralph/internal/topic"
)

// File is the on-disk shape of a loop's YAML configuration.
type File struct {
	Objective         string      `yaml:"objective"`
	CompletionPromise string      `yaml:"completion_promise"`
	TasksEnabled      bool        `yaml:"tasks_enabled"`
	ScratchpadEnabled bool        `yaml:"scratchpad_enabled"`
	StartingEvent     string      `yaml:"starting_event"`
	Guardrails        []string    `yaml:"guardrails"`
	Skills            []SkillFile `yaml:"skills"`
	Backend           BackendFile `yaml:"backend"`
	Hats              []HatFile   `yaml:"hats"`
	Limits            LimitsFile  `yaml:"limits"`
}

// SkillFile is one entry of the skills table injected into every prompt.
type SkillFile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// BackendFile selects an agent backend by preset name or custom spawn
// parameters.
type BackendFile struct {
	Preset  string   `yaml:"preset"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// PTY selects pseudo-terminal execution over piped stdio; see
	// backend.Spec.PTY.
	PTY bool `yaml:"pty"`
}

// HatFile is one configured persona.
type HatFile struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name"`
	Description      string      `yaml:"description"`
	Subscriptions    []string    `yaml:"subscriptions"`
	Publishes        []string    `yaml:"publishes"`
	Instructions     string      `yaml:"instructions"`
	DefaultPublishes string      `yaml:"default_publishes"`
	Backend          BackendFile `yaml:"backend"`
	MaxActivations   int         `yaml:"max_activations"`
}

// LimitsFile holds the scheduler's termination caps. MaxRuntime is parsed
// from a Go duration string ("5m", "1h"); the cooldown and idle-timeout
// fields are numbers of seconds.
type LimitsFile struct {
	MaxIterations          int     `yaml:"max_iterations"`
	MaxRuntime             string  `yaml:"max_runtime"`
	MaxCost                float64 `yaml:"max_cost"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	CooldownDelaySeconds   float64 `yaml:"cooldown_delay_seconds"`
	IdleTimeoutSeconds     float64 `yaml:"idle_timeout_secs"`
}

// Limits is the parsed, defaulted form of LimitsFile.
type Limits struct {
	MaxIterations          int
	MaxRuntime             time.Duration
	MaxCost                float64
	MaxConsecutiveFailures int
	CooldownDelay          time.Duration
	IdleTimeout            time.Duration
}

// Config is the validated, defaulted configuration handed to the
// scheduler. Unlike File, every optional field has been resolved.
type Config struct {
	Objective         string
	CompletionPromise string
	TasksEnabled      bool
	ScratchpadEnabled bool
	StartingEvent     string
	Guardrails        []string
	Skills            []SkillFile
	Backend           backend.Spec
	Hats              []HatFile
	Limits            Limits
}

// defaultMaxConsecutiveFailures matches §4.9's documented default.
const defaultMaxConsecutiveFailures = 5

// Load reads and parses a YAML config file at path, returning a validated
// Config. A missing file is an error here (unlike the teacher's discovery
// config, a loop has no sensible default objective).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	return f.Normalize()
}

// Normalize validates f and fills in defaults, producing a Config.
func (f File) Normalize() (Config, error) {
	if f.Objective == "" {
		return Config{}, fmt.Errorf("config: objective is required")
	}
	if f.CompletionPromise == "" {
		return Config{}, fmt.Errorf("config: completion_promise is required")
	}

	backendSpec, err := normalizeBackend(f.Backend)
	if err != nil {
		return Config{}, fmt.Errorf("config: global backend: %w", err)
	}

	seenIDs := make(map[string]bool, len(f.Hats))
	for i := range f.Hats {
		h := &f.Hats[i]
		if h.ID == "" {
			return Config{}, fmt.Errorf("config: hat at index %d is missing an id", i)
		}
		if h.ID == "coordinator" {
			return Config{}, fmt.Errorf("config: hat id %q is reserved for the universal coordinator", h.ID)
		}
		if seenIDs[h.ID] {
			return Config{}, fmt.Errorf("config: duplicate hat id %q", h.ID)
		}
		seenIDs[h.ID] = true

		if !h.Backend.isZero() {
			if _, err := normalizeBackend(h.Backend); err != nil {
				return Config{}, fmt.Errorf("config: hat %q backend: %w", h.ID, err)
			}
		}
	}

	limits, err := normalizeLimits(f.Limits)
	if err != nil {
		return Config{}, fmt.Errorf("config: limits: %w", err)
	}

	return Config{
		Objective:         f.Objective,
		CompletionPromise: f.CompletionPromise,
		TasksEnabled:      f.TasksEnabled,
		ScratchpadEnabled: f.ScratchpadEnabled,
		StartingEvent:     f.StartingEvent,
		Guardrails:        f.Guardrails,
		Skills:            f.Skills,
		Backend:           backendSpec,
		Hats:              f.Hats,
		Limits:            limits,
	}, nil
}

func (b BackendFile) isZero() bool {
	return b.Preset == "" && b.Command == ""
}

func normalizeBackend(b BackendFile) (backend.Spec, error) {
	if b.Preset != "" {
		return backend.Spec{Kind: backend.Named, Name: b.Preset, PTY: b.PTY}, nil
	}
	if b.Command != "" {
		return backend.Spec{Kind: backend.Custom, Command: b.Command, Args: b.Args, PTY: b.PTY}, nil
	}
	return backend.Spec{}, fmt.Errorf("must set either preset or command")
}

func normalizeLimits(l LimitsFile) (Limits, error) {
	out := Limits{
		MaxIterations:          l.MaxIterations,
		MaxCost:                l.MaxCost,
		MaxConsecutiveFailures: l.MaxConsecutiveFailures,
		CooldownDelay:          time.Duration(l.CooldownDelaySeconds * float64(time.Second)),
		IdleTimeout:            time.Duration(l.IdleTimeoutSeconds * float64(time.Second)),
	}
	if out.MaxConsecutiveFailures <= 0 {
		out.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if l.MaxRuntime != "" {
		d, err := time.ParseDuration(l.MaxRuntime)
		if err != nil {
			return Limits{}, fmt.Errorf("invalid max_runtime %q: %w", l.MaxRuntime, err)
		}
		out.MaxRuntime = d
	}
	return out, nil
}

// BuildHats converts the loop's configured hats into the runtime hat.Hat
// shape the scheduler expects. Hat-level backend overrides are resolved
// with normalizeBackend exactly as the global backend is; a hat with no
// backend block gets the zero backend.Spec, meaning "inherit the global
// backend" per hat.Hat's own doc comment.
func (c Config) BuildHats() ([]*hat.Hat, error) {
	out := make([]*hat.Hat, 0, len(c.Hats))
	for _, hf := range c.Hats {
		var b backend.Spec
		if !hf.Backend.isZero() {
			resolved, err := normalizeBackend(hf.Backend)
			if err != nil {
				return nil, fmt.Errorf("hat %q backend: %w", hf.ID, err)
			}
			b = resolved
		}
		out = append(out, &hat.Hat{
			ID:               hf.ID,
			Name:             hf.Name,
			Description:      hf.Description,
			Subscriptions:    toTopics(hf.Subscriptions),
			Publishes:        toTopics(hf.Publishes),
			Instructions:     hf.Instructions,
			DefaultPublishes: topic.Topic(hf.DefaultPublishes),
			Backend:          b,
			MaxActivations:   hf.MaxActivations,
		})
	}
	return out, nil
}

func toTopics(ss []string) []topic.Topic {
	if len(ss) == 0 {
		return nil
	}
	out := make([]topic.Topic, len(ss))
	for i, s := range ss {
		out[i] = topic.Topic(s)
	}
	return out
}
