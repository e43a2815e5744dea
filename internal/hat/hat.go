// Package hat defines the Hat role type and the registry that validates and
// holds the set of hats configured for a loop, including the synthetic
// universal coordinator.
package hat

import (
	"errors"
	"fmt"

	"github.com/ralphcore/ralph/internal/backend"
	"github.com/ralphcore/ralph/internal/topic"
)

// CoordinatorID is the stable id of the synthesized universal coordinator.
const CoordinatorID = "coordinator"

// ErrAmbiguousRouting is returned when two hats specifically subscribe to
// the same concrete topic.
var ErrAmbiguousRouting = errors.New("ambiguous routing")

// ErrMultipleFallbacks is returned when more than one non-coordinator hat
// declares a wildcard subscription.
var ErrMultipleFallbacks = errors.New("multiple wildcard fallback hats")

// Hat is a named role/persona: its own instructions, subscription set, and
// allowed emission set. It is a configuration object, not a process.
type Hat struct {
	ID          string
	Name        string
	Description string

	Subscriptions []topic.Topic
	Publishes     []topic.Topic

	Instructions string

	// DefaultPublishes is emitted automatically if the hat produced no
	// parseable event this iteration.
	DefaultPublishes topic.Topic

	// Backend overrides which agent to spawn for this hat; zero value
	// means "use the global backend".
	Backend backend.Spec

	// MaxActivations is an optional hard cap on how many times this hat
	// may be selected in a loop; zero means unlimited.
	MaxActivations int

	activations int
}

// hasWildcardSubscription reports whether h subscribes to the universal wildcard or any
// segment-wildcard topic.
func (h *Hat) hasWildcardSubscription() bool {
	for _, t := range h.Subscriptions {
		if t.IsWildcard() {
			return true
		}
	}
	return false
}

// CanPublish reports whether topic t is within h's declared publishes set,
// or is the coordinator (which may publish anything).
func (h *Hat) CanPublish(t topic.Topic) bool {
	if h.ID == CoordinatorID {
		return true
	}
	for _, p := range h.Publishes {
		if p == t {
			return true
		}
	}
	return false
}

// Activations returns how many times this hat has been selected so far.
func (h *Hat) Activations() int { return h.activations }

// AtActivationCap reports whether h has reached its configured
// MaxActivations.
func (h *Hat) AtActivationCap() bool {
	return h.MaxActivations > 0 && h.activations >= h.MaxActivations
}

func (h *Hat) recordActivation() { h.activations++ }

// NewCoordinator synthesizes the universal coordinator hat. It is created
// even when no other hats are configured; it owns a wildcard subscription,
// cannot be removed, and is selected when no other hat matches.
func NewCoordinator(instructions string, b backend.Spec) *Hat {
	return &Hat{
		ID:            CoordinatorID,
		Name:          "Coordinator",
		Description:   "Universal fallback hat; owns completion promise and state-management prompt sections.",
		Subscriptions: []topic.Topic{topic.Universal},
		Publishes:     nil, // unrestricted, see CanPublish
		Instructions:  instructions,
		Backend:       b,
	}
}

// Registry is a persistent map of hat id to Hat, created once per loop
// from validated configuration, plus the always-present universal
// coordinator.
type Registry struct {
	order       []*Hat // registration order, including the coordinator last
	byID        map[string]*Hat
	coordinator *Hat
}

// NewRegistry validates hats and builds a Registry. hats must not include
// a hat with ID == CoordinatorID; the coordinator is synthesized
// separately and appended last in registration order, per §4.3.
//
// Validation enforces the invariants in §3:
//   - at most one hat may specifically subscribe to any concrete topic
//   - at most one non-coordinator hat may declare a wildcard subscription
func NewRegistry(hats []*Hat, coordinator *Hat) (*Registry, error) {
	if coordinator == nil {
		return nil, errors.New("coordinator is required")
	}

	specific := make(map[topic.Topic]string)
	var fallback string

	for _, h := range hats {
		if h.ID == CoordinatorID {
			return nil, fmt.Errorf("hat id %q is reserved for the coordinator", CoordinatorID)
		}
		for _, sub := range h.Subscriptions {
			if sub.IsWildcard() {
				continue
			}
			if owner, ok := specific[sub]; ok {
				return nil, fmt.Errorf("%w: topic %q claimed by both %q and %q", ErrAmbiguousRouting, sub, owner, h.ID)
			}
			specific[sub] = h.ID
		}
		if h.hasWildcardSubscription() {
			if fallback != "" {
				return nil, fmt.Errorf("%w: %q and %q", ErrMultipleFallbacks, fallback, h.ID)
			}
			fallback = h.ID
		}
	}

	byID := make(map[string]*Hat, len(hats)+1)
	order := make([]*Hat, 0, len(hats)+1)
	for _, h := range hats {
		byID[h.ID] = h
		order = append(order, h)
	}
	byID[coordinator.ID] = coordinator
	order = append(order, coordinator)

	return &Registry{order: order, byID: byID, coordinator: coordinator}, nil
}

// Get returns the hat with the given id, or nil if absent.
func (r *Registry) Get(id string) *Hat { return r.byID[id] }

// Coordinator returns the universal coordinator hat.
func (r *Registry) Coordinator() *Hat { return r.coordinator }

// All returns every registered hat in registration order, coordinator last.
func (r *Registry) All() []*Hat {
	out := make([]*Hat, len(r.order))
	copy(out, r.order)
	return out
}

// RecordActivation increments h's activation counter. Called by the
// scheduler after selecting h for an iteration.
func (r *Registry) RecordActivation(h *Hat) { h.recordActivation() }
