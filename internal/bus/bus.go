// Package bus implements the pub/sub event bus: per-hat FIFO queues routed
// by specific-match-before-wildcard priority, plus a read-only observer
// fan-out for diagnostics and the UI.
//
// Grounded on the teacher's always-registered observer/callback pattern in
// internal/watchdog/monitor.go, generalized into full pub/sub routing.
package bus

import (
	"fmt"
	"sync"

	"github.com/ralphcore/ralph/internal/events"
	"github.com/ralphcore/ralph/internal/hat"
	"github.com/ralphcore/ralph/internal/topic"
)

// Observer receives every published event regardless of routing. Observer
// errors are swallowed and logged by the bus; observers never block it.
type Observer interface {
	Observe(e events.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(events.Event)

func (f ObserverFunc) Observe(e events.Event) { f(e) }

// Bus holds the hat registry, one FIFO queue per registered hat, and an
// ordered list of observers.
type Bus struct {
	mu        sync.Mutex
	registry  *hat.Registry
	queues    map[string][]events.Event
	observers []Observer
}

// New creates a Bus bound to registry. Queues are created for every hat
// currently in the registry, including the coordinator.
func New(registry *hat.Registry) *Bus {
	b := &Bus{
		registry: registry,
		queues:   make(map[string][]events.Event),
	}
	for _, h := range registry.All() {
		b.queues[h.ID] = nil
	}
	return b
}

// Subscribe registers an observer. Observers are invoked in registration
// order for every published event.
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish routes e to exactly one hat's queue, per the priority order in
// §4.1: the first specific matcher in registration order, else the first
// wildcard matcher, else the universal coordinator. Observers always see
// e regardless of routing outcome.
//
// Publish itself never validates e.Topic against the source hat's
// publishes set — that check belongs to the caller (the scheduler), which
// has the source hat in hand and records validation failures per §4.1.
func (b *Bus) Publish(e events.Event) (routedTo string) {
	b.mu.Lock()
	routedTo = b.route(e)
	b.queues[routedTo] = append(b.queues[routedTo], e)
	observers := append([]Observer{}, b.observers...)
	b.mu.Unlock()

	for _, o := range observers {
		safeObserve(o, e)
	}
	return routedTo
}

func safeObserve(o Observer, e events.Event) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("warning: bus observer panicked: %v\n", r)
		}
	}()
	o.Observe(e)
}

// route implements the priority order. Caller must hold b.mu.
func (b *Bus) route(e events.Event) string {
	t := topic.Topic(e.Topic)

	// If the event has a directed target, deliver there regardless of
	// subscriptions, as long as the target hat exists.
	if e.Target != "" {
		if h := b.registry.Get(e.Target); h != nil {
			return h.ID
		}
	}

	var wildcardCandidate string
	for _, h := range b.registry.All() {
		if h.ID == hat.CoordinatorID {
			continue // coordinator is the last-resort fallback, handled below
		}
		if h.AtActivationCap() {
			continue
		}
		specific, wildcard := false, false
		for _, sub := range h.Subscriptions {
			if sub.IsWildcard() {
				if topic.Matches(sub, t) {
					wildcard = true
				}
				continue
			}
			if topic.Matches(sub, t) {
				specific = true
			}
		}
		if specific {
			return h.ID
		}
		if wildcard && wildcardCandidate == "" {
			wildcardCandidate = h.ID
		}
	}
	if wildcardCandidate != "" {
		return wildcardCandidate
	}
	return hat.CoordinatorID
}

// Dequeue removes and returns every event currently queued for hatID, in
// FIFO order, leaving the queue empty.
func (b *Bus) Dequeue(hatID string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[hatID]
	b.queues[hatID] = nil
	return q
}

// Pending reports how many events are queued across all hats.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// NextHat finds the first hat, in registration order, whose queue is
// non-empty, removes the front event of that queue, and returns the hat id
// and that event — i.e. the hat the scheduler should run next. Returns
// ("", Event{}, false) if every queue is empty.
func (b *Bus) NextHat() (hatID string, e events.Event, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range b.registry.All() {
		q := b.queues[h.ID]
		if len(q) == 0 {
			continue
		}
		e = q[0]
		b.queues[h.ID] = q[1:]
		return h.ID, e, true
	}
	return "", events.Event{}, false
}
