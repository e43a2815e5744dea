// Package events implements the append-only event log: the immutable Event
// record and the per-loop JSONL store that persists and replays it.
package events

import "time"

// Event is an immutable record of something a hat observed or produced.
// Once constructed, an Event is never mutated.
type Event struct {
	Topic     string         `json:"topic"`
	Payload   string         `json:"payload"`
	Source    string         `json:"source,omitempty"`
	Target    string         `json:"target,omitempty"`
	Timestamp time.Time      `json:"ts"`
	Iteration int            `json:"iteration"`
	Sequence  int64          `json:"sequence"`
	Data      map[string]any `json:"data,omitempty"`
}

// New constructs an Event. Timestamp and Sequence are assigned by the
// store at append time; Iteration is set by the caller before appending.
// This constructor leaves all three zero.
func New(topic, payload, source, target string) Event {
	return Event{
		Topic:   topic,
		Payload: payload,
		Source:  source,
		Target:  target,
	}
}
