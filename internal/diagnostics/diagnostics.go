// Package diagnostics implements the best-effort structured trace sink:
// one JSONL record per line under a session-timestamped directory,
// written by a background goroutine draining a bounded channel. A full
// channel drops the record rather than back-pressuring the scheduler.
//
// Grounded on the teacher's event/severity record shape (internal/events,
// internal/watchdog) generalized to the sink's six record kinds, paired
// with golang.org/x/time/rate to cap how fast the writer goroutine drains
// a burst — the teacher's go.mod requires x/time but never imports it
// directly, so this is where it is put to work.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Kind tags one diagnostics record's shape.
type Kind string

const (
	KindRawText      Kind = "raw_text"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
	KindHatSelection Kind = "hat_selection"
	KindParseError   Kind = "parse_error"
	KindTiming       Kind = "timing"
)

// Record is one diagnostics trace entry.
type Record struct {
	Timestamp time.Time `json:"ts"`
	Iteration int       `json:"iteration"`
	Kind      Kind      `json:"kind"`
	HatID     string    `json:"hat_id,omitempty"`
	Payload   string    `json:"payload,omitempty"`
}

// Sink accepts Records from the scheduler and writes them to a JSONL
// trace file on a background goroutine. Sink is never allowed to fail
// the core: construction failures downgrade to a disabled no-op sink,
// and a full buffer drops records instead of blocking the caller.
type Sink struct {
	ch       chan Record
	limiter  *rate.Limiter
	dropped  atomic.Int64
	disabled bool
	done     chan struct{}
}

// defaultBufferSize bounds how many records can queue before new ones are
// dropped.
const defaultBufferSize = 1024

// defaultDrainRate caps how many records per second the writer goroutine
// will flush, so a burst of output cannot spin the writer at full CPU.
const defaultDrainRate = 200

// Open creates (if necessary) dir and returns a Sink writing newline-
// delimited records to dir/trace.jsonl. If dir cannot be created, Open
// returns a disabled sink and a non-nil error the caller may log and then
// ignore, per §4.11 ("initialization failure downgrades to a disabled
// sink").
func Open(dir string) (*Sink, error) {
	s := &Sink{
		ch:      make(chan Record, defaultBufferSize),
		limiter: rate.NewLimiter(rate.Limit(defaultDrainRate), defaultDrainRate),
		done:    make(chan struct{}),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.disabled = true
		close(s.done)
		return s, fmt.Errorf("create diagnostics directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "trace.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.disabled = true
		close(s.done)
		return s, fmt.Errorf("open diagnostics trace file: %w", err)
	}

	go s.drain(f)
	return s, nil
}

func (s *Sink) drain(f *os.File) {
	defer f.Close()
	defer close(s.done)
	enc := json.NewEncoder(f)
	ctx := context.Background()
	for rec := range s.ch {
		_ = s.limiter.Wait(ctx)
		_ = enc.Encode(rec)
	}
}

// Emit enqueues rec for writing. It never blocks: if the buffer is full,
// the record is dropped and the drop counter is incremented. On a nil or
// disabled sink the record is discarded without being counted.
func (s *Sink) Emit(rec Record) {
	if s == nil || s.disabled {
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records dropped so far because the
// buffer was full.
func (s *Sink) Dropped() int64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Close stops accepting new records and waits for the writer goroutine to
// flush the remaining buffer.
func (s *Sink) Close() {
	if s == nil || s.disabled {
		return
	}
	close(s.ch)
	<-s.done
}
