// Package human defines the narrow human-interaction contract the
// scheduler depends on through an injected interface — the messaging
// subsystem that implements it lives outside this repository.
//
// Grounded on the teacher's narrow injected-collaborator interfaces in
// internal/executor/agent.go (Monitor interface{ RecordEvent(...) },
// InterruptMgr interface{ IsInterruptRequested() bool }): small,
// single-purpose interfaces passed in rather than a wide service type.
package human

import (
	"context"
	"sync/atomic"
	"time"
)

// Contract is the interface the scheduler calls into when an agent emits
// a reserved human.interact topic.
type Contract interface {
	// SendQuestion delivers payload to the human out-of-band and returns a
	// message id the later response will reference. Non-blocking.
	SendQuestion(ctx context.Context, payload string) (messageID string, err error)

	// WaitForResponse blocks up to timeout for a reply keyed by eventFile,
	// returning (response, true) on arrival or ("", false) on timeout —
	// a timeout is never an error.
	WaitForResponse(ctx context.Context, eventFile string, timeout time.Duration) (response string, ok bool)

	// SendCheckin is a best-effort status push; failures are logged by
	// the implementation and never propagate to the loop.
	SendCheckin(ctx context.Context, text string) error
}

// ShutdownFlag is a shared atomic boolean an external signal handler sets
// to request loop interruption; the scheduler polls it between steps.
type ShutdownFlag struct {
	flag atomic.Bool
}

// Request marks the flag set.
func (f *ShutdownFlag) Request() { f.flag.Store(true) }

// Requested reports whether shutdown has been requested.
func (f *ShutdownFlag) Requested() bool { return f.flag.Load() }

// NoopContract implements Contract with no-ops, for loops run without a
// configured messaging collaborator.
type NoopContract struct{}

func (NoopContract) SendQuestion(context.Context, string) (string, error) { return "", nil }
func (NoopContract) WaitForResponse(context.Context, string, time.Duration) (string, bool) {
	return "", false
}
func (NoopContract) SendCheckin(context.Context, string) error { return nil }
