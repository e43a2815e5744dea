package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/creack/pty"
)

// PTYSpec describes a pseudo-terminal run. Unlike Run, there is no
// timeout: PTY sessions are bounded by idle detection and double
// interrupt instead, since an interactive agent may legitimately sit
// quiet while a human or tool call is in flight.
type PTYSpec struct {
	Command string
	Args    []string
	Dir     string

	Rows, Cols uint16 // PTY dimensions; zero uses pty's default

	IdleTimeout time.Duration // default 2 minutes if zero
	GracePeriod time.Duration // default 5s if zero

	// Interrupt receives one value per user interrupt (e.g. fed from a
	// SIGINT handler) while RunPTY is in flight; a single value is only
	// recorded, and two within doubleInterruptWindow abort the run.
	Interrupt <-chan struct{}
}

func (s PTYSpec) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return 2 * time.Minute
	}
	return s.IdleTimeout
}

func (s PTYSpec) gracePeriod() time.Duration {
	if s.GracePeriod <= 0 {
		return 5 * time.Second
	}
	return s.GracePeriod
}

// PTYResult is the outcome of a pseudo-terminal run. Transcript preserves
// ANSI control sequences as emitted; StrippedTranscript has them removed
// for parsing.
type PTYResult struct {
	Transcript         string
	StrippedTranscript string
	Reason             ExitReason
	ExitCode           int
	Success            bool
	Duration           time.Duration
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][A-Z0-9]`)

// StripANSI removes ANSI control sequences from s.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// doubleInterruptWindow is how close together two interrupts must land to
// be honored as a user-requested abort, per §4.5.
const doubleInterruptWindow = 2 * time.Second

// RunPTY allocates a PTY, spawns the child inside it, and reads the
// child's output from the PTY until the child exits, goes idle past
// IdleTimeout, or receives two interrupts within doubleInterruptWindow.
// Only the child-to-parent direction is pumped: nothing is written to the
// child's side of the PTY. The controlling terminal's mode is never
// changed, so there is nothing to restore; the PTY itself is closed on
// every exit path.
//
// Grounded on the teacher's captureOutput concurrent-pump discipline
// (internal/executor/agent.go), adapted from piped stdout/stderr to a
// single PTY read loop, with idle and double-interrupt detection
// adopted from the pack's PTY-using repos.
func RunPTY(ctx context.Context, spec PTYSpec) (PTYResult, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir

	var ptySize *pty.Winsize
	if spec.Rows > 0 && spec.Cols > 0 {
		ptySize = &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols}
	}

	start := time.Now()
	f, err := pty.StartWithSize(cmd, ptySize)
	if err != nil {
		return PTYResult{}, fmt.Errorf("allocate pty: %w", err)
	}
	defer f.Close()

	var mu sync.Mutex
	var transcript bytes.Buffer
	lastByte := make(chan struct{}, 1)
	notifyByte := func() {
		select {
		case lastByte <- struct{}{}:
		default:
		}
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				mu.Lock()
				transcript.Write(buf[:n])
				mu.Unlock()
				notifyByte()
			}
			if err != nil {
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	idleTimer := time.NewTimer(spec.idleTimeout())
	defer idleTimer.Stop()

	var (
		reason      = ExitNatural
		waitErr     error
		lastInterrupt time.Time
	)

loop:
	for {
		select {
		case <-lastByte:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(spec.idleTimeout())

		case <-idleTimer.C:
			reason = ExitIdleTimeout
			terminate(cmd, spec.gracePeriod())
			waitErr = <-waitCh
			break loop

		case <-spec.Interrupt:
			now := time.Now()
			if !lastInterrupt.IsZero() && now.Sub(lastInterrupt) <= doubleInterruptWindow {
				reason = ExitUserInterrupt
				terminate(cmd, spec.gracePeriod())
				waitErr = <-waitCh
				break loop
			}
			lastInterrupt = now

		case waitErr = <-waitCh:
			break loop

		case <-ctx.Done():
			reason = ExitCanceled
			terminate(cmd, spec.gracePeriod())
			waitErr = <-waitCh
			break loop
		}
	}

	<-readDone

	mu.Lock()
	full := transcript.String()
	mu.Unlock()

	res := PTYResult{
		Transcript:         full,
		StrippedTranscript: StripANSI(full),
		Reason:             reason,
		Duration:           time.Since(start),
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
		res.Success = false
	} else {
		res.Success = reason == ExitNatural
	}

	return res, nil
}
