package main

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/ralphcore/ralph/internal/config"
	"github.com/ralphcore/ralph/internal/looplock"
)

var loopIDPattern = regexp.MustCompile(`^loop-\d+-[0-9a-f]{8}$`)

func TestNewLoopID_Format(t *testing.T) {
	id := newLoopID()
	if !loopIDPattern.MatchString(id) {
		t.Errorf("newLoopID() = %q, want match of %s", id, loopIDPattern)
	}
}

func TestNewLoopID_Unique(t *testing.T) {
	first := newLoopID()
	second := newLoopID()
	if first == second {
		t.Errorf("newLoopID() returned the same id twice: %q", first)
	}
}

func TestAsAlreadyLocked_Matches(t *testing.T) {
	var already *looplock.AlreadyLockedError
	err := &looplock.AlreadyLockedError{Existing: looplock.Metadata{PID: 123, Started: time.Now()}}

	if !asAlreadyLocked(err, &already) {
		t.Fatal("asAlreadyLocked should match a *looplock.AlreadyLockedError")
	}
	if already.Existing.PID != 123 {
		t.Errorf("Existing.PID = %d, want 123", already.Existing.PID)
	}
}

func TestAsAlreadyLocked_OtherError(t *testing.T) {
	var already *looplock.AlreadyLockedError
	if asAlreadyLocked(errors.New("boom"), &already) {
		t.Error("asAlreadyLocked should not match an unrelated error")
	}
}

func TestCoordinatorInstructions_MentionsCompletionPromise(t *testing.T) {
	cfg := config.Config{CompletionPromise: "DONE DONE DONE"}
	got := coordinatorInstructions(cfg)
	if !regexp.MustCompile(`DONE DONE DONE`).MatchString(got) {
		t.Errorf("coordinatorInstructions(%+v) = %q, want it to mention the completion promise", cfg, got)
	}
}
