package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralphcore/ralph/internal/events"
	"github.com/ralphcore/ralph/internal/looplock"
)

func TestFindLoopEntry_Found(t *testing.T) {
	workspace := t.TempDir()

	if err := looplock.Register(workspace, looplock.Entry{
		ID:        "loop-1",
		PID:       os.Getpid(),
		Started:   time.Now(),
		Prompt:    "build the thing",
		Workspace: workspace,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	entry, err := findLoopEntry(workspace, "loop-1")
	if err != nil {
		t.Fatalf("findLoopEntry: %v", err)
	}
	if entry.Prompt != "build the thing" {
		t.Errorf("Prompt = %q, want %q", entry.Prompt, "build the thing")
	}
}

func TestFindLoopEntry_NotFound(t *testing.T) {
	workspace := t.TempDir()

	if _, err := findLoopEntry(workspace, "does-not-exist"); err == nil {
		t.Fatal("findLoopEntry should fail for an unregistered loop id")
	}
}

func TestFindLoopEntry_DeadPIDIsGarbageCollected(t *testing.T) {
	workspace := t.TempDir()

	if err := looplock.Register(workspace, looplock.Entry{
		ID:        "loop-stale",
		PID:       999999, // unlikely to exist
		Started:   time.Now(),
		Workspace: workspace,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := findLoopEntry(workspace, "loop-stale"); err == nil {
		t.Fatal("findLoopEntry should not find an entry whose process has died")
	}
}

func TestLatestEventStorePath_PicksNewest(t *testing.T) {
	ralphDir := t.TempDir()

	older, err := events.NewLoopStore(ralphDir, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewLoopStore (older): %v", err)
	}
	newer, err := events.NewLoopStore(ralphDir, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewLoopStore (newer): %v", err)
	}

	got, err := latestEventStorePath(ralphDir)
	if err != nil {
		t.Fatalf("latestEventStorePath: %v", err)
	}
	if got != newer.Path() {
		t.Errorf("latestEventStorePath = %q, want %q (older was %q)", got, newer.Path(), older.Path())
	}
}

func TestLatestEventStorePath_NoneFound(t *testing.T) {
	ralphDir := t.TempDir()

	if _, err := latestEventStorePath(ralphDir); err == nil {
		t.Fatal("latestEventStorePath should fail when no events-*.jsonl file exists")
	}
}

func TestLatestEventStorePath_IgnoresUnrelatedFiles(t *testing.T) {
	ralphDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(ralphDir, "loops.json"), []byte("[]"), 0o644); err != nil {
		t.Fatalf("write loops.json: %v", err)
	}
	store, err := events.NewLoopStore(ralphDir, time.Now())
	if err != nil {
		t.Fatalf("NewLoopStore: %v", err)
	}

	got, err := latestEventStorePath(ralphDir)
	if err != nil {
		t.Fatalf("latestEventStorePath: %v", err)
	}
	if got != store.Path() {
		t.Errorf("latestEventStorePath = %q, want %q", got, store.Path())
	}
}
