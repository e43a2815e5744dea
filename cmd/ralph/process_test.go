package main

import (
	"path/filepath"
	"testing"

	"github.com/ralphcore/ralph/internal/mergequeue"
)

func TestRunLoopsProcess_DrainsOldestQueuedEntry(t *testing.T) {
	workspace := t.TempDir()
	workspaceFlag = workspace
	defer func() { workspaceFlag = "." }()

	queue, err := mergequeue.NewQueue(filepath.Join(workspace, ".ralph", "merge-queue.jsonl"))
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if err := queue.Append(mergequeue.Event{LoopID: "loop-a", Type: mergequeue.EvQueued}); err != nil {
		t.Fatalf("queue loop-a: %v", err)
	}
	if err := queue.Append(mergequeue.Event{LoopID: "loop-b", Type: mergequeue.EvQueued}); err != nil {
		t.Fatalf("queue loop-b: %v", err)
	}

	if code := runLoopsProcess(); code != 0 {
		t.Fatalf("runLoopsProcess() = %d, want 0", code)
	}

	history, err := queue.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	folded := mergequeue.Fold(history)
	if folded["loop-a"] != mergequeue.StateMerging {
		t.Errorf("loop-a folded state = %q, want Merging", folded["loop-a"])
	}
	if folded["loop-b"] != mergequeue.StateQueued {
		t.Errorf("loop-b folded state = %q, want Queued (untouched)", folded["loop-b"])
	}
}

func TestRunLoopsProcess_EmptyQueueIsNotAnError(t *testing.T) {
	workspace := t.TempDir()
	workspaceFlag = workspace
	defer func() { workspaceFlag = "." }()

	if _, err := mergequeue.NewQueue(filepath.Join(workspace, ".ralph", "merge-queue.jsonl")); err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	if code := runLoopsProcess(); code != 0 {
		t.Errorf("runLoopsProcess() on an empty queue = %d, want 0", code)
	}
}
