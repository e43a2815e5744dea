// Package task implements the append-only task store: JSONL work items
// with a dependency graph, guarded by the same shared/exclusive lock
// discipline as the other cross-process stores.
//
// Grounded on internal/storage/lock.go's lock discipline and on the
// teacher's ready/blocked issue lifecycle; reimplemented as a flat JSONL
// file per §4.7 instead of the teacher's SQLite-backed store.
package task

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
	StatusFailed     Status = "failed"
)

// Task is a work item.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"` // 1-5, 1 highest, default 3
	Status      Status     `json:"status"`
	BlockedBy   []string   `json:"blocked_by"`
	LoopID      string     `json:"loop_id,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Created     time.Time  `json:"created"`
	Closed      *time.Time `json:"closed,omitempty"`
}

// NewID generates a task id of the form task-{timestamp}-{4hex}.
func NewID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("task-%d-%s", now.Unix(), hex.EncodeToString(u[:2]))
}

// Ready reports whether t is eligible to be worked: open, with every
// blocker in a terminal state (closed or failed).
func Ready(t Task, byID map[string]Task) bool {
	if t.Status != StatusOpen {
		return false
	}
	for _, id := range t.BlockedBy {
		b, ok := byID[id]
		if !ok {
			return false
		}
		if b.Status != StatusClosed && b.Status != StatusFailed {
			return false
		}
	}
	return true
}

// Store is the append-only, full-rewrite-on-write task store.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore opens (creating if necessary) the task store at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create task store directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("create task store: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// All reads and parses the whole file under a shared lock.
func (s *Store) All() ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() ([]Task, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open task store: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return nil, fmt.Errorf("lock task store for read: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	var out []Task
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Task
		if err := json.Unmarshal(line, &t); err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping corrupt task line: %v\n", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Mutate performs a read-modify-write cycle under an exclusive lock:
// it re-reads the file as the source of truth, calls fn to obtain the new
// full task set, and atomically rewrites the file. This is how all task
// mutations happen, per §4.7 — "writers must treat the file as the source
// of truth and re-read just before rewriting under the exclusive lock to
// avoid lost updates from parallel loops."
func (s *Store) Mutate(fn func(current []Task) ([]Task, error)) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open task store for write: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return nil, fmt.Errorf("lock task store for write: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	current, err := readAllFrom(f)
	if err != nil {
		return nil, err
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	if err := rewriteFrom(f, next); err != nil {
		return nil, err
	}
	return next, nil
}

func readAllFrom(f *os.File) ([]Task, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	var out []Task
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Task
		if err := json.Unmarshal(line, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func rewriteFrom(f *os.File, tasks []Task) error {
	var buf []byte
	for _, t := range tasks {
		line, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate task store: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("rewrite task store: %w", err)
	}
	return f.Sync()
}

// Create appends a new open task and returns it.
func (s *Store) Create(title, description string, priority int, blockedBy []string, loopID string, now time.Time) (Task, error) {
	if priority == 0 {
		priority = 3
	}
	t := Task{
		ID:          NewID(now),
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      StatusOpen,
		BlockedBy:   blockedBy,
		LoopID:      loopID,
		Created:     now,
	}
	_, err := s.Mutate(func(current []Task) ([]Task, error) {
		return append(current, t), nil
	})
	return t, err
}

// Close transitions a task to a terminal status (closed or failed),
// stamping Closed.
func (s *Store) Close(id string, status Status, now time.Time) error {
	if status != StatusClosed && status != StatusFailed {
		return fmt.Errorf("close: status must be closed or failed, got %q", status)
	}
	_, err := s.Mutate(func(current []Task) ([]Task, error) {
		found := false
		for i := range current {
			if current[i].ID == id {
				current[i].Status = status
				current[i].Closed = &now
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("task %q not found", id)
		}
		return current, nil
	})
	return err
}

// OpenCount returns the number of tasks with status "open" or
// "in_progress" (every task not yet closed or failed), optionally
// filtered by loopID (empty string = all loops).
func OpenCount(tasks []Task, loopID string) int {
	n := 0
	for _, t := range tasks {
		if loopID != "" && t.LoopID != loopID {
			continue
		}
		if t.Status == StatusOpen || t.Status == StatusInProgress {
			n++
		}
	}
	return n
}
