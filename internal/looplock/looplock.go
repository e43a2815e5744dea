// Package looplock implements primary-loop mutual exclusion via an
// advisory file lock, and the cross-process loop registry.
//
// Directly grounded on internal/storage/lock.go's AcquireExclusiveLock /
// isProcessAlive pattern, applied to .ralph/loop.lock instead of
// .beads/.exclusive-lock.
package looplock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrAlreadyLocked is returned by Acquire when another process holds the
// primary lock. It is not an error condition for the caller — it is the
// normal branch into secondary-loop mode (§4.8, §7).
var ErrAlreadyLocked = errors.New("loop lock already held")

// Metadata is the content written into the locked file on acquisition.
type Metadata struct {
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
	Prompt  string    `json:"prompt"`
}

// Lock represents a held advisory lock on <workspace>/.ralph/loop.lock.
type Lock struct {
	path string
	file *os.File
}

// Path returns the conventional lock file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".ralph", "loop.lock")
}

// Acquire attempts a non-blocking exclusive acquire of the loop lock for
// workspace. On success, meta is written into the file and a Lock handle
// is returned, held for the process's lifetime (release with Release).
//
// On failure because another live process holds the lock, it returns
// ErrAlreadyLocked wrapping the existing Metadata so the caller can
// display it, per §4.8 step 2.
func Acquire(workspace string, meta Metadata) (*Lock, error) {
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create .ralph directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open loop lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		existing, readErr := readMetadata(f)
		f.Close()
		if readErr != nil {
			return nil, fmt.Errorf("%w (and could not read existing metadata: %v)", ErrAlreadyLocked, readErr)
		}
		return nil, &AlreadyLockedError{Existing: existing}
	}

	if err := writeMetadata(f, meta); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, err
	}

	return &Lock{path: path, file: f}, nil
}

// AlreadyLockedError wraps ErrAlreadyLocked with the metadata read from
// the held lock file, so the caller can report who holds it.
type AlreadyLockedError struct {
	Existing Metadata
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("loop lock already held by pid %d (started %s)", e.Existing.PID, e.Existing.Started.Format(time.RFC3339))
}

func (e *AlreadyLockedError) Unwrap() error { return ErrAlreadyLocked }

// Release unlocks and closes the lock file. The file itself is left on
// disk with its last metadata; the next successful Acquire overwrites it.
// Only the advisory lock is released.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("release loop lock: %w", err)
	}
	return l.file.Close()
}

func writeMetadata(f *os.File, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal loop lock metadata: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate loop lock: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write loop lock metadata: %w", err)
	}
	return f.Sync()
}

func readMetadata(f *os.File) (Metadata, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	dec := json.NewDecoder(f)
	if err := dec.Decode(&meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// IsProcessAlive checks if a process with the given PID exists on this
// host. Directly grounded on storage.isProcessAlive's kill(pid, 0)
// liveness check, including its EPERM fail-safe.
func IsProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}
