package looplock_test

import (
	"os"
	"testing"
	"time"

	"github.com/ralphcore/ralph/internal/looplock"
	"github.com/stretchr/testify/require"
)

func TestAcquireThenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	meta := looplock.Metadata{PID: os.Getpid(), Started: time.Now(), Prompt: "do the thing"}

	lock, err := looplock.Acquire(dir, meta)
	require.NoError(t, err)
	defer lock.Release()

	_, err = looplock.Acquire(dir, meta)
	require.Error(t, err)

	var alreadyLocked *looplock.AlreadyLockedError
	require.ErrorAs(t, err, &alreadyLocked)
	require.Equal(t, os.Getpid(), alreadyLocked.Existing.PID)
	require.Equal(t, "do the thing", alreadyLocked.Existing.Prompt)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	meta := looplock.Metadata{PID: os.Getpid(), Started: time.Now()}

	lock, err := looplock.Acquire(dir, meta)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	lock2, err := looplock.Acquire(dir, meta)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestRegistryRoundTripAndGC(t *testing.T) {
	dir := t.TempDir()
	entry := looplock.Entry{ID: "loop-1", PID: os.Getpid(), Started: time.Now(), Workspace: dir}
	require.NoError(t, looplock.Register(dir, entry))

	// A dead PID entry should be garbage-collected on the next List.
	dead := looplock.Entry{ID: "loop-dead", PID: 999999, Started: time.Now(), Workspace: dir}
	require.NoError(t, looplock.Register(dir, dead))

	entries, err := looplock.List(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "loop-1", entries[0].ID)
}

func TestIsProcessAliveSelf(t *testing.T) {
	require.True(t, looplock.IsProcessAlive(os.Getpid()))
	require.False(t, looplock.IsProcessAlive(999999))
}
