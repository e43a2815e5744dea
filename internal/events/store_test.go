package events_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ralphcore/ralph/internal/events"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsIncreasingSequence(t *testing.T) {
	dir := t.TempDir()
	store, err := events.NewStore(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)

	e1 := events.New("build.task", "go", "coordinator", "")
	e1.Iteration = 1
	e2 := events.New("build.done", "ok", "builder", "")
	e2.Iteration = 1

	written, err := store.Append(e1, e2)
	require.NoError(t, err)
	require.Len(t, written, 2)
	require.Equal(t, int64(1), written[0].Sequence)
	require.Equal(t, int64(2), written[1].Sequence)

	e3 := events.New("review.approved", "lgtm", "reviewer", "")
	e3.Iteration = 2
	written2, err := store.Append(e3)
	require.NoError(t, err)
	require.Equal(t, int64(3), written2[0].Sequence)
}

func TestReadNewRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := events.NewStore(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)

	var batch []events.Event
	for i := 0; i < 3; i++ {
		e := events.New("status.progress", "tick", "coordinator", "")
		e.Iteration = 1
		batch = append(batch, e)
	}
	_, err = store.Append(batch...)
	require.NoError(t, err)

	read, err := store.ReadNew()
	require.NoError(t, err)
	require.Len(t, read, 3)
	for i, e := range read {
		require.Equal(t, int64(i+1), e.Sequence)
	}

	// A second read with nothing new yields an empty batch.
	again, err := store.ReadNew()
	require.NoError(t, err)
	require.Empty(t, again)

	// New writes are picked up from the advanced offset.
	e := events.New("DONE", "", "coordinator", "")
	e.Iteration = 2
	_, err = store.Append(e)
	require.NoError(t, err)

	more, err := store.ReadNew()
	require.NoError(t, err)
	require.Len(t, more, 1)
	require.Equal(t, "DONE", more[0].Topic)
}

func TestReadNewSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	store, err := events.NewStore(path)
	require.NoError(t, err)

	e := events.New("build.done", "ok", "builder", "")
	e.Iteration = 1
	_, err = store.Append(e)
	require.NoError(t, err)

	// Corrupt line injected directly, bypassing the store's own writer.
	raw, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = raw.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	f, err := store.ReadNew()
	require.NoError(t, err)
	require.Len(t, f, 1)
}
