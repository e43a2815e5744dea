package task_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ralphcore/ralph/internal/task"
	"github.com/stretchr/testify/require"
)

func TestCreateAndClose(t *testing.T) {
	dir := t.TempDir()
	store, err := task.NewStore(filepath.Join(dir, "tasks.jsonl"))
	require.NoError(t, err)

	now := time.Now()
	tk, err := store.Create("do the thing", "desc", 0, nil, "", now)
	require.NoError(t, err)
	require.Equal(t, 3, tk.Priority) // default
	require.Equal(t, task.StatusOpen, tk.Status)

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Close(tk.ID, task.StatusClosed, now))

	all, err = store.All()
	require.NoError(t, err)
	require.Equal(t, task.StatusClosed, all[0].Status)
	require.NotNil(t, all[0].Closed)
}

func TestReadyRequiresTerminalBlockers(t *testing.T) {
	now := time.Now()
	blocker := task.Task{ID: "b1", Status: task.StatusOpen}
	t1 := task.Task{ID: "t1", Status: task.StatusOpen, BlockedBy: []string{"b1"}}
	byID := map[string]task.Task{"b1": blocker}
	require.False(t, task.Ready(t1, byID))

	blocker.Status = task.StatusClosed
	byID["b1"] = blocker
	require.True(t, task.Ready(t1, byID))

	blocker.Status = task.StatusFailed
	byID["b1"] = blocker
	require.True(t, task.Ready(t1, byID))
	_ = now
}

func TestReadyFalseWhenNotOpen(t *testing.T) {
	t1 := task.Task{ID: "t1", Status: task.StatusInProgress}
	require.False(t, task.Ready(t1, nil))
}

func TestMutateReReadsUnderLock(t *testing.T) {
	dir := t.TempDir()
	store, err := task.NewStore(filepath.Join(dir, "tasks.jsonl"))
	require.NoError(t, err)

	now := time.Now()
	_, err = store.Create("a", "", 0, nil, "", now)
	require.NoError(t, err)
	_, err = store.Create("b", "", 0, nil, "", now)
	require.NoError(t, err)

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestOpenCountFiltersByLoop(t *testing.T) {
	tasks := []task.Task{
		{ID: "1", Status: task.StatusOpen, LoopID: "primary"},
		{ID: "2", Status: task.StatusClosed, LoopID: "primary"},
		{ID: "3", Status: task.StatusOpen, LoopID: "secondary-a"},
	}
	require.Equal(t, 2, task.OpenCount(tasks, ""))
	require.Equal(t, 1, task.OpenCount(tasks, "primary"))
}
