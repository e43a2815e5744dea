package worktree_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/ralphcore/ralph/internal/worktree"
	"github.com/stretchr/testify/require"
)

// setupTestRepo creates a small git repository with one committed file and
// one untracked file, mirroring the teacher's sandbox git test fixtures.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	run("init", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("untracked\n"), 0o644))

	return dir
}

func TestCreateSyncsUntrackedFiles(t *testing.T) {
	repo := setupTestRepo(t)
	coord := worktree.New(repo, "main")

	path, err := coord.Create(context.Background(), "loop-1", "ralph/loop-1")
	require.NoError(t, err)
	require.DirExists(t, path)

	data, err := os.ReadFile(filepath.Join(path, "scratch.txt"))
	require.NoError(t, err)
	require.Equal(t, "untracked\n", string(data))
}

func TestCreateRejectsExistingPath(t *testing.T) {
	repo := setupTestRepo(t)
	coord := worktree.New(repo, "main")

	_, err := coord.Create(context.Background(), "loop-1", "ralph/loop-1")
	require.NoError(t, err)

	_, err = coord.Create(context.Background(), "loop-1", "ralph/loop-1-again")
	require.Error(t, err)
}

func TestRemoveTearsDownWorktree(t *testing.T) {
	repo := setupTestRepo(t)
	coord := worktree.New(repo, "main")

	path, err := coord.Create(context.Background(), "loop-1", "ralph/loop-1")
	require.NoError(t, err)

	require.NoError(t, coord.Remove(context.Background(), path))
	require.NoDirExists(t, path)
}

func TestMergeToMainMergesCleanly(t *testing.T) {
	repo := setupTestRepo(t)
	coord := worktree.New(repo, "main")

	path, err := coord.Create(context.Background(), "loop-1", "ralph/loop-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "feature.txt"), []byte("new feature\n"), 0o644))
	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run(path, "add", "feature.txt")
	run(path, "commit", "-m", "add feature")

	require.NoError(t, coord.Remove(context.Background(), path))
	require.NoError(t, coord.MergeToMain(context.Background(), "ralph/loop-1", "main"))

	data, err := os.ReadFile(filepath.Join(repo, "feature.txt"))
	require.NoError(t, err)
	require.Equal(t, "new feature\n", string(data))
}
