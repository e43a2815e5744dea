// Package worktree implements the parallel-loop filesystem isolation: a
// secondary loop gets its own git worktree at .worktrees/<loop_id>/ on a
// loop-specific branch, with the primary workspace's untracked and
// modified files synced in before the secondary loop starts.
//
// Directly grounded on internal/sandbox/git.go (createWorktree,
// removeWorktree, createBranch, validateGitRefName, mergeBranchToMain,
// validateGitRepo) and internal/git/git.go (ListWorktrees), generalized
// from mission sandboxes to parallel ralph loops.
package worktree

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ralphcore/ralph/internal/gitutil"
)

// Coordinator creates and tears down per-loop worktrees inside a shared
// workspace repository.
type Coordinator struct {
	// RepoRoot is the primary workspace's repository root.
	RepoRoot string
	// BaseBranch is the branch a new worktree starts from (detached).
	BaseBranch string

	gitOnce sync.Once
	git     *gitutil.Git
	gitErr  error
}

// New returns a Coordinator rooted at repoRoot.
func New(repoRoot, baseBranch string) *Coordinator {
	return &Coordinator{RepoRoot: repoRoot, BaseBranch: baseBranch}
}

// resolveGit lazily resolves the git executable, shared across the
// CurrentBranch/HasUncommittedChanges lookups below; the worktree-add and
// merge sequences stay direct exec.CommandContext calls since gitutil has
// no porcelain-output parsing those need.
func (c *Coordinator) resolveGit(ctx context.Context) (*gitutil.Git, error) {
	c.gitOnce.Do(func() {
		c.git, c.gitErr = gitutil.New(ctx)
	})
	return c.git, c.gitErr
}

// WorktreesDir returns .worktrees under the repo root, the directory
// owned exclusively by secondary loops.
func (c *Coordinator) WorktreesDir() string {
	return filepath.Join(c.RepoRoot, ".worktrees")
}

// Path returns the conventional worktree path for loopID.
func (c *Coordinator) Path(loopID string) string {
	return filepath.Join(c.WorktreesDir(), loopID)
}

// Create sets up a new worktree for loopID: a detached-HEAD git worktree
// under .worktrees/<loopID>, a freshly created branch checked out inside
// it, and the primary workspace's untracked and modified files synced in.
// Returns the absolute worktree path.
func (c *Coordinator) Create(ctx context.Context, loopID, branchName string) (string, error) {
	if err := validateGitRepo(c.RepoRoot); err != nil {
		return "", fmt.Errorf("workspace validation failed: %w", err)
	}
	if err := validateGitRefName(branchName); err != nil {
		return "", fmt.Errorf("invalid branch name: %w", err)
	}

	worktreePath := c.Path(loopID)
	if err := os.MkdirAll(c.WorktreesDir(), 0o755); err != nil {
		return "", fmt.Errorf("create worktrees directory: %w", err)
	}
	if _, err := os.Stat(worktreePath); err == nil {
		return "", fmt.Errorf("worktree path already exists: %s", worktreePath)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "--detach", worktreePath, c.BaseBranch)
	cmd.Dir = c.RepoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(worktreePath)
		return "", fmt.Errorf("git worktree add failed: %w (output: %s)", err, out)
	}

	absPath, err := filepath.Abs(worktreePath)
	if err != nil {
		_ = c.Remove(ctx, worktreePath)
		return "", fmt.Errorf("resolve worktree absolute path: %w", err)
	}

	if err := createBranch(ctx, absPath, branchName, c.BaseBranch); err != nil {
		_ = c.Remove(ctx, absPath)
		return "", err
	}

	if err := c.syncWorkingTree(ctx, absPath); err != nil {
		_ = c.Remove(ctx, absPath)
		return "", err
	}

	return absPath, nil
}

// Remove tears down a worktree, falling back to manual directory removal
// if the git command fails (a broken worktree after a crashed loop).
func (c *Coordinator) Remove(ctx context.Context, worktreePath string) error {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", worktreePath, "--force")
	cmd.Dir = c.RepoRoot
	if _, err := cmd.CombinedOutput(); err != nil {
		if err := os.RemoveAll(worktreePath); err != nil {
			return fmt.Errorf("remove worktree directory: %w", err)
		}
		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = c.RepoRoot
		_ = pruneCmd.Run()
		return nil
	}
	return nil
}

// MergeToMain merges branchName into mainBranch inside the primary
// repository. Conflicts abort the merge and return an error describing
// them; the caller folds this into a NeedsReview merge-queue event.
func (c *Coordinator) MergeToMain(ctx context.Context, branchName, mainBranch string) error {
	if err := validateGitRefName(branchName); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}

	checkCmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", branchName)
	checkCmd.Dir = c.RepoRoot
	if err := checkCmd.Run(); err != nil {
		return fmt.Errorf("branch %s does not exist", branchName)
	}

	g, err := c.resolveGit(ctx)
	if err != nil {
		return fmt.Errorf("resolve git: %w", err)
	}
	currentBranch, err := g.CurrentBranch(ctx, c.RepoRoot)
	if err != nil {
		return fmt.Errorf("get current branch: %w", err)
	}

	checkoutCmd := exec.CommandContext(ctx, "git", "checkout", mainBranch)
	checkoutCmd.Dir = c.RepoRoot
	if out, err := checkoutCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("checkout %s: %w (output: %s)", mainBranch, err, out)
	}

	mergeCmd := exec.CommandContext(ctx, "git", "merge", "--no-ff", "-m",
		fmt.Sprintf("Merge loop branch %s", branchName), branchName)
	mergeCmd.Dir = c.RepoRoot
	mergeOut, mergeErr := mergeCmd.CombinedOutput()
	if mergeErr == nil {
		return nil
	}

	statusCmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	statusCmd.Dir = c.RepoRoot
	statusOut, statusErr := statusCmd.CombinedOutput()

	if currentBranch != mainBranch {
		returnCmd := exec.CommandContext(ctx, "git", "checkout", currentBranch)
		returnCmd.Dir = c.RepoRoot
		_ = returnCmd.Run()
	}

	if statusErr == nil && strings.Contains(string(statusOut), "UU ") {
		abortCmd := exec.CommandContext(ctx, "git", "merge", "--abort")
		abortCmd.Dir = c.RepoRoot
		_ = abortCmd.Run()
		return fmt.Errorf("merge conflicts merging %s into %s: %s", branchName, mainBranch, mergeOut)
	}

	return fmt.Errorf("git merge failed: %w (output: %s)", mergeErr, mergeOut)
}

// syncWorkingTree copies the primary workspace's untracked and modified
// files into the new worktree, preserving symlinks, so the secondary loop
// sees the same working state the operator does. Untracked and modified
// files are synced concurrently via errgroup since neither set depends on
// the other.
func (c *Coordinator) syncWorkingTree(ctx context.Context, worktreePath string) error {
	gitCli, err := c.resolveGit(ctx)
	if err != nil {
		return fmt.Errorf("resolve git: %w", err)
	}
	changed, err := gitCli.HasUncommittedChanges(ctx, c.RepoRoot)
	if err != nil {
		return fmt.Errorf("check working tree status: %w", err)
	}
	if !changed {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	var untracked, modified []string
	g.Go(func() error {
		var err error
		untracked, err = listFiles(gctx, c.RepoRoot, "--others", "--exclude-standard")
		return err
	})
	g.Go(func() error {
		var err error
		modified, err = listFiles(gctx, c.RepoRoot, "--modified")
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("list working tree changes: %w", err)
	}

	files := append(append([]string{}, untracked...), modified...)

	g2, _ := errgroup.WithContext(ctx)
	for _, rel := range files {
		rel := rel
		g2.Go(func() error {
			return copyPreservingSymlink(filepath.Join(c.RepoRoot, rel), filepath.Join(worktreePath, rel))
		})
	}
	return g2.Wait()
}

func listFiles(ctx context.Context, repoRoot string, diffArgs ...string) ([]string, error) {
	args := append([]string{"ls-files"}, diffArgs...)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git ls-files %v: %w (output: %s)", diffArgs, err, out)
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

func copyPreservingSymlink(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", dst, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("read symlink %s: %w", src, err)
		}
		_ = os.Remove(dst)
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func createBranch(ctx context.Context, worktreePath, branchName, baseBranch string) error {
	checkCmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", branchName)
	checkCmd.Dir = worktreePath
	if err := checkCmd.Run(); err == nil {
		return fmt.Errorf("branch %s already exists", branchName)
	}

	cmd := exec.CommandContext(ctx, "git", "checkout", "-b", branchName, baseBranch)
	cmd.Dir = worktreePath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout -b failed: %w (output: %s)", err, out)
	}
	return nil
}

func validateGitRefName(name string) error {
	if name == "" {
		return fmt.Errorf("ref name cannot be empty")
	}
	invalidChars := []string{" ", "~", "^", ":", "?", "*", "[", "\\", "..", "@{", "//"}
	for _, char := range invalidChars {
		if strings.Contains(name, char) {
			return fmt.Errorf("ref name contains invalid character or pattern: %s", char)
		}
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("ref name cannot start or end with '.'")
	}
	if strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("ref name cannot end with '.lock'")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("ref name cannot start or end with '/'")
	}
	return nil
}

func validateGitRepo(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("path does not exist: %s", path)
		}
		return fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	gitPath := filepath.Join(path, ".git")
	if _, err := os.Stat(gitPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("not a git repository (no .git found): %s", path)
		}
		return fmt.Errorf("check for .git: %w", err)
	}
	return nil
}
