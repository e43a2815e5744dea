// Package gitutil is a thin wrapper over the git CLI used by the
// worktree coordinator and the merge queue's commit bookkeeping.
//
// Directly grounded on internal/git/git.go's Git type: a resolved
// gitPath, every operation invoked with `-C repoPath` rather than
// mutating process cwd, porcelain output parsed line by line.
package gitutil

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git wraps a resolved git executable.
type Git struct {
	gitPath string
}

// New resolves the git executable on PATH and verifies it runs.
func New(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	if err := exec.CommandContext(ctx, gitPath, "version").Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}
	return &Git{gitPath: gitPath}, nil
}

// Status is a parsed `git status --porcelain` result.
type Status struct {
	Modified   []string
	Untracked  []string
	Deleted    []string
	Added      []string
	HasChanges bool
}

// GetStatus returns the working tree status of repoPath.
func (g *Git) GetStatus(ctx context.Context, repoPath string) (*Status, error) {
	out, err := g.run(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed in %s: %w", repoPath, err)
	}

	status := &Status{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 3 {
			continue
		}
		code, file := line[0:2], line[3:]
		status.HasChanges = true
		switch {
		case strings.HasPrefix(code, "??"):
			status.Untracked = append(status.Untracked, file)
		case strings.HasPrefix(code, "A "):
			status.Added = append(status.Added, file)
		case strings.HasPrefix(code, "D "), strings.HasPrefix(code, " D"):
			status.Deleted = append(status.Deleted, file)
		default:
			status.Modified = append(status.Modified, file)
		}
	}
	return status, scanner.Err()
}

// HasUncommittedChanges reports whether repoPath has any pending changes.
func (g *Git) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	status, err := g.GetStatus(ctx, repoPath)
	if err != nil {
		return false, err
	}
	return status.HasChanges, nil
}

// ListWorktrees returns a map of worktree path to branch name, parsed
// from `git worktree list --porcelain`.
func (g *Git) ListWorktrees(ctx context.Context, repoPath string) (map[string]string, error) {
	out, err := g.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list failed in %s: %w", repoPath, err)
	}

	worktrees := make(map[string]string)
	var currentPath string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if currentPath != "" {
				worktrees[currentPath] = branch
			}
		case line == "":
			currentPath = ""
		}
	}
	return worktrees, scanner.Err()
}

// CurrentBranch returns the repository's current branch name.
func (g *Git) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := g.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed in %s: %w", repoPath, err)
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	full := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, g.gitPath, full...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
