// Package git implements the version-control port on top of the git CLI.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/operator/internal/ports/secondary"
)

// DefaultTimeout bounds every git invocation.
const DefaultTimeout = 30 * time.Second

// Adapter implements secondary.GitAdapter.
type Adapter struct {
	runner  secondary.CommandRunner
	timeout time.Duration
}

// NewAdapter creates a git adapter. A zero timeout uses DefaultTimeout.
func NewAdapter(runner secondary.CommandRunner, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{runner: runner, timeout: timeout}
}

func (a *Adapter) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.runner.Run(ctx, dir, "git", args...)
}

func (a *Adapter) runTrim(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := a.run(ctx, dir, args...)
	return strings.TrimSpace(out), err
}

// IsRepo reports whether dir is inside a git repository.
func (a *Adapter) IsRepo(ctx context.Context, dir string) bool {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return false
	}
	_, err := a.run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

// SymbolicRef resolves a symbolic ref such as refs/remotes/origin/HEAD.
func (a *Adapter) SymbolicRef(ctx context.Context, repo, ref string) (string, error) {
	out, err := a.runTrim(ctx, repo, "symbolic-ref", "--quiet", ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	return out, nil
}

// RefExists reports whether ref resolves.
func (a *Adapter) RefExists(ctx context.Context, repo, ref string) bool {
	_, err := a.run(ctx, repo, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// PackedRefs returns the content of the repository's packed-refs file, or ""
// when there is none.
func (a *Adapter) PackedRefs(ctx context.Context, repo string) (string, error) {
	common, err := a.runTrim(ctx, repo, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("failed to locate git dir: %w", err)
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(repo, common)
	}
	data, err := os.ReadFile(filepath.Join(common, "packed-refs"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read packed-refs: %w", err)
	}
	return string(data), nil
}

// RevParse resolves rev to a commit hash.
func (a *Adapter) RevParse(ctx context.Context, repo, rev string) (string, error) {
	out, err := a.runTrim(ctx, repo, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	return out, nil
}

// MergeBase returns the best common ancestor of a and b.
func (a *Adapter) MergeBase(ctx context.Context, repo, x, y string) (string, error) {
	out, err := a.runTrim(ctx, repo, "merge-base", x, y)
	if err != nil {
		return "", fmt.Errorf("failed to find merge base of %s and %s: %w", x, y, err)
	}
	return out, nil
}

// StatusPorcelain returns `git status --porcelain` for dir.
func (a *Adapter) StatusPorcelain(ctx context.Context, dir string) (string, error) {
	out, err := a.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}
	return out, nil
}

// Fetch updates remote-tracking refs.
func (a *Adapter) Fetch(ctx context.Context, repo, remote string) error {
	if _, err := a.run(ctx, repo, "fetch", "--prune", remote); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", remote, err)
	}
	return nil
}

// DeleteRemoteBranch deletes branch on remote.
func (a *Adapter) DeleteRemoteBranch(ctx context.Context, repo, remote, branch string) error {
	if _, err := a.run(ctx, repo, "push", remote, "--delete", branch); err != nil {
		return fmt.Errorf("failed to delete %s on %s: %w", branch, remote, err)
	}
	return nil
}

// WorktreeAdd creates a worktree at path. With newBranch the branch is
// created at startPoint; otherwise the existing branch is checked out.
func (a *Adapter) WorktreeAdd(ctx context.Context, repo, path, branch, startPoint string, newBranch bool) error {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, path)
		if startPoint != "" {
			args = append(args, startPoint)
		}
	} else {
		args = append(args, path, branch)
	}
	if _, err := a.run(ctx, repo, args...); err != nil {
		return fmt.Errorf("failed to add worktree %s: %w", path, err)
	}
	return nil
}

// WorktreeRemove removes the worktree at path.
func (a *Adapter) WorktreeRemove(ctx context.Context, repo, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := a.run(ctx, repo, args...); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", path, err)
	}
	return nil
}

// WorktreePrune drops administrative entries for missing worktrees.
func (a *Adapter) WorktreePrune(ctx context.Context, repo string) error {
	if _, err := a.run(ctx, repo, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// WorktreeList returns `git worktree list --porcelain`.
func (a *Adapter) WorktreeList(ctx context.Context, repo string) (string, error) {
	out, err := a.run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("failed to list worktrees: %w", err)
	}
	return out, nil
}

// BranchDelete force-deletes a local branch.
func (a *Adapter) BranchDelete(ctx context.Context, repo, branch string) error {
	if _, err := a.run(ctx, repo, "branch", "-D", branch); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	return nil
}

var _ secondary.GitAdapter = (*Adapter)(nil)
