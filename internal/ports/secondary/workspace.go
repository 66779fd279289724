// Package secondary defines the secondary ports (driven adapters) for the application.
package secondary

import "context"

// CommandRunner runs external commands. Run returns stdout; on failure the
// error carries stderr.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// GitAdapter defines the secondary port for version-control operations on the
// source repository and its worktrees.
type GitAdapter interface {
	// Repository inspection
	IsRepo(ctx context.Context, dir string) bool
	SymbolicRef(ctx context.Context, repo, ref string) (string, error)
	RefExists(ctx context.Context, repo, ref string) bool
	PackedRefs(ctx context.Context, repo string) (string, error)
	RevParse(ctx context.Context, repo, rev string) (string, error)
	MergeBase(ctx context.Context, repo, a, b string) (string, error)
	StatusPorcelain(ctx context.Context, dir string) (string, error)

	// Remote operations
	Fetch(ctx context.Context, repo, remote string) error
	DeleteRemoteBranch(ctx context.Context, repo, remote, branch string) error

	// Worktree operations
	WorktreeAdd(ctx context.Context, repo, path, branch, startPoint string, newBranch bool) error
	WorktreeRemove(ctx context.Context, repo, path string, force bool) error
	WorktreePrune(ctx context.Context, repo string) error
	WorktreeList(ctx context.Context, repo string) (string, error)

	// Branch operations
	BranchDelete(ctx context.Context, repo, branch string) error
}
