package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/operator/internal/core/sandbox"
	"github.com/example/operator/internal/errkind"
	"github.com/example/operator/internal/ports/primary"
	"github.com/example/operator/internal/ports/secondary"
	"github.com/example/operator/internal/telemetry"
)

// SandboxSettings configures where sandboxes live and how they are created.
type SandboxSettings struct {
	Root                  string
	SourceRoot            string
	Remote                string
	DefaultBranchFallback string
	CleanupScript         string
	// CleanupTimeout bounds the cleanup script.
	CleanupTimeout       time.Duration
	PruneBranchOnCleanup bool
}

const defaultCleanupTimeout = 2 * time.Minute

// EnsureRequest identifies the sandbox to create or revalidate.
type EnsureRequest struct {
	Project    string
	TicketID   string
	TicketType string
	// Branch overrides the derived <type>/<id> branch name.
	Branch string
	// TargetBranch overrides default-branch detection.
	TargetBranch string
	// NoWait fails with LockContended instead of waiting for the path lock.
	NoWait bool
}

// CleanupOptions selects the optional teardown steps.
type CleanupOptions struct {
	PruneBranch  bool
	DeleteRemote bool
}

// CleanupReport describes a teardown. Issues lists the steps that failed;
// teardown never stops at the first failure.
type CleanupReport struct {
	Path   string
	NoOp   bool
	Issues []string
}

// Partial reports whether any teardown step failed.
func (r *CleanupReport) Partial() bool {
	return len(r.Issues) > 0
}

// SandboxManager creates and tears down per-ticket git worktrees.
type SandboxManager struct {
	git      secondary.GitAdapter
	runner   secondary.CommandRunner
	locks    *LockTable
	settings SandboxSettings
	logger   *slog.Logger
}

// NewSandboxManager creates a SandboxManager with injected dependencies.
func NewSandboxManager(git secondary.GitAdapter, runner secondary.CommandRunner, locks *LockTable, settings SandboxSettings, logger *slog.Logger) *SandboxManager {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = NewLockTable()
	}
	if settings.Remote == "" {
		settings.Remote = "origin"
	}
	if settings.DefaultBranchFallback == "" {
		settings.DefaultBranchFallback = "main"
	}
	if settings.CleanupTimeout <= 0 {
		settings.CleanupTimeout = defaultCleanupTimeout
	}
	return &SandboxManager{git: git, runner: runner, locks: locks, settings: settings, logger: logger}
}

// SourceRepo returns the source repository of project.
func (m *SandboxManager) SourceRepo(project string) string {
	return filepath.Join(m.settings.SourceRoot, project)
}

// PathFor returns the sandbox path of a ticket.
func (m *SandboxManager) PathFor(project, ticketID string) string {
	return sandbox.Path(m.settings.Root, project, ticketID)
}

// Ensure returns the ticket's sandbox, creating it if needed. Calling it for
// an existing valid sandbox revalidates and returns it; a half-created
// sandbox is pruned and recreated.
func (m *SandboxManager) Ensure(ctx context.Context, req EnsureRequest) (*sandbox.Sandbox, error) {
	ctx, span := telemetry.Start(ctx, "sandbox.ensure",
		attribute.String("ticket", req.TicketID), attribute.String("project", req.Project))
	defer span.End()

	sb, err := m.ensure(ctx, req)
	telemetry.RecordError(span, err)
	return sb, err
}

func (m *SandboxManager) ensure(ctx context.Context, req EnsureRequest) (*sandbox.Sandbox, error) {
	path, err := filepath.Abs(m.PathFor(req.Project, req.TicketID))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox path: %w", err)
	}
	if err := m.checkWithinRoot(path); err != nil {
		return nil, err
	}
	branch := req.Branch
	if branch == "" {
		branch = sandbox.BranchName(req.TicketType, req.TicketID)
	}
	logger := m.logger.With("ticket", req.TicketID, "sandbox", path)

	// 1. Serialize work on this path
	var release func()
	if req.NoWait {
		release, err = m.locks.TryAcquire(path)
	} else {
		release, err = m.locks.Acquire(ctx, path)
	}
	if err != nil {
		return nil, err
	}
	defer release()

	// 2. Source must be a repository
	source := m.SourceRepo(req.Project)
	if !m.git.IsRepo(ctx, source) {
		return nil, errkind.New(errkind.NotARepo, "%s is not a git repository", source)
	}

	sb := &sandbox.Sandbox{
		Project:    req.Project,
		TicketID:   req.TicketID,
		Path:       path,
		Branch:     branch,
		SourceRepo: source,
	}

	// 3. Reuse a valid worktree, repair a broken one
	if _, statErr := os.Stat(path); statErr == nil {
		wt, valid := m.lookupWorktree(ctx, source, path)
		if valid {
			if wt.Branch != "" {
				sb.Branch = wt.Branch
			}
			sb.BaseCommit = m.existingBase(ctx, source, wt, req.TargetBranch)
			logger.Debug("sandbox revalidated", "branch", sb.Branch)
			return sb, nil
		}
		logger.Warn("repairing half-created sandbox")
		if err := os.RemoveAll(path); err != nil {
			return nil, errkind.Wrap(errkind.BranchSetupFailed, err, "remove broken sandbox %s", path)
		}
		if err := m.git.WorktreePrune(ctx, source); err != nil {
			logger.Warn("worktree prune failed", "error", err)
		}
	}

	// 4. Refresh remote refs
	if err := m.git.Fetch(ctx, source, m.settings.Remote); err != nil {
		logger.Warn("fetch failed, continuing with local refs", "error", err)
	}

	// 5. Pick the start point
	target := req.TargetBranch
	if target == "" {
		target = m.DefaultBranch(ctx, source)
	}
	startPoint := target
	if m.git.RefExists(ctx, source, "refs/remotes/"+m.settings.Remote+"/"+target) {
		startPoint = m.settings.Remote + "/" + target
	}
	newBranch := !m.git.RefExists(ctx, source, "refs/heads/"+branch)

	// 6. Materialize the worktree
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errkind.Wrap(errkind.BranchSetupFailed, err, "create %s", filepath.Dir(path))
	}
	if err := m.git.WorktreeAdd(ctx, source, path, branch, startPoint, newBranch); err != nil {
		_ = os.RemoveAll(path)
		_ = m.git.WorktreePrune(ctx, source)
		return nil, errkind.Wrap(errkind.BranchSetupFailed, err, "create worktree for %s", branch)
	}

	// 7. Record the base commit
	if newBranch {
		sb.BaseCommit, err = m.git.RevParse(ctx, source, startPoint)
	} else {
		sb.BaseCommit, err = m.git.MergeBase(ctx, source, branch, startPoint)
	}
	if err != nil {
		logger.Warn("could not determine base commit", "error", err)
	}

	logger.Info("sandbox created", "branch", branch, "start_point", startPoint, "new_branch", newBranch)
	return sb, nil
}

func (m *SandboxManager) lookupWorktree(ctx context.Context, source, path string) (sandbox.Worktree, bool) {
	out, err := m.git.WorktreeList(ctx, source)
	if err != nil {
		m.logger.Warn("worktree list failed", "repo", source, "error", err)
		return sandbox.Worktree{}, false
	}
	wt, ok := sandbox.FindWorktree(sandbox.ParseWorktreeList(out), path)
	if !ok || wt.Prunable {
		return sandbox.Worktree{}, false
	}
	return wt, true
}

func (m *SandboxManager) existingBase(ctx context.Context, source string, wt sandbox.Worktree, target string) string {
	if target == "" {
		target = m.DefaultBranch(ctx, source)
	}
	ref := target
	if m.git.RefExists(ctx, source, "refs/remotes/"+m.settings.Remote+"/"+target) {
		ref = m.settings.Remote + "/" + target
	}
	head := wt.Head
	if head == "" {
		head = wt.Branch
	}
	base, err := m.git.MergeBase(ctx, source, head, ref)
	if err != nil {
		return ""
	}
	return base
}

// DefaultBranch detects the default target branch of repo: the remote HEAD,
// then a local main or master, then packed refs, then the configured
// fallback.
func (m *SandboxManager) DefaultBranch(ctx context.Context, repo string) string {
	remote := m.settings.Remote
	if ref, err := m.git.SymbolicRef(ctx, repo, "refs/remotes/"+remote+"/HEAD"); err == nil {
		if name := sandbox.BranchFromSymbolicRef(ref, remote); name != "" {
			return name
		}
	}
	for _, name := range []string{"main", "master"} {
		if m.git.RefExists(ctx, repo, "refs/heads/"+name) {
			return name
		}
	}
	if content, err := m.git.PackedRefs(ctx, repo); err == nil {
		if name, ok := sandbox.DefaultBranchFromPackedRefs(content, remote); ok {
			return name
		}
	}
	return m.settings.DefaultBranchFallback
}

// IsDirty reports whether the sandbox has uncommitted changes.
func (m *SandboxManager) IsDirty(ctx context.Context, sb *sandbox.Sandbox) (bool, error) {
	if _, err := os.Stat(sb.Path); err != nil {
		return false, errkind.Wrap(errkind.SandboxMissing, err, "%s", sb.Path)
	}
	out, err := m.git.StatusPorcelain(ctx, sb.Path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// checkWithinRoot refuses paths that do not sit strictly below the sandbox
// root. Ensure and Cleanup both delete directories.
func (m *SandboxManager) checkWithinRoot(path string) error {
	root, err := filepath.Abs(m.settings.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve sandbox path: %w", err)
	}
	if !sandbox.Within(root, abs) {
		return errkind.New(errkind.OutsideSandboxRoot, "%s is not inside %s", path, root)
	}
	return nil
}

// Cleanup tears the sandbox down: cleanup script, soft then forced worktree
// removal, manual directory removal, prune, then the optional branch
// deletions. Every step runs even if an earlier one failed.
func (m *SandboxManager) Cleanup(ctx context.Context, sb *sandbox.Sandbox, opts CleanupOptions) (*CleanupReport, error) {
	report := &CleanupReport{Path: sb.Path}
	source := sb.SourceRepo
	if source == "" {
		source = m.SourceRepo(sb.Project)
	}
	logger := m.logger.With("ticket", sb.TicketID, "sandbox", sb.Path)

	if err := m.checkWithinRoot(sb.Path); err != nil {
		return nil, err
	}
	release, err := m.locks.Acquire(ctx, sb.Path)
	if err != nil {
		return nil, err
	}
	defer release()

	issue := func(step string, err error) {
		logger.Warn("sandbox teardown step failed", "step", step, "error", err)
		report.Issues = append(report.Issues, fmt.Sprintf("%s: %v", step, err))
	}

	_, statErr := os.Stat(sb.Path)
	present := statErr == nil
	if !present {
		if _, registered := m.lookupWorktree(ctx, source, sb.Path); !registered {
			report.NoOp = true
			return report, nil
		}
	}

	// 1. User cleanup script
	if present && m.settings.CleanupScript != "" {
		scriptCtx, cancel := context.WithTimeout(ctx, m.settings.CleanupTimeout)
		if _, err := m.runner.Run(scriptCtx, sb.Path, "sh", "-c", m.settings.CleanupScript); err != nil {
			issue("cleanup script", err)
		}
		cancel()
	}

	// 2. Worktree removal, soft then forced
	if err := m.git.WorktreeRemove(ctx, source, sb.Path, false); err != nil {
		if ferr := m.git.WorktreeRemove(ctx, source, sb.Path, true); ferr != nil {
			issue("worktree remove", ferr)
		}
	}

	// 3. Manual removal as last resort
	if _, err := os.Stat(sb.Path); err == nil {
		if err := os.RemoveAll(sb.Path); err != nil {
			issue("remove directory", err)
		}
	}

	// 4. Prune metadata
	if err := m.git.WorktreePrune(ctx, source); err != nil {
		issue("worktree prune", err)
	}

	// 5. Optional branch deletion
	if opts.PruneBranch && sb.Branch != "" {
		if err := m.git.BranchDelete(ctx, source, sb.Branch); err != nil {
			issue("branch delete", err)
		}
	}
	if opts.DeleteRemote && sb.Branch != "" {
		if err := m.git.DeleteRemoteBranch(ctx, source, m.settings.Remote, sb.Branch); err != nil {
			issue("remote branch delete", err)
		}
	}

	if report.Partial() {
		logger.Warn("sandbox teardown partial", "issues", len(report.Issues))
	} else {
		logger.Info("sandbox removed")
	}
	return report, nil
}

// List returns the paths of project's sandboxes that are still valid
// worktrees.
func (m *SandboxManager) List(ctx context.Context, project string) ([]string, error) {
	source := m.SourceRepo(project)
	if !m.git.IsRepo(ctx, source) {
		return nil, errkind.New(errkind.NotARepo, "%s is not a git repository", source)
	}
	out, err := m.git.WorktreeList(ctx, source)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(filepath.Join(m.settings.Root, project))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	var paths []string
	for _, wt := range sandbox.ParseWorktreeList(out) {
		if wt.Prunable || wt.Bare || !sandbox.Within(root, wt.Path) {
			continue
		}
		if _, err := os.Stat(wt.Path); err != nil {
			continue
		}
		paths = append(paths, wt.Path)
	}
	return paths, nil
}

// ListSandboxes implements primary.SandboxService.
func (m *SandboxManager) ListSandboxes(ctx context.Context, project string) ([]string, error) {
	return m.List(ctx, project)
}

// CleanupSandbox implements primary.SandboxService.
func (m *SandboxManager) CleanupSandbox(ctx context.Context, req primary.CleanupSandboxRequest) (*primary.CleanupSandboxResponse, error) {
	path, err := filepath.Abs(m.PathFor(req.Project, req.TicketID))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox path: %w", err)
	}
	sb := &sandbox.Sandbox{
		Project:    req.Project,
		TicketID:   req.TicketID,
		Path:       path,
		Branch:     sandbox.BranchName(req.TicketType, req.TicketID),
		SourceRepo: m.SourceRepo(req.Project),
	}
	report, err := m.Cleanup(ctx, sb, CleanupOptions{
		PruneBranch:  req.PruneBranch || m.settings.PruneBranchOnCleanup,
		DeleteRemote: req.DeleteRemote,
	})
	if err != nil {
		return nil, err
	}
	return &primary.CleanupSandboxResponse{
		Path:    report.Path,
		NoOp:    report.NoOp,
		Partial: report.Partial(),
		Issues:  report.Issues,
	}, nil
}

var _ primary.SandboxService = (*SandboxManager)(nil)
