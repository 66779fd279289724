package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/operator/internal/core/sandbox"
	"github.com/example/operator/internal/errkind"
	"github.com/example/operator/internal/ports/primary"
)

type sandboxFixture struct {
	root   string
	git    *mockGitAdapter
	runner *mockCommandRunner
	locks  *LockTable
	mgr    *SandboxManager
}

func newSandboxFixture(t *testing.T, settings SandboxSettings) *sandboxFixture {
	t.Helper()
	root := t.TempDir()
	f := &sandboxFixture{
		root:   root,
		git:    newMockGitAdapter(),
		runner: &mockCommandRunner{},
		locks:  NewLockTable(),
	}
	f.git.repos[filepath.Join(root, "repos", "p")] = true
	f.git.refs["refs/heads/main"] = true
	settings.Root = filepath.Join(root, "sandboxes")
	settings.SourceRoot = filepath.Join(root, "repos")
	f.mgr = NewSandboxManager(f.git, f.runner, f.locks, settings, discardLogger())
	return f
}

func ensureReq(id string) EnsureRequest {
	return EnsureRequest{Project: "p", TicketID: id, TicketType: "FEAT"}
}

func TestSandboxManager_EnsureCreatesWorktree(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{})

	sb, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(f.root, "sandboxes", "p", "feat-1"), sb.Path)
	assert.Equal(t, "feat/feat-1", sb.Branch)
	assert.Equal(t, "c0ffeemain", sb.BaseCommit)
	assert.DirExists(t, sb.Path)
	assert.Equal(t, 1, f.git.count("fetch"))
	assert.Contains(t, f.git.calls, "worktree-add "+sb.Path+" feat/feat-1 main true")
}

func TestSandboxManager_EnsureIsIdempotent(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{})

	first, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)
	second, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, first.Branch, second.Branch)
	assert.Equal(t, 1, f.git.count("worktree-add"))
	assert.Equal(t, 0, f.locks.Len(), "locks are released")
}

func TestSandboxManager_EnsurePrefersRemoteStartPoint(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{})
	f.git.refs["refs/remotes/origin/main"] = true

	sb, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)
	assert.Contains(t, f.git.calls, "worktree-add "+sb.Path+" feat/feat-1 origin/main true")
	assert.Equal(t, "c0ffeeorigin/main", sb.BaseCommit)
}

func TestSandboxManager_EnsureReusesExistingBranch(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{})
	f.git.refs["refs/heads/feat/feat-1"] = true

	sb, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)
	assert.Contains(t, f.git.calls, "worktree-add "+sb.Path+" feat/feat-1 main false")
	assert.Equal(t, "base-main", sb.BaseCommit)
}

func TestSandboxManager_EnsureRepairsHalfCreatedSandbox(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{})
	path := filepath.Join(f.root, "sandboxes", "p", "feat-1")
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "junk"), []byte("x"), 0o644))

	sb, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)
	assert.Equal(t, path, sb.Path)
	assert.Equal(t, 1, f.git.count("worktree-prune"))
	assert.Equal(t, 1, f.git.count("worktree-add"))
	assert.NoFileExists(t, filepath.Join(path, "junk"))
}

func TestSandboxManager_RefusesPathsOutsideRoot(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{CleanupScript: "rm -rf ."})
	victim := filepath.Join(f.root, "victim")
	require.NoError(t, os.MkdirAll(victim, 0o755))
	precious := filepath.Join(victim, "precious.txt")
	require.NoError(t, os.WriteFile(precious, []byte("keep"), 0o644))

	tests := []EnsureRequest{
		{Project: "p", TicketID: "../../victim", TicketType: "FEAT"},
		{Project: "..", TicketID: "victim", TicketType: "FEAT"},
		{Project: "p", TicketID: "..", TicketType: "FEAT"},
	}
	for _, req := range tests {
		_, err := f.mgr.Ensure(context.Background(), req)
		require.Error(t, err, "%s/%s", req.Project, req.TicketID)
		assert.True(t, errors.Is(err, errkind.OutsideSandboxRoot))
	}

	_, err := f.mgr.Cleanup(context.Background(), &sandbox.Sandbox{
		Path: victim, Project: "p", TicketID: "FEAT-1", Branch: "feat/feat-1",
	}, CleanupOptions{PruneBranch: true})
	assert.True(t, errors.Is(err, errkind.OutsideSandboxRoot))

	_, err = f.mgr.CleanupSandbox(context.Background(), primary.CleanupSandboxRequest{
		Project: "p", TicketID: "../../victim", TicketType: "FEAT",
	})
	assert.True(t, errors.Is(err, errkind.OutsideSandboxRoot))

	assert.FileExists(t, precious)
	assert.Empty(t, f.runner.calls)
	assert.Zero(t, f.git.count("worktree-prune"))
	assert.Zero(t, f.git.count("branch-delete"))
}

func TestSandboxManager_EnsureErrors(t *testing.T) {
	t.Run("not a repo", func(t *testing.T) {
		f := newSandboxFixture(t, SandboxSettings{})
		_, err := f.mgr.Ensure(context.Background(), EnsureRequest{Project: "other", TicketID: "FEAT-1"})
		assert.ErrorIs(t, err, errkind.NotARepo)
	})

	t.Run("lock contended", func(t *testing.T) {
		f := newSandboxFixture(t, SandboxSettings{})
		path, err := filepath.Abs(f.mgr.PathFor("p", "FEAT-1"))
		require.NoError(t, err)
		release, err := f.locks.TryAcquire(path)
		require.NoError(t, err)
		defer release()

		req := ensureReq("FEAT-1")
		req.NoWait = true
		_, err = f.mgr.Ensure(context.Background(), req)
		assert.ErrorIs(t, err, errkind.LockContended)
	})

	t.Run("worktree add fails", func(t *testing.T) {
		f := newSandboxFixture(t, SandboxSettings{})
		f.git.addErr = errors.New("fatal: invalid reference")
		_, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
		assert.ErrorIs(t, err, errkind.BranchSetupFailed)
		assert.NoDirExists(t, f.mgr.PathFor("p", "FEAT-1"))
	})

	t.Run("fetch failure is not fatal", func(t *testing.T) {
		f := newSandboxFixture(t, SandboxSettings{})
		f.git.fetchErr = errors.New("could not resolve host")
		_, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
		assert.NoError(t, err)
	})
}

func TestSandboxManager_DefaultBranch(t *testing.T) {
	tests := []struct {
		name  string
		setup func(g *mockGitAdapter)
		want  string
	}{
		{
			name:  "remote head",
			setup: func(g *mockGitAdapter) { g.symbolic["refs/remotes/origin/HEAD"] = "refs/remotes/origin/develop" },
			want:  "develop",
		},
		{
			name:  "local master",
			setup: func(g *mockGitAdapter) { g.refs["refs/heads/master"] = true },
			want:  "master",
		},
		{
			name:  "packed refs",
			setup: func(g *mockGitAdapter) { g.packed = "# pack-refs with: peeled\nabc123 refs/remotes/origin/master\n" },
			want:  "master",
		},
		{
			name:  "fallback",
			setup: func(g *mockGitAdapter) {},
			want:  "trunk",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSandboxFixture(t, SandboxSettings{DefaultBranchFallback: "trunk"})
			delete(f.git.refs, "refs/heads/main")
			tt.setup(f.git)
			got := f.mgr.DefaultBranch(context.Background(), f.mgr.SourceRepo("p"))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSandboxManager_CleanupTwice(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{CleanupScript: "make clean"})
	sb, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)

	report, err := f.mgr.Cleanup(context.Background(), sb, CleanupOptions{PruneBranch: true})
	require.NoError(t, err)
	assert.False(t, report.NoOp)
	assert.False(t, report.Partial())
	assert.NoDirExists(t, sb.Path)
	assert.False(t, f.git.refs["refs/heads/feat/feat-1"])
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, sb.Path+": sh -c make clean", f.runner.calls[0])

	again, err := f.mgr.Cleanup(context.Background(), sb, CleanupOptions{PruneBranch: true})
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Equal(t, 1, f.git.count("branch-delete"))
}

func TestSandboxManager_CleanupScriptTimesOut(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{CleanupScript: "sleep 600", CleanupTimeout: 50 * time.Millisecond})
	sb, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)
	f.runner.block = true

	start := time.Now()
	report, err := f.mgr.Cleanup(context.Background(), sb, CleanupOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, f.runner.deadlines, 1)
	assert.Greater(t, f.runner.deadlines[0], time.Duration(0))
	assert.LessOrEqual(t, f.runner.deadlines[0], 50*time.Millisecond)
	require.True(t, report.Partial())
	assert.Contains(t, report.Issues[0], "cleanup script")
	assert.NoDirExists(t, sb.Path, "later steps still run")
}

func TestSandboxManager_CleanupScriptDefaultTimeout(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{CleanupScript: "make clean"})
	sb, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)

	_, err = f.mgr.Cleanup(context.Background(), sb, CleanupOptions{})
	require.NoError(t, err)
	require.Len(t, f.runner.deadlines, 1)
	assert.Greater(t, f.runner.deadlines[0], time.Minute)
	assert.LessOrEqual(t, f.runner.deadlines[0], defaultCleanupTimeout)
}

func TestSandboxManager_CleanupPartial(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{})
	sb, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)
	f.git.softRemoveErr = errors.New("contains modified files")
	f.git.forceRemoveErr = errors.New("permission denied")
	f.git.branchDelErr = errors.New("branch is checked out")

	report, err := f.mgr.Cleanup(context.Background(), sb, CleanupOptions{PruneBranch: true, DeleteRemote: true})
	require.NoError(t, err)
	assert.True(t, report.Partial())
	assert.Len(t, report.Issues, 2)
	assert.Contains(t, report.Issues[0], "worktree remove")
	assert.Contains(t, report.Issues[1], "branch delete")
	// Every later step still ran.
	assert.NoDirExists(t, sb.Path)
	assert.Equal(t, 1, f.git.count("worktree-prune"))
	assert.Equal(t, 1, f.git.count("push-delete origin feat/feat-1"))
}

func TestSandboxManager_CleanupSandboxService(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{PruneBranchOnCleanup: true})
	_, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)

	resp, err := f.mgr.CleanupSandbox(context.Background(), primary.CleanupSandboxRequest{
		Project: "p", TicketID: "FEAT-1", TicketType: "FEAT",
	})
	require.NoError(t, err)
	assert.False(t, resp.NoOp)
	assert.False(t, resp.Partial)
	assert.Equal(t, 1, f.git.count("branch-delete feat/feat-1"))
}

func TestSandboxManager_List(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{})
	a, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)
	b, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-2"))
	require.NoError(t, err)
	f.git.prunable[b.Path] = true

	paths, err := f.mgr.List(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, []string{a.Path}, paths)

	_, err = f.mgr.List(context.Background(), "nope")
	assert.ErrorIs(t, err, errkind.NotARepo)
}

func TestSandboxManager_IsDirty(t *testing.T) {
	f := newSandboxFixture(t, SandboxSettings{})
	sb, err := f.mgr.Ensure(context.Background(), ensureReq("FEAT-1"))
	require.NoError(t, err)

	dirty, err := f.mgr.IsDirty(context.Background(), sb)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(sb.Path, ".dirty"), []byte(" M main.go\n"), 0o644))
	dirty, err = f.mgr.IsDirty(context.Background(), sb)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, os.RemoveAll(sb.Path))
	_, err = f.mgr.IsDirty(context.Background(), sb)
	assert.ErrorIs(t, err, errkind.SandboxMissing)
}
