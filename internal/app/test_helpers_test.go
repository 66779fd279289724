package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/operator/internal/adapters/filesystem"
	"github.com/example/operator/internal/core/agentstatus"
	"github.com/example/operator/internal/core/breaker"
	"github.com/example/operator/internal/core/ticket"
	"github.com/example/operator/internal/core/workflow"
	"github.com/example/operator/internal/metrics"
	"github.com/example/operator/internal/ports/secondary"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Clock
// ============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// Mock Git
// ============================================================================

var _ secondary.GitAdapter = (*mockGitAdapter)(nil)

// mockGitAdapter implements secondary.GitAdapter over an in-memory worktree
// table. WorktreeAdd creates the directory so callers see a real path.
type mockGitAdapter struct {
	mu        sync.Mutex
	repos     map[string]bool
	refs      map[string]bool
	symbolic  map[string]string
	packed    string
	worktrees map[string]string // path -> branch
	prunable  map[string]bool
	calls     []string

	fetchErr       error
	addErr         error
	softRemoveErr  error
	forceRemoveErr error
	pruneErr       error
	branchDelErr   error
}

func newMockGitAdapter() *mockGitAdapter {
	return &mockGitAdapter{
		repos:     map[string]bool{},
		refs:      map[string]bool{},
		symbolic:  map[string]string{},
		worktrees: map[string]string{},
		prunable:  map[string]bool{},
	}
}

func (m *mockGitAdapter) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockGitAdapter) count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (m *mockGitAdapter) IsRepo(ctx context.Context, dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repos[dir]
}

func (m *mockGitAdapter) SymbolicRef(ctx context.Context, repo, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.symbolic[ref]; ok {
		return v, nil
	}
	return "", errors.New("not a symbolic ref")
}

func (m *mockGitAdapter) RefExists(ctx context.Context, repo, ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[ref]
}

func (m *mockGitAdapter) PackedRefs(ctx context.Context, repo string) (string, error) {
	return m.packed, nil
}

func (m *mockGitAdapter) RevParse(ctx context.Context, repo, rev string) (string, error) {
	return "c0ffee" + rev, nil
}

func (m *mockGitAdapter) MergeBase(ctx context.Context, repo, a, b string) (string, error) {
	return "base-" + b, nil
}

func (m *mockGitAdapter) StatusPorcelain(ctx context.Context, dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ".dirty"))
	if err != nil {
		return "", nil
	}
	return string(data), nil
}

func (m *mockGitAdapter) Fetch(ctx context.Context, repo, remote string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("fetch %s", remote)
	return m.fetchErr
}

func (m *mockGitAdapter) DeleteRemoteBranch(ctx context.Context, repo, remote, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("push-delete %s %s", remote, branch)
	return nil
}

func (m *mockGitAdapter) WorktreeAdd(ctx context.Context, repo, path, branch, startPoint string, newBranch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("worktree-add %s %s %s %v", path, branch, startPoint, newBranch)
	if m.addErr != nil {
		return m.addErr
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	m.worktrees[path] = branch
	m.refs["refs/heads/"+branch] = true
	return nil
}

func (m *mockGitAdapter) WorktreeRemove(ctx context.Context, repo, path string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("worktree-remove %s %v", path, force)
	if !force && m.softRemoveErr != nil {
		return m.softRemoveErr
	}
	if force && m.forceRemoveErr != nil {
		return m.forceRemoveErr
	}
	if _, ok := m.worktrees[path]; !ok {
		return errors.New("not a working tree")
	}
	delete(m.worktrees, path)
	return os.RemoveAll(path)
}

func (m *mockGitAdapter) WorktreePrune(ctx context.Context, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("worktree-prune")
	for path := range m.worktrees {
		if _, err := os.Stat(path); err != nil {
			delete(m.worktrees, path)
		}
	}
	m.prunable = map[string]bool{}
	return m.pruneErr
}

func (m *mockGitAdapter) WorktreeList(ctx context.Context, repo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "worktree %s\nHEAD 0000\nbranch refs/heads/main\n\n", repo)
	paths := make([]string, 0, len(m.worktrees))
	for p := range m.worktrees {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(&b, "worktree %s\nHEAD 1111\nbranch refs/heads/%s\n", p, m.worktrees[p])
		if m.prunable[p] {
			b.WriteString("prunable gitdir file points to non-existent location\n")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (m *mockGitAdapter) BranchDelete(ctx context.Context, repo, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("branch-delete %s", branch)
	if m.branchDelErr != nil {
		return m.branchDelErr
	}
	delete(m.refs, "refs/heads/"+branch)
	return nil
}

// ============================================================================
// Mock Runner
// ============================================================================

var _ secondary.CommandRunner = (*mockCommandRunner)(nil)

type mockCommandRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
	// deadlines holds the time left on each call's context, or -1 when it
	// had no deadline.
	deadlines []time.Duration
	// block makes calls wait until their context ends.
	block bool
}

func (m *mockCommandRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, dir+": "+name+" "+strings.Join(args, " "))
	left := time.Duration(-1)
	if d, ok := ctx.Deadline(); ok {
		left = time.Until(d)
	}
	m.deadlines = append(m.deadlines, left)
	block, err := m.block, m.err
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "", err
}

// ============================================================================
// Mock Terminal
// ============================================================================

var _ secondary.TerminalAdapter = (*mockTerminal)(nil)

type mockPane struct {
	spec   secondary.SessionSpec
	output string
	pid    int
}

// mockTerminal implements secondary.TerminalAdapter. Tests write agent output
// into panes with setOutput.
type mockTerminal struct {
	mu       sync.Mutex
	sessions map[string]*mockPane
	launched []secondary.SessionSpec
	nextPID  int
	probeErr error
	newErr   error
	captures int
}

func newMockTerminal() *mockTerminal {
	return &mockTerminal{sessions: map[string]*mockPane{}, nextPID: 4000}
}

func (m *mockTerminal) NewSession(ctx context.Context, spec secondary.SessionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.newErr != nil {
		return m.newErr
	}
	if _, ok := m.sessions[spec.Name]; ok {
		return fmt.Errorf("duplicate session: %s", spec.Name)
	}
	m.nextPID++
	m.sessions[spec.Name] = &mockPane{spec: spec, pid: m.nextPID}
	m.launched = append(m.launched, spec)
	return nil
}

func (m *mockTerminal) HasSession(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.probeErr != nil {
		return false, m.probeErr
	}
	_, ok := m.sessions[name]
	return ok, nil
}

func (m *mockTerminal) ListSessions(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.sessions {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *mockTerminal) KillSession(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, name)
	return nil
}

func (m *mockTerminal) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures++
	if m.probeErr != nil {
		return "", m.probeErr
	}
	p, ok := m.sessions[name]
	if !ok {
		return "", fmt.Errorf("can't find session: %s", name)
	}
	return p.output, nil
}

func (m *mockTerminal) PanePID(ctx context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[name]
	if !ok {
		return 0, fmt.Errorf("can't find session: %s", name)
	}
	return p.pid, nil
}

func (m *mockTerminal) AttachCommand(name string) string {
	return "tmux attach -t =" + name
}

func (m *mockTerminal) setOutput(name, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.sessions[name]; ok {
		p.output = output
	}
}

func (m *mockTerminal) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[name]
	return ok
}

func (m *mockTerminal) drop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, name)
}

func (m *mockTerminal) spec(name string) secondary.SessionSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.sessions[name]; ok {
		return p.spec
	}
	return secondary.SessionSpec{}
}

// ============================================================================
// Mock Signaler
// ============================================================================

var _ secondary.ProcessSignaler = (*mockSignaler)(nil)

type mockSignaler struct {
	mu       sync.Mutex
	alive    map[int]bool
	stubborn bool
	signals  []string
}

func newMockSignaler() *mockSignaler {
	return &mockSignaler{alive: map[int]bool{}}
}

func (m *mockSignaler) Terminate(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, fmt.Sprintf("TERM %d", pid))
	if !m.stubborn {
		delete(m.alive, pid)
	}
	return nil
}

func (m *mockSignaler) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, fmt.Sprintf("KILL %d", pid))
	delete(m.alive, pid)
	return nil
}

func (m *mockSignaler) Alive(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive[pid]
}

// ============================================================================
// Mock Event Log
// ============================================================================

var _ secondary.EventLog = (*mockEventLog)(nil)

type mockEventLog struct {
	mu     sync.Mutex
	events []*secondary.EventRecord
}

func (m *mockEventLog) Append(ctx context.Context, event *secondary.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventLog) List(ctx context.Context, filters secondary.EventFilters) ([]*secondary.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*secondary.EventRecord
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filters.TicketID != "" && e.TicketID != filters.TicketID {
			continue
		}
		if filters.Kind != "" && e.Kind != filters.Kind {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockEventLog) kinds(ticketID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.TicketID == ticketID {
			out = append(out, e.Kind)
		}
	}
	return out
}

// ============================================================================
// Harness
// ============================================================================

// harness wires a QueueController over a temporary workspace with mocked
// git, terminal and process adapters.
type harness struct {
	t         *testing.T
	root      string
	clock     *testClock
	store     *filesystem.QueueStore
	state     *filesystem.StateStore
	inbox     *filesystem.Inbox
	git       *mockGitAdapter
	term      *mockTerminal
	signals   *mockSignaler
	events    *mockEventLog
	metrics   *metrics.Collector
	sandboxes *SandboxManager
	sup       *AgentSupervisor
	steps     *StepController
	queue     *QueueController
}

type harnessOptions struct {
	maxParallel   int
	steps         map[string][]string
	review        []string
	finalApproval map[string]bool
	recoveryGrace time.Duration
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.maxParallel == 0 {
		opts.maxParallel = 1
	}
	if opts.steps == nil {
		opts.steps = map[string][]string{workflow.DefaultType: {"implement"}}
	}
	if opts.recoveryGrace == 0 {
		opts.recoveryGrace = 2 * time.Minute
	}

	root := t.TempDir()
	h := &harness{
		t:       t,
		root:    root,
		clock:   newTestClock(),
		store:   filesystem.NewQueueStore(root),
		state:   filesystem.NewStateStore(root),
		inbox:   filesystem.NewInbox(root),
		git:     newMockGitAdapter(),
		term:    newMockTerminal(),
		signals: newMockSignaler(),
		events:  &mockEventLog{},
		metrics: metrics.NewCollector(),
	}
	require.NoError(t, h.store.Init(context.Background()))
	h.git.repos[filepath.Join(root, "repos", "p")] = true
	h.git.refs["refs/heads/main"] = true

	logger := discardLogger()
	h.sandboxes = NewSandboxManager(h.git, &mockCommandRunner{}, NewLockTable(), SandboxSettings{
		Root:       filepath.Join(root, "sandboxes"),
		SourceRoot: filepath.Join(root, "repos"),
	}, logger)

	h.sup = NewAgentSupervisor(h.term, h.signals, SupervisorSettings{
		SessionsDir:     filepath.Join(root, "operator", "sessions"),
		Executors:       map[string]string{"fake": "fake-agent --prompt {prompt_file}"},
		DefaultExecutor: "fake",
		StaleInterval:   30 * time.Minute,
		TailLines:       200,
	}, logger)
	h.sup.lookPath = func(name string) (string, error) {
		if name == "fake-agent" {
			return "/usr/local/bin/fake-agent", nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
	h.sup.now = h.clock.Now

	prompts, err := NewPromptRenderer()
	require.NoError(t, err)
	registry := workflow.NewRegistry(opts.steps, opts.review, opts.finalApproval)
	policy := workflow.Policy{Limits: breaker.Limits{MaxIterations: 5, ErrorBudget: 20}, MaxRetries: 3}
	h.steps = NewStepController(h.sup, prompts, registry, policy, StepControllerOptions{
		InitialBackoff: time.Second,
		Metrics:        h.metrics,
		Events:         h.events,
		Logger:         logger,
	})
	h.steps.now = h.clock.Now

	h.queue = NewQueueController(QueueDeps{
		Store:      h.store,
		State:      h.state,
		Inbox:      h.inbox,
		Events:     h.events,
		Steps:      h.steps,
		Sandboxes:  h.sandboxes,
		Supervisor: h.sup,
		Metrics:    h.metrics,
		Logger:     logger,
	}, QueueSettings{
		MaxParallel:      opts.maxParallel,
		TickInterval:     time.Second,
		RecoveryGrace:    opts.recoveryGrace,
		CompletedHistory: 10,
		PriorityOrder:    []string{"FIX", "FEAT"},
	})
	h.queue.now = h.clock.Now
	return h
}

func (h *harness) enqueue(id, typ, priority string) {
	h.t.Helper()
	_, err := h.queue.Enqueue(context.Background(), enqueueReq(id, typ, priority))
	require.NoError(h.t, err)
	// Distinct timestamps keep file names ordered by enqueue time.
	h.clock.Advance(time.Second)
}

func (h *harness) tick() {
	h.t.Helper()
	_, err := h.queue.Tick(context.Background())
	require.NoError(h.t, err)
}

// ticketIn returns the ticket with id if it is in dir.
func (h *harness) ticketIn(dir ticket.Dir, id string) *ticket.Ticket {
	h.t.Helper()
	scan, err := h.store.Scan(context.Background())
	require.NoError(h.t, err)
	for _, tk := range scan.Tickets {
		if tk.ID == id && tk.Dir == dir {
			full, err := h.store.Load(context.Background(), tk.Dir, tk.Filename)
			require.NoError(h.t, err)
			return full
		}
	}
	return nil
}

func (h *harness) countIn(dir ticket.Dir) int {
	h.t.Helper()
	scan, err := h.store.Scan(context.Background())
	require.NoError(h.t, err)
	n := 0
	for _, tk := range scan.Tickets {
		if tk.Dir == dir {
			n++
		}
	}
	return n
}

// activeSession returns the in-memory active session of a ticket.
func (h *harness) activeSession(id string) *ticket.StepSession {
	h.t.Helper()
	tk, ok := h.queue.active[id]
	require.True(h.t, ok, "ticket %s is not active", id)
	sess := tk.ActiveSession()
	require.NotNil(h.t, sess, "ticket %s has no active session", id)
	return sess
}

// agentReports makes the agent of the ticket's active session print a status
// block and exit.
func (h *harness) agentReports(id string, st agentstatus.OperatorStatus) {
	h.t.Helper()
	block, err := agentstatus.Format(&st)
	require.NoError(h.t, err)
	sess := h.activeSession(id)
	h.term.setOutput(sess.SessionName, "working...\n"+block+"[operator] agent exited with status 0\n")
}

func (h *harness) promptOf(id string, sess *ticket.StepSession) string {
	h.t.Helper()
	spec := h.term.spec(sess.SessionName)
	path := spec.Env["OPERATOR_PROMPT_FILE"]
	require.NotEmpty(h.t, path)
	data, err := os.ReadFile(path)
	require.NoError(h.t, err)
	return string(data)
}
