package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/operator/internal/core/agentstatus"
	"github.com/example/operator/internal/core/detection"
	"github.com/example/operator/internal/core/sandbox"
	"github.com/example/operator/internal/core/ticket"
	"github.com/example/operator/internal/core/workflow"
	"github.com/example/operator/internal/errkind"
	"github.com/example/operator/internal/ports/secondary"
	"github.com/example/operator/internal/telemetry"
)

// maxProbeErrors is the number of consecutive failed multiplexer probes after
// which a session is reported as TerminalUnavailable.
const maxProbeErrors = 3

// exitMarker is printed by the session wrapper after the agent exits.
var exitMarker = regexp.MustCompile(`\[operator\] agent exited with status (-?\d+)`)

// SupervisorSettings configures agent launch and observation.
type SupervisorSettings struct {
	// SessionsDir holds per-session prompt and tail files.
	SessionsDir     string
	SessionPrefix   string
	Executors       map[string]string
	DefaultExecutor string
	StaleInterval   time.Duration
	// PollInterval is the minimum time between two terminal probes of the
	// same session. The queue tick is the effective floor.
	PollInterval time.Duration
	// TickInterval is the queue tick; polls due within half a tick are
	// taken early rather than slipping a whole tick.
	TickInterval time.Duration
	// CompletionInterval bounds how long an unchanged tail goes without
	// being scanned for a status block or exit marker.
	CompletionInterval time.Duration
	CancelGrace        time.Duration
	TailLines          int
	// Env is exported into every agent session.
	Env map[string]string
}

// LaunchRequest describes one agent attempt.
type LaunchRequest struct {
	TicketID string
	Step     string
	Sandbox  *sandbox.Sandbox
	Executor string
	Prompt   string
}

// AgentSupervisor runs one agent per StepSession inside a terminal session
// and turns what it observes into workflow outcomes. Session state lives on
// the StepSession so that a restarted process can pick it up again.
type AgentSupervisor struct {
	terminal secondary.TerminalAdapter
	signaler secondary.ProcessSignaler
	settings SupervisorSettings
	logger   *slog.Logger

	lookPath func(string) (string, error)
	now      func() time.Time

	mu          sync.Mutex
	probeErrors map[string]int
	polls       map[string]pollMark
}

// pollMark is when a session was last probed and last scanned for completion.
type pollMark struct {
	probed  time.Time
	scanned time.Time
}

// NewAgentSupervisor creates an AgentSupervisor with injected dependencies.
func NewAgentSupervisor(terminal secondary.TerminalAdapter, signaler secondary.ProcessSignaler, settings SupervisorSettings, logger *slog.Logger) *AgentSupervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.SessionPrefix == "" {
		settings.SessionPrefix = "op-"
	}
	if settings.TailLines <= 0 {
		settings.TailLines = 200
	}
	return &AgentSupervisor{
		terminal:    terminal,
		signaler:    signaler,
		settings:    settings,
		logger:      logger,
		lookPath:    exec.LookPath,
		now:         time.Now,
		probeErrors: map[string]int{},
		polls:       map[string]pollMark{},
	}
}

// SessionName builds the terminal session name of one attempt.
func (s *AgentSupervisor) SessionName(ticketID, step, sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return s.settings.SessionPrefix + sandbox.Sanitize(ticketID) + "-" + sandbox.Sanitize(step) + "-" + short
}

// Prefix returns the prefix shared by every session this supervisor owns.
func (s *AgentSupervisor) Prefix() string {
	return s.settings.SessionPrefix
}

// ResolveExecutor returns the command line of the named executor, or of the
// default executor when name is empty.
func (s *AgentSupervisor) ResolveExecutor(name string) (string, string, error) {
	if name == "" {
		name = s.settings.DefaultExecutor
	}
	command, ok := s.settings.Executors[name]
	if !ok || strings.TrimSpace(command) == "" {
		return "", "", errkind.New(errkind.ExecutorNotFound, "executor %q is not configured", name)
	}
	program := strings.Fields(command)[0]
	if _, err := s.lookPath(program); err != nil {
		return "", "", errkind.Wrap(errkind.ExecutorNotFound, err, "executor %q", name)
	}
	return name, command, nil
}

// Launch spawns the agent and returns the new session record. It returns as
// soon as the terminal session exists.
func (s *AgentSupervisor) Launch(ctx context.Context, req LaunchRequest) (*ticket.StepSession, error) {
	ctx, span := telemetry.Start(ctx, "agent.launch",
		attribute.String("ticket", req.TicketID), attribute.String("step", req.Step))
	defer span.End()

	sess, err := s.launch(ctx, req)
	telemetry.RecordError(span, err)
	return sess, err
}

func (s *AgentSupervisor) launch(ctx context.Context, req LaunchRequest) (*ticket.StepSession, error) {
	// 1. Sandbox must exist
	if req.Sandbox == nil || req.Sandbox.Path == "" {
		return nil, errkind.New(errkind.SandboxMissing, "no sandbox for %s", req.TicketID)
	}
	if info, err := os.Stat(req.Sandbox.Path); err != nil || !info.IsDir() {
		return nil, errkind.New(errkind.SandboxMissing, "sandbox %s does not exist", req.Sandbox.Path)
	}

	// 2. Resolve the executor
	executor, command, err := s.ResolveExecutor(req.Executor)
	if err != nil {
		return nil, err
	}

	// 3. Claim a session name
	sessionID := uuid.New().String()
	name := s.SessionName(req.TicketID, req.Step, sessionID)
	exists, err := s.terminal.HasSession(ctx, name)
	if err != nil {
		return nil, errkind.Wrap(errkind.TerminalUnavailable, err, "check session %s", name)
	}
	if exists {
		return nil, errkind.New(errkind.SessionAlreadyExists, "session %s already exists", name)
	}

	// 4. Write the prompt outside the sandbox
	promptPath, err := s.writeSessionFile(req.TicketID, sessionID, "prompt.md", req.Prompt)
	if err != nil {
		return nil, err
	}

	// 5. Start the session
	env := map[string]string{}
	for k, v := range s.settings.Env {
		env[k] = v
	}
	env["OPERATOR_PROMPT_FILE"] = promptPath
	env["OPERATOR_TICKET"] = req.TicketID
	env["OPERATOR_STEP"] = req.Step
	env["OPERATOR_SESSION"] = sessionID

	spec := secondary.SessionSpec{
		Name:    name,
		Dir:     req.Sandbox.Path,
		Command: WrapCommand(strings.ReplaceAll(command, "{prompt_file}", shellQuote(promptPath))),
		Env:     env,
	}
	if err := s.terminal.NewSession(ctx, spec); err != nil {
		return nil, errkind.Wrap(errkind.TerminalUnavailable, err, "start session %s", name)
	}

	now := s.now()
	sess := &ticket.StepSession{
		ID:          sessionID,
		Step:        req.Step,
		SandboxPath: req.Sandbox.Path,
		SessionName: name,
		Executor:    executor,
		StartedAt:   now,
		LastChange:  now,
		State:       ticket.LivenessRunning,
	}
	if pid, err := s.terminal.PanePID(ctx, name); err == nil {
		sess.PID = pid
	} else {
		s.logger.Warn("could not read pane pid", "session", name, "error", err)
	}

	s.logger.Info("agent launched",
		"ticket", req.TicketID, "step", req.Step, "session", name, "executor", executor)
	return sess, nil
}

// WrapCommand runs command in a login shell that reports the exit status and
// keeps the pane open for inspection.
func WrapCommand(command string) string {
	script := command + `; status=$?; printf "[operator] agent exited with status %s\n" "$status"; exec bash`
	return "bash -lc " + shellQuote(script)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Poll observes one session and returns its outcome. It updates the content
// hash, last change time and liveness on sess. Callers persist sess.
func (s *AgentSupervisor) Poll(ctx context.Context, ticketID string, sess *ticket.StepSession) workflow.Outcome {
	logger := s.logger.With("ticket", ticketID, "step", sess.Step, "session", sess.SessionName)

	if sess.State == ticket.LivenessPending {
		return workflow.Outcome{Kind: workflow.OutcomePending}
	}
	if !sess.Active() {
		s.forget(sess.ID)
		return endedOutcome(sess)
	}

	now := s.now()
	mark := s.mark(sess.ID)
	if !s.pollDue(mark, now) {
		if sess.State == ticket.LivenessAwaitingInput {
			return workflow.Outcome{Kind: workflow.OutcomeAwaitingInput}
		}
		return workflow.Outcome{Kind: workflow.OutcomeRunning}
	}
	mark.probed = now
	s.setMark(sess.ID, mark)

	// 1. Is the terminal session still there?
	alive, err := s.terminal.HasSession(ctx, sess.SessionName)
	if err != nil {
		return s.probeFailed(logger, sess, err)
	}
	if !alive {
		s.clearProbe(sess.ID)
		sess.State = ticket.LivenessOrphaned
		out := workflow.Outcome{Kind: workflow.OutcomeOrphaned, Failure: errkind.Orphaned,
			Reason: fmt.Sprintf("terminal session %s disappeared", sess.SessionName)}
		// Keep whatever the last capture had for the next attempt's context.
		if tail, err := s.readSessionFile(ticketID, sess.ID, "tail.txt"); err == nil {
			if st, err := agentstatus.ParseTail(tail); err == nil {
				out.Status = st
			}
		}
		logger.Warn("agent session orphaned")
		return out
	}

	// 2. Capture and hash the tail
	tail, err := s.terminal.CapturePane(ctx, sess.SessionName, s.settings.TailLines)
	if err != nil {
		return s.probeFailed(logger, sess, err)
	}
	s.clearProbe(sess.ID)

	hash := contentHash(tail)
	changed := hash != sess.ContentHash
	if changed {
		sess.ContentHash = hash
		sess.LastChange = now
		if _, err := s.writeSessionFile(ticketID, sess.ID, "tail.txt", tail); err != nil {
			logger.Warn("could not save tail", "error", err)
		}
	}

	// 3. Completion detection, on new output or once the interval passed
	if !changed && s.settings.CompletionInterval > 0 && now.Sub(mark.scanned) < s.settings.CompletionInterval {
		return s.stallOutcome(logger, sess, tail, now)
	}
	mark.scanned = now
	s.setMark(sess.ID, mark)

	st, perr := agentstatus.ParseTail(tail)
	switch {
	case perr == nil:
		sess.State = ticket.LivenessCompleted
		sess.Result = st
		sess.ExitCode = exitCode(tail)
		logger.Debug("status block found", "status", st.Status, "exit_signal", st.ExitSignal)
		return workflow.Outcome{Kind: workflow.OutcomeCompleted, Status: st}

	case !errors.Is(perr, agentstatus.ErrNoBlock):
		sess.State = ticket.LivenessFailed
		return workflow.Outcome{Kind: workflow.OutcomeFailed, Failure: errkind.StatusParseFailed,
			Reason: fmt.Sprintf("%v; tail: %s", perr, lastBytes(tail, 400))}
	}

	if code := exitCode(tail); code != nil {
		sess.State = ticket.LivenessFailed
		sess.ExitCode = code
		return workflow.Outcome{Kind: workflow.OutcomeFailed, Failure: errkind.NoStatusBlock,
			Reason: fmt.Sprintf("agent exited with status %d without a status block", *code)}
	}

	return s.stallOutcome(logger, sess, tail, now)
}

// stallOutcome reports a live session as running, or as awaiting input once
// its output has been unchanged for the stale interval.
func (s *AgentSupervisor) stallOutcome(logger *slog.Logger, sess *ticket.StepSession, tail string, now time.Time) workflow.Outcome {
	if s.settings.StaleInterval > 0 && now.Sub(sess.LastChange) >= s.settings.StaleInterval {
		hint := detection.Classify(tail)
		if sess.State != ticket.LivenessAwaitingInput {
			logger.Info("agent output unchanged, awaiting input", "since", sess.LastChange, "hint", hint)
		}
		sess.State = ticket.LivenessAwaitingInput
		return workflow.Outcome{Kind: workflow.OutcomeAwaitingInput,
			Reason: fmt.Sprintf("no output since %s; pane looks %s", sess.LastChange.Format(time.RFC3339), hint)}
	}
	sess.State = ticket.LivenessRunning
	return workflow.Outcome{Kind: workflow.OutcomeRunning}
}

func (s *AgentSupervisor) probeFailed(logger *slog.Logger, sess *ticket.StepSession, err error) workflow.Outcome {
	s.mu.Lock()
	s.probeErrors[sess.ID]++
	n := s.probeErrors[sess.ID]
	s.mu.Unlock()

	logger.Warn("terminal probe failed", "attempt", n, "error", err)
	if n < maxProbeErrors {
		return workflow.Outcome{Kind: workflow.OutcomeRunning}
	}
	s.clearProbe(sess.ID)
	sess.State = ticket.LivenessFailed
	return workflow.Outcome{Kind: workflow.OutcomeFailed, Failure: errkind.TerminalUnavailable,
		Reason: fmt.Sprintf("terminal unavailable after %d probes: %v", n, err)}
}

func (s *AgentSupervisor) clearProbe(sessionID string) {
	s.mu.Lock()
	delete(s.probeErrors, sessionID)
	s.mu.Unlock()
}

func (s *AgentSupervisor) pollDue(mark pollMark, now time.Time) bool {
	due := s.settings.PollInterval - s.settings.TickInterval/2
	return due <= 0 || mark.probed.IsZero() || now.Sub(mark.probed) >= due
}

func (s *AgentSupervisor) mark(sessionID string) pollMark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[sessionID]
}

func (s *AgentSupervisor) setMark(sessionID string, m pollMark) {
	s.mu.Lock()
	s.polls[sessionID] = m
	s.mu.Unlock()
}

// forget drops the per-session probe bookkeeping of a finished attempt.
func (s *AgentSupervisor) forget(sessionID string) {
	s.mu.Lock()
	delete(s.probeErrors, sessionID)
	delete(s.polls, sessionID)
	s.mu.Unlock()
}

// endedOutcome reconstructs the outcome of a session that already ended.
func endedOutcome(sess *ticket.StepSession) workflow.Outcome {
	switch sess.State {
	case ticket.LivenessCompleted:
		return workflow.Outcome{Kind: workflow.OutcomeCompleted, Status: sess.Result}
	case ticket.LivenessOrphaned:
		return workflow.Outcome{Kind: workflow.OutcomeOrphaned, Failure: errkind.Orphaned, Reason: sess.FailureReason, Status: sess.Result}
	default:
		return workflow.Outcome{Kind: workflow.OutcomeFailed, Failure: errkind.Kind(sess.FailureKind), Reason: sess.FailureReason, Status: sess.Result}
	}
}

func contentHash(tail string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(tail, " \n\t")))
	return hex.EncodeToString(sum[:])
}

func exitCode(tail string) *int {
	m := exitMarker.FindAllStringSubmatch(tail, -1)
	if len(m) == 0 {
		return nil
	}
	code, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil {
		return nil
	}
	return &code
}

func lastBytes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Tail returns the last n bytes of the session output. Once the terminal is
// gone it falls back to the last saved capture.
func (s *AgentSupervisor) Tail(ctx context.Context, ticketID string, sess *ticket.StepSession, n int) (string, error) {
	if sess.SessionName != "" {
		alive, err := s.terminal.HasSession(ctx, sess.SessionName)
		if err == nil && alive {
			out, err := s.terminal.CapturePane(ctx, sess.SessionName, s.settings.TailLines)
			if err != nil {
				return "", fmt.Errorf("failed to capture %s: %w", sess.SessionName, err)
			}
			return lastBytes(out, n), nil
		}
	}
	out, err := s.readSessionFile(ticketID, sess.ID, "tail.txt")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return lastBytes(out, n), nil
}

// Cancel stops the agent: SIGTERM to its process group, a bounded wait,
// SIGKILL, then the terminal session is destroyed. Safe in any state.
func (s *AgentSupervisor) Cancel(ctx context.Context, sess *ticket.StepSession) error {
	logger := s.logger.With("session", sess.SessionName)
	if sess.PID > 0 && s.signaler.Alive(sess.PID) {
		if err := s.signaler.Terminate(sess.PID); err != nil {
			logger.Warn("terminate failed", "pid", sess.PID, "error", err)
		}
		if !s.waitExit(ctx, sess.PID) {
			logger.Warn("agent ignored SIGTERM, killing", "pid", sess.PID)
			if err := s.signaler.Kill(sess.PID); err != nil {
				logger.Warn("kill failed", "pid", sess.PID, "error", err)
			}
		}
	}
	s.clearProbe(sess.ID)
	return s.Release(ctx, sess)
}

func (s *AgentSupervisor) waitExit(ctx context.Context, pid int) bool {
	deadline := s.now().Add(s.settings.CancelGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for s.signaler.Alive(pid) {
		if !s.now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// Release destroys the terminal session of a finished attempt.
func (s *AgentSupervisor) Release(ctx context.Context, sess *ticket.StepSession) error {
	s.forget(sess.ID)
	if sess.SessionName == "" {
		return nil
	}
	if err := s.terminal.KillSession(ctx, sess.SessionName); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", sess.SessionName, err)
	}
	return nil
}

// Alive reports whether the named terminal session exists.
func (s *AgentSupervisor) Alive(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	return s.terminal.HasSession(ctx, name)
}

// Reattach binds sess to an existing terminal session.
func (s *AgentSupervisor) Reattach(ctx context.Context, sess *ticket.StepSession, name string) error {
	alive, err := s.terminal.HasSession(ctx, name)
	if err != nil {
		return errkind.Wrap(errkind.TerminalUnavailable, err, "check session %s", name)
	}
	if !alive {
		return errkind.New(errkind.Orphaned, "session %s does not exist", name)
	}
	sess.SessionName = name
	sess.EndedAt = nil
	sess.State = ticket.LivenessRunning
	sess.LastChange = s.now()
	if pid, err := s.terminal.PanePID(ctx, name); err == nil {
		sess.PID = pid
	}
	return nil
}

// Sessions lists the live terminal sessions owned by this supervisor.
func (s *AgentSupervisor) Sessions(ctx context.Context) ([]string, error) {
	return s.terminal.ListSessions(ctx, s.settings.SessionPrefix)
}

// AttachCommand returns the shell command that attaches to the session.
func (s *AgentSupervisor) AttachCommand(sess *ticket.StepSession) string {
	return s.terminal.AttachCommand(sess.SessionName)
}

func (s *AgentSupervisor) sessionDir(ticketID, sessionID string) string {
	return filepath.Join(s.settings.SessionsDir, sandbox.Sanitize(ticketID), sessionID)
}

func (s *AgentSupervisor) writeSessionFile(ticketID, sessionID, name, content string) (string, error) {
	dir := s.sessionDir(ticketID, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

func (s *AgentSupervisor) readSessionFile(ticketID, sessionID, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(ticketID, sessionID), name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
