// Package tmux implements the terminal port on tmux. Session lifecycle goes
// through gotmux; pane inspection shells out to the tmux CLI.
package tmux

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/GianlucaP106/gotmux/gotmux"

	"github.com/example/operator/internal/ports/secondary"
)

// DefaultTimeout bounds every tmux invocation.
const DefaultTimeout = 10 * time.Second

// Adapter implements secondary.TerminalAdapter.
type Adapter struct {
	tmux    *gotmux.Tmux
	runner  secondary.CommandRunner
	timeout time.Duration
}

// NewAdapter creates a tmux adapter. A zero timeout uses DefaultTimeout.
func NewAdapter(runner secondary.CommandRunner, timeout time.Duration) (*Adapter, error) {
	tmux, err := gotmux.DefaultTmux()
	if err != nil {
		return nil, fmt.Errorf("failed to create tmux client: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{tmux: tmux, runner: runner, timeout: timeout}, nil
}

func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.runner.Run(ctx, "", "tmux", args...)
}

// bounded runs a gotmux call, which takes no context, and gives up once the
// timeout passes. The abandoned call finishes in the background.
func (a *Adapter) bounded(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("tmux did not answer: %w", ctx.Err())
	}
}

func (a *Adapter) listSessions(ctx context.Context) ([]*gotmux.Session, error) {
	found := make(chan []*gotmux.Session, 1)
	err := a.bounded(ctx, func() error {
		sessions, err := a.tmux.ListSessions()
		found <- sessions
		return err
	})
	if err != nil {
		return nil, err
	}
	return <-found, nil
}

// NewSession starts a detached session in spec.Dir and replaces its initial
// shell with spec.Command. gotmux quotes ShellCommand as one word, so the
// command is installed with respawn-pane instead.
func (a *Adapter) NewSession(ctx context.Context, spec secondary.SessionSpec) error {
	if err := a.bounded(ctx, func() error {
		_, err := a.tmux.NewSession(&gotmux.SessionOptions{
			Name:           spec.Name,
			StartDirectory: spec.Dir,
		})
		return err
	}); err != nil {
		return fmt.Errorf("failed to create session %s: %w", spec.Name, err)
	}
	if spec.Command == "" {
		return nil
	}
	if _, err := a.run(ctx, RespawnArgs(spec)...); err != nil {
		_ = a.KillSession(ctx, spec.Name)
		return fmt.Errorf("failed to start command in %s: %w", spec.Name, err)
	}
	return nil
}

// RespawnArgs builds the respawn-pane invocation for spec.
func RespawnArgs(spec secondary.SessionSpec) []string {
	args := []string{"respawn-pane", "-k", "-t", PaneTarget(spec.Name)}
	if spec.Dir != "" {
		args = append(args, "-c", spec.Dir)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	return append(args, spec.Command)
}

// HasSession reports whether name exists. It returns an error only when tmux
// could not answer.
func (a *Adapter) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := a.run(ctx, "has-session", "-t", SessionTarget(name))
	if err == nil {
		return true, nil
	}
	if IsSessionMissingMessage(err.Error()) {
		return false, nil
	}
	// has-session exits 1 for several reasons; confirm via the session list.
	names, lerr := a.ListSessions(ctx, "")
	if lerr != nil {
		return false, fmt.Errorf("failed to probe session %s: %w", name, err)
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// ListSessions returns session names starting with prefix.
func (a *Adapter) ListSessions(ctx context.Context, prefix string) ([]string, error) {
	sessions, err := a.listSessions(ctx)
	if err != nil {
		if IsSessionMissingMessage(err.Error()) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var names []string
	for _, s := range sessions {
		if strings.HasPrefix(s.Name, prefix) {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// KillSession terminates a session. A missing session is not an error.
func (a *Adapter) KillSession(ctx context.Context, name string) error {
	sessions, err := a.listSessions(ctx)
	if err != nil {
		if IsSessionMissingMessage(err.Error()) {
			return nil
		}
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range sessions {
		if s.Name == name {
			if err := a.bounded(ctx, s.Kill); err != nil && !IsSessionMissingMessage(err.Error()) {
				return fmt.Errorf("failed to kill session %s: %w", name, err)
			}
			return nil
		}
	}
	return nil
}

// CapturePane returns the last lines of the session's pane with wrapped lines
// joined.
func (a *Adapter) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	out, err := a.run(ctx, CaptureArgs(name, lines)...)
	if err != nil {
		return "", fmt.Errorf("failed to capture %s: %w", name, err)
	}
	return out, nil
}

// CaptureArgs builds the capture-pane invocation.
func CaptureArgs(name string, lines int) []string {
	args := []string{"capture-pane", "-p", "-J", "-t", PaneTarget(name)}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	return args
}

// PanePID returns the pid of the process running in the session's pane.
func (a *Adapter) PanePID(ctx context.Context, name string) (int, error) {
	out, err := a.run(ctx, "display-message", "-p", "-t", PaneTarget(name), "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("failed to read pane pid of %s: %w", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected pane pid %q", strings.TrimSpace(out))
	}
	return pid, nil
}

// AttachCommand returns the shell command a human runs to attach.
func (a *Adapter) AttachCommand(name string) string {
	return "tmux attach -t " + SessionTarget(name)
}

// SessionTarget matches name exactly instead of by prefix.
func SessionTarget(name string) string {
	return "=" + name
}

// PaneTarget addresses the active pane of session name.
func PaneTarget(name string) string {
	return "=" + name + ":"
}

// IsSessionMissingMessage reports whether tmux output means the session or
// the server does not exist.
func IsSessionMissingMessage(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	for _, s := range []string{
		"can't find session",
		"can't find pane",
		"no server running",
		"no such file or directory",
		"no sessions",
		"error connecting",
	} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

var _ secondary.TerminalAdapter = (*Adapter)(nil)
