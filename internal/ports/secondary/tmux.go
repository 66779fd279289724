// Package secondary defines the secondary ports (driven adapters) for the application.
package secondary

import "context"

// SessionSpec describes a detached terminal session hosting one agent.
type SessionSpec struct {
	Name    string
	Dir     string
	Command string
	Env     map[string]string
}

// TerminalAdapter defines the secondary port for the terminal multiplexer.
type TerminalAdapter interface {
	// Session management
	NewSession(ctx context.Context, spec SessionSpec) error
	// HasSession returns an error only when the multiplexer cannot be queried.
	HasSession(ctx context.Context, name string) (bool, error)
	ListSessions(ctx context.Context, prefix string) ([]string, error)
	// KillSession treats an absent session as success.
	KillSession(ctx context.Context, name string) error

	// Pane operations
	CapturePane(ctx context.Context, name string, lines int) (string, error)
	PanePID(ctx context.Context, name string) (int, error)

	// Information
	AttachCommand(name string) string
}

// ProcessSignaler signals agent process groups.
type ProcessSignaler interface {
	Terminate(pid int) error
	Kill(pid int) error
	Alive(pid int) bool
}
