package primary

import "context"

// SandboxService defines the primary port for sandbox operations.
type SandboxService interface {
	// ListSandboxes lists valid sandbox paths for a project.
	ListSandboxes(ctx context.Context, project string) ([]string, error)

	// CleanupSandbox tears down the sandbox of a ticket.
	CleanupSandbox(ctx context.Context, req CleanupSandboxRequest) (*CleanupSandboxResponse, error)
}

// CleanupSandboxRequest contains parameters for sandbox teardown.
type CleanupSandboxRequest struct {
	Project      string
	TicketID     string
	TicketType   string
	PruneBranch  bool
	DeleteRemote bool
}

// CleanupSandboxResponse reports what teardown did.
type CleanupSandboxResponse struct {
	Path    string
	NoOp    bool
	Partial bool
	Issues  []string
}
