// Package secondary defines the secondary ports (driven adapters) for the application.
// These are the interfaces through which the application drives external systems.
package secondary

import (
	"context"
	"time"

	"github.com/example/operator/internal/core/ticket"
)

// TicketStore defines the secondary port for the on-disk ticket queue.
type TicketStore interface {
	// Init creates the queue directories and verifies they share a filesystem.
	Init(ctx context.Context) error

	// Scan reads the front matter of every ticket file without reading bodies.
	Scan(ctx context.Context) (*ScanResult, error)

	// Load reads a full ticket file.
	Load(ctx context.Context, dir ticket.Dir, filename string) (*ticket.Ticket, error)

	// Save rewrites a ticket in place using write-temp-then-rename.
	Save(ctx context.Context, t *ticket.Ticket) error

	// Move saves the ticket and renames it into another queue directory.
	Move(ctx context.Context, t *ticket.Ticket, to ticket.Dir) error

	// Create writes a new ticket into queue/. It fails if the file exists.
	Create(ctx context.Context, t *ticket.Ticket) error
}

// ScanResult is the outcome of a queue scan.
type ScanResult struct {
	Tickets []*ticket.Ticket
	// Invalid lists files that could not be parsed.
	Invalid []ScanIssue
}

// ScanIssue describes an unreadable ticket file.
type ScanIssue struct {
	Dir      ticket.Dir
	Filename string
	Err      error
}

// StateStore defines the secondary port for operator/state.json and the
// sidecar discovery file.
type StateStore interface {
	WriteState(ctx context.Context, snap *StateSnapshot) error
	// ReadState returns nil, nil when no snapshot exists yet.
	ReadState(ctx context.Context) (*StateSnapshot, error)
	// ReadSidecar returns nil, nil when no sidecar is running.
	ReadSidecar(ctx context.Context) (*SidecarSession, error)
}

// StateSnapshot is the persisted in-memory view.
type StateSnapshot struct {
	Paused    bool                `json:"paused"`
	Agents    []AgentState        `json:"agents"`
	Completed []CompletedTicket   `json:"completed"`
	Recovery  []RecoveryCandidate `json:"recovery,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// AgentState is one active ticket in the snapshot.
type AgentState struct {
	TicketID    string    `json:"ticket_id"`
	Project     string    `json:"project"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Step        string    `json:"step"`
	SessionID   string    `json:"session_id,omitempty"`
	SessionName string    `json:"session_name,omitempty"`
	Liveness    string    `json:"liveness,omitempty"`
	SandboxPath string    `json:"sandbox_path,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	LastChange  time.Time `json:"last_content_change,omitempty"`
	Iteration   int       `json:"iteration"`
	Breaker     string    `json:"breaker"`
}

// CompletedTicket is one entry of the recently-completed ring buffer.
type CompletedTicket struct {
	TicketID      string    `json:"ticket_id"`
	Project       string    `json:"project"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// RecoveryCandidate is an in-progress ticket with no live session.
type RecoveryCandidate struct {
	TicketID    string    `json:"ticket_id"`
	Step        string    `json:"step"`
	SessionID   string    `json:"session_id,omitempty"`
	SessionName string    `json:"session_name,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
}

// SidecarSession is operator/api-session.json.
type SidecarSession struct {
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// CommandInbox defines the secondary port through which other processes hand
// requests to the process that owns the queue.
type CommandInbox interface {
	Submit(ctx context.Context, cmd *ControlCommand) error
	// Drain returns pending commands oldest first and removes them.
	Drain(ctx context.Context) ([]*ControlCommand, error)
}

// ControlCommand is one queued request.
type ControlCommand struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	TicketID    string    `json:"ticket_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	SessionName string    `json:"session_name,omitempty"`
	Recovery    string    `json:"recovery,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}
