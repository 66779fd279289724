package primary

import (
	"context"
	"time"
)

// QueueService defines the primary port for queue operations.
type QueueService interface {
	// Tick runs one scan, reconcile, admit, advance and persist pass.
	Tick(ctx context.Context) (*TickReport, error)

	// Run ticks until ctx is cancelled.
	Run(ctx context.Context) error

	// Enqueue drops a new ticket into queue/.
	Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error)

	// Pause stops new admissions; running tickets continue.
	Pause(ctx context.Context) error

	// Resume re-enables admissions.
	Resume(ctx context.Context) error

	// Approve moves an awaiting ticket past its review gate.
	Approve(ctx context.Context, ticketID string) error

	// Reject restarts the awaiting step with the given feedback.
	Reject(ctx context.Context, ticketID, reason string) error

	// Cancel stops a ticket and archives it as failed.
	Cancel(ctx context.Context, ticketID, reason string) error

	// Recover applies a recovery action to a ticket with no live session.
	Recover(ctx context.Context, req RecoverRequest) error

	// Status returns the current in-memory view.
	Status(ctx context.Context) (*QueueStatus, error)

	// Tail returns the last n bytes of a ticket's active session output.
	Tail(ctx context.Context, ticketID string, n int) (string, error)
}

// ControlService defines the primary port used by processes that do not own
// the queue. Requests are delivered to the owning process on its next tick.
type ControlService interface {
	Submit(ctx context.Context, req ControlRequest) error
}

// ControlRequest is one request for the owning process.
type ControlRequest struct {
	Action      string // pause, resume, approve, reject, cancel, recover
	TicketID    string
	Reason      string
	SessionName string
	Recovery    RecoveryAction
}

// EnqueueRequest contains parameters for creating a ticket.
type EnqueueRequest struct {
	ID          string
	Type        string
	Project     string
	Priority    string
	Summary     string
	Body        string
	Executor    string
	ExternalID  string
	ExternalURL string
}

// EnqueueResponse contains the result of enqueueing.
type EnqueueResponse struct {
	TicketID string
	Filename string
}

// RecoveryAction names one of the recovery options.
type RecoveryAction string

const (
	RecoverResume       RecoveryAction = "resume_with_session_id"
	RecoverRestartFresh RecoveryAction = "restart_fresh"
	RecoverReturnQueue  RecoveryAction = "return_to_queue"
	RecoverCancel       RecoveryAction = "cancel"
)

// RecoverRequest contains parameters for a recovery action.
type RecoverRequest struct {
	TicketID    string
	Action      RecoveryAction
	SessionName string // for resume_with_session_id
}

// TickReport summarizes one tick.
type TickReport struct {
	Scanned   int
	Admitted  []string
	Decisions map[string]string
	Healed    []string
	Recovered []string
	Completed []string
	Failed    []string
	Duration  time.Duration
}

// QueueStatus is the externally visible queue state.
type QueueStatus struct {
	Paused      bool
	MaxParallel int
	Queued      []*TicketSummary
	Active      []*TicketSummary
	Completed   []*TicketSummary
	Recovery    []*TicketSummary
}

// TicketSummary is a read-only view of one ticket.
type TicketSummary struct {
	ID            string
	Type          string
	Project       string
	Priority      string
	Status        string
	Step          string
	Summary       string
	SessionName   string
	Liveness      string
	Breaker       string
	Iteration     int
	SandboxPath   string
	Branch        string
	FailureReason string
	UpdatedAt     time.Time
}
