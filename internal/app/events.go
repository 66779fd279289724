package app

import (
	"context"
	"log/slog"

	"github.com/example/operator/internal/ports/secondary"
)

// Event kinds written to the event log.
const (
	EventEnqueued    = "enqueued"
	EventAdmitted    = "admitted"
	EventLaunched    = "launched"
	EventSessionEnd  = "session_ended"
	EventDecision    = "decision"
	EventSelfHeal    = "self_heal"
	EventRecovery    = "recovery"
	EventPaused      = "paused"
	EventResumed     = "resumed"
	EventApproved    = "approved"
	EventRejected    = "rejected"
	EventCancelled   = "cancelled"
	EventCompleted   = "completed"
	EventFailed      = "failed"
	EventStateFailed = "state_write_failed"
)

// eventRecorder appends to the event log. Failures are logged and dropped:
// the audit trail never fails queue work.
type eventRecorder struct {
	log    secondary.EventLog
	logger *slog.Logger
}

func (r eventRecorder) record(ctx context.Context, ticketID, step, sessionID, kind, detail string) {
	if r.log == nil {
		return
	}
	err := r.log.Append(ctx, &secondary.EventRecord{
		TicketID:  ticketID,
		Step:      step,
		SessionID: sessionID,
		Kind:      kind,
		Detail:    detail,
	})
	if err != nil {
		r.logger.Warn("failed to append event", "kind", kind, "ticket", ticketID, "error", err)
	}
}
