package ticket

import (
	"fmt"

	"github.com/example/operator/internal/errkind"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return errkind.New(errkind.TransitionForbidden, "%s", r.Reason)
}

var transitions = map[Status][]Status{
	StatusQueued:   {StatusRunning, StatusFailed},
	StatusRunning:  {StatusAwaiting, StatusCompleted, StatusFailed, StatusQueued},
	StatusAwaiting: {StatusRunning, StatusCompleted, StatusFailed, StatusQueued},
}

// CanTransition evaluates whether a ticket may move from one status to another.
// Rules:
// - completed and failed are terminal
// - queued tickets can only start or be cancelled
// - running and awaiting tickets can return to the queue during recovery
func CanTransition(from, to Status) GuardResult {
	if !to.Valid() {
		return GuardResult{Reason: fmt.Sprintf("unknown status %q", to)}
	}
	if from == to {
		return GuardResult{Allowed: true}
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return GuardResult{Allowed: true}
		}
	}
	if from.Terminal() {
		return GuardResult{Reason: fmt.Sprintf("ticket is %s; no further transitions allowed", from)}
	}
	return GuardResult{Reason: fmt.Sprintf("cannot move ticket from %s to %s", from, to)}
}

// ApproveContext provides context for approval and rejection guards.
type ApproveContext struct {
	TicketID string
	Status   Status
	Step     string
}

// CanApprove evaluates whether an awaiting ticket can be approved or rejected.
func CanApprove(ctx ApproveContext) GuardResult {
	if ctx.Status != StatusAwaiting {
		return GuardResult{Reason: fmt.Sprintf("ticket %s is %s, not awaiting review", ctx.TicketID, ctx.Status)}
	}
	if ctx.Step == "" {
		return GuardResult{Reason: fmt.Sprintf("ticket %s has no current step", ctx.TicketID)}
	}
	return GuardResult{Allowed: true}
}

// CanCancel evaluates whether a ticket can be cancelled.
func CanCancel(id string, status Status) GuardResult {
	if status.Terminal() {
		return GuardResult{Reason: fmt.Sprintf("ticket %s is already %s", id, status)}
	}
	return GuardResult{Allowed: true}
}
