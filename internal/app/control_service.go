package app

import (
	"context"
	"fmt"

	"github.com/example/operator/internal/ports/primary"
	"github.com/example/operator/internal/ports/secondary"
)

// Control actions accepted through the command inbox.
const (
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionCancel  = "cancel"
	ActionRecover = "recover"
)

// ControlServiceImpl hands requests to the process that owns the queue by
// writing them into the command inbox.
type ControlServiceImpl struct {
	inbox secondary.CommandInbox
}

// NewControlService creates a new ControlService with injected dependencies.
func NewControlService(inbox secondary.CommandInbox) *ControlServiceImpl {
	return &ControlServiceImpl{inbox: inbox}
}

// Submit validates and queues one request.
func (s *ControlServiceImpl) Submit(ctx context.Context, req primary.ControlRequest) error {
	// 1. Validate
	switch req.Action {
	case ActionPause, ActionResume:
	case ActionApprove, ActionCancel:
		if req.TicketID == "" {
			return fmt.Errorf("%s requires a ticket id", req.Action)
		}
	case ActionReject:
		if req.TicketID == "" || req.Reason == "" {
			return fmt.Errorf("reject requires a ticket id and a reason")
		}
	case ActionRecover:
		if req.TicketID == "" {
			return fmt.Errorf("recover requires a ticket id")
		}
		switch req.Recovery {
		case primary.RecoverResume, primary.RecoverRestartFresh, primary.RecoverReturnQueue, primary.RecoverCancel:
		default:
			return fmt.Errorf("unknown recovery action %q", req.Recovery)
		}
	default:
		return fmt.Errorf("unknown action %q", req.Action)
	}

	// 2. Queue
	return s.inbox.Submit(ctx, &secondary.ControlCommand{
		Action:      req.Action,
		TicketID:    req.TicketID,
		Reason:      req.Reason,
		SessionName: req.SessionName,
		Recovery:    string(req.Recovery),
	})
}

var _ primary.ControlService = (*ControlServiceImpl)(nil)
