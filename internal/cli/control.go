package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/operator/internal/app"
	"github.com/example/operator/internal/ports/primary"
	"github.com/example/operator/internal/wire"
)

func submit(req primary.ControlRequest) error {
	if err := wire.ControlService().Submit(NewContext(), req); err != nil {
		return fmt.Errorf("failed to submit %s: %w", req.Action, err)
	}
	target := ""
	if req.TicketID != "" {
		target = " " + req.TicketID
	}
	fmt.Printf("✓ %s%s queued; it is applied on the next tick\n", req.Action, target)
	return nil
}

// PauseCmd returns the pause command
func PauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop admitting tickets (running agents continue)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(primary.ControlRequest{Action: app.ActionPause})
		},
	}
}

// ResumeCmd returns the resume command
func ResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume admitting tickets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(primary.ControlRequest{Action: app.ActionResume})
		},
	}
}

// ApproveCmd returns the approve command
func ApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <ticket-id>",
		Short: "Approve a ticket waiting at a review gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateTicketID(args[0]); err != nil {
				return err
			}
			return submit(primary.ControlRequest{Action: app.ActionApprove, TicketID: args[0]})
		},
	}
}

// RejectCmd returns the reject command
func RejectCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <ticket-id>",
		Short: "Reject a ticket waiting at a review gate and rerun the step",
		Long: `Reject an awaiting ticket. The step runs again with the reason passed to
the agent as reviewer feedback.

Examples:
  operator reject FEAT-12 --reason "tests are missing for the retry path"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateTicketID(args[0]); err != nil {
				return err
			}
			return submit(primary.ControlRequest{Action: app.ActionReject, TicketID: args[0], Reason: reason})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Feedback for the agent")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

// CancelCmd returns the cancel command
func CancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <ticket-id>",
		Short: "Stop a ticket's agent and archive it as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateTicketID(args[0]); err != nil {
				return err
			}
			return submit(primary.ControlRequest{Action: app.ActionCancel, TicketID: args[0], Reason: reason})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "cancelled by operator", "Reason recorded on the ticket")

	return cmd
}

// RecoverCmd returns the recover command
func RecoverCmd() *cobra.Command {
	var action, session string

	cmd := &cobra.Command{
		Use:   "recover <ticket-id>",
		Short: "Choose what happens to an in-progress ticket with no live session",
		Long: `Apply a recovery action to a ticket listed under "Needs recovery".

Actions:
  resume_with_session_id  re-attach to a live terminal session (--session)
  restart_fresh           start the current step again, keeping history
  return_to_queue         reset the ticket and move it back to queue/
  cancel                  archive the ticket as failed

Without a choice, return_to_queue applies once the recovery grace period ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateTicketID(args[0]); err != nil {
				return err
			}
			req := primary.ControlRequest{
				Action:      app.ActionRecover,
				TicketID:    args[0],
				Recovery:    primary.RecoveryAction(action),
				SessionName: session,
			}
			if req.Recovery == primary.RecoverResume && session == "" {
				return fmt.Errorf("--session is required for %s", primary.RecoverResume)
			}
			return submit(req)
		},
	}

	cmd.Flags().StringVarP(&action, "action", "a", string(primary.RecoverReturnQueue), "Recovery action")
	cmd.Flags().StringVar(&session, "session", "", "Terminal session name to re-attach to")

	return cmd
}
