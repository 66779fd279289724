package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/operator/internal/ports/primary"
	"github.com/example/operator/internal/wire"
)

// SandboxCmd returns the sandbox command
func SandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Inspect and tear down ticket sandboxes",
	}
	cmd.AddCommand(sandboxListCmd())
	cmd.AddCommand(sandboxCleanupCmd())
	return cmd
}

func sandboxListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project>",
		Short: "List the sandboxes of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := wire.SandboxService().ListSandboxes(NewContext(), args[0])
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				fmt.Printf("No sandboxes for %s.\n", args[0])
				return nil
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func sandboxCleanupCmd() *cobra.Command {
	var req primary.CleanupSandboxRequest

	cmd := &cobra.Command{
		Use:   "cleanup <project> <ticket-id>",
		Short: "Remove a ticket's sandbox",
		Long: `Run the cleanup script, remove the worktree and its directory, prune
worktree metadata and optionally delete the branch.

Every step runs even when an earlier one fails; failures are listed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateTicketID(args[1]); err != nil {
				return err
			}
			req.Project = args[0]
			req.TicketID = args[1]
			if req.TicketType == "" {
				req.TicketType, _, _ = strings.Cut(req.TicketID, "-")
			}
			resp, err := wire.SandboxService().CleanupSandbox(NewContext(), req)
			if err != nil {
				return err
			}
			switch {
			case resp.NoOp:
				fmt.Printf("Nothing to clean up at %s\n", resp.Path)
			case resp.Partial:
				fmt.Printf("%s cleanup of %s\n", color.New(color.FgYellow).Sprint("Partial"), resp.Path)
				for _, issue := range resp.Issues {
					fmt.Printf("  - %s\n", issue)
				}
			default:
				fmt.Printf("✓ Removed %s\n", resp.Path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.TicketType, "type", "t", "", "Ticket type (derived from the ID when empty)")
	cmd.Flags().BoolVar(&req.PruneBranch, "prune-branch", false, "Delete the local branch")
	cmd.Flags().BoolVar(&req.DeleteRemote, "delete-remote", false, "Delete the remote branch")

	return cmd
}
