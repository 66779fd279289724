package cli

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/operator/internal/wire"
)

// AttachCmd returns the attach command
func AttachCmd() *cobra.Command {
	var execTmux bool

	cmd := &cobra.Command{
		Use:   "attach <ticket-id>",
		Short: "Print the command that attaches to a ticket's agent session",
		Long: `Print the tmux command for the ticket's current or most recent session.

With --exec the current process is replaced by tmux attach.

Examples:
  operator attach FEAT-12
  operator attach FEAT-12 --exec`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateTicketID(args[0]); err != nil {
				return err
			}
			ctx := NewContext()
			sess, err := wire.QueueService().Session(ctx, args[0])
			if err != nil {
				return err
			}
			if sess.SessionName == "" {
				return fmt.Errorf("ticket %s has not launched a session yet", args[0])
			}
			if !execTmux {
				fmt.Println(wire.Supervisor().AttachCommand(sess))
				return nil
			}

			alive, err := wire.Supervisor().Alive(ctx, sess.SessionName)
			if err != nil {
				return fmt.Errorf("failed to check session: %w", err)
			}
			if !alive {
				return fmt.Errorf("session %s is not running", sess.SessionName)
			}

			tmuxPath, err := exec.LookPath("tmux")
			if err != nil {
				return fmt.Errorf("tmux not found in PATH: %w", err)
			}
			// Replace current process with tmux attach
			if err := syscall.Exec(tmuxPath, []string{"tmux", "attach", "-t", sess.SessionName}, os.Environ()); err != nil {
				return fmt.Errorf("failed to exec tmux attach: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&execTmux, "exec", false, "Attach instead of printing the command")

	return cmd
}

// TailCmd returns the tail command
func TailCmd() *cobra.Command {
	var bytes int

	cmd := &cobra.Command{
		Use:   "tail <ticket-id>",
		Short: "Show the end of a ticket's agent output",
		Long: `Print the last bytes of the ticket's agent output. When the terminal session
is gone the last saved capture is shown.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateTicketID(args[0]); err != nil {
				return err
			}
			out, err := wire.QueueService().Tail(NewContext(), args[0], bytes)
			if err != nil {
				return err
			}
			fmt.Print(out)
			if len(out) > 0 && out[len(out)-1] != '\n' {
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&bytes, "bytes", "c", 4000, "Number of bytes to show")

	return cmd
}
