package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/operator/internal/cli"
	"github.com/example/operator/internal/version"
	"github.com/example/operator/internal/wire"
)

func main() {
	var (
		workspace string
		verbose   bool
		logJSON   bool
	)

	rootCmd := &cobra.Command{
		Use:     "operator",
		Short:   "Operator - run coding agents against a queue of tickets",
		Version: version.String(),
		Long: `Operator runs AI coding agents against a workspace of tickets.

Tickets are files in queue/, in-progress/ and completed/. Each admitted ticket
gets its own git worktree and an agent in a tmux session; the operator reads
the agent's status report and moves the ticket through its workflow steps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			opts := &slog.HandlerOptions{Level: level}
			var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
			if logJSON {
				handler = slog.NewJSONHandler(os.Stderr, opts)
			}
			slog.SetDefault(slog.New(handler))

			wire.SetWorkspace(workspace)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", envOr("OPERATOR_WORKSPACE", "."), "Workspace root")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")

	// Workspace and daemon
	rootCmd.AddCommand(cli.InitCmd())
	rootCmd.AddCommand(cli.RunCmd())
	rootCmd.AddCommand(cli.TickCmd())
	rootCmd.AddCommand(cli.StatusCmd())
	rootCmd.AddCommand(cli.VersionCmd(version.String()))

	// Tickets
	rootCmd.AddCommand(cli.EnqueueCmd())
	rootCmd.AddCommand(cli.TicketsCmd())
	rootCmd.AddCommand(cli.ApproveCmd())
	rootCmd.AddCommand(cli.RejectCmd())
	rootCmd.AddCommand(cli.CancelCmd())
	rootCmd.AddCommand(cli.RecoverCmd())
	rootCmd.AddCommand(cli.PauseCmd())
	rootCmd.AddCommand(cli.ResumeCmd())

	// Agents and sandboxes
	rootCmd.AddCommand(cli.AttachCmd())
	rootCmd.AddCommand(cli.TailCmd())
	rootCmd.AddCommand(cli.SandboxCmd())
	rootCmd.AddCommand(cli.EventsCmd())

	err := rootCmd.Execute()
	_ = wire.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
