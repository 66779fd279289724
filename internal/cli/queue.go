package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/operator/internal/ports/primary"
	"github.com/example/operator/internal/telemetry"
	"github.com/example/operator/internal/version"
	"github.com/example/operator/internal/wire"
)

// EnqueueCmd returns the enqueue command
func EnqueueCmd() *cobra.Command {
	var req primary.EnqueueRequest
	var bodyFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a ticket to the queue",
		Long: `Write a new ticket file into queue/.

The ticket is picked up by the running operator on its next tick.

Examples:
  operator enqueue --type FEAT --project api --summary "Add rate limiting"
  operator enqueue --id FIX-42 --type FIX --project api --priority P1 --body-file notes.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := NewContext()
			if req.ID != "" {
				if err := validateTicketID(req.ID); err != nil {
					return err
				}
			}
			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("failed to read body file: %w", err)
				}
				req.Body = string(b)
			}

			resp, err := wire.QueueService().Enqueue(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to enqueue ticket: %w", err)
			}
			fmt.Printf("✓ Enqueued %s (%s)\n", resp.TicketID, resp.Filename)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "Ticket ID (default TYPE-<timestamp>)")
	cmd.Flags().StringVarP(&req.Type, "type", "t", "", "Ticket type, e.g. FEAT or FIX")
	cmd.Flags().StringVarP(&req.Project, "project", "p", "", "Project (source repository name)")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "Priority P0-P4 (default P2)")
	cmd.Flags().StringVarP(&req.Summary, "summary", "s", "", "One-line summary")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "File holding the ticket body")
	cmd.Flags().StringVar(&req.Executor, "executor", "", "Executor override for this ticket")
	cmd.Flags().StringVar(&req.ExternalID, "external-id", "", "ID in an external tracker")
	cmd.Flags().StringVar(&req.ExternalURL, "external-url", "", "URL in an external tracker")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

// TicketsCmd returns the tickets command
func TicketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tickets",
		Short: "List queued, active and recently completed tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := wire.QueueService().Status(NewContext())
			if err != nil {
				return err
			}
			var all []*primary.TicketSummary
			all = append(all, st.Active...)
			all = append(all, st.Recovery...)
			all = append(all, st.Queued...)
			all = append(all, st.Completed...)
			if len(all) == 0 {
				fmt.Println("No tickets.")
				return nil
			}
			printTickets(os.Stdout, all)
			return nil
		},
	}
}

// StatusCmd returns the status command
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the queue, running agents and recovery candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := NewContext()
			st, err := wire.QueueService().Status(ctx)
			if err != nil {
				return err
			}

			state := color.New(color.FgGreen).Sprint("running")
			if st.Paused {
				state = color.New(color.FgYellow).Sprint("paused")
			}
			fmt.Printf("Operator Status - %s\n", state)
			fmt.Printf("  Workspace:    %s\n", wire.Workspace())
			fmt.Printf("  Max parallel: %d\n", st.MaxParallel)
			fmt.Printf("  Active: %d  Queued: %d  Recovery: %d\n", len(st.Active), len(st.Queued), len(st.Recovery))

			sidecar, err := wire.StateStore().ReadSidecar(ctx)
			switch {
			case err != nil:
				fmt.Printf("  API sidecar:  %s (%v)\n", color.New(color.FgRed).Sprint("unreadable"), err)
			case sidecar != nil:
				fmt.Printf("  API sidecar:  port %d, pid %d, %s, started %s\n",
					sidecar.Port, sidecar.PID, sidecar.Version, ago(sidecar.StartedAt))
			}
			fmt.Println()

			if len(st.Active) > 0 {
				fmt.Println("Active:")
				printTickets(os.Stdout, st.Active)
				fmt.Println()
			}
			if len(st.Recovery) > 0 {
				fmt.Println("Needs recovery (no live session):")
				printTickets(os.Stdout, st.Recovery)
				fmt.Println("  Run `operator recover <id> --action ...` or wait for return_to_queue.")
				fmt.Println()
			}
			if len(st.Queued) > 0 {
				fmt.Println("Queued:")
				printTickets(os.Stdout, st.Queued)
				fmt.Println()
			}
			if len(st.Completed) > 0 {
				fmt.Println("Recently finished:")
				for _, t := range st.Completed {
					line := fmt.Sprintf("  %s %s", t.ID, colorStatus(t.Status))
					if t.FailureReason != "" {
						line += " - " + truncate(t.FailureReason, 80)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

// TickCmd returns the tick command
func TickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single scan, admit and advance pass",
		Long: `Run one pass of the queue controller and print what it did.

Do not run this while 'operator run' is active for the same workspace.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := wire.QueueService().Tick(NewContext())
			if err != nil {
				return err
			}
			printTickReport(report)
			return nil
		},
	}
}

func printTickReport(r *primary.TickReport) {
	fmt.Printf("Scanned %d tickets in %s\n", r.Scanned, r.Duration.Round(1e6))
	list := func(label string, ids []string) {
		if len(ids) > 0 {
			fmt.Printf("  %s: %v\n", label, ids)
		}
	}
	list("Healed", r.Healed)
	list("Recovered", r.Recovered)
	list("Admitted", r.Admitted)
	list("Completed", r.Completed)
	list("Failed", r.Failed)

	ids := make([]string, 0, len(r.Decisions))
	for id := range r.Decisions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %s → %s\n", id, r.Decisions[id])
	}
}

// RunCmd returns the run command
func RunCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the queue controller until interrupted",
		Long: `Tick the queue until SIGINT or SIGTERM.

On shutdown the current tick finishes and state.json is written. Agents keep
running in their terminal sessions and are picked up again on the next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := wire.Config()
			if cfg.Telemetry.Enabled {
				shutdown, err := telemetry.Init(ctx, telemetry.Config{
					ServiceName:    cfg.Telemetry.ServiceName,
					ServiceVersion: version.ShortCommit(),
					OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
					Insecure:       cfg.Telemetry.Insecure,
				})
				if err != nil {
					return fmt.Errorf("failed to initialize telemetry: %w", err)
				}
				defer func() { _ = shutdown(NewContext()) }()
			}

			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.Listen
			}
			if metricsAddr != "" {
				go func() {
					if err := wire.Metrics().Serve(ctx, metricsAddr); err != nil && !errors.Is(err, ctx.Err()) {
						fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
					}
				}()
				fmt.Printf("Serving metrics on http://%s/metrics\n", metricsAddr)
			}

			return wire.QueueService().Run(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for /metrics (overrides [metrics] listen)")

	return cmd
}
