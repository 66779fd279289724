package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/operator/internal/ports/secondary"
	"github.com/example/operator/internal/wire"
)

// EventsCmd returns the events command
func EventsCmd() *cobra.Command {
	var filters secondary.EventFilters

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit trail of queue activity",
		Long: `List recorded events newest first: admissions, launches, session ends,
decisions, self-heals, recovery actions and operator commands.

Examples:
  operator events
  operator events --ticket FEAT-12 --limit 100
  operator events --kind decision`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if filters.Limit <= 0 {
				filters.Limit = 50
			}
			events, err := wire.EventLog().List(NewContext(), filters)
			if err != nil {
				return fmt.Errorf("failed to fetch events: %w", err)
			}
			if len(events) == 0 {
				fmt.Println("No events.")
				return nil
			}
			printEvents(os.Stdout, events)
			return nil
		},
	}

	cmd.Flags().StringVar(&filters.TicketID, "ticket", "", "Only events of this ticket")
	cmd.Flags().StringVar(&filters.Kind, "kind", "", "Only events of this kind")
	cmd.Flags().IntVarP(&filters.Limit, "limit", "n", 50, "Maximum number of events")

	return cmd
}

func printEvents(w io.Writer, events []*secondary.EventRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			color.New(color.FgCyan).Sprint(e.Kind),
			dash(e.TicketID), dash(e.Step), truncate(e.Detail, 100))
	}
	_ = tw.Flush()
}
