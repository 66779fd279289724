// Package cli contains the operator's cobra commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/example/operator/internal/core/breaker"
	"github.com/example/operator/internal/core/ticket"
	"github.com/example/operator/internal/ports/primary"
)

// NewContext returns the context used by one-shot commands.
func NewContext() context.Context {
	return context.Background()
}

func colorStatus(status string) string {
	switch ticket.Status(status) {
	case ticket.StatusRunning:
		return color.New(color.FgGreen).Sprint(status)
	case ticket.StatusAwaiting:
		return color.New(color.FgHiMagenta).Sprint(status)
	case ticket.StatusCompleted:
		return color.New(color.FgBlue).Sprint(status)
	case ticket.StatusFailed:
		return color.New(color.FgRed).Sprint(status)
	}
	return status
}

func colorLiveness(liveness string) string {
	switch ticket.Liveness(liveness) {
	case ticket.LivenessRunning:
		return color.New(color.FgGreen).Sprint(liveness)
	case ticket.LivenessAwaitingInput:
		return color.New(color.FgYellow).Sprint(liveness)
	case ticket.LivenessPending:
		return color.New(color.FgCyan).Sprint(liveness)
	case "":
		return "-"
	}
	return color.New(color.FgRed).Sprint(liveness)
}

func colorBreaker(state string) string {
	switch breaker.State(state) {
	case breaker.StateOpen:
		return color.New(color.FgRed).Sprint(state)
	case breaker.StateHalfOpen:
		return color.New(color.FgYellow).Sprint(state)
	case "":
		return "-"
	}
	return state
}

// printTickets writes one line per ticket as an aligned table.
func printTickets(w io.Writer, tickets []*primary.TicketSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tSTATUS\tPRIORITY\tPROJECT\tSTEP\tSESSION\tBREAKER\tSUMMARY")
	for _, t := range tickets {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, colorStatus(t.Status), t.Priority, t.Project, dash(t.Step),
			colorLiveness(t.Liveness), colorBreaker(t.Breaker), truncate(t.Summary, 50))
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
