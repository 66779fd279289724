package workflow

import (
	"fmt"
	"strings"

	"github.com/example/operator/internal/core/agentstatus"
	"github.com/example/operator/internal/core/ticket"
)

// Context is the bundle piped from one attempt into the next.
type Context struct {
	Step                    string
	Attempt                 int
	PreviousSummary         string
	PreviousRecommendation  string
	PreviousBlockers        []string
	CumulativeFilesModified int
	CumulativeErrorCount    int
	PreviousFailure         string
	Rejection               string
}

// BuildContext assembles the bundle for the next attempt at step from the
// ticket's history. The summary and recommendation come from the most recent
// successfully parsed status across all steps; the cumulative counters are
// summed over every step's breaker.
func BuildContext(t *ticket.Ticket, step string) Context {
	c := Context{Step: step, Attempt: len(t.Sessions[step]) + 1}

	if st := latestStatus(t); st != nil {
		c.PreviousSummary = st.Summary
		c.PreviousRecommendation = st.Recommendation
		c.PreviousBlockers = st.Blockers
	}
	for _, b := range t.Breakers {
		c.CumulativeFilesModified += b.CumulativeFilesModified
		c.CumulativeErrorCount += b.CumulativeErrorCount
	}
	if last := t.LatestSession(step); last != nil {
		c.Rejection = last.Rejection
		if last.State == ticket.LivenessFailed || last.State == ticket.LivenessOrphaned {
			c.PreviousFailure = last.FailureReason
		}
	}
	return c
}

func latestStatus(t *ticket.Ticket) *agentstatus.OperatorStatus {
	var (
		best  *agentstatus.OperatorStatus
		bestS *ticket.StepSession
	)
	for step := range t.Sessions {
		list := t.Sessions[step]
		for i := range list {
			s := &list[i]
			if s.Result == nil {
				continue
			}
			if bestS == nil || s.StartedAt.After(bestS.StartedAt) {
				best, bestS = s.Result, s
			}
		}
	}
	return best
}

// Empty reports whether there is nothing to pipe forward.
func (c Context) Empty() bool {
	return c.PreviousSummary == "" && c.PreviousRecommendation == "" &&
		c.CumulativeFilesModified == 0 && c.CumulativeErrorCount == 0 &&
		c.PreviousFailure == "" && c.Rejection == "" && len(c.PreviousBlockers) == 0
}

// Render formats the bundle as a prompt section.
func (c Context) Render() string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Context from previous attempts\n\n")
	line := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "- %s: %s\n", key, value)
		}
	}
	line("previous_summary", c.PreviousSummary)
	line("previous_recommendation", c.PreviousRecommendation)
	if len(c.PreviousBlockers) > 0 {
		line("previous_blockers", strings.Join(c.PreviousBlockers, "; "))
	}
	fmt.Fprintf(&b, "- cumulative_files_modified: %d\n", c.CumulativeFilesModified)
	fmt.Fprintf(&b, "- cumulative_error_count: %d\n", c.CumulativeErrorCount)
	line("previous_failure", c.PreviousFailure)
	line("reviewer_feedback", c.Rejection)
	return b.String()
}
