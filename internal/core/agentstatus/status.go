// Package agentstatus parses the structured self-report an agent prints at the
// end of its run. The report is a block delimited by lines that contain only
// the OPERATOR_STATUS marker; everything outside the block is ignored.
package agentstatus

import (
	"fmt"
	"unicode/utf8"
)

// Marker delimits the status block.
const Marker = "OPERATOR_STATUS"

// Field limits.
const (
	MaxSummaryLen        = 500
	MaxRecommendationLen = 200
)

// State is the agent-reported outcome of the run.
type State string

const (
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
	StateBlocked    State = "blocked"
	StateFailed     State = "failed"
)

// TestsStatus is the agent-reported test suite state.
type TestsStatus string

const (
	TestsPassing TestsStatus = "passing"
	TestsFailing TestsStatus = "failing"
	TestsSkipped TestsStatus = "skipped"
	TestsNotRun  TestsStatus = "not_run"
)

// OperatorStatus is one parsed status block.
type OperatorStatus struct {
	Status         State       `json:"status" yaml:"status"`
	ExitSignal     bool        `json:"exit_signal" yaml:"exit_signal"`
	Confidence     *int        `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	FilesModified  int         `json:"files_modified,omitempty" yaml:"files_modified,omitempty"`
	TestsStatus    TestsStatus `json:"tests_status,omitempty" yaml:"tests_status,omitempty"`
	ErrorCount     int         `json:"error_count,omitempty" yaml:"error_count,omitempty"`
	TasksCompleted int         `json:"tasks_completed,omitempty" yaml:"tasks_completed,omitempty"`
	TasksRemaining int         `json:"tasks_remaining,omitempty" yaml:"tasks_remaining,omitempty"`
	Summary        string      `json:"summary,omitempty" yaml:"summary,omitempty"`
	Recommendation string      `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
	Blockers       []string    `json:"blockers,omitempty" yaml:"blockers,omitempty"`
}

// Validate checks enumerations, ranges and the complete/exit_signal invariant.
func (s *OperatorStatus) Validate() error {
	switch s.Status {
	case StateInProgress, StateComplete, StateBlocked, StateFailed:
	case "":
		return fmt.Errorf("status is required")
	default:
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if s.Status == StateComplete && !s.ExitSignal {
		return fmt.Errorf("status complete requires exit_signal true")
	}
	if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 100) {
		return fmt.Errorf("confidence %d out of range 0..100", *s.Confidence)
	}
	switch s.TestsStatus {
	case "", TestsPassing, TestsFailing, TestsSkipped, TestsNotRun:
	default:
		return fmt.Errorf("invalid tests_status %q", s.TestsStatus)
	}
	for name, v := range map[string]int{
		"files_modified":  s.FilesModified,
		"error_count":     s.ErrorCount,
		"tasks_completed": s.TasksCompleted,
		"tasks_remaining": s.TasksRemaining,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if n := utf8.RuneCountInString(s.Summary); n > MaxSummaryLen {
		return fmt.Errorf("summary is %d chars, limit %d", n, MaxSummaryLen)
	}
	if n := utf8.RuneCountInString(s.Recommendation); n > MaxRecommendationLen {
		return fmt.Errorf("recommendation is %d chars, limit %d", n, MaxRecommendationLen)
	}
	return nil
}

// IterationEligible reports whether the agent asked to keep going.
func (s *OperatorStatus) IterationEligible() bool {
	return !s.ExitSignal
}
