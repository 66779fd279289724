// Package breaker contains the per-step circuit breaker.
//
// A Breaker is a plain value: callers record attempt outcomes on it and
// persist the result alongside the ticket.
package breaker

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// NoProgressLimit is the consecutive no-progress count that opens the breaker.
const NoProgressLimit = 2

// Limits are the configured thresholds.
type Limits struct {
	MaxIterations int
	ErrorBudget   int
}

// Breaker tracks one step of one ticket.
type Breaker struct {
	State                   State  `yaml:"state" json:"state"`
	IterationCount          int    `yaml:"iteration_count" json:"iteration_count"`
	CumulativeFilesModified int    `yaml:"cumulative_files_modified" json:"cumulative_files_modified"`
	CumulativeErrorCount    int    `yaml:"cumulative_error_count" json:"cumulative_error_count"`
	ConsecutiveNoProgress   int    `yaml:"consecutive_no_progress" json:"consecutive_no_progress"`
	OpenReason              string `yaml:"open_reason,omitempty" json:"open_reason,omitempty"`
}

// New returns a closed breaker.
func New() Breaker {
	return Breaker{State: StateClosed}
}

// Open reports whether the breaker has tripped.
func (b Breaker) Open() bool {
	return b.State == StateOpen
}

// Enter is called when the step is (re)entered.
func (b Breaker) Enter() Breaker {
	if b.State == "" {
		b.State = StateClosed
	}
	b.ConsecutiveNoProgress = 0
	return b
}

// RecordSuccess records an attempt whose agent reported completion.
func (b Breaker) RecordSuccess(filesModified, errorCount int) Breaker {
	if b.Open() {
		return b
	}
	b.IterationCount++
	b.CumulativeFilesModified += filesModified
	b.CumulativeErrorCount += errorCount
	b.ConsecutiveNoProgress = 0
	b.State = StateClosed
	return b
}

// RecordIteration records an attempt that ended with exit_signal=false.
// An iteration that modified no files counts as no progress.
func (b Breaker) RecordIteration(filesModified, errorCount int, l Limits) Breaker {
	if b.Open() {
		return b
	}
	b.IterationCount++
	b.CumulativeFilesModified += filesModified
	b.CumulativeErrorCount += errorCount
	if filesModified == 0 {
		b.ConsecutiveNoProgress++
		b.State = StateHalfOpen
	} else {
		b.ConsecutiveNoProgress = 0
	}
	return b.trip(l)
}

// RecordFailure records a failed attempt.
func (b Breaker) RecordFailure(errorCount int, l Limits) Breaker {
	if b.Open() {
		return b
	}
	b.IterationCount++
	b.CumulativeErrorCount += errorCount
	b.State = StateHalfOpen
	return b.trip(l)
}

// trip opens the breaker on the first record that reaches a threshold. This
// includes a closed breaker: a run of progressing iterations that reaches
// max_iterations opens without a half_open stop, since no further attempt
// is allowed to close it again.
func (b Breaker) trip(l Limits) Breaker {
	switch {
	case l.MaxIterations > 0 && b.IterationCount >= l.MaxIterations:
		b.OpenReason = "max iterations reached"
	case b.ConsecutiveNoProgress >= NoProgressLimit:
		b.OpenReason = "no progress in consecutive iterations"
	case l.ErrorBudget > 0 && b.CumulativeErrorCount >= l.ErrorBudget:
		b.OpenReason = "error budget exhausted"
	default:
		return b
	}
	b.State = StateOpen
	return b
}
