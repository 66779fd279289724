package workflow

import (
	"fmt"
	"strings"

	"github.com/example/operator/internal/core/agentstatus"
	"github.com/example/operator/internal/core/breaker"
	"github.com/example/operator/internal/errkind"
)

// DecisionKind is what the controller does after observing an attempt.
type DecisionKind string

const (
	InProgress  DecisionKind = "in_progress"
	Iterate     DecisionKind = "iterate"
	AdvanceAuto DecisionKind = "advance_auto"
	AwaitReview DecisionKind = "await_review"
	Retry       DecisionKind = "retry"
	Halt        DecisionKind = "halt"
	// Complete ends the workflow without a final approval gate.
	Complete DecisionKind = "complete"
)

// Decision is the result of one observation.
type Decision struct {
	Kind DecisionKind
	// Step is the next step for AdvanceAuto, the finished step for
	// AwaitReview and the current step otherwise.
	Step    string
	Reason  string
	Failure errkind.Kind
	// Attempt is the 1-based retry number for Retry.
	Attempt int
}

func (d Decision) String() string {
	switch d.Kind {
	case AdvanceAuto, AwaitReview:
		return fmt.Sprintf("%s(%s)", d.Kind, d.Step)
	case Retry, Halt:
		return fmt.Sprintf("%s(%s)", d.Kind, d.Reason)
	default:
		return string(d.Kind)
	}
}

// Terminal reports whether the decision ends the ticket's run.
func (d Decision) Terminal() bool {
	return d.Kind == Halt || d.Kind == Complete
}

// OutcomeKind is the supervisor's view of an attempt.
type OutcomeKind string

const (
	OutcomePending       OutcomeKind = "pending"
	OutcomeRunning       OutcomeKind = "running"
	OutcomeAwaitingInput OutcomeKind = "awaiting_input"
	OutcomeCompleted     OutcomeKind = "completed"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeOrphaned      OutcomeKind = "orphaned"
)

// Outcome is one observation of an attempt.
type Outcome struct {
	Kind OutcomeKind
	// Status is the parsed block for completed attempts; for failed or
	// orphaned attempts it may hold whatever was parseable.
	Status  *agentstatus.OperatorStatus
	Failure errkind.Kind
	Reason  string
}

// Policy holds the retry and breaker thresholds.
type Policy struct {
	Limits     breaker.Limits
	MaxRetries int
}

// Input is everything Decide needs.
type Input struct {
	Workflow Workflow
	Step     string
	Outcome  Outcome
	Breaker  breaker.Breaker
	Retries  int
	Policy   Policy
}

// Result carries the decision and the updated per-step counters.
type Result struct {
	Decision Decision
	Breaker  breaker.Breaker
	Retries  int
}

// Decide maps an observation onto the next action. It is pure: the caller
// persists the returned breaker and retry counter.
func Decide(in Input) Result {
	res := Result{Breaker: in.Breaker, Retries: in.Retries}
	if res.Breaker.Open() {
		res.Decision = halt(in.Step, errkind.CircuitOpen, "circuit open: "+res.Breaker.OpenReason)
		return res
	}

	switch in.Outcome.Kind {
	case OutcomeCompleted:
		return decideCompleted(in, res)
	case OutcomeFailed, OutcomeOrphaned:
		return decideFailed(in, res)
	default:
		res.Decision = Decision{Kind: InProgress, Step: in.Step}
		return res
	}
}

func decideCompleted(in Input, res Result) Result {
	st := in.Outcome.Status
	if st == nil {
		in.Outcome.Kind = OutcomeFailed
		in.Outcome.Failure = errkind.StatusParseFailed
		return decideFailed(in, res)
	}
	// A parsed block means the agent ran; infrastructure retries start over.
	res.Retries = 0

	switch {
	case st.Status == agentstatus.StateComplete:
		res.Breaker = res.Breaker.RecordSuccess(st.FilesModified, st.ErrorCount)
		res.Decision = afterSuccess(in.Workflow, in.Step)
		return res

	case st.Status == agentstatus.StateBlocked && st.ExitSignal:
		res.Breaker = res.Breaker.RecordFailure(st.ErrorCount, in.Policy.Limits)
		reason := "agent reported blocked"
		if len(st.Blockers) > 0 {
			reason += ": " + strings.Join(st.Blockers, "; ")
		}
		res.Decision = halt(in.Step, errkind.AgentBlocked, reason)
		return res

	case st.Status == agentstatus.StateFailed:
		res.Breaker = res.Breaker.RecordFailure(st.ErrorCount, in.Policy.Limits)

	default:
		res.Breaker = res.Breaker.RecordIteration(st.FilesModified, st.ErrorCount, in.Policy.Limits)
	}

	if res.Breaker.Open() {
		res.Decision = halt(in.Step, errkind.CircuitOpen, "circuit open: "+res.Breaker.OpenReason)
		return res
	}
	res.Decision = Decision{Kind: Iterate, Step: in.Step}
	return res
}

func decideFailed(in Input, res Result) Result {
	kind := in.Outcome.Failure
	if in.Outcome.Kind == OutcomeOrphaned && kind == "" {
		kind = errkind.Orphaned
	}
	reason := in.Outcome.Reason
	if reason == "" {
		reason = string(kind)
	}

	if !errkind.Retryable(kind) {
		res.Decision = halt(in.Step, kind, reason)
		return res
	}

	errCount := 0
	if in.Outcome.Status != nil {
		errCount = in.Outcome.Status.ErrorCount
	}
	res.Breaker = res.Breaker.RecordFailure(errCount, in.Policy.Limits)
	if res.Breaker.Open() {
		res.Decision = halt(in.Step, errkind.CircuitOpen, "circuit open: "+res.Breaker.OpenReason)
		return res
	}
	if res.Retries >= in.Policy.MaxRetries {
		res.Decision = halt(in.Step, errkind.RetryBudgetExhausted,
			fmt.Sprintf("retry budget exhausted after %d retries: %s", res.Retries, reason))
		return res
	}
	res.Retries++
	res.Decision = Decision{Kind: Retry, Step: in.Step, Reason: reason, Failure: kind, Attempt: res.Retries}
	return res
}

// afterSuccess picks the transition out of a completed step.
func afterSuccess(w Workflow, step string) Decision {
	next, ok := w.Next(step)
	if !ok {
		if w.FinalApproval {
			return Decision{Kind: AwaitReview, Step: step}
		}
		return Decision{Kind: Complete, Step: step}
	}
	if next.Review {
		return Decision{Kind: AwaitReview, Step: step}
	}
	return Decision{Kind: AdvanceAuto, Step: next.Name}
}

func halt(step string, kind errkind.Kind, reason string) Decision {
	return Decision{Kind: Halt, Step: step, Reason: reason, Failure: kind}
}
