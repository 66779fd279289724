package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/example/operator/internal/core/sandbox"
	"github.com/example/operator/internal/core/ticket"
	"github.com/example/operator/internal/core/workflow"
	"github.com/example/operator/internal/errkind"
	"github.com/example/operator/internal/metrics"
	"github.com/example/operator/internal/ports/secondary"
)

// StepController drives tickets through their workflow steps. It owns the
// per-step breakers, retry counters and session history stored on the
// ticket. It is not reentrant per ticket: callers serialize calls for the
// same ticket and persist it afterwards.
type StepController struct {
	supervisor     *AgentSupervisor
	prompts        *PromptRenderer
	registry       workflow.Registry
	policy         workflow.Policy
	initialBackoff time.Duration
	metrics        *metrics.Collector
	events         eventRecorder
	logger         *slog.Logger
	now            func() time.Time
}

// StepControllerOptions carries the optional collaborators.
type StepControllerOptions struct {
	InitialBackoff time.Duration
	Metrics        *metrics.Collector
	Events         secondary.EventLog
	Logger         *slog.Logger
}

// NewStepController creates a StepController with injected dependencies.
func NewStepController(supervisor *AgentSupervisor, prompts *PromptRenderer, registry workflow.Registry, policy workflow.Policy, opts StepControllerOptions) *StepController {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &StepController{
		supervisor:     supervisor,
		prompts:        prompts,
		registry:       registry,
		policy:         policy,
		initialBackoff: opts.InitialBackoff,
		metrics:        opts.Metrics,
		events:         eventRecorder{log: opts.Events, logger: logger},
		logger:         logger,
		now:            time.Now,
	}
}

// Workflow returns the workflow for the ticket's type.
func (c *StepController) Workflow(t *ticket.Ticket) (workflow.Workflow, error) {
	w, ok := c.registry.Lookup(t.Type)
	if !ok {
		return workflow.Workflow{}, fmt.Errorf("no workflow for ticket type %q", t.Type)
	}
	return w, nil
}

// Begin binds the sandbox and starts the ticket's current step, or its first
// step when none is set.
func (c *StepController) Begin(ctx context.Context, t *ticket.Ticket, sb *sandbox.Sandbox) (workflow.Decision, error) {
	w, err := c.Workflow(t)
	if err != nil {
		return workflow.Decision{}, err
	}
	if err := setStatus(t, ticket.StatusRunning); err != nil {
		return workflow.Decision{}, err
	}
	t.Worktree = sb.Path
	t.Branch = sb.Branch
	if t.Step == "" || w.Index(t.Step) < 0 {
		t.Step = w.First()
	}
	t.SetBreaker(t.Step, t.Breaker(t.Step).Enter())
	return c.startAttempt(ctx, t, w, t.Step)
}

// Observe polls the active session once and applies the resulting decision.
func (c *StepController) Observe(ctx context.Context, t *ticket.Ticket) (workflow.Decision, error) {
	idle := workflow.Decision{Kind: workflow.InProgress, Step: t.Step}
	if t.Status != ticket.StatusRunning {
		return idle, nil
	}
	w, err := c.Workflow(t)
	if err != nil {
		return workflow.Decision{}, err
	}
	sess := t.ActiveSession()
	if sess == nil {
		return idle, nil
	}
	step := sess.Step

	// 1. A scheduled retry launches once its delay has passed
	if sess.State == ticket.LivenessPending {
		if sess.NotBefore != nil && c.now().Before(*sess.NotBefore) {
			return idle, nil
		}
		dropPending(t, step)
		return c.startAttempt(ctx, t, w, step)
	}

	// 2. Observe the running agent
	outcome := c.supervisor.Poll(ctx, t.ID, sess)
	switch outcome.Kind {
	case workflow.OutcomeRunning, workflow.OutcomeAwaitingInput, workflow.OutcomePending:
		return idle, nil
	}

	// 3. Close the attempt and decide
	c.endSession(ctx, t, sess, outcome)
	return c.decide(ctx, t, w, step, outcome)
}

// Approve moves an awaiting ticket past its review gate: it starts the next
// step, or completes the ticket after the last one.
func (c *StepController) Approve(ctx context.Context, t *ticket.Ticket) (workflow.Decision, error) {
	if err := ticket.CanApprove(ticket.ApproveContext{TicketID: t.ID, Status: t.Status, Step: t.Step}).Error(); err != nil {
		return workflow.Decision{}, err
	}
	w, err := c.Workflow(t)
	if err != nil {
		return workflow.Decision{}, err
	}
	c.events.record(ctx, t.ID, t.Step, "", EventApproved, "")

	next, ok := w.Next(t.Step)
	if !ok {
		if err := setStatus(t, ticket.StatusCompleted); err != nil {
			return workflow.Decision{}, err
		}
		return workflow.Decision{Kind: workflow.Complete, Step: t.Step}, nil
	}

	if err := setStatus(t, ticket.StatusRunning); err != nil {
		return workflow.Decision{}, err
	}
	t.Step = next.Name
	t.SetBreaker(next.Name, t.Breaker(next.Name).Enter())
	d, err := c.startAttempt(ctx, t, w, next.Name)
	if err != nil || d.Kind != workflow.InProgress {
		return d, err
	}
	return workflow.Decision{Kind: workflow.AdvanceAuto, Step: next.Name}, nil
}

// Reject records the reviewer's reason on the awaiting step and restarts it.
func (c *StepController) Reject(ctx context.Context, t *ticket.Ticket, reason string) (workflow.Decision, error) {
	if err := ticket.CanApprove(ticket.ApproveContext{TicketID: t.ID, Status: t.Status, Step: t.Step}).Error(); err != nil {
		return workflow.Decision{}, err
	}
	w, err := c.Workflow(t)
	if err != nil {
		return workflow.Decision{}, err
	}
	if last := t.LatestSession(t.Step); last != nil {
		last.Rejection = reason
	}
	c.events.record(ctx, t.ID, t.Step, "", EventRejected, reason)

	if err := setStatus(t, ticket.StatusRunning); err != nil {
		return workflow.Decision{}, err
	}
	t.SetBreaker(t.Step, t.Breaker(t.Step).Enter())
	d, err := c.startAttempt(ctx, t, w, t.Step)
	if err != nil || d.Kind != workflow.InProgress {
		return d, err
	}
	return workflow.Decision{Kind: workflow.Iterate, Step: t.Step, Reason: "rejected: " + reason}, nil
}

// Cancel stops the active agent, closes its session as cancelled and fails
// the ticket.
func (c *StepController) Cancel(ctx context.Context, t *ticket.Ticket, reason string) error {
	if err := ticket.CanCancel(t.ID, t.Status).Error(); err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	if sess := t.ActiveSession(); sess != nil && sess.SessionName != "" {
		if err := c.supervisor.Cancel(ctx, sess); err != nil {
			c.logger.Warn("agent cancel incomplete", "ticket", t.ID, "session", sess.SessionName, "error", err)
		}
	}
	t.CloseActive(c.now(), ticket.LivenessCancelled, reason)
	if err := setStatus(t, ticket.StatusFailed); err != nil {
		return err
	}
	t.FailureReason = string(errkind.Cancelled) + ": " + reason
	c.events.record(ctx, t.ID, t.Step, "", EventCancelled, reason)
	return nil
}

// RestartFresh abandons any active session and starts the current step
// again with a new session. History is kept.
func (c *StepController) RestartFresh(ctx context.Context, t *ticket.Ticket) (workflow.Decision, error) {
	w, err := c.Workflow(t)
	if err != nil {
		return workflow.Decision{}, err
	}
	if sess := t.ActiveSession(); sess != nil && sess.SessionName != "" {
		if err := c.supervisor.Release(ctx, sess); err != nil {
			c.logger.Warn("could not release old session", "ticket", t.ID, "error", err)
		}
	}
	t.CloseActive(c.now(), ticket.LivenessOrphaned, "restarted")
	if err := setStatus(t, ticket.StatusRunning); err != nil {
		return workflow.Decision{}, err
	}
	if t.Step == "" || w.Index(t.Step) < 0 {
		t.Step = w.First()
	}
	t.SetRetries(t.Step, 0)
	t.SetBreaker(t.Step, t.Breaker(t.Step).Enter())
	return c.startAttempt(ctx, t, w, t.Step)
}

// Resume re-attaches the ticket's current step to a live terminal session.
func (c *StepController) Resume(ctx context.Context, t *ticket.Ticket, sessionName string) error {
	sess := t.ActiveSession()
	if sess == nil {
		if latest := t.LatestSession(t.Step); latest != nil && latest.SessionName == sessionName {
			sess = latest
		} else {
			sess = t.AppendSession(ticket.StepSession{
				ID:          uuid.New().String(),
				Step:        t.Step,
				SandboxPath: t.Worktree,
				StartedAt:   c.now(),
			})
		}
	}
	if err := c.supervisor.Reattach(ctx, sess, sessionName); err != nil {
		return err
	}
	sess.FailureKind = ""
	sess.FailureReason = ""
	return setStatus(t, ticket.StatusRunning)
}

// startAttempt launches a session for step. A launch failure is recorded as
// an ended session and fed back through Decide.
func (c *StepController) startAttempt(ctx context.Context, t *ticket.Ticket, w workflow.Workflow, step string) (workflow.Decision, error) {
	logger := c.logger.With("ticket", t.ID, "step", step)

	sess, err := c.launch(ctx, t, w, step)
	if err == nil {
		t.AppendSession(*sess)
		c.metrics.RecordLaunch()
		c.events.record(ctx, t.ID, step, sess.ID, EventLaunched, sess.SessionName)
		return workflow.Decision{Kind: workflow.InProgress, Step: step}, nil
	}

	logger.Warn("agent launch failed", "error", err)
	now := c.now()
	kind := errkind.Of(err)
	t.AppendSession(ticket.StepSession{
		ID:            uuid.New().String(),
		Step:          step,
		SandboxPath:   t.Worktree,
		Executor:      t.Executor,
		StartedAt:     now,
		EndedAt:       &now,
		State:         ticket.LivenessFailed,
		FailureKind:   string(kind),
		FailureReason: err.Error(),
	})
	return c.decide(ctx, t, w, step, workflow.Outcome{Kind: workflow.OutcomeFailed, Failure: kind, Reason: err.Error()})
}

func (c *StepController) launch(ctx context.Context, t *ticket.Ticket, w workflow.Workflow, step string) (*ticket.StepSession, error) {
	prompt, err := c.prompts.Render(PromptInput{
		Ticket:   t,
		Workflow: w,
		Step:     step,
		Branch:   t.Branch,
		Context:  workflow.BuildContext(t, step),
	})
	if err != nil {
		return nil, err
	}
	return c.supervisor.Launch(ctx, LaunchRequest{
		TicketID: t.ID,
		Step:     step,
		Sandbox:  &sandbox.Sandbox{Project: t.Project, TicketID: t.ID, Path: t.Worktree, Branch: t.Branch},
		Executor: t.Executor,
		Prompt:   prompt,
	})
}

func (c *StepController) endSession(ctx context.Context, t *ticket.Ticket, sess *ticket.StepSession, outcome workflow.Outcome) {
	now := c.now()
	sess.EndedAt = &now
	switch outcome.Kind {
	case workflow.OutcomeCompleted:
		sess.State = ticket.LivenessCompleted
	case workflow.OutcomeOrphaned:
		sess.State = ticket.LivenessOrphaned
	default:
		sess.State = ticket.LivenessFailed
	}
	if outcome.Failure != "" {
		sess.FailureKind = string(outcome.Failure)
		sess.FailureReason = outcome.Reason
	}
	if sess.Result == nil && outcome.Status != nil {
		sess.Result = outcome.Status
	}
	c.metrics.RecordStepDuration(sess.Step, now.Sub(sess.StartedAt))

	if outcome.Kind != workflow.OutcomeOrphaned {
		if err := c.supervisor.Release(ctx, sess); err != nil {
			c.logger.Warn("could not release session", "ticket", t.ID, "session", sess.SessionName, "error", err)
		}
	}
	c.events.record(ctx, t.ID, sess.Step, sess.ID, EventSessionEnd, string(sess.State))
}

func (c *StepController) decide(ctx context.Context, t *ticket.Ticket, w workflow.Workflow, step string, outcome workflow.Outcome) (workflow.Decision, error) {
	before := t.Breaker(step)
	res := workflow.Decide(workflow.Input{
		Workflow: w,
		Step:     step,
		Outcome:  outcome,
		Breaker:  before,
		Retries:  t.Retries[step],
		Policy:   c.policy,
	})
	t.SetBreaker(step, res.Breaker)
	t.SetRetries(step, res.Retries)
	if res.Breaker.Open() && !before.Open() {
		c.metrics.RecordBreakerOpen()
	}

	d := res.Decision
	c.metrics.RecordDecision(string(d.Kind))
	c.events.record(ctx, t.ID, step, "", EventDecision, d.String())
	c.logger.Info("step decision", "ticket", t.ID, "step", step, "decision", d.String(),
		"breaker", string(res.Breaker.State), "iteration", res.Breaker.IterationCount)

	return c.apply(ctx, t, w, d)
}

func (c *StepController) apply(ctx context.Context, t *ticket.Ticket, w workflow.Workflow, d workflow.Decision) (workflow.Decision, error) {
	switch d.Kind {
	case workflow.Iterate:
		next, err := c.startAttempt(ctx, t, w, d.Step)
		return pick(d, next), err

	case workflow.AdvanceAuto:
		t.Step = d.Step
		t.SetBreaker(d.Step, t.Breaker(d.Step).Enter())
		next, err := c.startAttempt(ctx, t, w, d.Step)
		return pick(d, next), err

	case workflow.Retry:
		at := c.now().Add(c.RetryDelay(d.Attempt))
		t.AppendSession(ticket.StepSession{
			ID:          uuid.New().String(),
			Step:        d.Step,
			SandboxPath: t.Worktree,
			StartedAt:   c.now(),
			NotBefore:   &at,
			State:       ticket.LivenessPending,
		})
		return d, nil

	case workflow.AwaitReview:
		return d, setStatus(t, ticket.StatusAwaiting)

	case workflow.Complete:
		return d, setStatus(t, ticket.StatusCompleted)

	case workflow.Halt:
		t.FailureReason = d.Reason
		return d, setStatus(t, ticket.StatusFailed)
	}
	return d, nil
}

// pick prefers the follow-up decision when launching the next attempt ended
// the ticket's run.
func pick(d, next workflow.Decision) workflow.Decision {
	if next.Kind != workflow.InProgress {
		return next
	}
	return d
}

// RetryDelay is the wait before retry number attempt (1-based): the initial
// backoff doubled per attempt, without jitter.
func (c *StepController) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.initialBackoff << 16
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func setStatus(t *ticket.Ticket, to ticket.Status) error {
	if err := ticket.CanTransition(t.Status, to).Error(); err != nil {
		return fmt.Errorf("ticket %s: %w", t.ID, err)
	}
	t.Status = to
	return nil
}

func dropPending(t *ticket.Ticket, step string) {
	list := t.Sessions[step]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].State == ticket.LivenessPending {
			t.Sessions[step] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
