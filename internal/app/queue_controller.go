package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/operator/internal/core/ticket"
	"github.com/example/operator/internal/core/workflow"
	"github.com/example/operator/internal/errkind"
	"github.com/example/operator/internal/metrics"
	"github.com/example/operator/internal/ports/primary"
	"github.com/example/operator/internal/ports/secondary"
	"github.com/example/operator/internal/telemetry"
)

// QueueSettings configures admission and the tick loop.
type QueueSettings struct {
	MaxParallel      int
	TickInterval     time.Duration
	RecoveryGrace    time.Duration
	CompletedHistory int
	PriorityOrder    []string
}

// QueueDeps are the collaborators of a QueueController.
type QueueDeps struct {
	Store      secondary.TicketStore
	State      secondary.StateStore
	Inbox      secondary.CommandInbox
	Events     secondary.EventLog
	Steps      *StepController
	Sandboxes  *SandboxManager
	Supervisor *AgentSupervisor
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// QueueController reconciles the ticket files on disk with the running
// agents. It is the only writer of ticket files and state.json.
type QueueController struct {
	store      secondary.TicketStore
	state      secondary.StateStore
	inbox      secondary.CommandInbox
	steps      *StepController
	sandboxes  *SandboxManager
	supervisor *AgentSupervisor
	metrics    *metrics.Collector
	events     eventRecorder
	logger     *slog.Logger
	settings   QueueSettings
	order      ticket.AdmissionOrder
	now        func() time.Time

	// mu serializes ticks and control operations, so operations on one
	// ticket never overlap.
	mu        sync.Mutex
	restored  bool
	paused    bool
	active    map[string]*ticket.Ticket
	recovery  map[string]*secondary.RecoveryCandidate
	completed []secondary.CompletedTicket
}

// NewQueueController creates a QueueController with injected dependencies.
func NewQueueController(deps QueueDeps, settings QueueSettings) *QueueController {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if settings.MaxParallel < 1 {
		settings.MaxParallel = 1
	}
	if settings.TickInterval <= 0 {
		settings.TickInterval = 5 * time.Second
	}
	if settings.CompletedHistory <= 0 {
		settings.CompletedHistory = 20
	}
	return &QueueController{
		store:      deps.Store,
		state:      deps.State,
		inbox:      deps.Inbox,
		steps:      deps.Steps,
		sandboxes:  deps.Sandboxes,
		supervisor: deps.Supervisor,
		metrics:    deps.Metrics,
		events:     eventRecorder{log: deps.Events, logger: logger},
		logger:     logger,
		settings:   settings,
		order:      ticket.NewAdmissionOrder(settings.PriorityOrder),
		now:        time.Now,
		active:     map[string]*ticket.Ticket{},
		recovery:   map[string]*secondary.RecoveryCandidate{},
	}
}

// Run ticks until ctx is cancelled. A tick in flight when ctx is cancelled
// runs to completion and its state is written; agents keep running and are
// picked up again on the next start.
func (q *QueueController) Run(ctx context.Context) error {
	q.logger.Info("queue controller started",
		"max_parallel", q.settings.MaxParallel, "tick_interval", q.settings.TickInterval)

	ticker := time.NewTicker(q.settings.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := q.Tick(context.WithoutCancel(ctx)); err != nil {
			q.logger.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			q.logger.Info("queue controller stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass: drain commands, scan, reconcile, admit, advance and
// persist.
func (q *QueueController) Tick(ctx context.Context) (*primary.TickReport, error) {
	ctx, span := telemetry.Start(ctx, "queue.tick")
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()

	start := q.now()
	report := &primary.TickReport{Decisions: map[string]string{}}

	// 1. Restore persisted state once
	q.restore(ctx)

	// 2. Requests from other processes
	q.drainInbox(ctx, report)

	// 3. Scan
	scan, err := q.store.Scan(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}
	report.Scanned = len(scan.Tickets)
	for _, issue := range scan.Invalid {
		q.logger.Warn("unreadable ticket file", "dir", issue.Dir, "file", issue.Filename, "error", issue.Err)
	}

	// 4. Reconcile
	queued := q.reconcile(ctx, scan.Tickets, report)

	// 5. Admit
	q.admit(ctx, queued, report)

	// 6. Advance
	q.advance(ctx, report)

	// 7. Persist
	q.persist(ctx, len(queued)-len(report.Admitted))

	report.Duration = q.now().Sub(start)
	span.SetAttributes(
		attribute.Int("scanned", report.Scanned),
		attribute.Int("admitted", len(report.Admitted)),
	)
	return report, nil
}

func (q *QueueController) restore(ctx context.Context) {
	if q.restored {
		return
	}
	q.restored = true
	snap, err := q.state.ReadState(ctx)
	if err != nil {
		q.logger.Warn("could not read state snapshot", "error", err)
		return
	}
	if snap == nil {
		return
	}
	q.paused = snap.Paused
	q.completed = snap.Completed
	for i := range snap.Recovery {
		c := snap.Recovery[i]
		q.recovery[c.TicketID] = &c
	}
}

// reconcile heals status/directory mismatches, adopts in-progress tickets the
// controller does not know about and expires recovery candidates. It returns
// the queued tickets.
func (q *QueueController) reconcile(ctx context.Context, scanned []*ticket.Ticket, report *primary.TickReport) []*ticket.Ticket {
	var queued []*ticket.Ticket
	onDisk := map[string]bool{}

	for _, h := range scanned {
		if !ticket.Matches(h.Status, h.Dir) {
			healed, err := q.heal(ctx, h)
			if err != nil {
				q.logger.Warn("self-heal failed", "ticket", h.ID, "error", err)
				continue
			}
			report.Healed = append(report.Healed, h.ID)
			h = healed
		}

		switch h.Dir {
		case ticket.DirQueue:
			queued = append(queued, h)
		case ticket.DirInProgress:
			onDisk[h.ID] = true
			if _, ok := q.active[h.ID]; !ok {
				q.adopt(ctx, h, report)
			}
		}
	}

	// Tickets moved out from under the controller
	for id := range q.active {
		if !onDisk[id] {
			q.logger.Warn("active ticket no longer in in-progress, dropping", "ticket", id)
			delete(q.active, id)
		}
	}
	for id := range q.recovery {
		if !onDisk[id] {
			delete(q.recovery, id)
		}
	}

	// Default recovery policy once the grace period has passed
	for _, id := range sortedKeys(q.recovery) {
		c := q.recovery[id]
		if q.now().Sub(c.FirstSeen) < q.settings.RecoveryGrace {
			continue
		}
		if err := q.recoverLocked(ctx, primary.RecoverRequest{TicketID: id, Action: primary.RecoverReturnQueue}); err != nil {
			q.logger.Warn("default recovery failed", "ticket", id, "error", err)
			continue
		}
		report.Recovered = append(report.Recovered, id)
	}
	return queued
}

// heal rewrites a ticket whose status disagrees with its directory.
func (q *QueueController) heal(ctx context.Context, h *ticket.Ticket) (*ticket.Ticket, error) {
	t, err := q.store.Load(ctx, h.Dir, h.Filename)
	if err != nil {
		return nil, err
	}
	from := t.Status
	logger := q.logger.With("ticket", t.ID, "dir", t.Dir, "status", from)

	switch t.Dir {
	case ticket.DirQueue:
		t.Status = ticket.StatusQueued
		err = q.store.Save(ctx, t)

	case ticket.DirInProgress:
		switch {
		case from.Terminal():
			// Interrupted archive: finish the move.
			err = q.store.Move(ctx, t, ticket.DirCompleted)
		case q.hasLiveSession(ctx, t):
			t.Status = ticket.StatusRunning
			err = q.store.Save(ctx, t)
		default:
			t.CloseActive(q.now(), ticket.LivenessOrphaned, "no live session after restart")
			t.Reset()
			t.Status = ticket.StatusQueued
			err = q.store.Move(ctx, t, ticket.DirQueue)
		}

	case ticket.DirCompleted:
		t.CloseActive(q.now(), ticket.LivenessOrphaned, "archived with non-terminal status")
		t.Status = ticket.StatusFailed
		if t.FailureReason == "" {
			t.FailureReason = string(errkind.StatusDirectoryMismatch) + ": found in completed with status " + string(from)
		}
		err = q.store.Save(ctx, t)
	}
	if err != nil {
		return nil, err
	}

	logger.Warn("status did not match directory, healed", "new_status", t.Status, "new_dir", t.Dir)
	q.metrics.RecordSelfHeal()
	q.events.record(ctx, t.ID, t.Step, "", EventSelfHeal, fmt.Sprintf("%s in %s -> %s in %s", from, h.Dir, t.Status, t.Dir))
	return t, nil
}

func (q *QueueController) hasLiveSession(ctx context.Context, t *ticket.Ticket) bool {
	sess := t.ActiveSession()
	if sess == nil {
		return false
	}
	if sess.State == ticket.LivenessPending {
		return true
	}
	alive, err := q.supervisor.Alive(ctx, sess.SessionName)
	return err == nil && alive
}

// adopt loads an in-progress ticket the controller is not tracking. Tickets
// with a live or scheduled session become active again; the rest become
// recovery candidates.
func (q *QueueController) adopt(ctx context.Context, h *ticket.Ticket, report *primary.TickReport) {
	t, err := q.store.Load(ctx, h.Dir, h.Filename)
	if err != nil {
		q.logger.Warn("could not load in-progress ticket", "ticket", h.ID, "error", err)
		return
	}
	if _, pending := q.recovery[t.ID]; pending {
		return
	}
	if t.Status == ticket.StatusAwaiting || q.hasLiveSession(ctx, t) {
		q.active[t.ID] = t
		q.logger.Info("re-attached to in-progress ticket", "ticket", t.ID, "step", t.Step, "status", t.Status)
		return
	}

	c := &secondary.RecoveryCandidate{TicketID: t.ID, Step: t.Step, FirstSeen: q.now()}
	if sess := t.ActiveSession(); sess != nil {
		c.SessionID = sess.ID
		c.SessionName = sess.SessionName
	} else if sess := t.MostRecentSession(); sess != nil {
		c.SessionID = sess.ID
		c.SessionName = sess.SessionName
	}
	q.recovery[t.ID] = c
	q.logger.Warn("in-progress ticket has no live session, offering recovery",
		"ticket", t.ID, "step", t.Step, "grace", q.settings.RecoveryGrace)
	q.events.record(ctx, t.ID, t.Step, c.SessionID, EventRecovery, "candidate")
}

func (q *QueueController) activeCount() int {
	return len(q.active) + len(q.recovery)
}

// admit starts queued tickets in admission order while slots are free.
func (q *QueueController) admit(ctx context.Context, queued []*ticket.Ticket, report *primary.TickReport) {
	if q.paused {
		return
	}
	q.order.Sort(queued)
	for _, h := range queued {
		if q.activeCount() >= q.settings.MaxParallel {
			return
		}
		if err := q.launch(ctx, h, report); err != nil {
			q.logger.Error("admission failed", "ticket", h.ID, "error", err)
		}
	}
}

// launch moves one queued ticket into in-progress, creates its sandbox and
// begins its first step.
func (q *QueueController) launch(ctx context.Context, h *ticket.Ticket, report *primary.TickReport) error {
	ctx, span := telemetry.Start(ctx, "queue.launch", attribute.String("ticket", h.ID))
	defer span.End()

	// 1. Claim the ticket
	t, err := q.store.Load(ctx, h.Dir, h.Filename)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if err := setStatus(t, ticket.StatusRunning); err != nil {
		return err
	}
	if err := q.store.Move(ctx, t, ticket.DirInProgress); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	q.active[t.ID] = t
	report.Admitted = append(report.Admitted, t.ID)
	q.metrics.RecordAdmitted()
	q.events.record(ctx, t.ID, "", "", EventAdmitted, string(t.Priority))
	q.logger.Info("ticket admitted", "ticket", t.ID, "type", t.Type, "priority", t.Priority)

	// 2. Sandbox
	sb, err := q.sandboxes.Ensure(ctx, EnsureRequest{
		Project:    t.Project,
		TicketID:   t.ID,
		TicketType: t.Type,
		Branch:     t.Branch,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		t.FailureReason = err.Error()
		t.Status = ticket.StatusFailed
		report.Decisions[t.ID] = workflow.Decision{Kind: workflow.Halt, Reason: err.Error()}.String()
		return q.commit(ctx, t, report)
	}

	// 3. First step
	d, err := q.steps.Begin(ctx, t, sb)
	if err != nil {
		telemetry.RecordError(span, err)
		t.FailureReason = err.Error()
		t.Status = ticket.StatusFailed
	}
	if d.Kind != "" && d.Kind != workflow.InProgress {
		report.Decisions[t.ID] = d.String()
	}
	return q.commit(ctx, t, report)
}

type observation struct {
	ticket   *ticket.Ticket
	decision workflow.Decision
	err      error
}

// advance observes every running ticket. Observations run concurrently;
// results are committed one at a time in ticket order.
func (q *QueueController) advance(ctx context.Context, report *primary.TickReport) {
	ids := sortedKeys(q.active)
	results := make([]observation, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		t := q.active[id]
		results[i].ticket = t
		if t.Status != ticket.StatusRunning {
			continue
		}
		wg.Add(1)
		go func(i int, t *ticket.Ticket) {
			defer wg.Done()
			results[i].decision, results[i].err = q.steps.Observe(ctx, t)
		}(i, t)
	}
	wg.Wait()

	for _, r := range results {
		t := r.ticket
		if t.Status == ticket.StatusAwaiting && r.decision.Kind == "" {
			continue
		}
		if r.err != nil {
			q.logger.Error("observe failed", "ticket", t.ID, "error", r.err)
		}
		if r.decision.Kind != "" && r.decision.Kind != workflow.InProgress {
			report.Decisions[t.ID] = r.decision.String()
		}
		if err := q.commit(ctx, t, report); err != nil {
			q.logger.Error("failed to persist ticket", "ticket", t.ID, "error", err)
		}
	}
}

// commit writes t to the directory its status requires and retires finished
// tickets.
func (q *QueueController) commit(ctx context.Context, t *ticket.Ticket, report *primary.TickReport) error {
	now := q.now().UTC()
	t.Updated = &now

	want := ticket.DirFor(t.Status)
	var err error
	if t.Dir != want {
		err = q.store.Move(ctx, t, want)
	} else {
		err = q.store.Save(ctx, t)
	}
	if err != nil {
		return err
	}

	switch t.Status {
	case ticket.StatusRunning, ticket.StatusAwaiting:
		q.active[t.ID] = t
	default:
		delete(q.active, t.ID)
	}
	delete(q.recovery, t.ID)
	if t.Status.Terminal() {
		q.retire(ctx, t, report)
	}
	return nil
}

func (q *QueueController) retire(ctx context.Context, t *ticket.Ticket, report *primary.TickReport) {
	entry := secondary.CompletedTicket{
		TicketID:    t.ID,
		Project:     t.Project,
		Status:      string(t.Status),
		CompletedAt: q.now().UTC(),
	}
	if t.Status == ticket.StatusFailed {
		entry.FailureReason = t.LastFailure()
		q.metrics.RecordFailed()
		q.events.record(ctx, t.ID, t.Step, "", EventFailed, entry.FailureReason)
		q.logger.Warn("ticket failed", "ticket", t.ID, "step", t.Step, "reason", entry.FailureReason)
		if report != nil {
			report.Failed = append(report.Failed, t.ID)
		}
	} else {
		q.metrics.RecordCompleted()
		q.events.record(ctx, t.ID, t.Step, "", EventCompleted, "")
		q.logger.Info("ticket completed", "ticket", t.ID)
		if report != nil {
			report.Completed = append(report.Completed, t.ID)
		}
	}
	q.completed = append([]secondary.CompletedTicket{entry}, q.completed...)
	if len(q.completed) > q.settings.CompletedHistory {
		q.completed = q.completed[:q.settings.CompletedHistory]
	}
}

// persist writes state.json. A failed write is retried on the next tick.
func (q *QueueController) persist(ctx context.Context, queued int) {
	snap := q.snapshot()
	if err := q.state.WriteState(ctx, snap); err != nil {
		q.logger.Warn("state snapshot not written, retrying next tick", "error", err)
		q.events.record(ctx, "", "", "", EventStateFailed, err.Error())
	}

	awaiting := 0
	for _, t := range q.active {
		if t.Status == ticket.StatusAwaiting {
			awaiting++
		}
	}
	if queued < 0 {
		queued = 0
	}
	q.metrics.UpdateQueueStats(queued, q.activeCount(), awaiting, q.paused)
}

func (q *QueueController) snapshot() *secondary.StateSnapshot {
	snap := &secondary.StateSnapshot{
		Paused:    q.paused,
		Agents:    []secondary.AgentState{},
		Completed: append([]secondary.CompletedTicket{}, q.completed...),
		UpdatedAt: q.now().UTC(),
	}
	for _, id := range sortedKeys(q.active) {
		t := q.active[id]
		a := secondary.AgentState{
			TicketID:    t.ID,
			Project:     t.Project,
			Type:        t.Type,
			Status:      string(t.Status),
			Step:        t.Step,
			SandboxPath: t.Worktree,
			Branch:      t.Branch,
			Iteration:   t.Breaker(t.Step).IterationCount,
			Breaker:     string(t.Breaker(t.Step).State),
		}
		if sess := t.ActiveSession(); sess != nil {
			a.SessionID = sess.ID
			a.SessionName = sess.SessionName
			a.Liveness = string(sess.State)
			a.StartedAt = sess.StartedAt
			a.LastChange = sess.LastChange
		}
		snap.Agents = append(snap.Agents, a)
	}
	for _, id := range sortedKeys(q.recovery) {
		snap.Recovery = append(snap.Recovery, *q.recovery[id])
	}
	return snap
}

// drainInbox applies requests submitted by other processes.
func (q *QueueController) drainInbox(ctx context.Context, report *primary.TickReport) {
	if q.inbox == nil {
		return
	}
	cmds, err := q.inbox.Drain(ctx)
	if err != nil {
		q.logger.Warn("could not drain command inbox", "error", err)
		return
	}
	for _, cmd := range cmds {
		if err := q.applyCommand(ctx, cmd, report); err != nil {
			q.logger.Warn("command rejected", "action", cmd.Action, "ticket", cmd.TicketID, "error", err)
			continue
		}
		q.logger.Info("command applied", "action", cmd.Action, "ticket", cmd.TicketID)
	}
}

func (q *QueueController) applyCommand(ctx context.Context, cmd *secondary.ControlCommand, report *primary.TickReport) error {
	switch cmd.Action {
	case ActionPause:
		return q.setPaused(ctx, true)
	case ActionResume:
		return q.setPaused(ctx, false)
	case ActionApprove:
		return q.approveLocked(ctx, cmd.TicketID, report)
	case ActionReject:
		return q.rejectLocked(ctx, cmd.TicketID, cmd.Reason, report)
	case ActionCancel:
		return q.cancelLocked(ctx, cmd.TicketID, cmd.Reason, report)
	case ActionRecover:
		return q.recoverLocked(ctx, primary.RecoverRequest{
			TicketID:    cmd.TicketID,
			Action:      primary.RecoveryAction(cmd.Recovery),
			SessionName: cmd.SessionName,
		})
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// Pause stops new admissions. Running tickets continue.
func (q *QueueController) Pause(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.restore(ctx)
	return q.setPaused(ctx, true)
}

// Resume re-enables admissions.
func (q *QueueController) Resume(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.restore(ctx)
	return q.setPaused(ctx, false)
}

func (q *QueueController) setPaused(ctx context.Context, paused bool) error {
	q.paused = paused
	kind := EventResumed
	if paused {
		kind = EventPaused
	}
	q.events.record(ctx, "", "", "", kind, "")
	q.logger.Info("queue admission changed", "paused", paused)
	if err := q.state.WriteState(ctx, q.snapshot()); err != nil {
		return errkind.Wrap(errkind.StateWriteFailed, err, "persist paused flag")
	}
	return nil
}

// Approve moves an awaiting ticket past its review gate.
func (q *QueueController) Approve(ctx context.Context, ticketID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.approveLocked(ctx, ticketID, nil)
}

func (q *QueueController) approveLocked(ctx context.Context, ticketID string, report *primary.TickReport) error {
	t, err := q.find(ctx, ticketID)
	if err != nil {
		return err
	}
	d, err := q.steps.Approve(ctx, t)
	if err != nil {
		return err
	}
	q.logger.Info("ticket approved", "ticket", t.ID, "decision", d.String())
	return q.commit(ctx, t, report)
}

// Reject restarts the awaiting step with the reviewer's reason.
func (q *QueueController) Reject(ctx context.Context, ticketID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rejectLocked(ctx, ticketID, reason, nil)
}

func (q *QueueController) rejectLocked(ctx context.Context, ticketID, reason string, report *primary.TickReport) error {
	t, err := q.find(ctx, ticketID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("a reason is required to reject %s", ticketID)
	}
	if _, err := q.steps.Reject(ctx, t, reason); err != nil {
		return err
	}
	return q.commit(ctx, t, report)
}

// Cancel stops a ticket and archives it as failed.
func (q *QueueController) Cancel(ctx context.Context, ticketID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelLocked(ctx, ticketID, reason, nil)
}

func (q *QueueController) cancelLocked(ctx context.Context, ticketID, reason string, report *primary.TickReport) error {
	t, err := q.find(ctx, ticketID)
	if err != nil {
		return err
	}
	if err := q.steps.Cancel(ctx, t, reason); err != nil {
		return err
	}
	return q.commit(ctx, t, report)
}

// Recover applies a recovery action to an in-progress ticket with no live
// session.
func (q *QueueController) Recover(ctx context.Context, req primary.RecoverRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.restore(ctx)
	return q.recoverLocked(ctx, req)
}

func (q *QueueController) recoverLocked(ctx context.Context, req primary.RecoverRequest) error {
	t, err := q.find(ctx, req.TicketID)
	if err != nil {
		return err
	}
	if t.Dir != ticket.DirInProgress {
		return errkind.New(errkind.TransitionForbidden, "ticket %s is not in progress", t.ID)
	}
	q.events.record(ctx, t.ID, t.Step, "", EventRecovery, string(req.Action))
	q.logger.Info("recovering ticket", "ticket", t.ID, "action", req.Action)

	switch req.Action {
	case primary.RecoverResume:
		name := req.SessionName
		if name == "" {
			if c := q.recovery[t.ID]; c != nil {
				name = c.SessionName
			}
		}
		if err := q.steps.Resume(ctx, t, name); err != nil {
			return err
		}

	case primary.RecoverRestartFresh:
		sb, err := q.sandboxes.Ensure(ctx, EnsureRequest{
			Project:    t.Project,
			TicketID:   t.ID,
			TicketType: t.Type,
			Branch:     t.Branch,
		})
		if err != nil {
			return err
		}
		t.Worktree = sb.Path
		t.Branch = sb.Branch
		if _, err := q.steps.RestartFresh(ctx, t); err != nil {
			return err
		}

	case primary.RecoverReturnQueue:
		if sess := t.ActiveSession(); sess != nil && sess.SessionName != "" {
			if err := q.supervisor.Release(ctx, sess); err != nil {
				q.logger.Warn("could not release session", "ticket", t.ID, "error", err)
			}
		}
		t.CloseActive(q.now(), ticket.LivenessOrphaned, "returned to queue")
		if err := setStatus(t, ticket.StatusQueued); err != nil {
			return err
		}
		t.Reset()

	case primary.RecoverCancel:
		if err := q.steps.Cancel(ctx, t, "cancelled during recovery"); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown recovery action %q", req.Action)
	}
	return q.commit(ctx, t, nil)
}

// find returns the full ticket with the given id, preferring the in-memory
// copy of active tickets.
func (q *QueueController) find(ctx context.Context, ticketID string) (*ticket.Ticket, error) {
	if t, ok := q.active[ticketID]; ok {
		return t, nil
	}
	scan, err := q.store.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}
	for _, h := range scan.Tickets {
		if strings.EqualFold(h.ID, ticketID) {
			return q.store.Load(ctx, h.Dir, h.Filename)
		}
	}
	return nil, errkind.New(errkind.QueueFileMissing, "ticket %s not found", ticketID)
}

// Enqueue drops a new ticket into queue/.
func (q *QueueController) Enqueue(ctx context.Context, req primary.EnqueueRequest) (*primary.EnqueueResponse, error) {
	now := q.now().UTC()
	typ := strings.ToUpper(strings.TrimSpace(req.Type))
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = fmt.Sprintf("%s-%s", typ, now.Format("20060102150405"))
	}
	priority := ticket.Priority(req.Priority)
	if priority == "" {
		priority = ticket.PriorityMedium
	}

	t := &ticket.Ticket{
		ID:          id,
		Type:        typ,
		Status:      ticket.StatusQueued,
		Priority:    priority.Normalize(),
		Project:     req.Project,
		Summary:     req.Summary,
		Timestamp:   now.Format(time.RFC3339),
		Executor:    req.Executor,
		ExternalID:  req.ExternalID,
		ExternalURL: req.ExternalURL,
		Body:        req.Body,
	}
	if _, ok := q.steps.registry.Lookup(t.Type); !ok {
		return nil, fmt.Errorf("no workflow configured for type %q", t.Type)
	}
	if err := q.store.Create(ctx, t); err != nil {
		return nil, err
	}
	q.events.record(ctx, t.ID, "", "", EventEnqueued, t.Summary)
	q.logger.Info("ticket enqueued", "ticket", t.ID, "file", t.Filename)
	return &primary.EnqueueResponse{TicketID: t.ID, Filename: t.Filename}, nil
}

// Status returns the queue as seen on disk plus the controller's view of
// active and recovering tickets.
func (q *QueueController) Status(ctx context.Context) (*primary.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.restore(ctx)

	scan, err := q.store.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}
	st := &primary.QueueStatus{Paused: q.paused, MaxParallel: q.settings.MaxParallel}

	var queued, completed []*ticket.Ticket
	for _, h := range scan.Tickets {
		switch h.Dir {
		case ticket.DirQueue:
			queued = append(queued, h)
		case ticket.DirCompleted:
			completed = append(completed, h)
		case ticket.DirInProgress:
			t := h
			if live, ok := q.active[h.ID]; ok {
				t = live
			}
			s := summarize(t)
			if _, ok := q.recovery[h.ID]; ok {
				st.Recovery = append(st.Recovery, s)
			} else {
				st.Active = append(st.Active, s)
			}
		}
	}

	q.order.Sort(queued)
	for _, t := range queued {
		st.Queued = append(st.Queued, summarize(t))
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return updatedAt(completed[i]).After(updatedAt(completed[j]))
	})
	for i, t := range completed {
		if i >= q.settings.CompletedHistory {
			break
		}
		st.Completed = append(st.Completed, summarize(t))
	}
	return st, nil
}

// Tail returns the last n bytes of the ticket's current session output.
func (q *QueueController) Tail(ctx context.Context, ticketID string, n int) (string, error) {
	q.mu.Lock()
	t, err := q.find(ctx, ticketID)
	q.mu.Unlock()
	if err != nil {
		return "", err
	}
	sess := t.ActiveSession()
	if sess == nil || sess.State == ticket.LivenessPending {
		sess = latestLaunched(t)
	}
	if sess == nil {
		return "", fmt.Errorf("ticket %s has no sessions", ticketID)
	}
	return q.supervisor.Tail(ctx, t.ID, sess, n)
}

// Session returns the ticket's current or most recent launched session.
func (q *QueueController) Session(ctx context.Context, ticketID string) (*ticket.StepSession, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.find(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	sess := t.ActiveSession()
	if sess == nil || sess.SessionName == "" {
		sess = latestLaunched(t)
	}
	if sess == nil {
		return nil, fmt.Errorf("ticket %s has no sessions", ticketID)
	}
	return sess, nil
}

func latestLaunched(t *ticket.Ticket) *ticket.StepSession {
	var latest *ticket.StepSession
	for _, step := range t.SortedSteps() {
		list := t.Sessions[step]
		for i := range list {
			if list[i].SessionName == "" {
				continue
			}
			if latest == nil || list[i].StartedAt.After(latest.StartedAt) {
				latest = &list[i]
			}
		}
	}
	return latest
}

func summarize(t *ticket.Ticket) *primary.TicketSummary {
	s := &primary.TicketSummary{
		ID:            t.ID,
		Type:          t.Type,
		Project:       t.Project,
		Priority:      string(t.Priority),
		Status:        string(t.Status),
		Step:          t.Step,
		Summary:       t.Summary,
		SandboxPath:   t.Worktree,
		Branch:        t.Branch,
		FailureReason: t.LastFailure(),
		UpdatedAt:     updatedAt(t),
	}
	if t.Step != "" {
		b := t.Breaker(t.Step)
		s.Breaker = string(b.State)
		s.Iteration = b.IterationCount
	}
	if sess := t.ActiveSession(); sess != nil {
		s.SessionName = sess.SessionName
		s.Liveness = string(sess.State)
	}
	if t.Status != ticket.StatusFailed {
		s.FailureReason = ""
	}
	return s
}

func updatedAt(t *ticket.Ticket) time.Time {
	if t.Updated != nil {
		return *t.Updated
	}
	ts, _ := time.Parse(time.RFC3339, t.Timestamp)
	return ts
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ primary.QueueService = (*QueueController)(nil)
