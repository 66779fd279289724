// Package ticket contains the ticket model, its on-disk front-matter format and
// the pure rules for status, directory placement and admission order.
package ticket

import (
	"sort"
	"strings"
	"time"

	"github.com/example/operator/internal/core/agentstatus"
	"github.com/example/operator/internal/core/breaker"
)

// Status is the ticket lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusAwaiting  Status = "awaiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusAwaiting, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Dir is one of the queue directories under the workspace root.
type Dir string

const (
	DirQueue      Dir = "queue"
	DirInProgress Dir = "in-progress"
	DirCompleted  Dir = "completed"
)

// Dirs lists the queue directories in lifecycle order.
var Dirs = []Dir{DirQueue, DirInProgress, DirCompleted}

// DirFor returns the directory a ticket with status s must live in.
func DirFor(s Status) Dir {
	switch s {
	case StatusRunning, StatusAwaiting:
		return DirInProgress
	case StatusCompleted, StatusFailed:
		return DirCompleted
	default:
		return DirQueue
	}
}

// Matches reports whether status s is allowed in directory d.
func Matches(s Status, d Dir) bool {
	return s.Valid() && DirFor(s) == d
}

// Liveness is the state of one StepSession.
type Liveness string

const (
	LivenessPending       Liveness = "pending"
	LivenessRunning       Liveness = "running"
	LivenessAwaitingInput Liveness = "awaiting_input"
	LivenessCompleted     Liveness = "completed"
	LivenessFailed        Liveness = "failed"
	LivenessOrphaned      Liveness = "orphaned"
	LivenessCancelled     Liveness = "cancelled"
)

// StepSession is one attempt at one step.
type StepSession struct {
	ID            string                      `yaml:"id"`
	Step          string                      `yaml:"step"`
	SandboxPath   string                      `yaml:"sandbox_path,omitempty"`
	PID           int                         `yaml:"pid,omitempty"`
	SessionName   string                      `yaml:"session_name,omitempty"`
	Executor      string                      `yaml:"executor,omitempty"`
	StartedAt     time.Time                   `yaml:"started_at"`
	EndedAt       *time.Time                  `yaml:"ended_at,omitempty"`
	NotBefore     *time.Time                  `yaml:"not_before,omitempty"`
	ContentHash   string                      `yaml:"content_hash,omitempty"`
	LastChange    time.Time                   `yaml:"last_content_change,omitempty"`
	Result        *agentstatus.OperatorStatus `yaml:"result,omitempty"`
	ExitCode      *int                        `yaml:"exit_code,omitempty"`
	State         Liveness                    `yaml:"state"`
	FailureKind   string                      `yaml:"failure_kind,omitempty"`
	FailureReason string                      `yaml:"failure_reason,omitempty"`
	Rejection     string                      `yaml:"rejection,omitempty"`
}

// Active reports whether the session has not ended.
func (s *StepSession) Active() bool {
	return s.EndedAt == nil
}

// Ticket is the unit of work.
type Ticket struct {
	ID          string   `yaml:"id"`
	Type        string   `yaml:"type"`
	Status      Status   `yaml:"status"`
	Priority    Priority `yaml:"priority"`
	Project     string   `yaml:"project"`
	Summary     string   `yaml:"summary"`
	Timestamp   string   `yaml:"timestamp"`
	Step        string   `yaml:"step,omitempty"`
	Branch      string   `yaml:"branch,omitempty"`
	Worktree    string   `yaml:"worktree_path,omitempty"`
	ExternalID  string   `yaml:"external_id,omitempty"`
	ExternalURL string   `yaml:"external_url,omitempty"`
	Executor    string   `yaml:"executor,omitempty"`

	FailureReason string                     `yaml:"failure_reason,omitempty"`
	Retries       map[string]int             `yaml:"retries,omitempty"`
	Breakers      map[string]breaker.Breaker `yaml:"breaker,omitempty"`
	Sessions      map[string][]StepSession   `yaml:"sessions,omitempty"`
	Updated       *time.Time                 `yaml:"updated,omitempty"`

	// Body is the free-form text after the front matter.
	Body string `yaml:"-"`
	// Dir and Filename locate the file on disk.
	Dir      Dir    `yaml:"-"`
	Filename string `yaml:"-"`
	// HeaderOnly is set when Body was not read.
	HeaderOnly bool `yaml:"-"`
}

// ActiveSession returns the session with no end time, if any.
func (t *Ticket) ActiveSession() *StepSession {
	for step := range t.Sessions {
		list := t.Sessions[step]
		for i := range list {
			if list[i].Active() {
				return &list[i]
			}
		}
	}
	return nil
}

// ActiveSessions counts sessions with no end time.
func (t *Ticket) ActiveSessions() int {
	n := 0
	for _, list := range t.Sessions {
		for i := range list {
			if list[i].Active() {
				n++
			}
		}
	}
	return n
}

// LatestSession returns the most recent session for step.
func (t *Ticket) LatestSession(step string) *StepSession {
	list := t.Sessions[step]
	if len(list) == 0 {
		return nil
	}
	return &t.Sessions[step][len(list)-1]
}

// MostRecentSession returns the most recently started session across steps.
func (t *Ticket) MostRecentSession() *StepSession {
	var latest *StepSession
	for step := range t.Sessions {
		list := t.Sessions[step]
		for i := range list {
			if latest == nil || list[i].StartedAt.After(latest.StartedAt) {
				latest = &list[i]
			}
		}
	}
	return latest
}

// AppendSession adds s to the history of its step and returns a pointer to
// the stored copy.
func (t *Ticket) AppendSession(s StepSession) *StepSession {
	if t.Sessions == nil {
		t.Sessions = map[string][]StepSession{}
	}
	t.Sessions[s.Step] = append(t.Sessions[s.Step], s)
	return t.LatestSession(s.Step)
}

// FindSession returns the session with the given id.
func (t *Ticket) FindSession(id string) *StepSession {
	for step := range t.Sessions {
		list := t.Sessions[step]
		for i := range list {
			if list[i].ID == id {
				return &list[i]
			}
		}
	}
	return nil
}

// CloseActive ends every active session with the given state and reason.
func (t *Ticket) CloseActive(at time.Time, state Liveness, reason string) int {
	n := 0
	for step := range t.Sessions {
		list := t.Sessions[step]
		for i := range list {
			if !list[i].Active() {
				continue
			}
			end := at
			list[i].EndedAt = &end
			list[i].State = state
			if reason != "" && list[i].FailureReason == "" {
				list[i].FailureReason = reason
			}
			n++
		}
	}
	return n
}

// Breaker returns the breaker for step, closed if none was recorded.
func (t *Ticket) Breaker(step string) breaker.Breaker {
	if b, ok := t.Breakers[step]; ok {
		return b
	}
	return breaker.New()
}

// SetBreaker stores the breaker for step.
func (t *Ticket) SetBreaker(step string, b breaker.Breaker) {
	if t.Breakers == nil {
		t.Breakers = map[string]breaker.Breaker{}
	}
	t.Breakers[step] = b
}

// SetRetries stores the retry counter for step.
func (t *Ticket) SetRetries(step string, n int) {
	if t.Retries == nil {
		t.Retries = map[string]int{}
	}
	if n == 0 {
		delete(t.Retries, step)
		return
	}
	t.Retries[step] = n
}

// LastFailure returns the failure reason of the most recent failed session.
func (t *Ticket) LastFailure() string {
	if t.FailureReason != "" {
		return t.FailureReason
	}
	if s := t.MostRecentSession(); s != nil {
		return s.FailureReason
	}
	return ""
}

// Reset clears per-run execution state so the ticket can start from scratch.
// Session history is kept.
func (t *Ticket) Reset() {
	t.Step = ""
	t.Retries = nil
	t.Breakers = nil
	t.FailureReason = ""
}

// SortedSteps returns the step names that have sessions, sorted by name.
func (t *Ticket) SortedSteps() []string {
	steps := make([]string, 0, len(t.Sessions))
	for step := range t.Sessions {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	return steps
}

// FilenameFor builds the canonical file name <timestamp>-<id>.md.
func FilenameFor(t *Ticket) string {
	stamp := t.Timestamp
	if ts, err := time.Parse(time.RFC3339, t.Timestamp); err == nil {
		stamp = ts.UTC().Format("20060102T150405Z")
	}
	stamp = strings.NewReplacer(":", "", " ", "_", "/", "-").Replace(stamp)
	if stamp == "" {
		return t.ID + ".md"
	}
	return stamp + "-" + t.ID + ".md"
}
