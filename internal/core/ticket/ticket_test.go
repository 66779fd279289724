package ticket

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/operator/internal/core/agentstatus"
	"github.com/example/operator/internal/core/breaker"
	"github.com/example/operator/internal/errkind"
)

const sampleTicket = `---
id: FEAT-1
type: FEAT
status: queued
priority: P2
project: p
summary: Add retries
timestamp: "2026-01-02T10:00:00Z"
unknown_key: kept out
---
Implement retries for the fetcher.

---
A horizontal rule in the body is not front matter.
`

func TestParse(t *testing.T) {
	tk, err := Parse([]byte(sampleTicket))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if tk.ID != "FEAT-1" || tk.Type != "FEAT" || tk.Project != "p" {
		t.Errorf("unexpected identity: %+v", tk)
	}
	if tk.Priority != PriorityMedium {
		t.Errorf("Priority = %q, want normalized %q", tk.Priority, PriorityMedium)
	}
	if !strings.HasPrefix(tk.Body, "Implement retries") || !strings.Contains(tk.Body, "horizontal rule") {
		t.Errorf("Body = %q", tk.Body)
	}
	if err := Validate(tk); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseHeader_StopsAtDelimiter(t *testing.T) {
	tk, err := ParseHeader(strings.NewReader(sampleTicket))
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if !tk.HeaderOnly || tk.Body != "" {
		t.Errorf("expected header-only ticket, got body %q", tk.Body)
	}
	if _, err := Marshal(tk); err == nil {
		t.Error("expected Marshal to refuse a header-only ticket")
	}
}

func TestParse_NoFrontMatter(t *testing.T) {
	_, err := Parse([]byte("just text\n"))
	if !errors.Is(err, ErrNoFrontMatter) {
		t.Fatalf("expected ErrNoFrontMatter, got %v", err)
	}
}

func TestMarshal_PreservesSessions(t *testing.T) {
	tk, err := Parse([]byte(sampleTicket))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	start := time.Date(2026, 1, 2, 10, 5, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	code := 0
	tk.Status = StatusRunning
	tk.Step = "implement"
	tk.AppendSession(StepSession{
		ID: "s-1", Step: "implement", StartedAt: start, EndedAt: &end, ExitCode: &code,
		State:  LivenessCompleted,
		Result: &agentstatus.OperatorStatus{Status: agentstatus.StateComplete, ExitSignal: true, FilesModified: 2},
	})
	tk.SetBreaker("implement", breaker.New().RecordSuccess(2, 0))

	data, err := Marshal(tk)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("re-Parse failed: %v\n%s", err, data)
	}
	s := back.LatestSession("implement")
	if s == nil || s.ID != "s-1" || s.Active() {
		t.Fatalf("session not preserved: %+v", s)
	}
	if s.Result == nil || s.Result.FilesModified != 2 {
		t.Errorf("result not preserved: %+v", s.Result)
	}
	if back.Breaker("implement").CumulativeFilesModified != 2 {
		t.Errorf("breaker not preserved: %+v", back.Breakers)
	}
	if back.Body != tk.Body {
		t.Errorf("body changed: %q", back.Body)
	}
}

func TestValidate_MissingKeys(t *testing.T) {
	err := Validate(&Ticket{ID: "X-1", Status: StatusQueued})
	if err == nil || !strings.Contains(err.Error(), "type") || !strings.Contains(err.Error(), "timestamp") {
		t.Errorf("expected missing keys error, got %v", err)
	}
}

func TestValidateLocation(t *testing.T) {
	tests := []struct {
		id, project string
		ok          bool
	}{
		{"FEAT-1", "p", true},
		{"FEAT-1.2", "my-repo", true},
		{"../../victim", "p", false},
		{"FEAT-1", "a/b", false},
		{"FEAT-1", "..", false},
		{".", "p", false},
		{"a\\b", "p", false},
		{"FEAT-1 ", "p", false},
		{"FEAT-1", "", true},
	}
	for _, tt := range tests {
		err := ValidateLocation(&Ticket{ID: tt.id, Project: tt.project})
		if (err == nil) != tt.ok {
			t.Errorf("ValidateLocation(%q, %q) = %v, want ok=%v", tt.id, tt.project, err, tt.ok)
		}
	}

	full := &Ticket{ID: "../x", Type: "FEAT", Status: StatusQueued, Priority: PriorityMedium,
		Project: "p", Summary: "s", Timestamp: "2026-01-02T10:00:00Z"}
	if err := Validate(full); err == nil {
		t.Error("Validate accepted an id with a path separator")
	}
}

func TestDirFor(t *testing.T) {
	tests := []struct {
		status Status
		dir    Dir
	}{
		{StatusQueued, DirQueue},
		{StatusRunning, DirInProgress},
		{StatusAwaiting, DirInProgress},
		{StatusCompleted, DirCompleted},
		{StatusFailed, DirCompleted},
	}
	for _, tt := range tests {
		if got := DirFor(tt.status); got != tt.dir {
			t.Errorf("DirFor(%s) = %s, want %s", tt.status, got, tt.dir)
		}
		if !Matches(tt.status, tt.dir) {
			t.Errorf("Matches(%s, %s) = false", tt.status, tt.dir)
		}
	}
	if Matches(StatusQueued, DirInProgress) {
		t.Error("queued must not match in-progress")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from, to Status
		allowed  bool
	}{
		{"admit", StatusQueued, StatusRunning, true},
		{"cancel queued", StatusQueued, StatusFailed, true},
		{"queued cannot await", StatusQueued, StatusAwaiting, false},
		{"await review", StatusRunning, StatusAwaiting, true},
		{"return to queue", StatusRunning, StatusQueued, true},
		{"approve", StatusAwaiting, StatusRunning, true},
		{"completed is terminal", StatusCompleted, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusQueued, false},
		{"unknown target", StatusQueued, Status("done"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := CanTransition(tt.from, tt.to)
			if res.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (%s)", res.Allowed, tt.allowed, res.Reason)
			}
			if !tt.allowed && !errors.Is(res.Error(), errkind.TransitionForbidden) {
				t.Errorf("expected TransitionForbidden, got %v", res.Error())
			}
		})
	}
}

func TestCanApprove(t *testing.T) {
	if res := CanApprove(ApproveContext{TicketID: "A", Status: StatusAwaiting, Step: "plan"}); !res.Allowed {
		t.Errorf("expected allowed: %s", res.Reason)
	}
	if res := CanApprove(ApproveContext{TicketID: "A", Status: StatusRunning, Step: "plan"}); res.Allowed {
		t.Error("running ticket must not be approvable")
	}
}

func TestAdmissionOrder(t *testing.T) {
	order := NewAdmissionOrder([]string{"FIX", "FEAT", "DOCS"})
	tickets := []*Ticket{
		{ID: "D", Type: "DOCS", Priority: PriorityHigh, Filename: "001-D.md"},
		{ID: "F2", Type: "FEAT", Priority: PriorityHigh, Filename: "003-F2.md"},
		{ID: "F1", Type: "FEAT", Priority: PriorityHigh, Filename: "002-F1.md"},
		{ID: "X", Type: "FIX", Priority: PriorityHigh, Filename: "009-X.md"},
		{ID: "L", Type: "FIX", Priority: PriorityLow, Filename: "000-L.md"},
		{ID: "C", Type: "CHORE", Priority: PriorityCritical, Filename: "010-C.md"},
		{ID: "U", Type: "UNLISTED", Priority: PriorityHigh, Filename: "000-U.md"},
	}
	order.Sort(tickets)

	var got []string
	for _, tk := range tickets {
		got = append(got, tk.ID)
	}
	want := "C X F1 F2 D U L"
	if strings.Join(got, " ") != want {
		t.Errorf("order = %v, want %s", got, want)
	}
}

func TestActiveSessionBookkeeping(t *testing.T) {
	tk := &Ticket{ID: "A"}
	now := time.Now()
	tk.AppendSession(StepSession{ID: "1", Step: "plan", StartedAt: now, State: LivenessRunning})
	if tk.ActiveSessions() != 1 || tk.ActiveSession().ID != "1" {
		t.Fatal("expected one active session")
	}
	if n := tk.CloseActive(now, LivenessCancelled, "cancelled by operator"); n != 1 {
		t.Fatalf("CloseActive closed %d", n)
	}
	if tk.ActiveSession() != nil {
		t.Error("expected no active session after close")
	}
	if tk.LatestSession("plan").FailureReason != "cancelled by operator" {
		t.Error("expected reason recorded")
	}
}

func TestFilenameFor(t *testing.T) {
	tk := &Ticket{ID: "FEAT-1", Timestamp: "2026-01-02T10:00:00Z"}
	if got := FilenameFor(tk); got != "20260102T100000Z-FEAT-1.md" {
		t.Errorf("FilenameFor = %q", got)
	}
}
