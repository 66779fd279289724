package errkind

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := Wrap(NotARepo, os.ErrNotExist, "source %s", "/src/p")
	wrapped := fmt.Errorf("failed to ensure sandbox: %w", err)

	if !errors.Is(wrapped, NotARepo) {
		t.Error("expected wrapped error to match NotARepo")
	}
	if errors.Is(wrapped, BranchSetupFailed) {
		t.Error("did not expect match on BranchSetupFailed")
	}
	if !errors.Is(wrapped, os.ErrNotExist) {
		t.Error("expected cause to remain reachable")
	}
}

func TestOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", New(Orphaned, "session gone"), Orphaned},
		{"wrapped", fmt.Errorf("observe: %w", New(CircuitOpen, "x")), CircuitOpen},
		{"bare kind", fmt.Errorf("x: %w", LockContended), LockContended},
		{"plain", errors.New("boom"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Of(tt.err); got != tt.want {
				t.Errorf("Of() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{NoStatusBlock, true},
		{Orphaned, true},
		{StatusParseFailed, true},
		{TerminalUnavailable, true},
		{ExecutorNotFound, false},
		{SandboxMissing, false},
		{CircuitOpen, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := Retryable(tt.kind); got != tt.want {
				t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := New(QueueFileMissing, "ticket %s", "FEAT-1")
	if got := err.Error(); got != "QueueFileMissing: ticket FEAT-1" {
		t.Errorf("Error() = %q", got)
	}
}
