package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/operator/internal/ports/primary"
)

func TestValidateTicketID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr string
	}{
		{id: "FEAT-12"},
		{id: "fix-abc.2"},
		{id: "", wantErr: "required"},
		{id: "42", wantErr: "FEAT-42"},
		{id: "FEAT/12", wantErr: "slashes"},
		{id: "FEAT", wantErr: "TYPE-xxx"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := validateTicketID(tt.id)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestSandboxCmdStructure verifies the sandbox subcommands are registered.
func TestSandboxCmdStructure(t *testing.T) {
	cmd := SandboxCmd()

	var names []string
	for _, sub := range cmd.Commands() {
		assert.NotEmpty(t, sub.Short, "%s should have a Short description", sub.Name())
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"list", "cleanup"}, names)
}

func TestRejectRequiresReason(t *testing.T) {
	cmd := RejectCmd()
	cmd.SetArgs([]string{"FEAT-1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason")
}

func TestRecoverResumeRequiresSession(t *testing.T) {
	cmd := RecoverCmd()
	cmd.SetArgs([]string{"FEAT-1", "--action", string(primary.RecoverResume)})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--session")
}

func TestPrintTickets(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printTickets(&buf, []*primary.TicketSummary{
		{ID: "FEAT-1", Status: "running", Priority: "P1-high", Project: "api", Step: "implement", Liveness: "running", Breaker: "closed", Summary: "Add rate limiting"},
		{ID: "FIX-2", Status: "queued", Priority: "P2-medium", Project: "web", Summary: strings.Repeat("x", 80)},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], "FEAT-1")
	assert.Contains(t, lines[1], "implement")
	assert.Contains(t, lines[2], "FIX-2")
	assert.Contains(t, lines[2], "...")
}
