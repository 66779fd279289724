package filesystem_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/operator/internal/adapters/filesystem"
	"github.com/example/operator/internal/core/ticket"
	"github.com/example/operator/internal/errkind"
	"github.com/example/operator/internal/ports/secondary"
)

func newStore(t *testing.T) (*filesystem.QueueStore, string) {
	t.Helper()
	root := t.TempDir()
	store := filesystem.NewQueueStore(root)
	require.NoError(t, store.Init(context.Background()))
	return store, root
}

func newTicket(id string) *ticket.Ticket {
	return &ticket.Ticket{
		ID:        id,
		Type:      "FEAT",
		Status:    ticket.StatusQueued,
		Priority:  ticket.PriorityMedium,
		Project:   "demo",
		Summary:   "Add retries",
		Timestamp: "2026-01-02T10:00:00Z",
		Body:      "Implement retries.\n",
	}
}

func TestQueueStore_InitCreatesDirectories(t *testing.T) {
	_, root := newStore(t)
	for _, d := range ticket.Dirs {
		info, err := os.Stat(filepath.Join(root, string(d)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestQueueStore_CreateAndLoad(t *testing.T) {
	store, root := newStore(t)
	ctx := context.Background()

	tk := newTicket("FEAT-1")
	require.NoError(t, store.Create(ctx, tk))
	assert.Equal(t, "20260102T100000Z-FEAT-1.md", tk.Filename)
	assert.FileExists(t, filepath.Join(root, "queue", tk.Filename))

	got, err := store.Load(ctx, ticket.DirQueue, tk.Filename)
	require.NoError(t, err)
	assert.Equal(t, "FEAT-1", got.ID)
	assert.Equal(t, "Implement retries.\n", got.Body)
	assert.False(t, got.HeaderOnly)

	err = store.Create(ctx, newTicket("FEAT-1"))
	assert.Error(t, err, "second create of the same file must fail")
}

func TestQueueStore_ScanReportsInvalidFiles(t *testing.T) {
	store, root := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTicket("FEAT-2")))
	require.NoError(t, store.Create(ctx, newTicket("FEAT-1")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "queue", "broken.md"), []byte("no front matter\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "queue", ".tmp.md"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "queue", "notes.txt"), []byte("ignored"), 0o644))

	res, err := store.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, res.Tickets, 2)
	assert.Equal(t, "FEAT-1", res.Tickets[0].ID)
	assert.True(t, res.Tickets[0].HeaderOnly)
	assert.Equal(t, ticket.DirQueue, res.Tickets[0].Dir)
	require.Len(t, res.Invalid, 1)
	assert.Equal(t, "broken.md", res.Invalid[0].Filename)
}

func TestQueueStore_ScanRejectsPathLikeLocations(t *testing.T) {
	store, root := newStore(t)
	ctx := context.Background()

	write := func(name, id, project string) {
		body := "---\nid: " + id + "\ntype: FEAT\nstatus: queued\npriority: P2\nproject: " + project +
			"\nsummary: s\ntimestamp: \"2026-01-02T10:00:00Z\"\n---\n"
		require.NoError(t, os.WriteFile(filepath.Join(root, "queue", name), []byte(body), 0o644))
	}
	write("a.md", "../../victim", "p")
	write("b.md", "FEAT-3", "a/b")
	write("c.md", "FEAT-4", "p")

	res, err := store.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, res.Tickets, 1)
	assert.Equal(t, "FEAT-4", res.Tickets[0].ID)
	require.Len(t, res.Invalid, 2)

	_, err = store.Load(ctx, ticket.DirQueue, "a.md")
	assert.Error(t, err)

	bad := newTicket("../escape")
	assert.Error(t, store.Create(ctx, bad))
}

func TestQueueStore_MoveWritesStatusThenRenames(t *testing.T) {
	store, root := newStore(t)
	ctx := context.Background()

	tk := newTicket("FEAT-1")
	require.NoError(t, store.Create(ctx, tk))

	tk.Status = ticket.StatusRunning
	tk.Step = "implement"
	require.NoError(t, store.Move(ctx, tk, ticket.DirInProgress))
	assert.Equal(t, ticket.DirInProgress, tk.Dir)
	assert.NoFileExists(t, filepath.Join(root, "queue", tk.Filename))

	got, err := store.Load(ctx, ticket.DirInProgress, tk.Filename)
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusRunning, got.Status)
	assert.Equal(t, "implement", got.Step)
}

func TestQueueStore_MissingFile(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, ticket.DirQueue, "nope.md")
	assert.True(t, errors.Is(err, errkind.QueueFileMissing), "got %v", err)

	tk := newTicket("GONE-1")
	tk.Dir = ticket.DirQueue
	tk.Filename = "gone.md"
	err = store.Move(ctx, tk, ticket.DirInProgress)
	assert.True(t, errors.Is(err, errkind.QueueFileMissing), "got %v", err)
}

func TestStateStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	store := filesystem.NewStateStore(root)
	ctx := context.Background()

	snap, err := store.ReadState(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	want := &secondary.StateSnapshot{
		Paused:    true,
		Agents:    []secondary.AgentState{{TicketID: "FEAT-1", Step: "plan", Breaker: "closed"}},
		Completed: []secondary.CompletedTicket{{TicketID: "FIX-1", Status: "completed", CompletedAt: now}},
		UpdatedAt: now,
	}
	require.NoError(t, store.WriteState(ctx, want))

	got, err := store.ReadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	sidecar, err := store.ReadSidecar(ctx)
	require.NoError(t, err)
	assert.Nil(t, sidecar)
}

func TestInbox_DrainOldestFirst(t *testing.T) {
	root := t.TempDir()
	inbox := filesystem.NewInbox(root)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, inbox.Submit(ctx, &secondary.ControlCommand{Action: "resume", SubmittedAt: base.Add(time.Second)}))
	require.NoError(t, inbox.Submit(ctx, &secondary.ControlCommand{Action: "pause", SubmittedAt: base}))
	require.NoError(t, os.WriteFile(filepath.Join(root, "operator", "inbox", "00-bad.json"), []byte("{"), 0o644))

	cmds, err := inbox.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "pause", cmds[0].Action)
	assert.Equal(t, "resume", cmds[1].Action)
	assert.NotEmpty(t, cmds[0].ID)

	cmds, err = inbox.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}
