package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/operator/internal/ports/secondary"
)

// Inbox implements secondary.CommandInbox as one JSON file per request under
// operator/inbox/. File names sort in submission order.
type Inbox struct {
	dir string
	now func() time.Time
}

// NewInbox creates an inbox for the workspace root.
func NewInbox(root string) *Inbox {
	return &Inbox{dir: filepath.Join(root, OperatorDir, "inbox"), now: time.Now}
}

// Submit writes cmd into the inbox.
func (b *Inbox) Submit(ctx context.Context, cmd *secondary.ControlCommand) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = b.now().UTC()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	name := fmt.Sprintf("%020d-%s.json", cmd.SubmittedAt.UnixNano(), cmd.ID)
	if err := writeFileAtomic(filepath.Join(b.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to submit %s: %w", cmd.Action, err)
	}
	return nil
}

// Drain returns and removes pending commands, oldest first. Files that do not
// decode are removed and skipped.
func (b *Inbox) Drain(ctx context.Context) ([]*secondary.ControlCommand, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || isHidden(e.Name()) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var cmds []*secondary.ControlCommand
	for _, name := range names {
		p := filepath.Join(b.dir, name)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		_ = os.Remove(p)
		var cmd secondary.ControlCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		cmds = append(cmds, &cmd)
	}
	return cmds, nil
}

var _ secondary.CommandInbox = (*Inbox)(nil)
