package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/example/operator/internal/core/ticket"
	"github.com/example/operator/internal/errkind"
	"github.com/example/operator/internal/ports/secondary"
)

const ticketPerm = 0o644

// QueueStore implements secondary.TicketStore on the queue/, in-progress/ and
// completed/ directories under a workspace root.
type QueueStore struct {
	root string
}

// NewQueueStore creates a store rooted at the workspace directory.
func NewQueueStore(root string) *QueueStore {
	return &QueueStore{root: root}
}

// Root returns the workspace root.
func (s *QueueStore) Root() string {
	return s.root
}

func (s *QueueStore) dirPath(d ticket.Dir) string {
	return filepath.Join(s.root, string(d))
}

func (s *QueueStore) path(d ticket.Dir, filename string) string {
	return filepath.Join(s.root, string(d), filename)
}

// Init creates the queue directories and refuses roots that span filesystems,
// since moves between directories must be atomic renames.
func (s *QueueStore) Init(ctx context.Context) error {
	paths := make([]string, 0, len(ticket.Dirs))
	for _, d := range ticket.Dirs {
		p := s.dirPath(d)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
		paths = append(paths, p)
	}
	same, err := sameFilesystem(paths...)
	if err != nil {
		return fmt.Errorf("failed to inspect queue directories: %w", err)
	}
	if !same {
		return errkind.New(errkind.RenameFailed, "queue directories under %s are on different filesystems", s.root)
	}
	return nil
}

// Scan reads front matter from every ticket file. Unreadable files are
// reported in ScanResult.Invalid instead of failing the scan.
func (s *QueueStore) Scan(ctx context.Context) (*secondary.ScanResult, error) {
	res := &secondary.ScanResult{}
	for _, d := range ticket.Dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(s.dirPath(d))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", d, err)
		}
		for _, e := range entries {
			if e.IsDir() || isHidden(e.Name()) || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			t, err := s.readHeader(d, e.Name())
			if err != nil {
				if os.IsNotExist(err) {
					// Moved between ReadDir and open; the next scan sees it.
					continue
				}
				res.Invalid = append(res.Invalid, secondary.ScanIssue{Dir: d, Filename: e.Name(), Err: err})
				continue
			}
			res.Tickets = append(res.Tickets, t)
		}
	}
	sort.SliceStable(res.Tickets, func(i, j int) bool {
		return res.Tickets[i].ID < res.Tickets[j].ID
	})
	return res, nil
}

func (s *QueueStore) readHeader(d ticket.Dir, filename string) (*ticket.Ticket, error) {
	f, err := os.Open(s.path(d, filename))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := ticket.ParseHeader(f)
	if err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, fmt.Errorf("ticket file %s has no id", filename)
	}
	if err := ticket.ValidateLocation(t); err != nil {
		return nil, err
	}
	t.Dir = d
	t.Filename = filename
	return t, nil
}

// Load reads a full ticket file.
func (s *QueueStore) Load(ctx context.Context, d ticket.Dir, filename string) (*ticket.Ticket, error) {
	data, err := os.ReadFile(s.path(d, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.Wrap(errkind.QueueFileMissing, err, "%s/%s", d, filename)
		}
		return nil, fmt.Errorf("failed to read ticket %s/%s: %w", d, filename, err)
	}
	t, err := ticket.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ticket %s/%s: %w", d, filename, err)
	}
	if err := ticket.ValidateLocation(t); err != nil {
		return nil, fmt.Errorf("invalid ticket %s/%s: %w", d, filename, err)
	}
	t.Dir = d
	t.Filename = filename
	return t, nil
}

// Save rewrites the ticket in its current directory.
func (s *QueueStore) Save(ctx context.Context, t *ticket.Ticket) error {
	if t.Dir == "" || t.Filename == "" {
		return fmt.Errorf("ticket %s has no location", t.ID)
	}
	p := s.path(t.Dir, t.Filename)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return errkind.Wrap(errkind.QueueFileMissing, err, "%s/%s", t.Dir, t.Filename)
		}
		return fmt.Errorf("failed to stat ticket %s: %w", t.ID, err)
	}
	data, err := ticket.Marshal(t)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(p, data, ticketPerm); err != nil {
		return fmt.Errorf("failed to save ticket %s: %w", t.ID, err)
	}
	return nil
}

// Move saves the ticket in place and then renames it into to. The status is
// written first so a crash between the two steps leaves a file whose status
// self-heal can reconcile.
func (s *QueueStore) Move(ctx context.Context, t *ticket.Ticket, to ticket.Dir) error {
	if err := s.Save(ctx, t); err != nil {
		return err
	}
	if t.Dir == to {
		return nil
	}
	src := s.path(t.Dir, t.Filename)
	dst := s.path(to, t.Filename)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return errkind.Wrap(errkind.RenameFailed, err, "%s and %s are on different filesystems", t.Dir, to)
		}
		if os.IsNotExist(err) {
			return errkind.Wrap(errkind.QueueFileMissing, err, "%s/%s", t.Dir, t.Filename)
		}
		return errkind.Wrap(errkind.RenameFailed, err, "move %s from %s to %s", t.ID, t.Dir, to)
	}
	t.Dir = to
	return nil
}

// Create writes a new ticket into queue/.
func (s *QueueStore) Create(ctx context.Context, t *ticket.Ticket) error {
	if err := ticket.Validate(t); err != nil {
		return err
	}
	if t.Filename == "" {
		t.Filename = ticket.FilenameFor(t)
	}
	t.Dir = ticket.DirQueue
	t.HeaderOnly = false

	data, err := ticket.Marshal(t)
	if err != nil {
		return err
	}
	p := s.path(t.Dir, t.Filename)
	if err := createFileExclusive(p, data, ticketPerm); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("ticket file %s already exists", t.Filename)
		}
		return fmt.Errorf("failed to create ticket %s: %w", t.ID, err)
	}
	return nil
}

var _ secondary.TicketStore = (*QueueStore)(nil)
