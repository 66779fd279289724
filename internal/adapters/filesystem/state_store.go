package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/operator/internal/errkind"
	"github.com/example/operator/internal/ports/secondary"
)

const (
	// OperatorDir holds the controller's own files under the workspace root.
	OperatorDir = "operator"

	stateFile   = "state.json"
	sidecarFile = "api-session.json"
)

// StateStore implements secondary.StateStore on operator/state.json.
type StateStore struct {
	dir string
}

// NewStateStore creates a store for the workspace root.
func NewStateStore(root string) *StateStore {
	return &StateStore{dir: filepath.Join(root, OperatorDir)}
}

// WriteState replaces the snapshot atomically.
func (s *StateStore) WriteState(ctx context.Context, snap *secondary.StateSnapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errkind.Wrap(errkind.StateWriteFailed, err, "create %s", s.dir)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.StateWriteFailed, err, "encode snapshot")
	}
	if err := writeFileAtomic(filepath.Join(s.dir, stateFile), append(data, '\n'), 0o644); err != nil {
		return errkind.Wrap(errkind.StateWriteFailed, err, "write %s", stateFile)
	}
	return nil
}

// ReadState returns the last snapshot, or nil if none was written.
func (s *StateStore) ReadState(ctx context.Context) (*secondary.StateSnapshot, error) {
	var snap secondary.StateSnapshot
	ok, err := readJSON(filepath.Join(s.dir, stateFile), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// ReadSidecar returns the sidecar discovery record, or nil if absent.
func (s *StateStore) ReadSidecar(ctx context.Context) (*secondary.SidecarSession, error) {
	var sess secondary.SidecarSession
	ok, err := readJSON(filepath.Join(s.dir, sidecarFile), &sess)
	if err != nil || !ok {
		return nil, err
	}
	return &sess, nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

var _ secondary.StateStore = (*StateStore)(nil)
