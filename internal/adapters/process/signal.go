package process

import (
	"errors"
	"syscall"

	"github.com/example/operator/internal/ports/secondary"
)

// GroupSignaler signals whole process groups so an agent's children go down
// with it.
type GroupSignaler struct{}

// NewGroupSignaler returns a signaler for process groups.
func NewGroupSignaler() *GroupSignaler {
	return &GroupSignaler{}
}

// Terminate sends SIGTERM to the group led by pid.
func (s *GroupSignaler) Terminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the group led by pid.
func (s *GroupSignaler) Kill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// Alive reports whether pid still exists.
func (s *GroupSignaler) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	// Fall back to the single process if pid does not lead a group.
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			err = syscall.Kill(pid, sig)
			if errors.Is(err, syscall.ESRCH) {
				return nil
			}
		}
		return err
	}
	return nil
}

var _ secondary.ProcessSignaler = (*GroupSignaler)(nil)
