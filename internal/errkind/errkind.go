// Package errkind defines the failure kinds shared across the sandbox,
// supervisor, controller and queue layers.
//
// A Kind is itself an error, so callers match with errors.Is:
//
//	if errors.Is(err, errkind.NotARepo) { ... }
package errkind

import (
	"errors"
	"fmt"
)

// Kind names a class of failure.
type Kind string

// Error implements error so a Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Sandbox layer.
const (
	NotARepo               Kind = "NotARepo"
	BranchSetupFailed      Kind = "BranchSetupFailed"
	LockContended          Kind = "LockContended"
	WorktreeRemovalPartial Kind = "WorktreeRemovalPartial"
	OutsideSandboxRoot     Kind = "OutsideSandboxRoot"
)

// Supervisor layer.
const (
	ExecutorNotFound     Kind = "ExecutorNotFound"
	SessionAlreadyExists Kind = "SessionAlreadyExists"
	SandboxMissing       Kind = "SandboxMissing"
	NoStatusBlock        Kind = "NoStatusBlock"
	Orphaned             Kind = "Orphaned"
	StatusParseFailed    Kind = "StatusParseFailed"
	TerminalUnavailable  Kind = "TerminalUnavailable"
)

// Controller layer.
const (
	TransitionForbidden  Kind = "TransitionForbidden"
	CircuitOpen          Kind = "CircuitOpen"
	RetryBudgetExhausted Kind = "RetryBudgetExhausted"
	AgentBlocked         Kind = "AgentBlocked"
	Cancelled            Kind = "Cancelled"
)

// Queue layer.
const (
	QueueFileMissing        Kind = "QueueFileMissing"
	StatusDirectoryMismatch Kind = "StatusDirectoryMismatch"
	RenameFailed            Kind = "RenameFailed"
	StateWriteFailed        Kind = "StateWriteFailed"
)

// Error carries a Kind together with a message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Of returns the kind of the first *Error or Kind in err's chain, or "".
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// Retryable reports whether a supervisor failure of this kind may be retried.
func Retryable(k Kind) bool {
	switch k {
	case NoStatusBlock, Orphaned, StatusParseFailed, TerminalUnavailable, SessionAlreadyExists:
		return true
	default:
		return false
	}
}
