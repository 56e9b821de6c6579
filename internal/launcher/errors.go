package launcher

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies launcher failures so callers can pick a policy.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindValidation
	KindTimeout
	KindExecution
	KindInconsistency
	KindLauncherFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindExecution:
		return "execution"
	case KindInconsistency:
		return "inconsistency"
	case KindLauncherFailed:
		return "launcher_failed"
	}
	return "unknown"
}

// Kind sentinels; errors.Is(err, ErrTimeout) matches any timeout *Error.
var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrTimeout        = errors.New("timed out")
	ErrExecution      = errors.New("execution failed")
	ErrInconsistency  = errors.New("inconsistent state")
	ErrLauncherFailed = errors.New("launcher reported failure")
)

// Specific causes, reachable through Unwrap.
var (
	ErrWorkerNotFound      = errors.New("worker not found")
	ErrWorkerExists        = errors.New("worker already registered")
	ErrLauncherMissing     = errors.New("launcher script not found")
	ErrNotExecutable       = errors.New("launcher script is not executable")
	ErrMalformedOutput     = errors.New("launcher output is neither JSON nor a session name")
	ErrSessionMissing      = errors.New("claimed session does not exist")
	ErrOperationInProgress = errors.New("operation already in progress for worker")
)

var kindSentinels = map[ErrorKind]error{
	KindNotFound:       ErrNotFound,
	KindValidation:     ErrValidation,
	KindTimeout:        ErrTimeout,
	KindExecution:      ErrExecution,
	KindInconsistency:  ErrInconsistency,
	KindLauncherFailed: ErrLauncherFailed,
}

// Error carries the context needed to render an actionable message.
type Error struct {
	Kind     ErrorKind
	Op       string
	WorkerID string
	Session  string
	Model    string
	Path     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.WorkerID != "" {
		fmt.Fprintf(&b, " worker %s", e.WorkerID)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Session != "" {
		fmt.Fprintf(&b, " (session %s)", e.Session)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (launcher %s)", e.Path)
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of a launcher error, or 0 for other errors.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}
