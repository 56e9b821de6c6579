package tmux

import "errors"

// Signal is a process-control request sent to a worker's process group.
type Signal int

const (
	SignalStop Signal = iota
	SignalContinue
)

func (s Signal) String() string {
	switch s {
	case SignalStop:
		return "pause"
	case SignalContinue:
		return "resume"
	default:
		return "unknown"
	}
}

// ErrUnsupported is returned by signalers on platforms without process groups.
var ErrUnsupported = errors.New("process group signalling not supported on this platform")

// ProcessSignaler suspends and resumes a process together with its children.
// The POSIX implementation signals the negative pid; other platforms may
// substitute an equivalent such as job-object suspension.
type ProcessSignaler interface {
	SignalGroup(pid int, sig Signal) error
}

// SignalerFunc adapts a function to ProcessSignaler.
type SignalerFunc func(pid int, sig Signal) error

func (f SignalerFunc) SignalGroup(pid int, sig Signal) error { return f(pid, sig) }
