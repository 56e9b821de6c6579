//go:build unix

package tmux

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type groupSignaler struct{}

// DefaultSignaler returns a signaler that delivers SIGSTOP/SIGCONT to -pid.
func DefaultSignaler() ProcessSignaler { return groupSignaler{} }

func (groupSignaler) SignalGroup(pid int, sig Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	var s unix.Signal
	switch sig {
	case SignalStop:
		s = unix.SIGSTOP
	case SignalContinue:
		s = unix.SIGCONT
	default:
		return fmt.Errorf("unknown signal %d", sig)
	}
	// negative pid addresses the whole group so child processes stop too
	return unix.Kill(-pid, s)
}
