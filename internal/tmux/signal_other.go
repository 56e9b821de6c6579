//go:build !unix

package tmux

type unsupportedSignaler struct{}

// DefaultSignaler returns a signaler that always reports ErrUnsupported.
func DefaultSignaler() ProcessSignaler { return unsupportedSignaler{} }

func (unsupportedSignaler) SignalGroup(int, Signal) error { return ErrUnsupported }
