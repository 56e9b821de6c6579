package testharness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrExit mimics the error os/exec returns for a non-zero tmux exit.
var ErrExit = errors.New("exit status 1")

// FakeSession is the in-memory state of one fake tmux session.
type FakeSession struct {
	Name         string
	Dir          string
	Command      string
	Pane         string
	PID          int
	Created      time.Time
	Activity     time.Time
	Attached     int
	Unresponsive bool

	pending string
}

// FakeTmux is an in-memory tmux server implementing the tmux.Runner shape.
// Typed lines are appended to the pane on Enter; printf and echo lines are
// evaluated so ping/pong round-trips work unless the session is unresponsive.
type FakeTmux struct {
	mu         sync.Mutex
	sessions   map[string]*FakeSession
	calls      [][]string
	failures   map[string]string
	nextPID    int
	serverDown bool

	Now func() time.Time
}

// NewFakeTmux returns an empty fake server.
func NewFakeTmux() *FakeTmux {
	return &FakeTmux{
		sessions: make(map[string]*FakeSession),
		failures: make(map[string]string),
		nextPID:  40000,
		Now:      time.Now,
	}
}

// AddSession creates a session directly, bypassing new-session.
func (f *FakeTmux) AddSession(name, pane string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(name, "", "")
	f.sessions[name].Pane = pane
}

func (f *FakeTmux) addLocked(name, dir, command string) *FakeSession {
	now := f.Now()
	f.nextPID++
	s := &FakeSession{
		Name:     name,
		Dir:      dir,
		Command:  command,
		PID:      f.nextPID,
		Created:  now,
		Activity: now,
	}
	f.sessions[name] = s
	return s
}

// Update applies fn to the named session under the server lock.
func (f *FakeTmux) Update(name string, fn func(*FakeSession)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if ok {
		fn(s)
	}
	return ok
}

// Session returns a copy of the named session.
func (f *FakeTmux) Session(name string) (FakeSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return FakeSession{}, false
	}
	return *s, true
}

// HasSession reports whether name exists.
func (f *FakeTmux) HasSession(name string) bool {
	_, ok := f.Session(name)
	return ok
}

// RemoveSession deletes a session as if its process exited.
func (f *FakeTmux) RemoveSession(name string) {
	f.mu.Lock()
	delete(f.sessions, name)
	f.mu.Unlock()
}

// SessionNames returns all session names, sorted.
func (f *FakeTmux) SessionNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sessions))
	for name := range f.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FailCommand makes every call of the tmux subcommand fail with stderr.
func (f *FakeTmux) FailCommand(subcommand, stderr string) {
	f.mu.Lock()
	f.failures[subcommand] = stderr
	f.mu.Unlock()
}

// SetServerDown simulates a tmux server that is not running.
func (f *FakeTmux) SetServerDown(down bool) {
	f.mu.Lock()
	f.serverDown = down
	f.mu.Unlock()
}

// Calls returns every recorded invocation as [name, args...].
func (f *FakeTmux) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns recorded invocations of one tmux subcommand.
func (f *FakeTmux) CallsTo(subcommand string) [][]string {
	var out [][]string
	for _, call := range f.Calls() {
		if len(call) > 1 && call[1] == subcommand {
			out = append(out, call)
		}
	}
	return out
}

// Run implements tmux.Runner.
func (f *FakeTmux) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, append([]string{name}, args...))
	if len(args) == 0 {
		return "", "usage: tmux", ErrExit
	}
	if f.serverDown {
		return "", "no server running on /tmp/tmux-1000/default", ErrExit
	}
	if stderr, ok := f.failures[args[0]]; ok {
		return "", stderr, ErrExit
	}

	target := flagValue(args, "-t")
	switch args[0] {
	case "has-session":
		if _, ok := f.resolveLocked(target); !ok {
			return "", "can't find session: " + target, ErrExit
		}
		return "", "", nil

	case "new-session":
		session := flagValue(args, "-s")
		if _, ok := f.sessions[session]; ok {
			return "", "duplicate session: " + session, ErrExit
		}
		f.addLocked(session, flagValue(args, "-c"), positional(args[1:]))
		return "", "", nil

	case "kill-session":
		s, ok := f.resolveLocked(target)
		if !ok {
			return "", "can't find session: " + target, ErrExit
		}
		delete(f.sessions, s.Name)
		return "", "", nil

	case "send-keys":
		s, ok := f.resolveLocked(target)
		if !ok {
			return "", "can't find pane: " + target, ErrExit
		}
		if hasFlag(args, "-l") {
			s.pending += flagValue(args, "-l")
			return "", "", nil
		}
		for _, key := range args[3:] {
			if key != "Enter" {
				s.pending += key
				continue
			}
			line := s.pending
			s.pending = ""
			s.Pane += line + "\n"
			if !s.Unresponsive {
				s.Pane += EvalShellLine(line)
			}
			s.Activity = f.Now()
		}
		return "", "", nil

	case "capture-pane":
		s, ok := f.resolveLocked(target)
		if !ok {
			return "", "can't find pane: " + target, ErrExit
		}
		return s.Pane, "", nil

	case "display-message":
		s, ok := f.resolveLocked(target)
		if !ok {
			return "", "can't find pane: " + target, ErrExit
		}
		if args[len(args)-1] == "#{pane_pid}" && s.PID > 0 {
			return strconv.Itoa(s.PID) + "\n", "", nil
		}
		return "\n", "", nil

	case "list-sessions":
		if len(f.sessions) == 0 {
			return "", "no server running on /tmp/tmux-1000/default", ErrExit
		}
		format := flagValue(args, "-F")
		var b strings.Builder
		for _, s := range f.sortedLocked() {
			if strings.Contains(format, "session_created") {
				fmt.Fprintf(&b, "%s:%d:%d:%d\n", s.Name, s.Created.Unix(), s.Activity.Unix(), s.Attached)
				continue
			}
			b.WriteString(s.Name + "\n")
		}
		return b.String(), "", nil
	}

	return "", "unknown command: " + args[0], ErrExit
}

// resolveLocked finds the session a -t target names the way tmux does. A
// leading '=' demands an exact name. Otherwise an exact name wins and a
// unique prefix is accepted. Anything after ':' addresses a window and is
// ignored.
func (f *FakeTmux) resolveLocked(target string) (*FakeSession, bool) {
	if i := strings.IndexByte(target, ':'); i >= 0 {
		target = target[:i]
	}
	if name, exact := strings.CutPrefix(target, "="); exact {
		s, ok := f.sessions[name]
		return s, ok
	}
	if s, ok := f.sessions[target]; ok {
		return s, true
	}
	var match *FakeSession
	for name, s := range f.sessions {
		if !strings.HasPrefix(name, target) {
			continue
		}
		if match != nil {
			return nil, false
		}
		match = s
	}
	return match, match != nil
}

func (f *FakeTmux) sortedLocked() []*FakeSession {
	out := make([]*FakeSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var valueFlags = map[string]bool{"-t": true, "-s": true, "-c": true, "-n": true, "-F": true, "-S": true, "-l": true, "-x": true, "-y": true}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// positional returns the first argument that is neither a flag nor a flag value.
func positional(args []string) string {
	for i := 0; i < len(args); i++ {
		if valueFlags[args[i]] {
			i++
			continue
		}
		if strings.HasPrefix(args[i], "-") {
			continue
		}
		return args[i]
	}
	return ""
}

// EvalShellLine produces the output a shell would print for simple printf and
// echo lines with single-quoted or bare arguments. Anything else prints nothing.
func EvalShellLine(line string) string {
	words := shellWords(line)
	if len(words) == 0 {
		return ""
	}
	switch words[0] {
	case "echo":
		return strings.Join(words[1:], " ") + "\n"
	case "printf":
		if len(words) < 2 {
			return ""
		}
		out := words[1]
		for _, arg := range words[2:] {
			out = strings.Replace(out, "%s", arg, 1)
		}
		out = strings.ReplaceAll(out, "%s", "")
		return strings.ReplaceAll(out, `\n`, "\n")
	}
	return ""
}

func shellWords(line string) []string {
	var (
		words   []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for _, r := range line {
		switch {
		case r == '\'':
			inQuote = !inQuote
			started = true
		case r == ' ' && !inQuote:
			if started {
				words = append(words, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		words = append(words, cur.String())
	}
	return words
}
