// Package tmux wraps the tmux commands the worker core needs: session
// lifecycle, keystroke injection, pane capture, pane pid lookup, process-group
// pause/resume and session enumeration. The Controller keeps no state of its
// own; every call is a synchronous round-trip to the tmux server.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCommandTimeout bounds every tmux invocation.
const DefaultCommandTimeout = 10 * time.Second

// SessionInfoFormat is the list-sessions format consumed by ListSessionInfo.
const SessionInfoFormat = "#{session_name}:#{session_created}:#{session_activity}:#{session_attached}"

var (
	ErrNoServer           = errors.New("no tmux server running")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSessionName = errors.New("invalid session name")
	ErrNoPanePID          = errors.New("session has no live pane pid")
)

// tmux treats '.' and ':' as target separators, so they cannot appear in names.
var validSessionName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateSessionName reports whether name is usable as a tmux session target.
func ValidateSessionName(name string) error {
	if !validSessionName.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidSessionName, name, validSessionName.String())
	}
	return nil
}

// Runner executes an external command and returns its stdout and stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args, capturing stdout and stderr separately.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Controller issues tmux commands through a Runner.
type Controller struct {
	runner   Runner
	signaler ProcessSignaler
	logger   *slog.Logger
	timeout  time.Duration
	binary   string

	// concurrent captures of the same pane collapse into one subprocess
	captures singleflight.Group
}

// NewController creates a Controller using the platform process signaler.
func NewController(runner Runner, logger *slog.Logger) *Controller {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Controller{
		runner:   runner,
		signaler: DefaultSignaler(),
		logger:   logger,
		timeout:  DefaultCommandTimeout,
		binary:   "tmux",
	}
}

// SetSignaler replaces the process-group signaler used by Pause and Resume.
func (c *Controller) SetSignaler(s ProcessSignaler) {
	c.signaler = s
}

// SetCommandTimeout overrides the per-command timeout.
func (c *Controller) SetCommandTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

func (c *Controller) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stdout, stderr, err := c.runner.Run(ctx, c.binary, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tmux %s: timed out after %s: %w", args[0], c.timeout, ctx.Err())
		}
		return "", wrapError(err, stderr, args)
	}
	return stdout, nil
}

// wrapError maps tmux stderr onto the package sentinels.
func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	switch {
	case strings.Contains(stderr, "no server running"),
		strings.Contains(stderr, "error connecting to"),
		strings.Contains(stderr, "server exited unexpectedly"):
		return ErrNoServer
	case strings.Contains(stderr, "duplicate session"):
		return ErrSessionExists
	case strings.Contains(stderr, "session not found"),
		strings.Contains(stderr, "can't find session"),
		strings.Contains(stderr, "can't find pane"):
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s: %w", args[0], stderr, err)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

func isAbsent(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer)
}

// sessionTarget matches session by exact name. A bare name would fall back to
// prefix matching, so "forge-w1" could resolve to "forge-w10".
func sessionTarget(session string) string { return "=" + session }

// paneTarget addresses the active pane of exactly session.
func paneTarget(session string) string { return "=" + session + ":" }

// Exists reports whether session is running.
func (c *Controller) Exists(ctx context.Context, session string) (bool, error) {
	_, err := c.run(ctx, "has-session", "-t", sessionTarget(session))
	if err == nil {
		return true, nil
	}
	if isAbsent(err) {
		return false, nil
	}
	return false, err
}

// Create starts a detached session in workDir, optionally running command.
func (c *Controller) Create(ctx context.Context, session, workDir, command string) error {
	if err := ValidateSessionName(session); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", session}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("create session %s: %w", session, err)
	}
	c.logger.Debug("tmux session created", "session", session, "dir", workDir)
	return nil
}

// Kill destroys session. A session that is already gone is not an error.
func (c *Controller) Kill(ctx context.Context, session string) error {
	_, err := c.run(ctx, "kill-session", "-t", sessionTarget(session))
	if err == nil || isAbsent(err) {
		return nil
	}
	c.logger.Warn("failed to kill tmux session", "session", session, "error", err)
	return fmt.Errorf("kill session %s: %w", session, err)
}

// SendCommand types text into the session's active pane and presses Enter.
func (c *Controller) SendCommand(ctx context.Context, session, text string) error {
	if _, err := c.run(ctx, "send-keys", "-t", paneTarget(session), "-l", text); err != nil {
		return fmt.Errorf("send keys to %s: %w", session, err)
	}
	if _, err := c.run(ctx, "send-keys", "-t", paneTarget(session), "Enter"); err != nil {
		return fmt.Errorf("send enter to %s: %w", session, err)
	}
	return nil
}

// CapturePane returns the pane content. lines > 0 includes that many lines of
// scrollback above the visible area.
func (c *Controller) CapturePane(ctx context.Context, session string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", paneTarget(session)}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	// Concurrent callers share one capture bounded by the command timeout.
	// Each caller stops waiting when its own ctx is done.
	key := session + "\x00" + strconv.Itoa(lines)
	ch := c.captures.DoChan(key, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), args...)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("capture pane %s: %w", session, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("capture pane %s: %w", session, res.Err)
		}
		return res.Val.(string), nil
	}
}

// PanePID returns the pid of the process running in the session's active pane.
// ok is false when tmux reports no pid.
func (c *Controller) PanePID(ctx context.Context, session string) (pid int, ok bool, err error) {
	out, err := c.run(ctx, "display-message", "-p", "-t", paneTarget(session), "#{pane_pid}")
	if err != nil {
		return 0, false, fmt.Errorf("pane pid %s: %w", session, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return 0, false, nil
	}
	pid, err = strconv.Atoi(out)
	if err != nil {
		return 0, false, fmt.Errorf("pane pid %s: unexpected output %q", session, out)
	}
	return pid, pid > 0, nil
}

// Pause stops the whole process group rooted at the session's pane pid.
func (c *Controller) Pause(ctx context.Context, session string) error {
	return c.signalSession(ctx, session, SignalStop)
}

// Resume continues a process group previously stopped by Pause.
func (c *Controller) Resume(ctx context.Context, session string) error {
	return c.signalSession(ctx, session, SignalContinue)
}

func (c *Controller) signalSession(ctx context.Context, session string, sig Signal) error {
	pid, ok, err := c.PanePID(ctx, session)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", sig, session, ErrNoPanePID)
	}
	if err := c.signaler.SignalGroup(pid, sig); err != nil {
		return fmt.Errorf("%s %s (pgid %d): %w", sig, session, pid, err)
	}
	c.logger.Info("signalled worker process group", "session", session, "pid", pid, "signal", sig.String())
	return nil
}

// ListSessions returns the names of running sessions that start with prefix.
func (c *Controller) ListSessions(ctx context.Context, prefix string) ([]string, error) {
	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// SessionInfo is one row of ListSessionInfo.
type SessionInfo struct {
	Name     string
	Created  time.Time
	Activity time.Time
	Attached int
}

// ListSessionInfo returns every session with its timestamps and attachment count.
func (c *Controller) ListSessionInfo(ctx context.Context) ([]SessionInfo, error) {
	out, err := c.run(ctx, "list-sessions", "-F", SessionInfoFormat)
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var infos []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		info, err := ParseSessionInfo(line)
		if err != nil {
			c.logger.Warn("skipping unparsable session line", "line", line, "error", err)
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ParseSessionInfo parses a "name:created:activity:attached" line.
func ParseSessionInfo(line string) (SessionInfo, error) {
	parts := strings.Split(line, ":")
	if len(parts) < 4 {
		return SessionInfo{}, fmt.Errorf("expected 4 fields, got %d", len(parts))
	}
	// fields are taken from the right so the name keeps any stray colon
	n := len(parts)
	created, err := strconv.ParseInt(parts[n-3], 10, 64)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("created: %w", err)
	}
	activity, err := strconv.ParseInt(parts[n-2], 10, 64)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("activity: %w", err)
	}
	attached, err := strconv.Atoi(parts[n-1])
	if err != nil {
		return SessionInfo{}, fmt.Errorf("attached: %w", err)
	}
	return SessionInfo{
		Name:     strings.Join(parts[:n-3], ":"),
		Created:  time.Unix(created, 0),
		Activity: time.Unix(activity, 0),
		Attached: attached,
	}, nil
}
