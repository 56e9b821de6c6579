package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/jedarden/forge/internal/protocol"
	"github.com/jedarden/forge/internal/tmux"
)

// Launcher contract environment variables.
const (
	EnvWorkerID  = "FORGE_WORKER_ID"
	EnvSession   = "FORGE_SESSION"
	EnvModel     = "FORGE_MODEL"
	EnvWorkspace = "FORGE_WORKSPACE"
)

// DefaultSessionPrefix is prepended to requested session names.
const DefaultSessionPrefix = "forge-"

// SessionController is the part of the tmux controller the launcher uses.
type SessionController interface {
	Exists(ctx context.Context, session string) (bool, error)
	Kill(ctx context.Context, session string) error
	PanePID(ctx context.Context, session string) (int, bool, error)
}

// AuditSink receives spawn, stop and status events.
type AuditSink interface {
	Record(evt protocol.AuditEvent) error
}

// Options configures a Launcher.
type Options struct {
	// SessionPrefix defaults to DefaultSessionPrefix. Use NoPrefix for none.
	SessionPrefix string
	NoPrefix      bool
	Runner        ScriptRunner
	Audit         AuditSink
}

// Launcher owns the worker registry.
type Launcher struct {
	tmux   SessionController
	runner ScriptRunner
	audit  AuditSink
	logger *slog.Logger
	prefix string
	now    func() time.Time

	mu      sync.RWMutex
	workers map[string]*WorkerHandle

	flightMu sync.Mutex
	inFlight map[string]string
}

// New creates a launcher backed by ctrl.
func New(ctrl SessionController, opts Options, logger *slog.Logger) *Launcher {
	prefix := opts.SessionPrefix
	if prefix == "" && !opts.NoPrefix {
		prefix = DefaultSessionPrefix
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Launcher{
		tmux:     ctrl,
		runner:   runner,
		audit:    opts.Audit,
		logger:   logger,
		prefix:   prefix,
		now:      time.Now,
		workers:  make(map[string]*WorkerHandle),
		inFlight: make(map[string]string),
	}
}

// SessionPrefix returns the prefix added to requested session names.
func (l *Launcher) SessionPrefix() string { return l.prefix }

// SessionName returns the tmux session a requested name maps to.
func (l *Launcher) SessionName(requested string) string { return l.prefix + requested }

// begin marks workerID busy with op; the returned func releases it.
func (l *Launcher) begin(workerID, op string) (func(), error) {
	l.flightMu.Lock()
	defer l.flightMu.Unlock()
	if cur, busy := l.inFlight[workerID]; busy {
		return nil, fmt.Errorf("%w: %s (%s running)", ErrOperationInProgress, workerID, cur)
	}
	l.inFlight[workerID] = op
	return func() {
		l.flightMu.Lock()
		delete(l.inFlight, workerID)
		l.flightMu.Unlock()
	}, nil
}

// ValidateLauncher checks that path is an existing executable file.
func ValidateLauncher(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Error{Kind: KindNotFound, Op: "validate", Path: path, Err: ErrLauncherMissing}
	}
	if err != nil {
		return &Error{Kind: KindValidation, Op: "validate", Path: path, Err: err}
	}
	if info.IsDir() {
		return &Error{Kind: KindValidation, Op: "validate", Path: path, Err: fmt.Errorf("%w: is a directory", ErrNotExecutable)}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return &Error{Kind: KindValidation, Op: "validate", Path: path, Err: ErrNotExecutable}
	}
	return nil
}

// Spawn runs the launcher script for workerID and registers the resulting
// worker. An existing session with the target name is killed first.
func (l *Launcher) Spawn(ctx context.Context, workerID string, cfg LaunchConfig) (WorkerHandle, error) {
	done, err := l.begin(workerID, "spawn")
	if err != nil {
		return WorkerHandle{}, err
	}
	defer done()

	handle, err := l.spawn(ctx, workerID, cfg)
	if err != nil {
		l.logger.Error("spawn failed", "worker_id", workerID, "model", cfg.Model(), "error", err)
		l.record(protocol.AuditEvent{
			Kind:     protocol.AuditWorkerSpawnFailed,
			WorkerID: workerID,
			Session:  l.SessionName(cfg.Session()),
			Model:    cfg.Model(),
			BeadID:   cfg.BeadID(),
			Error:    err.Error(),
		})
		return WorkerHandle{}, err
	}
	l.logger.Info("worker spawned",
		"worker_id", handle.ID,
		"session", handle.Session,
		"pid", handle.PID,
		"model", handle.Model,
		"bead_id", handle.BeadID)
	l.record(protocol.AuditEvent{
		Kind:      protocol.AuditWorkerSpawned,
		WorkerID:  handle.ID,
		Session:   handle.Session,
		Model:     handle.Model,
		BeadID:    handle.BeadID,
		BeadTitle: handle.BeadTitle,
		Status:    string(handle.Status),
	})
	return handle, nil
}

func (l *Launcher) spawn(ctx context.Context, workerID string, cfg LaunchConfig) (WorkerHandle, error) {
	session := l.SessionName(cfg.Session())
	fail := func(kind ErrorKind, err error) *Error {
		return &Error{Kind: kind, Op: "spawn", WorkerID: workerID, Session: session, Model: cfg.Model(), Path: cfg.Launcher(), Err: err}
	}

	if workerID == "" {
		return WorkerHandle{}, fail(KindValidation, errors.New("worker id is required"))
	}
	if _, exists := l.Get(workerID); exists {
		return WorkerHandle{}, fail(KindValidation, ErrWorkerExists)
	}
	if err := ValidateLauncher(cfg.Launcher()); err != nil {
		var le *Error
		if errors.As(err, &le) {
			return WorkerHandle{}, fail(le.Kind, le.Err)
		}
		return WorkerHandle{}, fail(KindValidation, err)
	}
	if err := tmux.ValidateSessionName(session); err != nil {
		return WorkerHandle{}, fail(KindValidation, err)
	}

	exists, err := l.tmux.Exists(ctx, session)
	if err != nil {
		return WorkerHandle{}, fail(KindExecution, err)
	}
	if exists {
		l.logger.Warn("killing existing session before spawn", "worker_id", workerID, "session", session)
		if err := l.tmux.Kill(ctx, session); err != nil {
			return WorkerHandle{}, fail(KindExecution, fmt.Errorf("kill existing session: %w", err))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	res, runErr := l.runner.Run(runCtx, buildInvocation(workerID, session, cfg))
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			e := fail(KindTimeout, fmt.Errorf("no result within %s", cfg.Timeout()))
			e.Stderr = res.Stderr
			return WorkerHandle{}, e
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) || res.ExitCode > 0 {
			// A failing launcher may still explain itself in JSON.
			if parsed, perr := ParseOutput(res.Stdout); perr == nil && parsed.Output.Error != nil {
				e := fail(KindLauncherFailed, errors.New(parsed.Output.ErrorMessage()))
				e.ExitCode, e.Stderr = res.ExitCode, res.Stderr
				return WorkerHandle{}, e
			}
		}
		e := fail(KindExecution, runErr)
		e.ExitCode, e.Stderr = res.ExitCode, res.Stderr
		return WorkerHandle{}, e
	}

	parsed, err := ParseOutput(res.Stdout)
	if err != nil {
		e := fail(KindValidation, err)
		e.Stderr = res.Stderr
		return WorkerHandle{}, e
	}
	out := parsed.Output
	if parsed.BareSession {
		pid, ok, err := l.tmux.PanePID(ctx, out.Session)
		if err != nil {
			l.logger.Warn("pane pid lookup failed", "worker_id", workerID, "session", out.Session, "error", err)
		} else if ok {
			out.PID = pid
		}
	}
	if !out.IsSuccess() {
		msg := out.ErrorMessage()
		if msg == "" {
			msg = "launcher reported no pid"
		}
		return WorkerHandle{}, fail(KindLauncherFailed, errors.New(msg))
	}

	claimed := out.Session
	if claimed == "" {
		claimed = session
	}
	alive, err := l.tmux.Exists(ctx, claimed)
	if err != nil {
		e := fail(KindExecution, fmt.Errorf("verify session: %w", err))
		e.Session = claimed
		return WorkerHandle{}, e
	}
	if !alive {
		e := fail(KindInconsistency, ErrSessionMissing)
		e.Session = claimed
		return WorkerHandle{}, e
	}

	handle := WorkerHandle{
		ID:        workerID,
		PID:       out.PID,
		Session:   claimed,
		Launcher:  cfg.Launcher(),
		Model:     cfg.Model(),
		Tier:      cfg.Tier(),
		Status:    StatusStarting,
		StartedAt: l.now().UTC(),
		Workspace: cfg.Workspace(),
	}
	if out.Model != "" {
		handle.Model = out.Model
	}
	switch {
	case out.BeadID != "":
		handle.BeadID = out.BeadID
		handle.BeadTitle = out.BeadTitle
		if handle.BeadTitle == "" {
			handle.BeadTitle = out.BeadID
		}
	case cfg.BeadID() != "":
		handle.BeadID = cfg.BeadID()
		handle.BeadTitle = cfg.BeadTitle()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.workers[workerID]; dup {
		return WorkerHandle{}, fail(KindValidation, ErrWorkerExists)
	}
	l.workers[workerID] = &handle
	return handle, nil
}

func buildInvocation(workerID, session string, cfg LaunchConfig) Invocation {
	args := []string{
		"--model=" + cfg.Model(),
		"--workspace=" + cfg.Workspace(),
		"--session-name=" + session,
	}
	if cfg.BeadID() != "" {
		args = append(args, "--bead-ref="+cfg.BeadID())
	}
	env := []string{
		EnvWorkerID + "=" + workerID,
		EnvSession + "=" + session,
		EnvModel + "=" + cfg.Model(),
		EnvWorkspace + "=" + cfg.Workspace(),
	}
	for _, kv := range cfg.Env() {
		env = append(env, kv.Key+"="+kv.Value)
	}
	return Invocation{Path: cfg.Launcher(), Args: args, Env: env, Dir: cfg.Workspace()}
}

// Stop kills the worker's session and removes it from the registry. A
// session that is already gone still counts as stopped.
func (l *Launcher) Stop(ctx context.Context, workerID string) error {
	done, err := l.begin(workerID, "stop")
	if err != nil {
		return err
	}
	defer done()

	handle, ok := l.Get(workerID)
	if !ok {
		return &Error{Kind: KindNotFound, Op: "stop", WorkerID: workerID, Err: ErrWorkerNotFound}
	}
	if err := l.tmux.Kill(ctx, handle.Session); err != nil {
		return &Error{Kind: KindExecution, Op: "stop", WorkerID: workerID, Session: handle.Session, Model: handle.Model, Err: err}
	}

	l.mu.Lock()
	delete(l.workers, workerID)
	l.mu.Unlock()

	l.logger.Info("worker stopped", "worker_id", workerID, "session", handle.Session)
	l.record(protocol.AuditEvent{
		Kind:     protocol.AuditWorkerStopped,
		WorkerID: workerID,
		Session:  handle.Session,
		Model:    handle.Model,
		BeadID:   handle.BeadID,
		Status:   string(StatusStopped),
	})
	return nil
}

// StopAll stops every registered worker, continuing past failures. The
// returned error joins the individual failures.
func (l *Launcher) StopAll(ctx context.Context) error {
	var errs []error
	for _, h := range l.List() {
		if err := l.Stop(ctx, h.ID); err != nil {
			l.logger.Warn("stop failed", "worker_id", h.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns a copy of the handle for workerID.
func (l *Launcher) Get(workerID string) (WorkerHandle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.workers[workerID]
	if !ok {
		return WorkerHandle{}, false
	}
	return *h, true
}

// List returns copies of all handles sorted by id.
func (l *Launcher) List() []WorkerHandle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]WorkerHandle, 0, len(l.workers))
	for _, h := range l.workers {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered workers.
func (l *Launcher) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.workers)
}

// Restore inserts handles loaded from a snapshot. Ids already registered are
// left untouched. It returns the number inserted.
func (l *Launcher) Restore(handles []WorkerHandle) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, h := range handles {
		h := h
		if h.ID == "" {
			continue
		}
		if _, ok := l.workers[h.ID]; ok {
			continue
		}
		l.workers[h.ID] = &h
		n++
	}
	return n
}

// ReplaceAll makes the registry hold exactly handles, e.g. after another
// process updated the persisted snapshot.
func (l *Launcher) ReplaceAll(handles []WorkerHandle) {
	workers := make(map[string]*WorkerHandle, len(handles))
	for _, h := range handles {
		h := h
		if h.ID == "" {
			continue
		}
		workers[h.ID] = &h
	}
	l.mu.Lock()
	l.workers = workers
	l.mu.Unlock()
}

func (l *Launcher) record(evt protocol.AuditEvent) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Record(evt); err != nil {
		l.logger.Warn("audit record failed", "kind", evt.Kind, "worker_id", evt.WorkerID, "error", err)
	}
}
