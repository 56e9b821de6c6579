package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jedarden/forge/internal/beads"
	"github.com/jedarden/forge/internal/config"
	"github.com/jedarden/forge/internal/eventlog"
	"github.com/jedarden/forge/internal/launcher"
	"github.com/jedarden/forge/internal/logging"
	"github.com/jedarden/forge/internal/scheduler"
	"github.com/jedarden/forge/internal/state"
	"github.com/jedarden/forge/internal/tmux"
)

// Seams for tests: the real commands drive the tmux binary and run launcher
// scripts as child processes.
var (
	newTmuxRunner   = func() tmux.Runner { return tmux.ExecRunner{} }
	newScriptRunner = func() launcher.ScriptRunner { return launcher.ExecRunner{} }
	newSignaler     = tmux.DefaultSignaler
)

// app is the wired object graph one command runs against.
type app struct {
	root     string
	stateDir string
	cfg      *config.Config
	logger   *slog.Logger
	ctrl     *tmux.Controller
	workers  *launcher.Launcher
	queue    *beads.Manager
	store    *state.Store
	events   *eventlog.EventLog
}

// appMode selects whether a command records audit events.
type appMode int

const (
	readOnly appMode = iota
	readWrite
)

// resolveRoot returns the absolute workspace root from --root or the
// current directory.
func resolveRoot(cmd *cobra.Command) (string, error) {
	root, err := cmd.Flags().GetString("root")
	if err != nil {
		return "", err
	}
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root %s: %w", root, err)
	}
	return abs, nil
}

// loadConfig reads and validates the config selected by --config and --root.
func loadConfig(cmd *cobra.Command, root string) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = config.Path(root)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	levelName := cfg.LogLevel
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		levelName = v
	}
	format := cfg.LogFormat
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		format = v
	}
	level, _, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	return logging.New(cmd.ErrOrStderr(), level, format)
}

// loadApp wires the launcher, queue and state store for root. readWrite
// additionally opens the audit log, creating the state directory if needed.
func loadApp(cmd *cobra.Command, mode appMode) (*app, error) {
	root, err := resolveRoot(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		root:     root,
		stateDir: cfg.ResolveStateDir(root),
		cfg:      cfg,
		logger:   logger,
	}
	a.ctrl = tmux.NewController(newTmuxRunner(), logger)
	a.ctrl.SetSignaler(newSignaler())

	var sink launcher.AuditSink
	if mode == readWrite {
		events, err := eventlog.NewEventLog(eventlog.Path(a.stateDir), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		a.events = events
		sink = events
	}

	a.workers = launcher.New(a.ctrl, launcher.Options{
		SessionPrefix: cfg.SessionPrefix,
		NoPrefix:      cfg.SessionPrefix == "",
		Runner:        newScriptRunner(),
		Audit:         sink,
	}, logger)
	a.queue = beads.NewManager(logger, cfg.WorkspaceRoots(root)...)
	a.store = state.NewStore(state.Path(a.stateDir), logger)
	return a, nil
}

// audit returns the audit sink, nil for read-only apps.
func (a *app) audit() launcher.AuditSink {
	if a.events == nil {
		return nil
	}
	return a.events
}

func (a *app) Close() {
	if a.events == nil {
		return
	}
	if err := a.events.Close(); err != nil {
		a.logger.Warn("failed to close audit log", "error", err)
	}
}

// restore replaces the registry with handles and rebuilds the bead
// assignments they imply.
func (a *app) restore(handles []launcher.WorkerHandle) {
	a.workers.ReplaceAll(handles)
	added, removed := scheduler.SyncAssignments(a.queue, a.workers.List(), a.logger)
	a.logger.Debug("registry restored", "workers", len(handles), "assignments_added", added, "assignments_removed", removed)
}

// load restores the last saved snapshot without taking the registry lock.
func (a *app) load() error {
	snap, err := a.store.Load()
	if err != nil {
		return err
	}
	a.restore(snap.Workers)
	return nil
}

// mutate runs fn with the registry lock held and the registry restored from
// the snapshot, then saves whatever the registry holds, also when fn fails.
func (a *app) mutate(ctx context.Context, fn func(context.Context) error) error {
	var fnErr error
	err := a.store.Update(ctx, func(snap *state.Snapshot) error {
		a.restore(snap.Workers)
		fnErr = fn(ctx)
		snap.Workers = a.workers.List()
		return nil
	})
	if err != nil {
		return err
	}
	return fnErr
}

// withApp loads the app, runs fn and closes it.
func withApp(cmd *cobra.Command, mode appMode, fn func(a *app) error) error {
	a, err := loadApp(cmd, mode)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
