package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/jedarden/forge/internal/launcher"
	"github.com/jedarden/forge/internal/protocol"
	"github.com/jedarden/forge/internal/tmux"
)

const (
	envWorkerID  = launcher.EnvWorkerID
	envSession   = launcher.EnvSession
	envModel     = launcher.EnvModel
	envWorkspace = launcher.EnvWorkspace
	envBeadRef   = "FORGE_BEAD_REF"
)

// SessionCreator is the slice of the tmux controller the launcher needs.
type SessionCreator interface {
	Exists(ctx context.Context, session string) (bool, error)
	Create(ctx context.Context, session, workDir, command string) error
	Kill(ctx context.Context, session string) error
	PanePID(ctx context.Context, session string) (int, bool, error)
}

// Config captures one launch request.
type Config struct {
	WorkerID  string   // FORGE_WORKER_ID of the worker being started
	Session   string   // tmux session to create
	Model     string   // model passed to the agent CLI
	Workspace string   // absolute working directory
	BeadRef   string   // optional bead the agent starts on
	Binary    string   // agent CLI
	Args      []string // passthrough arguments for the agent CLI
}

// NormalizeAndValidate checks the request before anything is started.
func (c *Config) NormalizeAndValidate() error {
	c.Session = strings.TrimSpace(c.Session)
	if c.Session == "" {
		return errors.New("session name is required (--session-name or $FORGE_SESSION)")
	}
	if err := tmux.ValidateSessionName(c.Session); err != nil {
		return err
	}

	if strings.TrimSpace(c.Workspace) == "" {
		return errors.New("workspace is required")
	}
	info, err := os.Stat(c.Workspace)
	if err != nil {
		return fmt.Errorf("workspace check failed: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace must be a directory: %s", c.Workspace)
	}

	if strings.TrimSpace(c.Binary) == "" {
		return errors.New("agent binary is required")
	}
	return nil
}

// env returns the variables exported to the agent, sorted by name.
func (c Config) env() []string {
	vars := map[string]string{
		envSession:   c.Session,
		envWorkspace: c.Workspace,
	}
	if c.WorkerID != "" {
		vars[envWorkerID] = c.WorkerID
	}
	if c.Model != "" {
		vars[envModel] = c.Model
	}
	if c.BeadRef != "" {
		vars[envBeadRef] = c.BeadRef
	}
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// CommandLine is the shell command run inside the session. The tmux server
// may predate this process, so the environment is set explicitly with env(1).
func (c Config) CommandLine() string {
	words := []string{"env"}
	words = append(words, c.env()...)
	words = append(words, c.Binary)
	if c.Model != "" {
		words = append(words, "--model", c.Model)
	}
	words = append(words, c.Args...)
	if c.BeadRef != "" {
		words = append(words, "Work on bead "+c.BeadRef+". Read it with: bd show "+c.BeadRef)
	}

	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellQuote(w)
	}
	return strings.Join(quoted, " ")
}

// shellQuote single-quotes s unless it is made only of safe characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Run creates the session, waits for its pane pid and writes the result
// object to stdout. A stale session with the same name is replaced.
func Run(ctx context.Context, cfg Config, ctrl SessionCreator, logger *slog.Logger, stdout io.Writer) error {
	exists, err := ctrl.Exists(ctx, cfg.Session)
	if err != nil {
		return err
	}
	if exists {
		logger.Warn("replacing existing session", "session", cfg.Session)
		if err := ctrl.Kill(ctx, cfg.Session); err != nil {
			return err
		}
	}

	logger.Info("starting agent",
		"session", cfg.Session,
		"binary", cfg.Binary,
		"model", cfg.Model,
		"workspace", cfg.Workspace,
		"bead", cfg.BeadRef)
	if err := ctrl.Create(ctx, cfg.Session, cfg.Workspace, cfg.CommandLine()); err != nil {
		return err
	}

	pid, ok, err := ctrl.PanePID(ctx, cfg.Session)
	if err != nil {
		return err
	}
	if !ok {
		if kerr := ctrl.Kill(ctx, cfg.Session); kerr != nil {
			logger.Warn("cleanup after failed launch", "session", cfg.Session, "error", kerr)
		}
		return fmt.Errorf("session %s has no pane process", cfg.Session)
	}

	return writeResult(stdout, protocol.LauncherOutput{
		PID:     pid,
		Session: cfg.Session,
		Model:   cfg.Model,
		Message: "agent started",
		BeadID:  cfg.BeadRef,
	})
}

func failure(err error) protocol.LauncherOutput {
	msg := err.Error()
	return protocol.LauncherOutput{Error: &msg}
}

func writeResult(w io.Writer, out protocol.LauncherOutput) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
