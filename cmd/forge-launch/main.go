// Command forge-launch is the reference launcher script for forge. It starts
// a coding agent in a detached tmux session and reports the session on
// stdout as a single JSON object, the way forge expects any launcher to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedarden/forge/internal/logging"
	"github.com/jedarden/forge/internal/tmux"
)

func main() {
	var (
		modelFlag     = flag.String("model", "", "Model the agent runs")
		workspaceFlag = flag.String("workspace", "", "Directory the agent works in (defaults to $FORGE_WORKSPACE or the current directory)")
		sessionFlag   = flag.String("session-name", "", "tmux session to create")
		beadFlag      = flag.String("bead-ref", "", "Bead the agent should work on")
		binaryFlag    = flag.String("agent-bin", "", "Agent CLI to run (defaults to $FORGE_AGENT_BIN or 'claude')")
		logLevelFlag  = flag.String("log-level", "info", "Log level for launcher diagnostics (debug, info, warn, error)")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [-- additional agent args]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level, _, err := logging.ParseLevel(*logLevelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(2)
	}
	// stdout carries the result object, so diagnostics go to stderr.
	logger, err := logging.New(os.Stderr, level, "text")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	workspace := firstNonEmpty(*workspaceFlag, os.Getenv(envWorkspace))
	if workspace == "" {
		if cwd, err := os.Getwd(); err == nil {
			workspace = cwd
		}
	}
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		fail(fmt.Errorf("resolve workspace %s: %w", workspace, err))
	}

	cfg := Config{
		WorkerID:  os.Getenv(envWorkerID),
		Session:   firstNonEmpty(*sessionFlag, os.Getenv(envSession)),
		Model:     firstNonEmpty(*modelFlag, os.Getenv(envModel)),
		Workspace: absWorkspace,
		BeadRef:   strings.TrimSpace(*beadFlag),
		Binary:    resolveBinary(*binaryFlag),
		Args:      flag.Args(),
	}
	if err := cfg.NormalizeAndValidate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		fail(err)
	}

	ctrl := tmux.NewController(tmux.ExecRunner{}, logger)
	if err := Run(ctx, cfg, ctrl, logger, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("launch interrupted", "error", err)
		} else {
			logger.Error("launch failed", "error", err)
		}
		fail(err)
	}
}

// fail prints the failure object forge parses and exits non-zero.
func fail(err error) {
	_ = writeResult(os.Stdout, failure(err))
	os.Exit(1)
}

func resolveBinary(binFlag string) string {
	if binFlag != "" {
		return binFlag
	}
	if env := strings.TrimSpace(os.Getenv("FORGE_AGENT_BIN")); env != "" {
		return env
	}
	return "claude"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
