package testharness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jedarden/forge/internal/config"
	"github.com/jedarden/forge/internal/launcher"
	"github.com/jedarden/forge/internal/workspace"
)

// Scenario is a sequence of forge invocations run against a real tmux server.
type Scenario struct {
	Name  string
	Beads []string
	Steps [][]string
}

var (
	// ScenarioDispatchPingStop hands two ready beads to fresh workers, pings
	// them and stops everything again.
	ScenarioDispatchPingStop = Scenario{
		Name: "dispatch-ping-stop",
		Beads: []string{
			`{"id":"bd-smoke-1","title":"first smoke bead","status":"open","priority":1}`,
			`{"id":"bd-smoke-2","title":"second smoke bead","status":"open","priority":2}`,
			`{"id":"bd-smoke-3","title":"blocked smoke bead","status":"open","dependencies":["bd-smoke-1"]}`,
		},
		Steps: [][]string{
			{"dispatch", "--count", "3"},
			{"ping", "--all"},
			{"refresh"},
		},
	}
	// ScenarioSpawnPauseResume drives a single worker through signal handling.
	ScenarioSpawnPauseResume = Scenario{
		Name: "spawn-pause-resume",
		Steps: [][]string{
			{"spawn", "solo"},
			{"pause", "solo"},
			{"resume", "solo"},
			{"ping", "solo"},
		},
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario     Scenario
	Binaries     Binaries
	WorkspaceDir string
	Env          map[string]string
}

// StepResult is the outcome of one forge invocation.
type StepResult struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario      Scenario
	Workspace     string
	SessionPrefix string
	Steps         []StepResult
	// Workers is the registry as listed after the last step, before cleanup.
	Workers []launcher.WorkerHandle
	Cleanup StepResult
}

// Failed returns the first step that exited non-zero.
func (r *SmokeResult) Failed() *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Err != nil {
			return &r.Steps[i]
		}
	}
	return nil
}

// RunSmoke initializes a workspace, runs the scenario's steps in order and
// finally stops every worker it started. Steps after a failing one are not run.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.Binaries.Forge == "" || opts.Binaries.Launch == "" {
		return nil, fmt.Errorf("forge and forge-launch binary paths are required")
	}

	root := opts.WorkspaceDir
	if root == "" {
		var err error
		if root, err = os.MkdirTemp("", "forge-smoke-"); err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	if err := workspace.Initialize(root); err != nil {
		return nil, err
	}

	agent := filepath.Join(root, "agent.sh")
	if err := os.WriteFile(agent, []byte("#!/bin/sh\nexec /bin/sh\n"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to write agent script: %w", err)
	}

	// A per-run prefix keeps smoke sessions apart from real workers.
	prefix := "smoke" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "-"
	cfg := config.GenerateDefault()
	cfg.Launcher = opts.Binaries.Launch
	cfg.SessionPrefix = prefix
	cfg.Env = map[string]string{"FORGE_AGENT_BIN": agent}
	if err := cfg.SaveToFile(config.Path(root)); err != nil {
		return nil, err
	}
	if len(opts.Scenario.Beads) > 0 {
		if err := writeQueue(root, opts.Scenario.Beads); err != nil {
			return nil, err
		}
	}

	result := &SmokeResult{Scenario: opts.Scenario, Workspace: root, SessionPrefix: prefix}
	env := mergeEnv(os.Environ(), opts.Env)
	for _, args := range opts.Scenario.Steps {
		step := runForge(ctx, opts.Binaries.Forge, root, env, args...)
		result.Steps = append(result.Steps, step)
		if step.Err != nil {
			break
		}
	}

	list := runForge(ctx, opts.Binaries.Forge, root, env, "list", "--json")
	if list.Err == nil {
		if err := json.Unmarshal([]byte(list.Stdout), &result.Workers); err != nil {
			return result, fmt.Errorf("decode worker list: %w\n%s", err, list.Stdout)
		}
	}
	result.Cleanup = runForge(context.WithoutCancel(ctx), opts.Binaries.Forge, root, env, "stop-all")
	return result, nil
}

func runForge(ctx context.Context, binary, root string, env []string, args ...string) StepResult {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	full := append([]string{"--root", root}, args...)
	cmd := exec.CommandContext(ctx, binary, full...)
	cmd.Dir = root
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = env
	err := cmd.Run()
	return StepResult{Args: args, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
}

func writeQueue(root string, lines []string) error {
	path := workspace.BeadsFile(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	data := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
