package launcher

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Invocation is one launcher script run.
type Invocation struct {
	Path string
	Args []string
	// Env holds the pairs added on top of the inherited environment.
	Env []string
	Dir string
}

// ScriptResult is what the script produced. ExitCode is -1 when the process
// did not exit normally.
type ScriptResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ScriptRunner runs launcher scripts. Run must respect ctx cancellation.
type ScriptRunner interface {
	Run(ctx context.Context, inv Invocation) (ScriptResult, error)
}

// ExecRunner runs scripts as child processes in their own process group so
// a timeout also reaps anything the script started.
type ExecRunner struct {
	// BaseEnv defaults to os.Environ().
	BaseEnv []string
	// WaitDelay bounds how long Run waits for output pipes after a kill.
	WaitDelay time.Duration
}

// Run implements ScriptRunner.
func (r ExecRunner) Run(ctx context.Context, inv Invocation) (ScriptResult, error) {
	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	base := r.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append([]string{}, base...)
	for _, kv := range inv.Env {
		key, value, _ := strings.Cut(kv, "=")
		cmd.Env = setEnv(cmd.Env, key, value)
	}
	cmd.Dir = inv.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureProcessGroup(cmd)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	err := cmd.Run()
	res := ScriptResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		res.ExitCode = -1
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, err
	}
	return res, nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
