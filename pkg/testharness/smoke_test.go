package testharness

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/forge/internal/launcher"
)

func TestRunSmokeDispatchPingStop(t *testing.T) {
	result := runSmokeScenario(t, ScenarioDispatchPingStop)

	dispatch := result.Steps[0].Stdout
	assert.Contains(t, dispatch, "Dispatched bd-smoke-1")
	assert.Contains(t, dispatch, "Dispatched bd-smoke-2")
	assert.NotContains(t, dispatch, "bd-smoke-3")

	require.Len(t, result.Workers, 2)
	beads := map[string]bool{}
	for _, w := range result.Workers {
		assert.True(t, strings.HasPrefix(w.Session, result.SessionPrefix), w.Session)
		assert.Equal(t, launcher.StatusActive, w.Status)
		assert.Positive(t, w.PID)
		beads[w.BeadID] = true
	}
	assert.Equal(t, map[string]bool{"bd-smoke-1": true, "bd-smoke-2": true}, beads)
	assert.Contains(t, result.Cleanup.Stdout, "Stopped 2 of 2 workers")
}

func TestRunSmokeSpawnPauseResume(t *testing.T) {
	result := runSmokeScenario(t, ScenarioSpawnPauseResume)

	require.Len(t, result.Workers, 1)
	session := result.SessionPrefix + "solo"
	assert.Equal(t, session, result.Workers[0].Session)
	assert.Contains(t, result.Steps[1].Stdout, "Paused "+session)
	assert.Contains(t, result.Steps[2].Stdout, "Resumed "+session)
	assert.Contains(t, result.Steps[3].Stdout, "pong")

	// stop-all must leave nothing behind on the tmux server.
	require.NoError(t, result.Cleanup.Err, result.Cleanup.Stderr)
	err := exec.Command("tmux", "has-session", "-t", "="+session).Run()
	assert.Error(t, err)
}

func runSmokeScenario(t *testing.T, scenario Scenario) *SmokeResult {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build binaries and drive a real tmux server")
	}
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}

	repoRoot, err := DetectRepoRoot()
	require.NoError(t, err)

	tempDir := t.TempDir()
	cacheDir := filepath.Join(tempDir, "gocache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))
	t.Setenv("GOCACHE", cacheDir)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	bins, err := BuildBinaries(ctx, repoRoot, filepath.Join(tempDir, "bin"))
	require.NoError(t, err)

	result, err := RunSmoke(ctx, SmokeOptions{
		Scenario:     scenario,
		Binaries:     bins,
		WorkspaceDir: filepath.Join(tempDir, "workspace"),
	})
	require.NoError(t, err)
	if failed := result.Failed(); failed != nil {
		t.Fatalf("forge %s failed: %v\nstdout:%s\nstderr:%s", strings.Join(failed.Args, " "), failed.Err, failed.Stdout, failed.Stderr)
	}
	return result
}
