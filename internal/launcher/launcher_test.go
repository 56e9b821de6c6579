package launcher_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/forge/internal/launcher"
	"github.com/jedarden/forge/internal/logging"
	"github.com/jedarden/forge/internal/protocol"
	"github.com/jedarden/forge/internal/tmux"
	"github.com/jedarden/forge/pkg/testharness"
)

type scriptFunc func(ctx context.Context, inv launcher.Invocation) (launcher.ScriptResult, error)

func (f scriptFunc) Run(ctx context.Context, inv launcher.Invocation) (launcher.ScriptResult, error) {
	return f(ctx, inv)
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.AuditEvent
}

func (s *recordingSink) Record(evt protocol.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) kinds() []protocol.AuditKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.AuditKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func argValue(args []string, name string) string {
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "--"+name+"="); ok {
			return v
		}
	}
	return ""
}

// sessionCreatingRunner starts the requested session in fake and reports it
// the way a well-behaved launcher does.
func sessionCreatingRunner(t *testing.T, fake *testharness.FakeTmux) scriptFunc {
	return func(ctx context.Context, inv launcher.Invocation) (launcher.ScriptResult, error) {
		session := argValue(inv.Args, "session-name")
		_, _, err := fake.Run(ctx, "tmux", "new-session", "-d", "-s", session)
		require.NoError(t, err)
		s, _ := fake.Session(session)
		out := fmt.Sprintf(`{"pid": %d, "session": %q, "model": %q, "message": "started"}`, s.PID, session, argValue(inv.Args, "model"))
		return launcher.ScriptResult{Stdout: out}, nil
	}
}

type fixture struct {
	fake     *testharness.FakeTmux
	ctrl     *tmux.Controller
	sink     *recordingSink
	launcher *launcher.Launcher
	script   string
	dir      string
}

func newFixture(t *testing.T, runner launcher.ScriptRunner) *fixture {
	t.Helper()
	dir := t.TempDir()
	fake := testharness.NewFakeTmux()
	ctrl := tmux.NewController(fake, logging.Discard())
	sink := &recordingSink{}
	if runner == nil {
		runner = sessionCreatingRunner(t, fake)
	}
	l := launcher.New(ctrl, launcher.Options{Runner: runner, Audit: sink}, logging.Discard())
	return &fixture{
		fake:     fake,
		ctrl:     ctrl,
		sink:     sink,
		launcher: l,
		script:   testharness.WriteLauncher(t, dir, "exit 0"),
		dir:      dir,
	}
}

func (f *fixture) config(session, model string) launcher.LaunchConfig {
	return launcher.NewLaunchConfig(f.script, session, f.dir, model)
}

func TestSpawnRegistersWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	h, err := f.launcher.Spawn(ctx, "w1", f.config("w1", "sonnet").WithTier(launcher.TierPremium))
	require.NoError(t, err)

	assert.Equal(t, "w1", h.ID)
	assert.Equal(t, "forge-w1", h.Session)
	assert.Equal(t, "sonnet", h.Model)
	assert.Equal(t, launcher.TierPremium, h.Tier)
	assert.Equal(t, launcher.StatusStarting, h.Status)
	assert.Positive(t, h.PID)
	assert.False(t, h.StartedAt.IsZero())
	assert.True(t, f.fake.HasSession("forge-w1"))
	assert.Equal(t, 1, f.launcher.Count())

	got, ok := f.launcher.Get("w1")
	require.True(t, ok)
	assert.Equal(t, h, got)
	assert.Equal(t, []protocol.AuditKind{protocol.AuditWorkerSpawned}, f.sink.kinds())
}

func TestSpawnKillsExistingSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.fake.AddSession("forge-w1", "OLD-MARKER\n")

	_, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm"))
	require.NoError(t, err)

	s, ok := f.fake.Session("forge-w1")
	require.True(t, ok)
	assert.NotContains(t, s.Pane, "OLD-MARKER")
	assert.Len(t, f.fake.CallsTo("kill-session"), 1)
}

func TestSpawnRejectsDuplicateWorkerID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.launcher.Spawn(ctx, "w1", f.config("w1", "glm"))
	require.NoError(t, err)

	_, err = f.launcher.Spawn(ctx, "w1", f.config("other", "glm"))
	require.Error(t, err)
	assert.ErrorIs(t, err, launcher.ErrValidation)
	assert.ErrorIs(t, err, launcher.ErrWorkerExists)
	assert.Equal(t, 1, f.launcher.Count())
	assert.False(t, f.fake.HasSession("forge-other"))
}

func TestSpawnMissingLauncher(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	cfg := launcher.NewLaunchConfig(filepath.Join(f.dir, "nope.sh"), "w1", f.dir, "glm")

	_, err := f.launcher.Spawn(context.Background(), "w1", cfg)
	require.Error(t, err)
	assert.Equal(t, launcher.KindNotFound, launcher.KindOf(err))
	assert.ErrorIs(t, err, launcher.ErrLauncherMissing)
	assert.Zero(t, f.launcher.Count())
	assert.Equal(t, []protocol.AuditKind{protocol.AuditWorkerSpawnFailed}, f.sink.kinds())
}

func TestSpawnNonExecutableLauncher(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	path := filepath.Join(f.dir, "plain.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))

	_, err := f.launcher.Spawn(context.Background(), "w1", launcher.NewLaunchConfig(path, "w1", f.dir, "glm"))
	assert.ErrorIs(t, err, launcher.ErrNotExecutable)
	assert.Equal(t, launcher.KindValidation, launcher.KindOf(err))
}

func TestSpawnInvalidSessionName(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.launcher.Spawn(context.Background(), "w1", f.config("bad:name", "glm"))
	assert.ErrorIs(t, err, tmux.ErrInvalidSessionName)
	assert.Equal(t, launcher.KindValidation, launcher.KindOf(err))
	assert.Empty(t, f.fake.CallsTo("has-session"))
}

func TestSpawnClaimedSessionMissing(t *testing.T) {
	t.Parallel()
	runner := scriptFunc(func(ctx context.Context, inv launcher.Invocation) (launcher.ScriptResult, error) {
		return launcher.ScriptResult{Stdout: `{"pid": 4242, "session": "forge-ghost"}`}, nil
	})
	f := newFixture(t, runner)

	_, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm"))
	require.Error(t, err)
	assert.ErrorIs(t, err, launcher.ErrInconsistency)
	assert.ErrorIs(t, err, launcher.ErrSessionMissing)
	assert.Zero(t, f.launcher.Count())
}

func TestSpawnToleratesNoisyStdout(t *testing.T) {
	t.Parallel()
	var fake *testharness.FakeTmux
	runner := scriptFunc(func(ctx context.Context, inv launcher.Invocation) (launcher.ScriptResult, error) {
		fake.AddSession("forge-w1", "")
		return launcher.ScriptResult{Stdout: "Starting...\n{\"pid\":54321,\"session\":\"forge-w1\",\"model\":\"opus\"}\n"}, nil
	})
	f := newFixture(t, runner)
	fake = f.fake

	h, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "sonnet"))
	require.NoError(t, err)
	assert.Equal(t, 54321, h.PID)
	assert.Equal(t, "opus", h.Model)
}

func TestSpawnBareSessionFallsBackToPanePID(t *testing.T) {
	t.Parallel()
	var fake *testharness.FakeTmux
	runner := scriptFunc(func(ctx context.Context, inv launcher.Invocation) (launcher.ScriptResult, error) {
		fake.AddSession("forge-w1", "")
		return launcher.ScriptResult{Stdout: "forge-w1\n"}, nil
	})
	f := newFixture(t, runner)
	fake = f.fake

	h, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "haiku"))
	require.NoError(t, err)
	s, _ := f.fake.Session("forge-w1")
	assert.Equal(t, s.PID, h.PID)
	assert.Equal(t, "haiku", h.Model)
}

func TestSpawnReportedErrorIsLauncherFailure(t *testing.T) {
	t.Parallel()
	runner := scriptFunc(func(ctx context.Context, inv launcher.Invocation) (launcher.ScriptResult, error) {
		return launcher.ScriptResult{Stdout: `{"pid": 0, "session": "", "error": "quota exhausted"}`}, nil
	})
	f := newFixture(t, runner)

	_, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm"))
	require.Error(t, err)
	assert.ErrorIs(t, err, launcher.ErrLauncherFailed)
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestSpawnBeadBinding(t *testing.T) {
	t.Parallel()

	t.Run("from config", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		h, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm").WithBead("bd-1", "Fix it"))
		require.NoError(t, err)
		assert.Equal(t, "bd-1", h.BeadID)
		assert.Equal(t, "Fix it", h.BeadTitle)
	})

	t.Run("launcher output wins", func(t *testing.T) {
		t.Parallel()
		var fake *testharness.FakeTmux
		runner := scriptFunc(func(ctx context.Context, inv launcher.Invocation) (launcher.ScriptResult, error) {
			fake.AddSession("forge-w1", "")
			return launcher.ScriptResult{Stdout: `{"pid": 7, "session": "forge-w1", "bead_id": "bd-9"}`}, nil
		})
		f := newFixture(t, runner)
		fake = f.fake
		h, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm").WithBead("bd-1", "Fix it"))
		require.NoError(t, err)
		assert.Equal(t, "bd-9", h.BeadID)
		assert.Equal(t, "bd-9", h.BeadTitle)
	})
}

func TestSpawnConcurrentSameWorker(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	entered := make(chan struct{})
	var fake *testharness.FakeTmux
	runner := scriptFunc(func(ctx context.Context, inv launcher.Invocation) (launcher.ScriptResult, error) {
		close(entered)
		<-release
		fake.AddSession("forge-w1", "")
		return launcher.ScriptResult{Stdout: `{"pid": 7, "session": "forge-w1"}`}, nil
	})
	f := newFixture(t, runner)
	fake = f.fake

	errc := make(chan error, 1)
	go func() {
		_, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm"))
		errc <- err
	}()
	<-entered

	_, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm"))
	assert.ErrorIs(t, err, launcher.ErrOperationInProgress)
	assert.ErrorIs(t, f.launcher.Stop(context.Background(), "w1"), launcher.ErrOperationInProgress)

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, f.launcher.Count())
}

func TestStopUnknownWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm"))
	require.NoError(t, err)

	err = f.launcher.Stop(context.Background(), "never-spawned")
	require.Error(t, err)
	assert.ErrorIs(t, err, launcher.ErrNotFound)
	assert.ErrorIs(t, err, launcher.ErrWorkerNotFound)
	assert.Equal(t, 1, f.launcher.Count())
}

func TestStopRemovesWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.launcher.Spawn(ctx, "w1", f.config("w1", "glm"))
	require.NoError(t, err)

	require.NoError(t, f.launcher.Stop(ctx, "w1"))
	assert.Zero(t, f.launcher.Count())
	assert.False(t, f.fake.HasSession("forge-w1"))
	assert.Equal(t, []protocol.AuditKind{protocol.AuditWorkerSpawned, protocol.AuditWorkerStopped}, f.sink.kinds())
}

func TestStopToleratesVanishedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.launcher.Spawn(ctx, "w1", f.config("w1", "glm"))
	require.NoError(t, err)
	f.fake.RemoveSession("forge-w1")

	require.NoError(t, f.launcher.Stop(ctx, "w1"))
	assert.Zero(t, f.launcher.Count())
}

func TestStopKillFailureKeepsHandle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.launcher.Spawn(ctx, "w1", f.config("w1", "glm"))
	require.NoError(t, err)
	f.fake.FailCommand("kill-session", "permission denied")

	err = f.launcher.Stop(ctx, "w1")
	assert.ErrorIs(t, err, launcher.ErrExecution)
	assert.Equal(t, 1, f.launcher.Count())
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.launcher.Spawn(ctx, id, f.config(id, "glm"))
		require.NoError(t, err)
	}

	require.NoError(t, f.launcher.StopAll(ctx))
	assert.Zero(t, f.launcher.Count())
	assert.Empty(t, f.fake.SessionNames())
}

func TestListSortedCopies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := f.launcher.Spawn(ctx, id, f.config(id, "glm"))
		require.NoError(t, err)
	}

	list := f.launcher.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{list[0].ID, list[1].ID, list[2].ID})

	list[0].Status = launcher.StatusError
	got, _ := f.launcher.Get("alpha")
	assert.Equal(t, launcher.StatusStarting, got.Status)
}

func TestCheckStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.launcher.Spawn(ctx, "w1", f.config("w1", "glm"))
	require.NoError(t, err)

	status, err := f.launcher.CheckStatus(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, launcher.StatusActive, status)

	require.NoError(t, f.launcher.SetStatus("w1", launcher.StatusIdle))
	status, err = f.launcher.CheckStatus(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, launcher.StatusActive, status, "live session overrides idle")

	f.fake.Update("forge-w1", func(s *testharness.FakeSession) { s.PID = 0 })
	status, err = f.launcher.CheckStatus(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, launcher.StatusFailed, status)

	f.fake.RemoveSession("forge-w1")
	status, err = f.launcher.CheckStatus(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, launcher.StatusStopped, status)

	h, ok := f.launcher.Get("w1")
	require.True(t, ok, "status checks never deregister")
	assert.Equal(t, launcher.StatusStopped, h.Status)

	_, err = f.launcher.CheckStatus(ctx, "missing")
	assert.ErrorIs(t, err, launcher.ErrWorkerNotFound)
}

func TestRefreshAllStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := f.launcher.Spawn(ctx, id, f.config(id, "glm"))
		require.NoError(t, err)
	}
	f.fake.RemoveSession("forge-b")

	got := f.launcher.RefreshAllStatus(ctx)
	assert.Equal(t, map[string]launcher.WorkerStatus{"a": launcher.StatusActive, "b": launcher.StatusStopped}, got)
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.launcher.Spawn(ctx, id, f.config(id, "glm"))
		require.NoError(t, err)
	}
	require.NoError(t, f.launcher.SetStatus("c", launcher.StatusFailed))

	stopped := f.launcher.Reconcile([]string{"forge-a"})
	assert.Equal(t, []string{"b"}, stopped)

	b, _ := f.launcher.Get("b")
	assert.Equal(t, launcher.StatusStopped, b.Status)
	c, _ := f.launcher.Get("c")
	assert.Equal(t, launcher.StatusFailed, c.Status)
	assert.Equal(t, 3, f.launcher.Count())
}

func TestRestore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm"))
	require.NoError(t, err)

	n := f.launcher.Restore([]launcher.WorkerHandle{
		{ID: "w1", Session: "forge-other"},
		{ID: "w2", Session: "forge-w2", Status: launcher.StatusActive},
		{ID: ""},
	})
	assert.Equal(t, 1, n)
	w1, _ := f.launcher.Get("w1")
	assert.Equal(t, "forge-w1", w1.Session)
	assert.Equal(t, 2, f.launcher.Count())
}

func TestBindAndClearBead(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm"))
	require.NoError(t, err)

	require.NoError(t, f.launcher.BindBead("w1", "bd-3", ""))
	h, _ := f.launcher.Get("w1")
	assert.Equal(t, "bd-3", h.BeadTitle)

	old, err := f.launcher.ClearBead("w1")
	require.NoError(t, err)
	assert.Equal(t, "bd-3", old)
	assert.ErrorIs(t, f.launcher.BindBead("nobody", "bd-1", ""), launcher.ErrWorkerNotFound)
}

func TestNoPrefix(t *testing.T) {
	t.Parallel()
	l := launcher.New(nil, launcher.Options{NoPrefix: true}, logging.Discard())
	assert.Equal(t, "raw", l.SessionName("raw"))
	l = launcher.New(nil, launcher.Options{SessionPrefix: "x-"}, logging.Discard())
	assert.Equal(t, "x-raw", l.SessionName("raw"))
}

// Real-shell contract tests.

func TestScriptReceivesArgsAndEnv(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fake := testharness.NewFakeTmux()
	fake.AddSession("forge-claimed", "")
	capture := filepath.Join(dir, "captured")
	script := testharness.WriteLauncher(t, dir, fmt.Sprintf(`
echo "$@" > %q
echo "$FORGE_WORKER_ID $FORGE_SESSION $FORGE_MODEL $EXTRA" >> %q
echo "launching"
echo '{"pid": 1234, "session": "forge-claimed", "message": "ok"}'
`, capture, capture))
	l := launcher.New(tmux.NewController(fake, logging.Discard()), launcher.Options{}, logging.Discard())

	cfg := launcher.NewLaunchConfig(script, "w1", dir, "sonnet").WithBead("bd-7", "T").WithEnv("EXTRA", "yes")
	h, err := l.Spawn(context.Background(), "w1", cfg)
	require.NoError(t, err)
	assert.Equal(t, "forge-claimed", h.Session)
	assert.Equal(t, 1234, h.PID)

	data, err := os.ReadFile(capture)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, fmt.Sprintf("--model=sonnet --workspace=%s --session-name=forge-w1 --bead-ref=bd-7", dir), lines[0])
	assert.Equal(t, "w1 forge-w1 sonnet yes", lines[1])
}

func TestScriptTimeout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := testharness.WriteLauncher(t, dir, "sleep 5")
	l := launcher.New(tmux.NewController(testharness.NewFakeTmux(), logging.Discard()), launcher.Options{}, logging.Discard())

	start := time.Now()
	_, err := l.Spawn(context.Background(), "w1", launcher.NewLaunchConfig(script, "w1", dir, "glm").WithTimeout(200*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, launcher.ErrTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Zero(t, l.Count())
}

func TestScriptNonZeroExit(t *testing.T) {
	t.Parallel()

	t.Run("with error json", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		script := testharness.WriteLauncher(t, dir, `echo '{"pid": 0, "session": "", "error": "no api key"}'; exit 3`)
		l := launcher.New(tmux.NewController(testharness.NewFakeTmux(), logging.Discard()), launcher.Options{}, logging.Discard())

		_, err := l.Spawn(context.Background(), "w1", launcher.NewLaunchConfig(script, "w1", dir, "glm"))
		assert.ErrorIs(t, err, launcher.ErrLauncherFailed)
		assert.Contains(t, err.Error(), "no api key")
	})

	t.Run("plain failure", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		script := testharness.WriteLauncher(t, dir, `echo "boom" >&2; exit 4`)
		l := launcher.New(tmux.NewController(testharness.NewFakeTmux(), logging.Discard()), launcher.Options{}, logging.Discard())

		_, err := l.Spawn(context.Background(), "w1", launcher.NewLaunchConfig(script, "w1", dir, "glm"))
		require.Error(t, err)
		assert.ErrorIs(t, err, launcher.ErrExecution)
		var le *launcher.Error
		require.True(t, errors.As(err, &le))
		assert.Equal(t, 4, le.ExitCode)
		assert.Equal(t, "boom", strings.TrimSpace(le.Stderr))
	})
}

func TestReplaceAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.launcher.Spawn(context.Background(), "w1", f.config("w1", "glm"))
	require.NoError(t, err)

	f.launcher.ReplaceAll([]launcher.WorkerHandle{
		{ID: "w7", Session: "forge-w7", Status: launcher.StatusIdle},
		{ID: "w8", Session: "forge-w8", Status: launcher.StatusActive},
	})

	_, ok := f.launcher.Get("w1")
	assert.False(t, ok)
	assert.Equal(t, 2, f.launcher.Count())
	w7, ok := f.launcher.Get("w7")
	require.True(t, ok)
	assert.Equal(t, launcher.StatusIdle, w7.Status)
}
