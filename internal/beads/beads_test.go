package beads

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jedarden/forge/internal/fsutil"
	"github.com/jedarden/forge/internal/logging"
	"github.com/jedarden/forge/internal/workspace"
	"github.com/jedarden/forge/pkg/testharness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreStrictlyDecreasing(t *testing.T) {
	t.Parallel()
	want := []int{40, 30, 20, 10, 5}
	for p := 0; p <= 4; p++ {
		assert.Equal(t, want[p], Score(p), "priority %d", p)
		if p > 0 {
			assert.Less(t, Score(p), Score(p-1))
		}
	}
	assert.Equal(t, 5, Score(9))
	assert.Equal(t, 5, Score(-1))
}

func TestIsReadyInvariant(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	testharness.WriteBeads(t, ws,
		`{"id":"a","title":"open no deps","status":"open"}`,
		`{"id":"b","title":"open with deps","status":"open","dependencies":["a"]}`,
		`{"id":"c","title":"closed","status":"closed"}`,
		`{"id":"d","title":"in progress","status":"in_progress"}`,
		`{"id":"e","title":"blocked with deps","status":"blocked","dependencies":["x","y"]}`,
		`{"id":"f","title":"default status"}`,
	)
	all, err := NewReader(ws, logging.Discard()).ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 6)
	for _, b := range all {
		assert.Equal(t, b.DependencyCount == 0 && b.Status == "open", b.IsReady, b.ID)
		assert.Equal(t, b.IsReady, b.IsAllocatable(), b.ID)
		assert.Equal(t, ws, b.Workspace)
	}
}

func TestGetReadyExcludesBlockedByDependency(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	testharness.WriteBeads(t, ws,
		`{"id":"test-1","title":"First","priority":0,"status":"open"}`,
		`{"id":"test-2","title":"Second","priority":1,"status":"open","dependencies":["test-1"]}`,
	)
	ready, err := NewReader(ws, logging.Discard()).GetReady()
	require.NoError(t, err)
	assert.Equal(t, []string{"test-1"}, IDs(ready))
}

func TestGetReadyRanking(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	testharness.WriteBeads(t, ws,
		`{"id":"b-low","title":"x","priority":3}`,
		`{"id":"c-mid","title":"x"}`,
		`{"id":"a-mid","title":"x","priority":2}`,
		`{"id":"z-top","title":"x","priority":0}`,
		`{"id":"y-odd","title":"x","priority":7}`,
	)
	ready, err := NewReader(ws, logging.Discard()).GetReady()
	require.NoError(t, err)
	assert.Equal(t, []string{"z-top", "a-mid", "c-mid", "b-low", "y-odd"}, IDs(ready))
}

func TestGetReadySkipsOversizedLine(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	testharness.WriteBeads(t, ws,
		`{"id":"a","title":"x","priority":0}`,
		`{"id":"big","title":"x","description":"`+strings.Repeat("d", 300*1024)+`"}`,
		`{"id":"c","title":"x","priority":1}`,
	)
	ready, err := NewReader(ws, logging.Discard()).GetReady()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, IDs(ready))

	m := NewManager(logging.Discard(), ws)
	assert.Equal(t, []string{"a", "c"}, IDs(m.GetReady()))
}

func TestReadAllSkipsBadLines(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	testharness.WriteBeads(t, ws,
		`{"id":"ok-1","title":"fine"}`,
		``,
		`{not json`,
		`{"title":"missing id"}`,
		`{"id":"no-title"}`,
		`{"id":"ok-2","title":"also fine","labels":["x"],"issue_type":"bug","description":"d"}`,
	)
	all, err := NewReader(ws, logging.Discard()).ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"ok-1", "ok-2"}, IDs(all))

	assert.Equal(t, "", all[0].Description)
	assert.Equal(t, "open", all[0].Status)
	assert.Equal(t, 2, all[0].Priority)
	assert.Equal(t, "task", all[0].IssueType)
	assert.Empty(t, all[0].Labels)
	assert.Equal(t, []string{"x"}, all[1].Labels)
	assert.Equal(t, "bug", all[1].IssueType)
}

func TestReadAllMissingFile(t *testing.T) {
	t.Parallel()
	all, err := NewReader(t.TempDir(), logging.Discard()).ReadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAssignUnassign(t *testing.T) {
	t.Parallel()
	r := NewReader(t.TempDir(), logging.Discard())

	require.NoError(t, r.Assign("test-1", "worker-1"))
	assert.True(t, r.IsAssigned("test-1"))
	w, ok := r.AssignedWorker("test-1")
	require.True(t, ok)
	assert.Equal(t, "worker-1", w)

	require.NoError(t, r.Assign("test-1", "worker-1"), "same worker is a no-op")
	assert.ErrorIs(t, r.Assign("test-1", "worker-2"), ErrAlreadyAssigned)

	prev, ok := r.Unassign("test-1")
	assert.True(t, ok)
	assert.Equal(t, "worker-1", prev)
	assert.False(t, r.IsAssigned("test-1"))
	_, ok = r.AssignedWorker("test-1")
	assert.False(t, ok)

	_, ok = r.Unassign("test-1")
	assert.False(t, ok)
}

func TestPopReadyOrderAndExclusion(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	testharness.WriteBeads(t, ws,
		`{"id":"p2","title":"x","priority":2}`,
		`{"id":"p0","title":"x","priority":0}`,
		`{"id":"p1","title":"x","priority":1}`,
		`{"id":"p3","title":"x","priority":3}`,
	)
	r := NewReader(ws, logging.Discard())
	require.NoError(t, r.Assign("p1", "worker-9"))

	var popped []string
	for {
		b, ok, err := r.PopReady()
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.False(t, r.IsAssigned(b.ID), "popped an assigned bead %s", b.ID)
		popped = append(popped, b.ID)
	}
	assert.Equal(t, []string{"p0", "p2", "p3"}, popped)

	_, ok := r.Unassign("p1")
	require.True(t, ok)
	b, ok, err := r.PopReady()
	require.NoError(t, err)
	require.True(t, ok, "released bead is poppable after the cache refresh")
	assert.Equal(t, "p0", b.ID)
}

func TestPopReadyNeverReturnsAssigned(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	testharness.WriteBeads(t, ws,
		`{"id":"a","title":"x","priority":0}`,
		`{"id":"b","title":"x","priority":0}`,
	)
	r := NewReader(ws, logging.Discard())
	_, err := r.GetReady()
	require.NoError(t, err)
	require.NoError(t, r.Assign("a", "w1"))
	require.NoError(t, r.Assign("b", "w2"))

	_, ok, err := r.PopReady()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssignmentIsInMemoryOnly(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	path := testharness.WriteBeads(t, ws, `{"id":"shared","title":"x"}`)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	first := NewReader(ws, logging.Discard())
	require.NoError(t, first.Assign("shared", "worker-1"))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "assignment is never written back to the queue file")

	// A second reader of the same file cannot see the first reader's assignment.
	second := NewReader(ws, logging.Discard())
	assert.False(t, second.IsAssigned("shared"))
	b, ok, err := second.PopReady()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shared", b.ID)
}

func TestReleaseWorker(t *testing.T) {
	t.Parallel()
	r := NewReader(t.TempDir(), logging.Discard())
	require.NoError(t, r.Assign("b2", "w1"))
	require.NoError(t, r.Assign("b1", "w1"))
	require.NoError(t, r.Assign("b3", "w2"))

	assert.Equal(t, []string{"b1", "b2"}, r.ReleaseWorker("w1"))
	assert.Equal(t, map[string]string{"b3": "w2"}, r.Assignments())
}

func TestInvalidateRereadsFile(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	testharness.WriteBeads(t, ws, `{"id":"old","title":"x"}`)
	r := NewReader(ws, logging.Discard())
	_, err := r.GetReady()
	require.NoError(t, err)

	testharness.WriteBeads(t, ws, `{"id":"new","title":"x","priority":0}`)
	b, ok, err := r.PopReady()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", b.ID, "pop draws from the cache until it is invalidated")

	r.Invalidate()
	b, ok, err = r.PopReady()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", b.ID)
}

func TestManagerMergesWorkspaces(t *testing.T) {
	t.Parallel()
	ws1, ws2 := t.TempDir(), t.TempDir()
	testharness.WriteBeads(t, ws1,
		`{"id":"a-2","title":"x","priority":2}`,
		`{"id":"a-0","title":"x","priority":0}`,
	)
	testharness.WriteBeads(t, ws2,
		`{"id":"b-1","title":"x","priority":1}`,
		`{"id":"b-0","title":"x","priority":0}`,
	)
	m := NewManager(logging.Discard(), ws1, ws2)
	assert.Len(t, m.Workspaces(), 2)

	ready := m.GetReady()
	assert.Equal(t, []string{"a-0", "b-0", "b-1", "a-2"}, IDs(ready))
	assert.Equal(t, ws2, ready[1].Workspace)

	require.NoError(t, m.Assign("b-0", "w1"))
	r2, ok := m.Reader(ws2)
	require.True(t, ok)
	assert.True(t, r2.IsAssigned("b-0"), "assignment routed to the bead's workspace")
	assert.True(t, m.IsAssigned("b-0"))

	var popped []string
	for {
		b, ok := m.PopReady()
		if !ok {
			break
		}
		popped = append(popped, b.ID)
	}
	assert.Equal(t, []string{"a-0", "b-1", "a-2"}, popped)

	assert.ErrorIs(t, m.Assign("nope", "w1"), ErrBeadNotFound)
	assert.ErrorIs(t, m.AssignIn(t.TempDir(), "a-0", "w1"), ErrUnknownWorkspace)

	w, ok := m.Unassign("b-0")
	assert.True(t, ok)
	assert.Equal(t, "w1", w)
	assert.Empty(t, m.Assignments())
}

func TestManagerSkipsFailingWorkspace(t *testing.T) {
	t.Parallel()
	good, bad := t.TempDir(), t.TempDir()
	testharness.WriteBeads(t, good, `{"id":"g","title":"x"}`)
	require.NoError(t, os.MkdirAll(workspace.BeadsFile(bad), 0o755))

	m := NewManager(logging.Discard(), good, bad)
	assert.Equal(t, []string{"g"}, IDs(m.GetReady()))

	b, ok := m.PopReady()
	require.True(t, ok)
	assert.Equal(t, "g", b.ID)
}

func TestManagerAddRemoveWorkspace(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	m := NewManager(logging.Discard())
	r1 := m.AddWorkspace(ws)
	r2 := m.AddWorkspace(ws + "/")
	assert.Same(t, r1, r2)
	assert.True(t, m.RemoveWorkspace(ws))
	assert.False(t, m.RemoveWorkspace(ws))
	assert.Empty(t, m.Workspaces())
}

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	testharness.WriteBeads(t, ws, `{"id":"first","title":"x"}`)
	m := NewManager(logging.Discard(), ws)
	r, _ := m.Reader(ws)
	_, err := r.GetReady()
	require.NoError(t, err)

	w, err := WatchManager(logging.Discard(), m)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	testharness.WriteBeads(t, ws, `{"id":"second","title":"x","priority":0}`)

	select {
	case got := <-w.Changes():
		assert.Equal(t, ws, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	b, ok, err := r.PopReady()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", b.ID)
}

func TestWatcherIgnoresIdenticalRewrite(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	path := testharness.WriteBeads(t, ws, `{"id":"first","title":"x"}`)
	m := NewManager(logging.Discard(), ws)

	w, err := WatchManager(logging.Discard(), m)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Replace by rename so no event ever observes a half-written file.
	require.NoError(t, fsutil.AtomicWrite(path, []byte(`{"id":"first","title":"x"}`+"\n")))
	select {
	case got := <-w.Changes():
		t.Fatalf("unexpected change notification for %s", got)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, fsutil.AtomicWrite(path, []byte(`{"id":"second","title":"y"}`+"\n")))
	select {
	case got := <-w.Changes():
		assert.Equal(t, ws, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}
