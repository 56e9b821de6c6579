package beads

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/jedarden/forge/internal/ndjson"
	"github.com/jedarden/forge/internal/protocol"
	"github.com/jedarden/forge/internal/workspace"
)

// Reader serves one workspace's queue file.
type Reader struct {
	workspace string
	path      string
	logger    *slog.Logger

	mu sync.Mutex
	// stack holds the most recent ready list, lowest rank first, so the next
	// item to hand out sits at the end.
	stack       []QueuedBead
	cached      bool
	assignments map[string]string
}

// NewReader creates a reader for the workspace rooted at root.
func NewReader(root string, logger *slog.Logger) *Reader {
	return &Reader{
		workspace:   root,
		path:        workspace.BeadsFile(root),
		logger:      logger.With("workspace", root),
		assignments: make(map[string]string),
	}
}

// Workspace returns the workspace root.
func (r *Reader) Workspace() string { return r.workspace }

// Path returns the queue file path.
func (r *Reader) Path() string { return r.path }

// ReadAll parses every valid record in the queue file. Blank lines are
// skipped; malformed lines and records without id or title are logged and
// skipped. A missing file yields no beads.
func (r *Reader) ReadAll() ([]QueuedBead, error) {
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Debug("no beads file", "path", r.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open beads file %s: %w", r.path, err)
	}
	defer f.Close()

	dec := ndjson.NewDecoder(f, r.logger)
	var out []QueuedBead
	for {
		var rec protocol.BeadRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if ndjson.IsLineError(err) {
			r.logger.Warn("skipping malformed bead line", "path", r.path, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read beads file %s: %w", r.path, err)
		}
		n, err := rec.Normalize()
		if err != nil {
			r.logger.Warn("skipping bead record", "path", r.path, "line", dec.Line(), "error", err)
			continue
		}
		out = append(out, newQueuedBead(n, r.workspace))
	}
	return out, nil
}

// GetReady returns allocatable beads ranked by score. Assigned beads are
// included; PopReady is the call that skips them. The result also becomes
// the cache PopReady draws from.
func (r *Reader) GetReady() ([]QueuedBead, error) {
	all, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	ready := make([]QueuedBead, 0, len(all))
	for _, b := range all {
		if b.IsAllocatable() {
			ready = append(ready, b)
		}
	}
	Rank(ready)

	r.mu.Lock()
	r.stack = make([]QueuedBead, len(ready))
	for i, b := range ready {
		r.stack[len(ready)-1-i] = b
	}
	r.cached = true
	r.mu.Unlock()

	return ready, nil
}

// PopReady removes and returns the highest-ranked unassigned ready bead from
// the cache, refreshing it first when invalid. ok is false when none remain.
func (r *Reader) PopReady() (QueuedBead, bool, error) {
	if err := r.ensureCache(); err != nil {
		return QueuedBead{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.peekLocked()
	if ok {
		r.removeLocked(b.ID)
	}
	return b, ok, nil
}

func (r *Reader) ensureCache() error {
	r.mu.Lock()
	cached := r.cached
	r.mu.Unlock()
	if cached {
		return nil
	}
	_, err := r.GetReady()
	return err
}

// peekLocked returns the top of the stack, dropping assigned entries on the way.
func (r *Reader) peekLocked() (QueuedBead, bool) {
	for len(r.stack) > 0 {
		top := r.stack[len(r.stack)-1]
		if _, assigned := r.assignments[top.ID]; !assigned {
			return top, true
		}
		r.stack = r.stack[:len(r.stack)-1]
	}
	return QueuedBead{}, false
}

func (r *Reader) removeLocked(id string) {
	for i := len(r.stack) - 1; i >= 0; i-- {
		if r.stack[i].ID == id {
			r.stack = append(r.stack[:i], r.stack[i+1:]...)
			return
		}
	}
}

// Invalidate drops the cached ready list so the next pop re-reads the file.
func (r *Reader) Invalidate() {
	r.mu.Lock()
	r.stack = nil
	r.cached = false
	r.mu.Unlock()
}

// Assign records that workerID holds beadID. Re-assigning to the same worker
// is a no-op; assigning a bead held by another worker fails.
func (r *Reader) Assign(beadID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.assignments[beadID]; ok && cur != workerID {
		return fmt.Errorf("%w: %s held by %s", ErrAlreadyAssigned, beadID, cur)
	}
	r.assignments[beadID] = workerID
	r.removeLocked(beadID)
	return nil
}

// Unassign releases beadID and returns the previous holder, if any. A
// released bead becomes poppable again after the cache is re-read.
func (r *Reader) Unassign(beadID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker, ok := r.assignments[beadID]
	if ok {
		delete(r.assignments, beadID)
		r.cached = false
	}
	return worker, ok
}

// IsAssigned reports whether beadID is held by a worker.
func (r *Reader) IsAssigned(beadID string) bool {
	_, ok := r.AssignedWorker(beadID)
	return ok
}

// AssignedWorker returns the worker holding beadID.
func (r *Reader) AssignedWorker(beadID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.assignments[beadID]
	return w, ok
}

// Assignments returns a copy of the bead to worker map.
func (r *Reader) Assignments() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.assignments))
	for k, v := range r.assignments {
		out[k] = v
	}
	return out
}

// ReleaseWorker unassigns every bead held by workerID and returns their ids, sorted.
func (r *Reader) ReleaseWorker(workerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []string
	for bead, w := range r.assignments {
		if w == workerID {
			delete(r.assignments, bead)
			released = append(released, bead)
		}
	}
	if len(released) > 0 {
		r.cached = false
	}
	sort.Strings(released)
	return released
}

// Contains reports whether beadID appears in the queue file.
func (r *Reader) Contains(beadID string) (bool, error) {
	r.mu.Lock()
	for _, b := range r.stack {
		if b.ID == beadID {
			r.mu.Unlock()
			return true, nil
		}
	}
	_, assigned := r.assignments[beadID]
	r.mu.Unlock()
	if assigned {
		return true, nil
	}
	all, err := r.ReadAll()
	if err != nil {
		return false, err
	}
	for _, b := range all {
		if b.ID == beadID {
			return true, nil
		}
	}
	return false, nil
}

// peek returns the reader's next candidate without removing it.
func (r *Reader) peek() (QueuedBead, bool, error) {
	if err := r.ensureCache(); err != nil {
		return QueuedBead{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.peekLocked()
	return b, ok, nil
}

// take removes id from the cache if it is still the unassigned top candidate.
func (r *Reader) take(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.peekLocked()
	if !ok || b.ID != id {
		return false
	}
	r.removeLocked(id)
	return true
}
