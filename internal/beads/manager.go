package beads

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
)

// Manager composes one Reader per workspace and ranks across all of them.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	readers map[string]*Reader
}

// NewManager creates a manager over the given workspace roots.
func NewManager(logger *slog.Logger, roots ...string) *Manager {
	m := &Manager{logger: logger, readers: make(map[string]*Reader)}
	for _, root := range roots {
		m.AddWorkspace(root)
	}
	return m
}

// AddWorkspace starts tracking root and returns its reader. Adding a
// workspace twice returns the existing reader.
func (m *Manager) AddWorkspace(root string) *Reader {
	root = filepath.Clean(root)
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.readers[root]; ok {
		return r
	}
	r := NewReader(root, m.logger)
	m.readers[root] = r
	return r
}

// RemoveWorkspace stops tracking root, dropping its assignments.
func (m *Manager) RemoveWorkspace(root string) bool {
	root = filepath.Clean(root)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.readers[root]
	delete(m.readers, root)
	return ok
}

// Workspaces returns the tracked roots, sorted.
func (m *Manager) Workspaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.readers))
	for root := range m.readers {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// Reader returns the reader for root.
func (m *Manager) Reader(root string) (*Reader, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readers[filepath.Clean(root)]
	return r, ok
}

func (m *Manager) sortedReaders() []*Reader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Reader, 0, len(m.readers))
	for _, r := range m.readers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].workspace < out[j].workspace })
	return out
}

// GetReady merges every workspace's ready list and re-ranks it. A workspace
// that fails to read is logged and skipped.
func (m *Manager) GetReady() []QueuedBead {
	var merged []QueuedBead
	for _, r := range m.sortedReaders() {
		ready, err := r.GetReady()
		if err != nil {
			m.logger.Warn("skipping workspace", "workspace", r.workspace, "error", err)
			continue
		}
		merged = append(merged, ready...)
	}
	Rank(merged)
	return merged
}

// PopReady removes and returns the best unassigned bead across all workspaces.
func (m *Manager) PopReady() (QueuedBead, bool) {
	for {
		var (
			best     QueuedBead
			bestFrom *Reader
		)
		for _, r := range m.sortedReaders() {
			b, ok, err := r.peek()
			if err != nil {
				m.logger.Warn("skipping workspace", "workspace", r.workspace, "error", err)
				continue
			}
			if ok && (bestFrom == nil || ranksBefore(b, best)) {
				best, bestFrom = b, r
			}
		}
		if bestFrom == nil {
			return QueuedBead{}, false
		}
		if bestFrom.take(best.ID) {
			return best, true
		}
		// Lost a race with a concurrent pop or assign; pick again.
	}
}

func (m *Manager) locate(beadID string) (*Reader, error) {
	for _, r := range m.sortedReaders() {
		ok, err := r.Contains(beadID)
		if err != nil {
			m.logger.Warn("skipping workspace", "workspace", r.workspace, "error", err)
			continue
		}
		if ok {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBeadNotFound, beadID)
}

// Assign records workerID as the holder of beadID in the bead's workspace.
func (m *Manager) Assign(beadID, workerID string) error {
	r, err := m.locate(beadID)
	if err != nil {
		return err
	}
	return r.Assign(beadID, workerID)
}

// AssignIn records an assignment in a specific workspace.
func (m *Manager) AssignIn(root, beadID, workerID string) error {
	r, ok := m.Reader(root)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkspace, root)
	}
	return r.Assign(beadID, workerID)
}

// Unassign releases beadID wherever it is held.
func (m *Manager) Unassign(beadID string) (string, bool) {
	for _, r := range m.sortedReaders() {
		if w, ok := r.Unassign(beadID); ok {
			return w, true
		}
	}
	return "", false
}

// IsAssigned reports whether beadID is held in any workspace.
func (m *Manager) IsAssigned(beadID string) bool {
	_, ok := m.AssignedWorker(beadID)
	return ok
}

// AssignedWorker returns the worker holding beadID in any workspace.
func (m *Manager) AssignedWorker(beadID string) (string, bool) {
	for _, r := range m.sortedReaders() {
		if w, ok := r.AssignedWorker(beadID); ok {
			return w, true
		}
	}
	return "", false
}

// Assignments returns the merged bead to worker map.
func (m *Manager) Assignments() map[string]string {
	out := make(map[string]string)
	for _, r := range m.sortedReaders() {
		for b, w := range r.Assignments() {
			out[b] = w
		}
	}
	return out
}

// ReleaseWorker unassigns every bead held by workerID in every workspace.
func (m *Manager) ReleaseWorker(workerID string) []string {
	var released []string
	for _, r := range m.sortedReaders() {
		released = append(released, r.ReleaseWorker(workerID)...)
	}
	sort.Strings(released)
	return released
}

// InvalidateAll drops every reader's cache.
func (m *Manager) InvalidateAll() {
	for _, r := range m.sortedReaders() {
		r.Invalidate()
	}
}
