package scheduler

import (
	"log/slog"

	"github.com/jedarden/forge/internal/launcher"
)

// AssignmentStore is the assignment side of the bead queue.
type AssignmentStore interface {
	Assignments() map[string]string
	AssignIn(root, beadID, workerID string) error
	Unassign(beadID string) (string, bool)
}

// SyncAssignments makes the queue's assignments mirror the bead bindings of
// healthy workers. Assignments are held in memory only, so a fresh process
// rebuilds them from the persisted registry this way. It returns the number
// of assignments added and removed.
func SyncAssignments(store AssignmentStore, handles []launcher.WorkerHandle, logger *slog.Logger) (added, removed int) {
	type binding struct{ worker, workspace string }
	bound := make(map[string]binding)
	for _, h := range handles {
		if h.BeadID == "" || !h.Status.IsHealthy() {
			continue
		}
		bound[h.BeadID] = binding{worker: h.ID, workspace: h.Workspace}
	}

	for bead, worker := range store.Assignments() {
		if b, ok := bound[bead]; ok && b.worker == worker {
			delete(bound, bead)
			continue
		}
		store.Unassign(bead)
		removed++
	}
	for bead, b := range bound {
		if err := store.AssignIn(b.workspace, bead, b.worker); err != nil {
			logger.Debug("cannot restore bead assignment", "bead_id", bead, "worker_id", b.worker, "workspace", b.workspace, "error", err)
			continue
		}
		added++
	}
	return added, removed
}
