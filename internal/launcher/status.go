package launcher

import (
	"context"
	"errors"
	"sort"

	"github.com/jedarden/forge/internal/protocol"
)

// deriveStatus maps observed tmux state onto a worker status.
func deriveStatus(exists, hasPID bool, pidErr error) WorkerStatus {
	switch {
	case !exists:
		return StatusStopped
	case pidErr != nil:
		return StatusError
	case hasPID:
		return StatusActive
	default:
		return StatusFailed
	}
}

// CheckStatus re-derives the worker's status from its session and pane pid,
// stores it and returns it. Any previous status, including idle, is replaced.
func (l *Launcher) CheckStatus(ctx context.Context, workerID string) (WorkerStatus, error) {
	handle, ok := l.Get(workerID)
	if !ok {
		return "", &Error{Kind: KindNotFound, Op: "status", WorkerID: workerID, Err: ErrWorkerNotFound}
	}

	exists, err := l.tmux.Exists(ctx, handle.Session)
	if err != nil {
		return "", &Error{Kind: KindExecution, Op: "status", WorkerID: workerID, Session: handle.Session, Err: err}
	}
	var (
		pid    int
		hasPID bool
		pidErr error
	)
	if exists {
		pid, hasPID, pidErr = l.tmux.PanePID(ctx, handle.Session)
		if pidErr != nil {
			l.logger.Warn("pane pid lookup failed", "worker_id", workerID, "session", handle.Session, "error", pidErr)
		}
	}
	status := deriveStatus(exists, hasPID, pidErr)

	l.mu.Lock()
	h, ok := l.workers[workerID]
	if !ok {
		l.mu.Unlock()
		return "", &Error{Kind: KindNotFound, Op: "status", WorkerID: workerID, Err: ErrWorkerNotFound}
	}
	prev := h.Status
	h.Status = status
	if hasPID {
		h.PID = pid
	}
	l.mu.Unlock()

	if prev != status {
		l.statusChanged(handle, prev, status)
	}
	return status, nil
}

// RefreshAllStatus runs CheckStatus for every worker. Failures are logged and
// skipped; the result holds the workers that were checked.
func (l *Launcher) RefreshAllStatus(ctx context.Context) map[string]WorkerStatus {
	out := make(map[string]WorkerStatus)
	for _, h := range l.List() {
		if ctx.Err() != nil {
			break
		}
		status, err := l.CheckStatus(ctx, h.ID)
		if err != nil {
			l.logger.Warn("status check failed", "worker_id", h.ID, "error", err)
			continue
		}
		out[h.ID] = status
	}
	return out
}

// SetStatus overrides a worker's status, e.g. to mark it idle.
func (l *Launcher) SetStatus(workerID string, status WorkerStatus) error {
	l.mu.Lock()
	h, ok := l.workers[workerID]
	if !ok {
		l.mu.Unlock()
		return &Error{Kind: KindNotFound, Op: "set status", WorkerID: workerID, Err: ErrWorkerNotFound}
	}
	prev := h.Status
	h.Status = status
	snapshot := *h
	l.mu.Unlock()

	if prev != status {
		l.statusChanged(snapshot, prev, status)
	}
	return nil
}

// ClearBead unbinds the worker from its work item and returns the old id.
func (l *Launcher) ClearBead(workerID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.workers[workerID]
	if !ok {
		return "", &Error{Kind: KindNotFound, Op: "clear bead", WorkerID: workerID, Err: ErrWorkerNotFound}
	}
	id := h.BeadID
	h.BeadID, h.BeadTitle = "", ""
	return id, nil
}

// BindBead binds the worker to a work item.
func (l *Launcher) BindBead(workerID, beadID, title string) error {
	if beadID == "" {
		return &Error{Kind: KindValidation, Op: "bind bead", WorkerID: workerID, Err: errors.New("bead id is required")}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.workers[workerID]
	if !ok {
		return &Error{Kind: KindNotFound, Op: "bind bead", WorkerID: workerID, Err: ErrWorkerNotFound}
	}
	h.BeadID = beadID
	h.BeadTitle = title
	if h.BeadTitle == "" {
		h.BeadTitle = beadID
	}
	return nil
}

// Reconcile marks healthy workers whose session is not in live as stopped
// and returns their ids. Handles stay registered.
func (l *Launcher) Reconcile(live []string) []string {
	alive := make(map[string]bool, len(live))
	for _, s := range live {
		alive[s] = true
	}

	type change struct {
		handle WorkerHandle
		prev   WorkerStatus
	}
	var changes []change
	l.mu.Lock()
	for _, h := range l.workers {
		if !h.Status.IsHealthy() || alive[h.Session] {
			continue
		}
		changes = append(changes, change{handle: *h, prev: h.Status})
		h.Status = StatusStopped
	}
	l.mu.Unlock()

	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		l.logger.Warn("worker session vanished", "worker_id", c.handle.ID, "session", c.handle.Session)
		l.statusChanged(c.handle, c.prev, StatusStopped)
		ids = append(ids, c.handle.ID)
	}
	sort.Strings(ids)
	return ids
}

func (l *Launcher) statusChanged(h WorkerHandle, prev, next WorkerStatus) {
	l.logger.Info("worker status changed", "worker_id", h.ID, "from", prev, "to", next)
	l.record(protocol.AuditEvent{
		Kind:     protocol.AuditWorkerStatus,
		WorkerID: h.ID,
		Session:  h.Session,
		Model:    h.Model,
		BeadID:   h.BeadID,
		Status:   string(next),
	})
}
