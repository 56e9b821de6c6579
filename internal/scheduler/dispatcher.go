// Package scheduler pairs ready beads with freshly spawned workers and keeps
// the worker registry in step with tmux.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/forge/internal/beads"
	"github.com/jedarden/forge/internal/launcher"
	"github.com/jedarden/forge/internal/protocol"
)

// ErrNoReadyBeads is returned by DispatchNext when the queue is empty.
var ErrNoReadyBeads = errors.New("no ready beads")

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, workerID string, cfg launcher.LaunchConfig) (launcher.WorkerHandle, error)
}

// Queue hands out ready beads and records who holds them.
type Queue interface {
	PopReady() (beads.QueuedBead, bool)
	AssignIn(root, beadID, workerID string) error
	InvalidateAll()
}

// DispatchRequest describes the worker to start for the next bead.
type DispatchRequest struct {
	// WorkerID defaults to a generated "worker-<hex>" id.
	WorkerID string
	// Session defaults to WorkerID.
	Session  string
	Launcher string
	Model    string
	Tier     launcher.Tier
	Timeout  time.Duration
	Env      []launcher.EnvVar
}

// Dispatch is the outcome of a successful DispatchNext.
type Dispatch struct {
	Bead   beads.QueuedBead
	Worker launcher.WorkerHandle
}

// Dispatcher pops the best ready bead and spawns a worker bound to it.
type Dispatcher struct {
	queue   Queue
	spawner Spawner
	audit   launcher.AuditSink
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. audit may be nil.
func NewDispatcher(queue Queue, spawner Spawner, audit launcher.AuditSink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, spawner: spawner, audit: audit, logger: logger}
}

// NewWorkerID returns a fresh worker id.
func NewWorkerID() string {
	return "worker-" + uuid.New().String()[:8]
}

// DispatchNext spawns a worker for the highest ranked ready bead and assigns
// the bead to it. A bead whose spawn fails is never assigned and becomes
// poppable again after the queue is re-read.
func (d *Dispatcher) DispatchNext(ctx context.Context, req DispatchRequest) (Dispatch, error) {
	bead, ok := d.queue.PopReady()
	if !ok {
		return Dispatch{}, ErrNoReadyBeads
	}

	workerID := req.WorkerID
	if workerID == "" {
		workerID = NewWorkerID()
	}
	session := req.Session
	if session == "" {
		session = workerID
	}
	tier := req.Tier
	if tier == "" {
		tier = launcher.TierStandard
	}

	cfg := launcher.NewLaunchConfig(req.Launcher, session, bead.Workspace, req.Model).
		WithTier(tier).
		WithTimeout(req.Timeout).
		WithBead(bead.ID, bead.Title)
	for _, kv := range req.Env {
		cfg = cfg.WithEnv(kv.Key, kv.Value)
	}

	d.logger.Info("dispatching bead", "bead_id", bead.ID, "workspace", bead.Workspace, "worker_id", workerID, "model", req.Model)
	handle, err := d.spawner.Spawn(ctx, workerID, cfg)
	if err != nil {
		d.queue.InvalidateAll()
		return Dispatch{}, fmt.Errorf("dispatch %s: %w", bead.ID, err)
	}

	if err := d.queue.AssignIn(bead.Workspace, bead.ID, handle.ID); err != nil {
		d.logger.Warn("spawned worker but could not assign bead", "bead_id", bead.ID, "worker_id", handle.ID, "error", err)
		return Dispatch{Bead: bead, Worker: handle}, fmt.Errorf("assign %s to %s: %w", bead.ID, handle.ID, err)
	}
	d.record(protocol.AuditEvent{
		Kind:      protocol.AuditBeadAssigned,
		WorkerID:  handle.ID,
		Session:   handle.Session,
		Model:     handle.Model,
		BeadID:    bead.ID,
		BeadTitle: bead.Title,
	})
	return Dispatch{Bead: bead, Worker: handle}, nil
}

func (d *Dispatcher) record(evt protocol.AuditEvent) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Record(evt); err != nil {
		d.logger.Warn("audit record failed", "kind", evt.Kind, "worker_id", evt.WorkerID, "error", err)
	}
}
