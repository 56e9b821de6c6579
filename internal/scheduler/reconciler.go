package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jedarden/forge/internal/discovery"
	"github.com/jedarden/forge/internal/launcher"
	"github.com/jedarden/forge/internal/liveness"
	"github.com/jedarden/forge/internal/protocol"
)

// DefaultPingConcurrency bounds simultaneous pings in one pass.
const DefaultPingConcurrency = 8

// Registry is the worker registry as seen by the reconciler.
type Registry interface {
	List() []launcher.WorkerHandle
	RefreshAllStatus(ctx context.Context) map[string]launcher.WorkerStatus
	Reconcile(live []string) []string
	ClearBead(workerID string) (string, error)
}

// SessionLister lists live tmux sessions.
type SessionLister interface {
	ListSessions(ctx context.Context, prefix string) ([]string, error)
}

// Discoverer produces a discovery snapshot.
type Discoverer interface {
	Discover(ctx context.Context) (*discovery.Result, error)
}

// Pinger runs liveness checks.
type Pinger interface {
	PingConcurrent(ctx context.Context, sessions []string, limit int) map[string]liveness.PingResult
	IsResponsive(session string) bool
	Reset(session string)
}

// Releaser frees bead assignments.
type Releaser interface {
	ReleaseWorker(workerID string) []string
}

// Report summarizes one reconcile pass.
type Report struct {
	At       time.Time
	Statuses map[string]launcher.WorkerStatus
	// Vanished are workers marked stopped because their session is gone.
	Vanished []string
	// Orphans are discovered worker sessions with no registry handle.
	Orphans []string
	// Unresponsive are healthy workers whose session failed liveness.
	Unresponsive []string
	// Released maps worker id to the bead ids freed from it.
	Released map[string][]string
	Pings    map[string]liveness.PingResult
}

// ReconcilerOptions wires the reconciler's collaborators. Discoverer and
// Pinger are optional.
type ReconcilerOptions struct {
	Registry        Registry
	Sessions        SessionLister
	Discoverer      Discoverer
	Pinger          Pinger
	Queue           Releaser
	Audit           launcher.AuditSink
	PingConcurrency int
	// Guard, when set, wraps every pass started by Run, e.g. to hold the
	// registry lock and sync the persisted snapshot around it.
	Guard func(ctx context.Context, pass func(context.Context) error) error
}

// Reconciler detects drift between the registry and tmux, runs liveness
// checks and frees work held by workers that are no longer healthy.
type Reconciler struct {
	opts   ReconcilerOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(opts ReconcilerOptions, logger *slog.Logger) *Reconciler {
	if opts.PingConcurrency <= 0 {
		opts.PingConcurrency = DefaultPingConcurrency
	}
	return &Reconciler{opts: opts, logger: logger, now: time.Now}
}

// RunOnce performs one pass. Collaborator failures are logged and the
// affected step is skipped; only cancellation is returned as an error.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{
		At:       r.now().UTC(),
		Released: make(map[string][]string),
	}

	report.Statuses = r.opts.Registry.RefreshAllStatus(ctx)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	var (
		live      []string
		liveErr   error
		snapshot  *discovery.Result
		discovErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		live, liveErr = r.opts.Sessions.ListSessions(gctx, "")
		return nil
	})
	if r.opts.Discoverer != nil {
		g.Go(func() error {
			snapshot, discovErr = r.opts.Discoverer.Discover(gctx)
			return nil
		})
	}
	_ = g.Wait()

	if liveErr != nil {
		r.logger.Warn("listing sessions failed; skipping drift check", "error", liveErr)
	} else {
		report.Vanished = r.opts.Registry.Reconcile(live)
	}

	handles := r.opts.Registry.List()
	if discovErr != nil {
		r.logger.Warn("discovery failed", "error", discovErr)
	} else if snapshot != nil {
		report.Orphans = orphans(snapshot, handles)
		for _, s := range report.Orphans {
			r.logger.Info("untracked worker session", "session", s)
		}
	}

	if r.opts.Pinger != nil {
		r.ping(ctx, handles, report)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	r.release(handles, report)
	return report, nil
}

func (r *Reconciler) ping(ctx context.Context, handles []launcher.WorkerHandle, report *Report) {
	var sessions []string
	bySession := make(map[string]launcher.WorkerHandle)
	for _, h := range handles {
		if !h.Status.IsHealthy() {
			continue
		}
		sessions = append(sessions, h.Session)
		bySession[h.Session] = h
	}
	if len(sessions) == 0 {
		return
	}

	report.Pings = r.opts.Pinger.PingConcurrent(ctx, sessions, r.opts.PingConcurrency)
	for _, s := range sessions {
		if r.opts.Pinger.IsResponsive(s) {
			continue
		}
		h := bySession[s]
		report.Unresponsive = append(report.Unresponsive, h.ID)
		r.logger.Warn("worker unresponsive", "worker_id", h.ID, "session", s)
		r.record(protocol.AuditEvent{
			Kind:     protocol.AuditWorkerUnresponsive,
			WorkerID: h.ID,
			Session:  h.Session,
			Model:    h.Model,
			BeadID:   h.BeadID,
			Status:   string(h.Status),
		})
	}
	sort.Strings(report.Unresponsive)
}

func (r *Reconciler) release(handles []launcher.WorkerHandle, report *Report) {
	for _, h := range handles {
		if h.Status.IsHealthy() {
			continue
		}
		if r.opts.Pinger != nil {
			r.opts.Pinger.Reset(h.Session)
		}
		var released []string
		if r.opts.Queue != nil {
			released = r.opts.Queue.ReleaseWorker(h.ID)
		}
		if h.BeadID != "" {
			if _, err := r.opts.Registry.ClearBead(h.ID); err != nil {
				r.logger.Warn("clearing bead binding failed", "worker_id", h.ID, "error", err)
			}
		}
		if len(released) == 0 {
			continue
		}
		report.Released[h.ID] = released
		for _, id := range released {
			r.logger.Info("released bead from stopped worker", "bead_id", id, "worker_id", h.ID, "status", h.Status)
			r.record(protocol.AuditEvent{
				Kind:     protocol.AuditBeadReleased,
				WorkerID: h.ID,
				Session:  h.Session,
				Model:    h.Model,
				BeadID:   id,
				Status:   string(h.Status),
			})
		}
	}
}

// orphans returns discovered sessions that no handle claims.
func orphans(snapshot *discovery.Result, handles []launcher.WorkerHandle) []string {
	known := make(map[string]bool, len(handles))
	for _, h := range handles {
		known[h.Session] = true
	}
	var out []string
	for _, w := range snapshot.Workers {
		if !known[w.Session] {
			out = append(out, w.Session)
		}
	}
	return out
}

// Run calls RunOnce immediately and then every interval until ctx is done.
// onReport, when non-nil, receives each pass's report.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, onReport func(*Report)) error {
	if interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var report *Report
		pass := func(ctx context.Context) error {
			var err error
			report, err = r.RunOnce(ctx)
			return err
		}
		var err error
		if r.opts.Guard != nil {
			err = r.opts.Guard(ctx, pass)
		} else {
			err = pass(ctx)
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			r.logger.Warn("reconcile pass failed", "error", err)
		case onReport != nil && report != nil:
			onReport(report)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) record(evt protocol.AuditEvent) {
	if r.opts.Audit == nil {
		return
	}
	if err := r.opts.Audit.Record(evt); err != nil {
		r.logger.Warn("audit record failed", "kind", evt.Kind, "worker_id", evt.WorkerID, "error", err)
	}
}
