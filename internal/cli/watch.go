package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jedarden/forge/internal/beads"
	"github.com/jedarden/forge/internal/scheduler"
)

// reconciler wires a reconcile pass over the app's registry. Passes must run
// under mutate.
func (a *app) reconciler(withPing bool) *scheduler.Reconciler {
	opts := scheduler.ReconcilerOptions{
		Registry:   a.workers,
		Sessions:   a.ctrl,
		Discoverer: a.discoverer(),
		Queue:      a.queue,
		Audit:      a.audit(),
		Guard:      a.mutate,
	}
	if withPing {
		opts.Pinger = a.tracker()
	}
	return scheduler.NewReconciler(opts, a.logger)
}

func printReport(w io.Writer, r *scheduler.Report) {
	if r == nil {
		return
	}
	if len(r.Vanished) > 0 {
		fmt.Fprintf(w, "Vanished:     %s\n", strings.Join(r.Vanished, ", "))
	}
	if len(r.Unresponsive) > 0 {
		fmt.Fprintf(w, "Unresponsive: %s\n", strings.Join(r.Unresponsive, ", "))
	}
	if len(r.Orphans) > 0 {
		fmt.Fprintf(w, "Untracked:    %s\n", strings.Join(r.Orphans, ", "))
	}
	workers := make([]string, 0, len(r.Released))
	for id := range r.Released {
		workers = append(workers, id)
	}
	sort.Strings(workers)
	for _, id := range workers {
		fmt.Fprintf(w, "Released:     %s (from %s)\n", strings.Join(r.Released[id], ", "), id)
	}
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the registry in step with tmux until interrupted",
		Long: `Runs a reconcile pass immediately and then every --interval: statuses
are re-derived from tmux, healthy workers are pinged, and beads held by
stopped or unresponsive workers are released. The beads queue files are
watched for changes; with --dispatch, new ready beads are handed to fresh
workers while fewer than --max-workers are healthy.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	addLaunchFlags(cmd)
	cmd.Flags().Duration("interval", 0, "Time between passes (default: config reconcile_interval_s)")
	cmd.Flags().Bool("no-ping", false, "Skip liveness pings")
	cmd.Flags().Bool("dispatch", false, "Spawn workers for ready beads")
	cmd.Flags().Int("max-workers", 4, "Healthy worker limit for --dispatch")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, readWrite, func(a *app) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = a.cfg.ReconcileInterval()
		}
		noPing, _ := cmd.Flags().GetBool("no-ping")
		autoDispatch, _ := cmd.Flags().GetBool("dispatch")
		maxWorkers, _ := cmd.Flags().GetInt("max-workers")

		var settings launchSettings
		if autoDispatch {
			if maxWorkers < 1 {
				return fmt.Errorf("--max-workers must be at least 1, got %d", maxWorkers)
			}
			var err error
			if settings, err = readLaunchFlags(cmd, a); err != nil {
				return err
			}
		}

		watcher, err := beads.WatchManager(a.logger, a.queue)
		if err != nil {
			return err
		}
		defer watcher.Close()

		rec := a.reconciler(!noPing)
		out := cmd.OutOrStdout()
		topUp := func(ctx context.Context) {
			if !autoDispatch {
				return
			}
			err := a.mutate(ctx, func(ctx context.Context) error {
				room := maxWorkers - len(healthyOnly(a.workers.List()))
				if room <= 0 {
					return nil
				}
				results, err := a.dispatch(ctx, settings, room)
				for _, d := range results {
					fmt.Fprintf(out, "Dispatched %s to %s\n", d.Bead.ID, d.Worker.ID)
				}
				return err
			})
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("dispatch failed", "error", err)
			}
		}

		a.logger.Info("watching workers", "interval", interval, "ping", !noPing, "dispatch", autoDispatch, "workspaces", a.queue.Workspaces())
		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			return rec.Run(ctx, interval, func(r *scheduler.Report) {
				printReport(out, r)
				topUp(ctx)
			})
		})
		g.Go(func() error {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case root := <-watcher.Changes():
					a.logger.Info("beads queue changed", "workspace", root)
					topUp(ctx)
				}
			}
		})
		err = g.Wait()
		a.logger.Info("watch stopped")
		return err
	})
}
