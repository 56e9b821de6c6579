package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jedarden/forge/internal/beads"
	"github.com/jedarden/forge/internal/launcher"
	"github.com/jedarden/forge/internal/protocol"
	"github.com/jedarden/forge/internal/scheduler"
)

// launchSettings are the spawn parameters shared by spawn and dispatch.
type launchSettings struct {
	launcher string
	model    string
	tier     launcher.Tier
	timeout  time.Duration
	env      []launcher.EnvVar
}

func addLaunchFlags(cmd *cobra.Command) {
	cmd.Flags().String("launcher", "", "Launcher script (default: config launcher)")
	cmd.Flags().StringP("model", "m", "", "Model the worker runs (default: config default_model)")
	cmd.Flags().String("tier", "", "Cost tier: premium, standard or budget (default: config default_tier)")
	cmd.Flags().Duration("timeout", 0, "Launcher script timeout (default: config spawn_timeout_s)")
	cmd.Flags().StringArrayP("env", "e", nil, "Extra KEY=VALUE passed to the launcher (repeatable)")
}

func readLaunchFlags(cmd *cobra.Command, a *app) (launchSettings, error) {
	var s launchSettings

	path, _ := cmd.Flags().GetString("launcher")
	if path == "" {
		path = a.cfg.ResolveLauncher(a.root)
	} else if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return s, fmt.Errorf("failed to resolve launcher %s: %w", path, err)
		}
		path = abs
	}
	if path == "" {
		return s, errors.New("no launcher configured\n\nHint: Pass --launcher or set 'launcher' in .forge/config.yaml")
	}
	s.launcher = path

	s.model, _ = cmd.Flags().GetString("model")
	if s.model == "" {
		s.model = a.cfg.DefaultModel
	}

	tierName, _ := cmd.Flags().GetString("tier")
	if tierName == "" {
		tierName = a.cfg.DefaultTier
	}
	tier, err := launcher.ParseTier(tierName)
	if err != nil {
		return s, err
	}
	s.tier = tier

	s.timeout, _ = cmd.Flags().GetDuration("timeout")
	if s.timeout <= 0 {
		s.timeout = a.cfg.SpawnTimeout()
	}

	keys := make([]string, 0, len(a.cfg.Env))
	for k := range a.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.env = append(s.env, launcher.EnvVar{Key: k, Value: a.cfg.Env[k]})
	}
	pairs, _ := cmd.Flags().GetStringArray("env")
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return s, fmt.Errorf("invalid --env %q: expected KEY=VALUE", pair)
		}
		s.env = append(s.env, launcher.EnvVar{Key: key, Value: value})
	}
	return s, nil
}

func (s launchSettings) config(session, workspace string) launcher.LaunchConfig {
	cfg := launcher.NewLaunchConfig(s.launcher, session, workspace, s.model).
		WithTier(s.tier).
		WithTimeout(s.timeout)
	for _, kv := range s.env {
		cfg = cfg.WithEnv(kv.Key, kv.Value)
	}
	return cfg
}

func newSpawnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn [worker-id]",
		Short: "Start a worker through the launcher script",
		Long: `Runs the launcher script to start one worker in a tmux session and
registers it. An existing session with the same name is killed first.
Without a worker id a fresh "worker-<hex>" id is generated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSpawn,
	}
	addLaunchFlags(cmd)
	cmd.Flags().String("session", "", "Requested session name, before the prefix (default: worker id)")
	cmd.Flags().StringP("workspace", "w", "", "Directory the worker runs in (default: workspace root)")
	cmd.Flags().String("bead", "", "Bead id to hand to the worker")
	cmd.Flags().String("bead-title", "", "Title recorded for --bead (default: looked up in the queue)")
	return cmd
}

func runSpawn(cmd *cobra.Command, args []string) error {
	return withApp(cmd, readWrite, func(a *app) error {
		settings, err := readLaunchFlags(cmd, a)
		if err != nil {
			return err
		}

		workerID := scheduler.NewWorkerID()
		if len(args) == 1 {
			workerID = args[0]
		}
		session, _ := cmd.Flags().GetString("session")
		if session == "" {
			session = workerID
		}
		ws, _ := cmd.Flags().GetString("workspace")
		if ws == "" {
			ws = a.root
		} else if ws, err = filepath.Abs(ws); err != nil {
			return fmt.Errorf("failed to resolve workspace: %w", err)
		}
		beadID, _ := cmd.Flags().GetString("bead")
		beadTitle, _ := cmd.Flags().GetString("bead-title")

		ctx := cmd.Context()
		return a.mutate(ctx, func(ctx context.Context) error {
			cfg := settings.config(session, ws)
			if beadID != "" {
				if beadTitle == "" {
					beadTitle = lookupBeadTitle(a.queue, beadID)
				}
				if holder, held := a.queue.AssignedWorker(beadID); held {
					return fmt.Errorf("bead %s is already assigned to %s", beadID, holder)
				}
				cfg = cfg.WithBead(beadID, beadTitle)
			}

			handle, err := a.workers.Spawn(ctx, workerID, cfg)
			if err != nil {
				return err
			}
			if beadID != "" {
				if err := a.queue.Assign(beadID, handle.ID); err != nil {
					a.logger.Warn("bead is not in any tracked queue", "bead_id", beadID, "error", err)
				} else {
					recordAudit(a, protocol.AuditEvent{
						Kind:      protocol.AuditBeadAssigned,
						WorkerID:  handle.ID,
						Session:   handle.Session,
						Model:     handle.Model,
						BeadID:    handle.BeadID,
						BeadTitle: handle.BeadTitle,
					})
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Spawned worker %s\n", handle.ID)
			fmt.Fprintf(out, "  Session: %s\n", handle.Session)
			fmt.Fprintf(out, "  PID:     %s\n", pidString(handle.PID))
			fmt.Fprintf(out, "  Model:   %s (%s)\n", orDash(handle.Model), handle.Tier)
			if handle.BeadID != "" {
				fmt.Fprintf(out, "  Bead:    %s %s\n", handle.BeadID, handle.BeadTitle)
			}
			fmt.Fprintf(out, "  Attach:  tmux attach -t %s\n", handle.Session)
			return nil
		})
	})
}

// lookupBeadTitle finds beadID's title among the ready beads.
func lookupBeadTitle(queue *beads.Manager, beadID string) string {
	for _, b := range queue.GetReady() {
		if b.ID == beadID {
			return b.Title
		}
	}
	return ""
}

func recordAudit(a *app, evt protocol.AuditEvent) {
	sink := a.audit()
	if sink == nil {
		return
	}
	if err := sink.Record(evt); err != nil {
		a.logger.Warn("audit record failed", "kind", evt.Kind, "worker_id", evt.WorkerID, "error", err)
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <worker-id>...",
		Short: "Kill workers' sessions and remove them from the registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readWrite, func(a *app) error {
				return a.mutate(cmd.Context(), func(ctx context.Context) error {
					var errs []error
					for _, id := range args {
						if err := a.workers.Stop(ctx, id); err != nil {
							errs = append(errs, err)
							continue
						}
						fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", id)
					}
					return errors.Join(errs...)
				})
			})
		},
	}
}

func newStopAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every registered worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readWrite, func(a *app) error {
				return a.mutate(cmd.Context(), func(ctx context.Context) error {
					before := a.workers.Count()
					err := a.workers.StopAll(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "Stopped %d of %d workers\n", before-a.workers.Count(), before)
					return err
				})
			})
		},
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered workers as last recorded",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readOnly, func(a *app) error {
				if err := a.load(); err != nil {
					return err
				}
				handles := a.workers.List()
				if healthy, _ := cmd.Flags().GetBool("healthy"); healthy {
					handles = healthyOnly(handles)
				}
				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					return writeJSON(cmd.OutOrStdout(), handles)
				}
				return printWorkers(cmd.OutOrStdout(), handles, time.Now())
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print workers as JSON")
	cmd.Flags().Bool("healthy", false, "Only show starting, active and idle workers")
	return cmd
}

func healthyOnly(handles []launcher.WorkerHandle) []launcher.WorkerHandle {
	var out []launcher.WorkerHandle
	for _, h := range handles {
		if h.Status.IsHealthy() {
			out = append(out, h)
		}
	}
	return out
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <worker-id>",
		Short: "Re-check one worker against tmux and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readWrite, func(a *app) error {
				return a.mutate(cmd.Context(), func(ctx context.Context) error {
					if _, err := a.workers.CheckStatus(ctx, args[0]); err != nil {
						return err
					}
					h, _ := a.workers.Get(args[0])
					if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
						return writeJSON(cmd.OutOrStdout(), h)
					}
					return printWorkers(cmd.OutOrStdout(), []launcher.WorkerHandle{h}, time.Now())
				})
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print the worker as JSON")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-check every worker and release beads held by dead ones",
		Long: `Runs one reconcile pass: every worker's status is re-derived from tmux,
workers whose session vanished are marked stopped, untracked worker
sessions are reported and beads held by unhealthy workers are released.
With --ping, healthy workers must also answer a liveness ping.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readWrite, func(a *app) error {
				withPing, _ := cmd.Flags().GetBool("ping")
				rec := a.reconciler(withPing)
				var report *scheduler.Report
				err := a.mutate(cmd.Context(), func(ctx context.Context) error {
					var err error
					report, err = rec.RunOnce(ctx)
					return err
				})
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), report)
				return printWorkers(cmd.OutOrStdout(), a.workers.List(), time.Now())
			})
		},
	}
	cmd.Flags().Bool("ping", false, "Also ping healthy workers")
	return cmd
}
