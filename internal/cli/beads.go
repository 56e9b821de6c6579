package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jedarden/forge/internal/beads"
	"github.com/jedarden/forge/internal/protocol"
	"github.com/jedarden/forge/internal/scheduler"
)

func newBeadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beads",
		Short: "Inspect and hand out work from the beads queue",
	}
	cmd.AddCommand(newBeadsReadyCmd(), newBeadsNextCmd(), newBeadsAssignCmd(), newBeadsUnassignCmd())
	return cmd
}

func newBeadsReadyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List open, unblocked beads in dispatch order",
		Long: `Lists the ready beads of every tracked workspace in the order dispatch
hands them out. Beads already held by a worker are hidden unless --all
is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readOnly, func(a *app) error {
				if err := a.load(); err != nil {
					return err
				}
				all, _ := cmd.Flags().GetBool("all")
				ready := []beads.QueuedBead{}
				for _, b := range a.queue.GetReady() {
					if all || !a.queue.IsAssigned(b.ID) {
						ready = append(ready, b)
					}
				}
				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					return writeJSON(cmd.OutOrStdout(), ready)
				}
				return printBeads(cmd, a.queue, ready)
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print beads as JSON")
	cmd.Flags().Bool("all", false, "Include beads already assigned to a worker")
	return cmd
}

func newBeadsNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the bead the next dispatch would take",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readOnly, func(a *app) error {
				if err := a.load(); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				b, ok := a.queue.PopReady()
				if !ok {
					_, err := fmt.Fprintln(out, "No ready beads.")
					return err
				}
				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					return writeJSON(out, b)
				}
				fmt.Fprintf(out, "%s  P%d  %s\n", b.ID, b.Priority, b.Title)
				fmt.Fprintf(out, "  Workspace: %s\n", b.Workspace)
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print the bead as JSON")
	return cmd
}

func printBeads(cmd *cobra.Command, queue *beads.Manager, ready []beads.QueuedBead) error {
	out := cmd.OutOrStdout()
	if len(ready) == 0 {
		_, err := fmt.Fprintln(out, "No ready beads.")
		return err
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "ID\tPRIORITY\tSCORE\tTYPE\tHOLDER\tWORKSPACE\tTITLE")
	for _, b := range ready {
		holder, _ := queue.AssignedWorker(b.ID)
		fmt.Fprintf(tw, "%s\tP%d\t%d\t%s\t%s\t%s\t%s\n",
			b.ID, b.Priority, b.Score(), orDash(b.IssueType), orDash(holder), b.Workspace, b.Title)
	}
	return tw.Flush()
}

func newBeadsAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <bead-id> <worker-id>",
		Short: "Hand a bead to a running worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			beadID, workerID := args[0], args[1]
			return withApp(cmd, readWrite, func(a *app) error {
				return a.mutate(cmd.Context(), func(ctx context.Context) error {
					h, ok := a.workers.Get(workerID)
					if !ok {
						return fmt.Errorf("worker %s is not registered", workerID)
					}
					if !h.Status.IsHealthy() {
						return fmt.Errorf("worker %s is %s", workerID, h.Status)
					}
					if h.BeadID != "" && h.BeadID != beadID {
						return fmt.Errorf("worker %s already holds %s\n\nHint: Run 'forge beads unassign %s' first", workerID, h.BeadID, h.BeadID)
					}
					title := lookupBeadTitle(a.queue, beadID)
					if err := a.queue.Assign(beadID, workerID); err != nil {
						return err
					}
					if err := a.workers.BindBead(workerID, beadID, title); err != nil {
						a.queue.Unassign(beadID)
						return err
					}
					recordAudit(a, protocol.AuditEvent{
						Kind:      protocol.AuditBeadAssigned,
						WorkerID:  workerID,
						Session:   h.Session,
						Model:     h.Model,
						BeadID:    beadID,
						BeadTitle: title,
					})
					fmt.Fprintf(cmd.OutOrStdout(), "Assigned %s to %s\n", beadID, workerID)
					return nil
				})
			})
		},
	}
}

func newBeadsUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <bead-id>",
		Short: "Release a bead so it can be dispatched again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			beadID := args[0]
			return withApp(cmd, readWrite, func(a *app) error {
				return a.mutate(cmd.Context(), func(ctx context.Context) error {
					workerID, ok := a.queue.Unassign(beadID)
					if !ok {
						return fmt.Errorf("bead %s is not assigned", beadID)
					}
					if _, err := a.workers.ClearBead(workerID); err != nil {
						a.logger.Warn("clearing bead binding failed", "worker_id", workerID, "error", err)
					}
					h, _ := a.workers.Get(workerID)
					recordAudit(a, protocol.AuditEvent{
						Kind:     protocol.AuditBeadReleased,
						WorkerID: workerID,
						Session:  h.Session,
						Model:    h.Model,
						BeadID:   beadID,
						Status:   string(h.Status),
					})
					fmt.Fprintf(cmd.OutOrStdout(), "Released %s from %s\n", beadID, workerID)
					return nil
				})
			})
		},
	}
}

func newDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Spawn workers for the highest ranked ready beads",
		Long: `Pops the best ready bead across all workspaces, spawns a worker in the
bead's workspace and assigns the bead to it, up to --count times. A bead
whose spawn fails stays unassigned.`,
		Args: cobra.NoArgs,
		RunE: runDispatch,
	}
	addLaunchFlags(cmd)
	cmd.Flags().IntP("count", "n", 1, "Number of beads to dispatch")
	return cmd
}

func runDispatch(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	if count < 1 {
		return fmt.Errorf("--count must be at least 1, got %d", count)
	}
	return withApp(cmd, readWrite, func(a *app) error {
		settings, err := readLaunchFlags(cmd, a)
		if err != nil {
			return err
		}
		return a.mutate(cmd.Context(), func(ctx context.Context) error {
			results, err := a.dispatch(ctx, settings, count)
			for _, d := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "Dispatched %s to %s (session %s)\n", d.Bead.ID, d.Worker.ID, d.Worker.Session)
			}
			if len(results) == 0 && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No ready beads.")
			}
			return err
		})
	})
}

// dispatch hands up to n ready beads to new workers. Running out of beads
// is not an error. Must run under mutate.
func (a *app) dispatch(ctx context.Context, settings launchSettings, n int) ([]scheduler.Dispatch, error) {
	d := scheduler.NewDispatcher(a.queue, a.workers, a.audit(), a.logger)
	var out []scheduler.Dispatch
	for i := 0; i < n; i++ {
		res, err := d.DispatchNext(ctx, scheduler.DispatchRequest{
			Launcher: settings.launcher,
			Model:    settings.model,
			Tier:     settings.tier,
			Timeout:  settings.timeout,
			Env:      settings.env,
		})
		if errors.Is(err, scheduler.ErrNoReadyBeads) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}
