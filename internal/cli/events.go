package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jedarden/forge/internal/config"
	"github.com/jedarden/forge/internal/eventlog"
	"github.com/jedarden/forge/internal/fsutil"
	"github.com/jedarden/forge/internal/protocol"
	"github.com/jedarden/forge/internal/workspace"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the worker audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readOnly, func(a *app) error {
				all, err := eventlog.ReadAll(eventlog.Path(a.stateDir), a.logger)
				if err != nil {
					return err
				}
				worker, _ := cmd.Flags().GetString("worker")
				limit, _ := cmd.Flags().GetInt("limit")
				events := filterEvents(all, worker, limit)

				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					if events == nil {
						events = []protocol.AuditEvent{}
					}
					return writeJSON(cmd.OutOrStdout(), events)
				}
				if len(events) == 0 {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "No events.")
					return err
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "TIME\tKIND\tWORKER\tBEAD\tDETAIL")
				for _, e := range events {
					detail := e.Status
					if e.Error != "" {
						detail = e.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						e.OccurredAt.Local().Format(time.DateTime), e.Kind, e.WorkerID, orDash(e.BeadID), orDash(detail))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print events as JSON")
	cmd.Flags().String("worker", "", "Only show events for this worker")
	cmd.Flags().IntP("limit", "n", 0, "Only show the last N events")
	return cmd
}

// filterEvents keeps worker's events (all when empty) and then the last limit
// of them (all when limit <= 0).
func filterEvents(events []protocol.AuditEvent, worker string, limit int) []protocol.AuditEvent {
	var out []protocol.AuditEvent
	for _, e := range events {
		if worker == "" || e.WorkerID == worker {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the .forge state directories and a default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(cmd)
			if err != nil {
				return err
			}
			if err := workspace.Initialize(root); err != nil {
				return err
			}

			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.Path(root)
			}
			force, _ := cmd.Flags().GetBool("force")
			exists, err := fsutil.Exists(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if exists && !force {
				fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", path)
			} else {
				if err := config.WriteDefault(path); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote default config to %s\n", path)
			}
			if !workspace.HasBeads(root) {
				fmt.Fprintf(out, "No work queue at %s yet; dispatch will find nothing until the beads tool creates it.\n", workspace.BeadsFile(root))
			}
			fmt.Fprintf(out, "Initialized forge workspace at %s\n", root)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing config")
	return cmd
}
