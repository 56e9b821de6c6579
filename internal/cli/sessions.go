package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/jedarden/forge/internal/discovery"
	"github.com/jedarden/forge/internal/liveness"
)

func (a *app) tracker() *liveness.Tracker {
	return liveness.NewTracker(a.ctrl, liveness.Config{
		Timeout:          a.cfg.PingTimeout(),
		FailureThreshold: a.cfg.Ping.FailureThreshold,
	}, a.logger)
}

func (a *app) discoverer() *discovery.Discoverer {
	return discovery.NewDiscoverer(a.ctrl, discovery.Config{
		ExecutorPrefixes: a.cfg.Discovery.ExecutorPrefixes,
		IdleThreshold:    a.cfg.IdleThreshold(),
	}, a.logger)
}

// sessionFor maps a worker id to its session; anything else is taken as a
// session name.
func (a *app) sessionFor(target string) string {
	if h, ok := a.workers.Get(target); ok {
		return h.Session
	}
	return target
}

func newPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping [worker-id|session]...",
		Short: "Check that worker sessions still respond",
		Long: `Types a command into each session that prints a unique pong marker and
waits for the marker to appear in the pane. With --all every healthy
registered worker is pinged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readOnly, func(a *app) error {
				if err := a.load(); err != nil {
					return err
				}
				all, _ := cmd.Flags().GetBool("all")
				var sessions []string
				if all {
					for _, h := range healthyOnly(a.workers.List()) {
						sessions = append(sessions, h.Session)
					}
				}
				for _, arg := range args {
					sessions = append(sessions, a.sessionFor(arg))
				}
				if len(sessions) == 0 {
					if all {
						fmt.Fprintln(cmd.OutOrStdout(), "No healthy workers to ping.")
						return nil
					}
					return errors.New("nothing to ping\n\nHint: Name worker ids or sessions, or pass --all")
				}

				limit, _ := cmd.Flags().GetInt("concurrency")
				results := a.tracker().PingConcurrent(cmd.Context(), sessions, limit)
				return printPings(cmd, sessions, results)
			})
		},
	}
	cmd.Flags().Bool("all", false, "Ping every healthy registered worker")
	cmd.Flags().Int("concurrency", 8, "Maximum simultaneous pings")
	return cmd
}

func printPings(cmd *cobra.Command, sessions []string, results map[string]liveness.PingResult) error {
	sorted := append([]string(nil), sessions...)
	sort.Strings(sorted)

	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "SESSION\tRESULT\tTIME")
	failed := 0
	for _, s := range sorted {
		r := results[s]
		elapsed := "-"
		if r.OK() {
			elapsed = r.ResponseTime.Round(time.Millisecond).String()
		} else {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s, r.Outcome, elapsed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions did not respond", failed, len(sorted))
	}
	return nil
}

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List worker sessions running on the tmux server",
		Long: `Lists tmux sessions whose names start with a known executor prefix
(claude-code-, opencode-, aider-, ...), whether or not forge spawned them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readOnly, func(a *app) error {
				d := a.discoverer()
				res, err := d.Discover(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				return printDiscovery(cmd, res, d.IdleThreshold())
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print the discovery result as JSON")
	return cmd
}

func printDiscovery(cmd *cobra.Command, res *discovery.Result, idle time.Duration) error {
	out := cmd.OutOrStdout()
	if res.Total() == 0 {
		_, err := fmt.Fprintln(out, "No worker sessions found.")
		return err
	}
	now := time.Now()
	tw := newTable(out)
	fmt.Fprintln(tw, "SESSION\tKIND\tEXECUTOR\tATTACHED\tAGE\tIDLE")
	for _, w := range res.Workers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%t\n",
			w.Session, w.Kind, w.Executor, w.Attached, formatAge(now, w.Created), w.IsIdle(now, idle))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d sessions (%d attached, %d detached, %d idle)\n",
		res.Total(), res.Attached, res.Detached, len(res.Idle(now, idle)))
	return err
}

// sessionAction builds pause and resume, which signal a worker's session.
func sessionAction(use, short, done string, act func(a *app, ctx context.Context, session string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <worker-id|session>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readOnly, func(a *app) error {
				if err := a.load(); err != nil {
					return err
				}
				session := a.sessionFor(args[0])
				if err := act(a, cmd.Context(), session); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, session)
				return nil
			})
		},
	}
}

func newPauseCmd() *cobra.Command {
	return sessionAction("pause", "Suspend a worker's processes (SIGSTOP)", "Paused",
		func(a *app, ctx context.Context, session string) error { return a.ctrl.Pause(ctx, session) })
}

func newResumeCmd() *cobra.Command {
	return sessionAction("resume", "Continue a paused worker (SIGCONT)", "Resumed",
		func(a *app, ctx context.Context, session string) error { return a.ctrl.Resume(ctx, session) })
}

func newCaptureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture <worker-id|session>",
		Short: "Print the recent pane output of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readOnly, func(a *app) error {
				if err := a.load(); err != nil {
					return err
				}
				lines, _ := cmd.Flags().GetInt("lines")
				text, err := a.ctrl.CapturePane(cmd.Context(), a.sessionFor(args[0]), lines)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), text)
				return err
			})
		},
	}
	cmd.Flags().IntP("lines", "n", 50, "Scrollback lines to capture")
	return cmd
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <worker-id|session> <text>",
		Short: "Type a line into a worker's session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, readOnly, func(a *app) error {
				if err := a.load(); err != nil {
					return err
				}
				return a.ctrl.SendCommand(cmd.Context(), a.sessionFor(args[0]), args[1])
			})
		},
	}
}
