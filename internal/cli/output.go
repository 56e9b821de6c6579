package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jedarden/forge/internal/launcher"
)

var (
	healthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	failedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// styleStatus colours a status for terminals; lipgloss drops the colour when
// the output is not a TTY.
func styleStatus(s launcher.WorkerStatus) string {
	switch {
	case s.IsHealthy():
		return healthyStyle.Render(string(s))
	case s == launcher.StatusStopped:
		return stoppedStyle.Render(string(s))
	default:
		return failedStyle.Render(string(s))
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printWorkers renders handles as a table. Status is the last column so its
// colour codes never skew the alignment.
func printWorkers(w io.Writer, handles []launcher.WorkerHandle, now time.Time) error {
	if len(handles) == 0 {
		_, err := fmt.Fprintln(w, "No workers.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSESSION\tPID\tMODEL\tTIER\tBEAD\tAGE\tSTATUS")
	for _, h := range handles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			h.ID, h.Session, pidString(h.PID), orDash(h.Model), orDash(string(h.Tier)),
			orDash(h.BeadID), formatAge(now, h.StartedAt), styleStatus(h.Status))
	}
	return tw.Flush()
}

func pidString(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAge renders the time since t at a coarse resolution.
func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	}
}
