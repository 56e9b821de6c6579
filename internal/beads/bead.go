// Package beads reads a workspace's append-only work queue (.beads/issues.jsonl),
// ranks the ready items and tracks which items are handed to which worker.
//
// The queue file is owned by the external beads tool and is never written
// here. Assignments live only in memory: a second process reading the same
// file does not see them.
package beads

import (
	"errors"
	"sort"

	"github.com/jedarden/forge/internal/protocol"
)

var (
	// ErrAlreadyAssigned is returned when a bead is already held by another worker.
	ErrAlreadyAssigned = errors.New("bead already assigned")
	// ErrBeadNotFound is returned when no workspace knows the bead id.
	ErrBeadNotFound = errors.New("bead not found")
	// ErrUnknownWorkspace is returned for a workspace the manager does not track.
	ErrUnknownWorkspace = errors.New("unknown workspace")
)

// QueuedBead is one work item as read from the queue file.
type QueuedBead struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Status          string   `json:"status"`
	Priority        int      `json:"priority"`
	IssueType       string   `json:"issue_type"`
	Labels          []string `json:"labels"`
	DependencyCount int      `json:"dependency_count"`
	IsReady         bool     `json:"is_ready"`
	Workspace       string   `json:"workspace"`
}

func newQueuedBead(n protocol.NormalizedBead, workspace string) QueuedBead {
	return QueuedBead{
		ID:              n.ID,
		Title:           n.Title,
		Description:     n.Description,
		Status:          n.Status,
		Priority:        n.Priority,
		IssueType:       n.IssueType,
		Labels:          n.Labels,
		DependencyCount: n.DependencyCount,
		IsReady:         n.DependencyCount == 0 && n.Status == protocol.BeadStatusOpen,
		Workspace:       workspace,
	}
}

// IsAllocatable reports whether the bead may be handed to a worker. Ready and
// open are checked separately since readiness may later admit other statuses.
func (b QueuedBead) IsAllocatable() bool {
	return b.IsReady && b.Status == protocol.BeadStatusOpen
}

// Score maps a priority (0 most urgent) to a ranking weight.
func Score(priority int) int {
	switch priority {
	case 0:
		return 40
	case 1:
		return 30
	case 2:
		return 20
	case 3:
		return 10
	default:
		return 5
	}
}

// Score returns the ranking weight of the bead's priority.
func (b QueuedBead) Score() int { return Score(b.Priority) }

// Rank sorts beads by descending score, ties by ascending id.
func Rank(beads []QueuedBead) {
	sort.SliceStable(beads, func(i, j int) bool { return ranksBefore(beads[i], beads[j]) })
}

func ranksBefore(a, b QueuedBead) bool {
	if sa, sb := a.Score(), b.Score(); sa != sb {
		return sa > sb
	}
	return a.ID < b.ID
}

// IDs returns the ids of beads in order.
func IDs(beads []QueuedBead) []string {
	out := make([]string, len(beads))
	for i, b := range beads {
		out[i] = b.ID
	}
	return out
}
