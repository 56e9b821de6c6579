// Package launcher spawns worker sessions through an external launcher script
// and keeps the authoritative in-process registry of worker handles.
//
// The registry is a cache over tmux reality: every spawn is cross-checked
// against the session controller, status checks re-derive state from the
// session and its pane pid, and Reconcile marks handles whose session has
// vanished. Handles leave the registry only through Stop.
package launcher

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the cost tier a worker runs at.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierBudget   Tier = "budget"
)

// ParseTier accepts a tier name in any case.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPremium:
		return TierPremium, nil
	case TierStandard, "":
		return TierStandard, nil
	case TierBudget:
		return TierBudget, nil
	}
	return "", fmt.Errorf("unknown tier %q (valid: premium, standard, budget)", s)
}

// WorkerStatus is a worker's lifecycle state.
type WorkerStatus string

const (
	StatusStarting WorkerStatus = "starting"
	StatusActive   WorkerStatus = "active"
	StatusIdle     WorkerStatus = "idle"
	StatusStopped  WorkerStatus = "stopped"
	StatusFailed   WorkerStatus = "failed"
	StatusError    WorkerStatus = "error"
)

// IsHealthy reports whether the status counts as alive for liveness purposes.
func (s WorkerStatus) IsHealthy() bool {
	switch s {
	case StatusStarting, StatusActive, StatusIdle:
		return true
	}
	return false
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (WorkerStatus, error) {
	st := WorkerStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusStarting, StatusActive, StatusIdle, StatusStopped, StatusFailed, StatusError:
		return st, nil
	}
	return "", fmt.Errorf("unknown worker status %q", s)
}

// WorkerHandle is the registry record of one spawned worker.
type WorkerHandle struct {
	ID        string       `json:"id"`
	PID       int          `json:"pid"`
	Session   string       `json:"session"`
	Launcher  string       `json:"launcher"`
	Model     string       `json:"model"`
	Tier      Tier         `json:"tier"`
	Status    WorkerStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	Workspace string       `json:"workspace"`
	BeadID    string       `json:"bead_id,omitempty"`
	BeadTitle string       `json:"bead_title,omitempty"`
}
