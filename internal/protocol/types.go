package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LauncherOutput is the JSON object a launcher script prints on stdout.
type LauncherOutput struct {
	PID       int     `json:"pid"`
	Session   string  `json:"session"`
	Model     string  `json:"model,omitempty"`
	Message   string  `json:"message,omitempty"`
	Error     *string `json:"error"`
	BeadID    string  `json:"bead_id,omitempty"`
	BeadTitle string  `json:"bead_title,omitempty"`
}

// IsSuccess holds iff no error is reported and the pid is positive.
func (o LauncherOutput) IsSuccess() bool {
	return o.Error == nil && o.PID > 0
}

// ErrorMessage returns the reported error, or "" when none.
func (o LauncherOutput) ErrorMessage() string {
	if o.Error == nil {
		return ""
	}
	return *o.Error
}

// Bead statuses
const (
	BeadStatusOpen       = "open"
	BeadStatusInProgress = "in_progress"
	BeadStatusClosed     = "closed"
	BeadStatusBlocked    = "blocked"
	BeadStatusDeferred   = "deferred"
)

// Defaults applied to missing bead fields
const (
	DefaultBeadStatus    = BeadStatusOpen
	DefaultBeadPriority  = 2
	DefaultBeadIssueType = "task"
)

// ErrMissingBeadField is returned by BeadRecord.Normalize for records without id or title.
var ErrMissingBeadField = errors.New("bead record missing required field")

// BeadRecord is one line of .beads/issues.jsonl as written by the beads tool.
// Optional fields are pointers so absence can be told apart from zero values.
type BeadRecord struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  *string  `json:"description,omitempty"`
	Status       *string  `json:"status,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
	IssueType    *string  `json:"issue_type,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	Dependencies []any    `json:"dependencies,omitempty"`
}

// NormalizedBead is a BeadRecord with defaults filled in.
type NormalizedBead struct {
	ID              string
	Title           string
	Description     string
	Status          string
	Priority        int
	IssueType       string
	Labels          []string
	DependencyCount int
}

// Normalize validates required fields and applies defaults.
func (r BeadRecord) Normalize() (NormalizedBead, error) {
	if strings.TrimSpace(r.ID) == "" {
		return NormalizedBead{}, fmt.Errorf("%w: id", ErrMissingBeadField)
	}
	if strings.TrimSpace(r.Title) == "" {
		return NormalizedBead{}, fmt.Errorf("%w: title (id %s)", ErrMissingBeadField, r.ID)
	}
	n := NormalizedBead{
		ID:              r.ID,
		Title:           r.Title,
		Status:          DefaultBeadStatus,
		Priority:        DefaultBeadPriority,
		IssueType:       DefaultBeadIssueType,
		Labels:          []string{},
		DependencyCount: len(r.Dependencies),
	}
	if r.Description != nil {
		n.Description = *r.Description
	}
	if r.Status != nil && *r.Status != "" {
		n.Status = *r.Status
	}
	if r.Priority != nil {
		n.Priority = *r.Priority
	}
	if r.IssueType != nil && *r.IssueType != "" {
		n.IssueType = *r.IssueType
	}
	if len(r.Labels) > 0 {
		n.Labels = append(n.Labels, r.Labels...)
	}
	return n, nil
}

// AuditKind names an audit event.
type AuditKind string

const (
	AuditWorkerSpawned      AuditKind = "worker.spawned"
	AuditWorkerSpawnFailed  AuditKind = "worker.spawn_failed"
	AuditWorkerStopped      AuditKind = "worker.stopped"
	AuditWorkerStatus       AuditKind = "worker.status_changed"
	AuditBeadAssigned       AuditKind = "bead.assigned"
	AuditBeadReleased       AuditKind = "bead.released"
	AuditWorkerUnresponsive AuditKind = "worker.unresponsive"
)

var knownAuditKinds = map[AuditKind]bool{
	AuditWorkerSpawned:      true,
	AuditWorkerSpawnFailed:  true,
	AuditWorkerStopped:      true,
	AuditWorkerStatus:       true,
	AuditBeadAssigned:       true,
	AuditBeadReleased:       true,
	AuditWorkerUnresponsive: true,
}

// AuditEvent is one record of the audit log consumed by the cost/audit collaborator.
type AuditEvent struct {
	ID         string    `json:"id"`
	Kind       AuditKind `json:"kind"`
	WorkerID   string    `json:"worker_id"`
	Session    string    `json:"session,omitempty"`
	Model      string    `json:"model,omitempty"`
	BeadID     string    `json:"bead_id,omitempty"`
	BeadTitle  string    `json:"bead_title,omitempty"`
	Status     string    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks the fields every audit consumer relies on.
func (e AuditEvent) Validate() error {
	if e.ID == "" {
		return errors.New("audit event: id is required")
	}
	if !knownAuditKinds[e.Kind] {
		return fmt.Errorf("audit event %s: unknown kind %q", e.ID, e.Kind)
	}
	if e.WorkerID == "" {
		return fmt.Errorf("audit event %s: worker_id is required", e.ID)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("audit event %s: occurred_at is required", e.ID)
	}
	return nil
}
