// Package discovery enumerates live tmux sessions and turns the ones that
// belong to known worker executors into typed records. Session names follow
// "<executor-prefix>-<suffix>"; only prefixes on the allow-list qualify, so
// unrelated sessions on the same tmux server are ignored. The worker kind is
// classified separately from the prefix by looking for model tokens in the
// full name. Results are recomputed on every call and sorted by session name,
// so the same tmux state always yields the same output.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jedarden/forge/internal/tmux"
)

// DefaultExecutorPrefixes is the allow-list of worker session prefixes.
var DefaultExecutorPrefixes = []string{
	"claude-code-glm-47",
	"claude-code-sonnet",
	"claude-code-opus",
	"claude-code-haiku",
	"claude-code",
	"opencode-glm-47",
	"opencode",
	"aider",
	"codex",
	"forge",
}

// DefaultIdleThreshold is how long a session may go without activity before
// it counts as idle.
const DefaultIdleThreshold = 5 * time.Minute

// WorkerKind is the model family a worker session runs.
type WorkerKind string

const (
	KindGLM     WorkerKind = "glm"
	KindSonnet  WorkerKind = "sonnet"
	KindOpus    WorkerKind = "opus"
	KindHaiku   WorkerKind = "haiku"
	KindUnknown WorkerKind = "unknown"
)

var kindTokens = []struct {
	token string
	kind  WorkerKind
}{
	{"glm", KindGLM},
	{"sonnet", KindSonnet},
	{"opus", KindOpus},
	{"haiku", KindHaiku},
}

// ClassifyKind derives the worker kind from model tokens anywhere in name.
// Matching is case-sensitive.
func ClassifyKind(name string) WorkerKind {
	for _, kt := range kindTokens {
		if strings.Contains(name, kt.token) {
			return kt.kind
		}
	}
	return KindUnknown
}

// ParseSessionName splits name into its executor prefix and suffix. The
// longest matching prefix wins. ok is false when no allowed prefix matches or
// the suffix is empty.
func ParseSessionName(name string, prefixes []string) (executor, suffix string, ok bool) {
	best := ""
	for _, p := range prefixes {
		if p == "" || len(p) <= len(best) {
			continue
		}
		if strings.HasPrefix(name, p+"-") && len(name) > len(p)+1 {
			best = p
		}
	}
	if best == "" {
		return "", "", false
	}
	return best, name[len(best)+1:], true
}

// DiscoveredWorker is one worker session as seen on the tmux server.
type DiscoveredWorker struct {
	Session      string     `json:"session"`
	Kind         WorkerKind `json:"kind"`
	Created      time.Time  `json:"created"`
	LastActivity time.Time  `json:"last_activity"`
	Attached     bool       `json:"attached"`
	Executor     string     `json:"executor"`
	Suffix       string     `json:"suffix"`
}

// IsIdle reports whether the session has been inactive for longer than threshold.
func (w DiscoveredWorker) IsIdle(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastActivity) > threshold
}

// Result aggregates one discovery pass.
type Result struct {
	Workers     []DiscoveredWorker `json:"workers"`
	ByKind      map[WorkerKind]int `json:"by_kind"`
	Attached    int                `json:"attached"`
	Detached    int                `json:"detached"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Total returns the number of discovered workers.
func (r *Result) Total() int { return len(r.Workers) }

// Find returns the worker for session.
func (r *Result) Find(session string) (DiscoveredWorker, bool) {
	i := sort.Search(len(r.Workers), func(i int) bool { return r.Workers[i].Session >= session })
	if i < len(r.Workers) && r.Workers[i].Session == session {
		return r.Workers[i], true
	}
	return DiscoveredWorker{}, false
}

// Idle returns workers inactive for longer than threshold as of now.
func (r *Result) Idle(now time.Time, threshold time.Duration) []DiscoveredWorker {
	var out []DiscoveredWorker
	for _, w := range r.Workers {
		if w.IsIdle(now, threshold) {
			out = append(out, w)
		}
	}
	return out
}

// SessionLister lists every tmux session with timestamps.
type SessionLister interface {
	ListSessionInfo(ctx context.Context) ([]tmux.SessionInfo, error)
}

// Config configures discovery.
type Config struct {
	ExecutorPrefixes []string
	IdleThreshold    time.Duration
}

// DefaultConfig returns a Config populated with the standard allow-list.
func DefaultConfig() Config {
	return Config{
		ExecutorPrefixes: append([]string{}, DefaultExecutorPrefixes...),
		IdleThreshold:    DefaultIdleThreshold,
	}
}

// Discoverer runs discovery passes against a SessionLister.
type Discoverer struct {
	lister SessionLister
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewDiscoverer creates a Discoverer. An empty prefix list falls back to the defaults.
func NewDiscoverer(lister SessionLister, cfg Config, logger *slog.Logger) *Discoverer {
	if len(cfg.ExecutorPrefixes) == 0 {
		cfg.ExecutorPrefixes = append([]string{}, DefaultExecutorPrefixes...)
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	return &Discoverer{lister: lister, cfg: cfg, logger: logger, now: time.Now}
}

// IdleThreshold returns the configured idle threshold.
func (d *Discoverer) IdleThreshold() time.Duration { return d.cfg.IdleThreshold }

// Discover lists sessions, keeps allow-listed worker sessions and aggregates counts.
func (d *Discoverer) Discover(ctx context.Context) (*Result, error) {
	if d.lister == nil {
		return nil, errors.New("discovery: session lister is required")
	}
	infos, err := d.lister.ListSessionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: list sessions: %w", err)
	}
	return Build(infos, d.cfg.ExecutorPrefixes, d.now()), nil
}

// Build turns raw session rows into a Result. It is pure; Discover calls it
// with fresh tmux output.
func Build(infos []tmux.SessionInfo, prefixes []string, now time.Time) *Result {
	res := &Result{
		ByKind:      make(map[WorkerKind]int),
		GeneratedAt: now.UTC(),
	}
	for _, info := range infos {
		executor, suffix, ok := ParseSessionName(info.Name, prefixes)
		if !ok {
			continue
		}
		w := DiscoveredWorker{
			Session:      info.Name,
			Kind:         ClassifyKind(info.Name),
			Created:      info.Created,
			LastActivity: info.Activity,
			Attached:     info.Attached > 0,
			Executor:     executor,
			Suffix:       suffix,
		}
		res.Workers = append(res.Workers, w)
		res.ByKind[w.Kind]++
		if w.Attached {
			res.Attached++
		} else {
			res.Detached++
		}
	}
	sort.Slice(res.Workers, func(i, j int) bool {
		return res.Workers[i].Session < res.Workers[j].Session
	})
	return res
}
