// Package liveness implements the ping/pong responsiveness protocol for worker
// sessions and keeps rolling per-session response statistics.
//
// A ping types a printf command into the session that prints a unique pong
// marker, then polls the pane with a growing interval until the marker shows
// up or the timeout elapses. The typed command itself never contains the
// assembled marker, so an echo of the keystrokes cannot satisfy the check.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PongPrefix starts every pong marker printed by a ping command.
const PongPrefix = "FORGE_PONG_"

// emaAlpha weights the newest sample in the response-time average.
const emaAlpha = 0.3

// SessionIO is the slice of the session controller the tracker needs.
type SessionIO interface {
	Exists(ctx context.Context, session string) (bool, error)
	SendCommand(ctx context.Context, session, text string) error
	CapturePane(ctx context.Context, session string, lines int) (string, error)
}

// Config tunes the ping protocol.
type Config struct {
	Timeout            time.Duration
	FailureThreshold   int
	InitialInterval    time.Duration
	IntervalMultiplier float64
	MaxInterval        time.Duration
	// CaptureLines is the scrollback requested on each poll.
	CaptureLines int
}

// DefaultConfig returns the standard protocol settings.
func DefaultConfig() Config {
	return Config{
		Timeout:            5000 * time.Millisecond,
		FailureThreshold:   2,
		InitialInterval:    50 * time.Millisecond,
		IntervalMultiplier: 1.5,
		MaxInterval:        200 * time.Millisecond,
		CaptureLines:       50,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.IntervalMultiplier < 1 {
		c.IntervalMultiplier = d.IntervalMultiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.CaptureLines < 0 {
		c.CaptureLines = 0
	}
	return c
}

// WorkerResponseState is the liveness record of one session.
type WorkerResponseState struct {
	Session             string        `json:"session"`
	Responsive          bool          `json:"responsive"`
	LastResponseTime    time.Duration `json:"last_response_time"`
	LastPing            time.Time     `json:"last_ping"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalPings          int           `json:"total_pings"`
	TotalSuccesses      int           `json:"total_successes"`
	AvgResponseMs       float64       `json:"avg_response_ms"`
	HasAverage          bool          `json:"has_average"`
}

// Outcome classifies a single ping.
type Outcome int

const (
	OutcomePong Outcome = iota
	OutcomeTimeout
	OutcomeSendFailed
	OutcomeSessionNotFound
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePong:
		return "pong"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeSendFailed:
		return "send_failed"
	case OutcomeSessionNotFound:
		return "session_not_found"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// PingResult is what one ping observed.
type PingResult struct {
	Session      string
	Outcome      Outcome
	ResponseTime time.Duration
	Err          error
}

// OK reports whether the pong arrived.
func (r PingResult) OK() bool { return r.Outcome == OutcomePong }

// Tracker runs pings and owns every WorkerResponseState.
type Tracker struct {
	io     SessionIO
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*WorkerResponseState

	now       func() time.Time
	newMarker func() string
}

// NewTracker creates a tracker. Zero fields in cfg take their defaults.
func NewTracker(io SessionIO, cfg Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		io:        io,
		cfg:       cfg.normalized(),
		logger:    logger,
		states:    make(map[string]*WorkerResponseState),
		now:       time.Now,
		newMarker: func() string { return uuid.New().String()[:8] },
	}
}

// Config returns the effective protocol settings.
func (t *Tracker) Config() Config { return t.cfg }

// PongMarker returns the string a ping with marker waits for.
func PongMarker(marker string) string { return PongPrefix + marker }

// PingCommand returns the shell line that prints PongMarker(marker).
func PingCommand(marker string) string {
	return fmt.Sprintf(`printf '%%s%%s\n' '%s' '%s'`, PongPrefix, marker)
}

// NextInterval grows a poll interval by the configured multiplier up to the cap.
func (c Config) NextInterval(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * c.IntervalMultiplier)
	if next > c.MaxInterval {
		return c.MaxInterval
	}
	return next
}

// Ping runs the protocol once against session and records the outcome.
// A missing session is reported without touching the failure counter.
func (t *Tracker) Ping(ctx context.Context, session string) PingResult {
	result := PingResult{Session: session}

	exists, err := t.io.Exists(ctx, session)
	if err != nil {
		t.recordAttempt(session)
		t.RecordFailure(session)
		result.Outcome = OutcomeSendFailed
		result.Err = fmt.Errorf("check session %s: %w", session, err)
		return result
	}
	if !exists {
		result.Outcome = OutcomeSessionNotFound
		return result
	}

	marker := t.newMarker()
	pong := PongMarker(marker)
	t.recordAttempt(session)
	start := t.now()

	if err := t.io.SendCommand(ctx, session, PingCommand(marker)); err != nil {
		t.RecordFailure(session)
		t.logger.Warn("ping send failed", "session", session, "error", err)
		result.Outcome = OutcomeSendFailed
		result.Err = err
		return result
	}

	deadline := start.Add(t.cfg.Timeout)
	interval := t.cfg.InitialInterval
	timer := time.NewTimer(interval)
	timer.Stop()
	defer timer.Stop()

	for {
		out, err := t.io.CapturePane(ctx, session, t.cfg.CaptureLines)
		if err == nil && strings.Contains(out, pong) {
			elapsed := t.now().Sub(start)
			t.RecordSuccess(session, elapsed)
			result.Outcome = OutcomePong
			result.ResponseTime = elapsed
			return result
		}
		if err != nil {
			t.logger.Debug("ping capture failed", "session", session, "error", err)
		}

		remaining := deadline.Sub(t.now())
		if remaining <= 0 {
			t.RecordFailure(session)
			result.Outcome = OutcomeTimeout
			result.Err = fmt.Errorf("no pong from %s within %s", session, t.cfg.Timeout)
			return result
		}

		wait := interval
		if wait > remaining {
			wait = remaining
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			result.Outcome = OutcomeCanceled
			result.Err = ctx.Err()
			return result
		case <-timer.C:
		}
		interval = t.cfg.NextInterval(interval)
	}
}

// PingAll pings each session in turn.
func (t *Tracker) PingAll(ctx context.Context, sessions []string) map[string]PingResult {
	results := make(map[string]PingResult, len(sessions))
	for _, s := range sessions {
		results[s] = t.Ping(ctx, s)
	}
	return results
}

// PingConcurrent pings sessions in parallel, at most limit at a time
// (limit <= 0 means unbounded).
func (t *Tracker) PingConcurrent(ctx context.Context, sessions []string, limit int) map[string]PingResult {
	var (
		mu      sync.Mutex
		results = make(map[string]PingResult, len(sessions))
	)
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			r := t.Ping(gctx, s)
			mu.Lock()
			results[s] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (t *Tracker) stateLocked(session string) *WorkerResponseState {
	st, ok := t.states[session]
	if !ok {
		st = &WorkerResponseState{Session: session, Responsive: true}
		t.states[session] = st
	}
	return st
}

func (t *Tracker) recordAttempt(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(session)
	st.TotalPings++
	st.LastPing = t.now()
}

// RecordSuccess resets the failure streak and folds d into the average.
func (t *Tracker) RecordSuccess(session string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(session)
	st.ConsecutiveFailures = 0
	st.Responsive = true
	st.TotalSuccesses++
	st.LastResponseTime = d
	st.LastSuccess = t.now()

	sample := float64(d) / float64(time.Millisecond)
	if st.HasAverage {
		st.AvgResponseMs = st.AvgResponseMs*(1-emaAlpha) + sample*emaAlpha
	} else {
		st.AvgResponseMs = sample
		st.HasAverage = true
	}
}

// RecordFailure extends the failure streak; reaching the threshold marks the
// session unresponsive until the next success.
func (t *Tracker) RecordFailure(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(session)
	st.ConsecutiveFailures++
	if st.ConsecutiveFailures >= t.cfg.FailureThreshold {
		if st.Responsive {
			t.logger.Warn("worker unresponsive", "session", session, "consecutive_failures", st.ConsecutiveFailures)
		}
		st.Responsive = false
	}
}

// State returns a copy of the session's record.
func (t *Tracker) State(session string) (WorkerResponseState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[session]
	if !ok {
		return WorkerResponseState{}, false
	}
	return *st, true
}

// States returns copies of all records sorted by session.
func (t *Tracker) States() []WorkerResponseState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WorkerResponseState, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

// IsResponsive reports the current classification. Sessions never pinged
// count as responsive.
func (t *Tracker) IsResponsive(session string) bool {
	st, ok := t.State(session)
	return !ok || st.Responsive
}

// Unresponsive lists sessions currently classified unresponsive.
func (t *Tracker) Unresponsive() []string {
	var out []string
	for _, st := range t.States() {
		if !st.Responsive {
			out = append(out, st.Session)
		}
	}
	return out
}

// Reset forgets the record for session.
func (t *Tracker) Reset(session string) {
	t.mu.Lock()
	delete(t.states, session)
	t.mu.Unlock()
}

// ResetAll forgets every record.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	t.states = make(map[string]*WorkerResponseState)
	t.mu.Unlock()
}
