package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jedarden/forge/internal/ndjson"
	"github.com/jedarden/forge/internal/protocol"
)

// FileName is the audit log inside the events directory.
const FileName = "audit.ndjson"

// Path returns the audit log path under a .forge state directory.
func Path(stateDir string) string {
	return filepath.Join(stateDir, "events", FileName)
}

// EventLog appends audit events to an NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewEventLog opens logPath for appending, creating it and its directory.
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Record appends evt, assigning an id and timestamp when missing.
func (l *EventLog) Record(evt protocol.AuditEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = l.now().UTC()
	}
	if err := evt.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("event log is closed")
	}
	return l.encoder.Encode(evt)
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadAll returns every event in the log at path, skipping malformed lines.
// A missing file yields no events.
func ReadAll(path string, logger *slog.Logger) ([]protocol.AuditEvent, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	dec := ndjson.NewDecoder(f, logger)
	var events []protocol.AuditEvent
	for {
		var evt protocol.AuditEvent
		err := dec.Decode(&evt)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if ndjson.IsLineError(err) {
			logger.Warn("skipping malformed audit line", "path", path, "error", err)
			continue
		}
		if err != nil {
			return events, fmt.Errorf("read audit log: %w", err)
		}
		events = append(events, evt)
	}
}
