// Package state persists the worker registry between CLI invocations.
//
// The snapshot only carries worker handles. Bead assignments are in-memory
// and are rebuilt from the handles' bead bindings when a process starts.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/jedarden/forge/internal/fsutil"
	"github.com/jedarden/forge/internal/launcher"
)

// SnapshotVersion is written into every snapshot.
const SnapshotVersion = 1

// lockRetry is how often a blocked Update retries the file lock.
const lockRetry = 50 * time.Millisecond

// Snapshot is the persisted registry.
type Snapshot struct {
	Version int                     `json:"version"`
	Workers []launcher.WorkerHandle `json:"workers"`
	SavedAt time.Time               `json:"saved_at"`
}

// Path returns the snapshot location inside a state directory.
func Path(stateDir string) string {
	return filepath.Join(stateDir, "state", "workers.json")
}

// Load reads a snapshot. A missing file yields an empty snapshot.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{Version: SnapshotVersion, Workers: []launcher.WorkerHandle{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registry snapshot %s: %w", path, err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("registry snapshot %s has version %d, newer than supported %d", path, snap.Version, SnapshotVersion)
	}
	if snap.Workers == nil {
		snap.Workers = []launcher.WorkerHandle{}
	}
	return &snap, nil
}

// Save writes snap atomically with workers sorted by id.
func Save(path string, snap *Snapshot) error {
	if snap == nil {
		return errors.New("cannot save nil snapshot")
	}
	out := *snap
	out.Version = SnapshotVersion
	out.Workers = append([]launcher.WorkerHandle{}, snap.Workers...)
	sort.Slice(out.Workers, func(i, j int) bool { return out.Workers[i].ID < out.Workers[j].ID })
	if out.SavedAt.IsZero() {
		out.SavedAt = time.Now().UTC()
	}
	return fsutil.AtomicWriteJSON(path, &out)
}

// Store serializes snapshot read-modify-write cycles across processes with
// an advisory lock file next to the snapshot. Goroutines sharing one Store
// are serialized by a semaphore, since a held flock.Flock does not exclude
// its own holder.
type Store struct {
	path   string
	lock   *flock.Flock
	sem    chan struct{}
	logger *slog.Logger
}

// NewStore returns a store for the snapshot at path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		sem:    make(chan struct{}, 1),
		logger: logger,
	}
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Load reads the current snapshot without taking the lock. Writers replace
// the file atomically, so readers never see a partial snapshot.
func (s *Store) Load() (*Snapshot, error) {
	return Load(s.path)
}

// Update loads the snapshot under the lock, applies fn and saves the result.
// Nothing is written when fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(*Snapshot) error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquiring registry lock: %w", ctx.Err())
	}
	defer func() { <-s.sem }()

	locked, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("acquiring registry lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquiring registry lock %s: not acquired", s.lock.Path())
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release registry lock", "path", s.lock.Path(), "error", err)
		}
	}()

	snap, err := Load(s.path)
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}
	snap.SavedAt = time.Now().UTC()
	if err := Save(s.path, snap); err != nil {
		return fmt.Errorf("failed to save registry snapshot: %w", err)
	}
	s.logger.Debug("registry snapshot saved", "path", s.path, "workers", len(snap.Workers))
	return nil
}

// Replace overwrites the snapshot with workers under the lock.
func (s *Store) Replace(ctx context.Context, workers []launcher.WorkerHandle) error {
	return s.Update(ctx, func(snap *Snapshot) error {
		snap.Workers = workers
		return nil
	})
}
