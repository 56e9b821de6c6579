package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jedarden/forge/internal/launcher"
	"github.com/jedarden/forge/internal/logging"
)

func TestLoadMissingFile(t *testing.T) {
	snap, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap.Workers == nil || len(snap.Workers) != 0 {
		t.Errorf("Workers = %v, want empty non-nil", snap.Workers)
	}
	if snap.Version != SnapshotVersion {
		t.Errorf("Version = %d, want %d", snap.Version, SnapshotVersion)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := Path(t.TempDir())
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	original := &Snapshot{Workers: []launcher.WorkerHandle{
		{ID: "w2", PID: 22, Session: "forge-w2", Model: "glm", Tier: launcher.TierBudget, Status: launcher.StatusIdle, StartedAt: started},
		{ID: "w1", PID: 11, Session: "forge-w1", Model: "opus", Tier: launcher.TierPremium, Status: launcher.StatusActive, StartedAt: started, BeadID: "bd-1", BeadTitle: "Fix"},
	}}
	if err := Save(path, original); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if original.Workers[0].ID != "w2" {
		t.Error("Save reordered the caller's slice")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []launcher.WorkerHandle{original.Workers[1], original.Workers[0]}
	if diff := cmp.Diff(want, loaded.Workers); diff != "" {
		t.Errorf("Workers mismatch (-want +got):\n%s", diff)
	}
	if loaded.SavedAt.IsZero() {
		t.Error("SavedAt is zero")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadRejectsCorruptAndFutureSnapshots(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(corrupt); err == nil {
		t.Error("expected error for corrupt snapshot")
	}

	future := filepath.Join(dir, "future.json")
	if err := os.WriteFile(future, []byte(`{"version": 99, "workers": []}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(future); err == nil {
		t.Error("expected error for newer snapshot version")
	}
}

func TestStoreUpdate(t *testing.T) {
	store := NewStore(Path(t.TempDir()), logging.Discard())
	ctx := context.Background()

	err := store.Update(ctx, func(s *Snapshot) error {
		s.Workers = append(s.Workers, launcher.WorkerHandle{ID: "w1", Session: "forge-w1"})
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	boom := errors.New("boom")
	err = store.Update(ctx, func(s *Snapshot) error {
		s.Workers = nil
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snap.Workers) != 1 || snap.Workers[0].ID != "w1" {
		t.Errorf("Workers = %+v, want only w1 (failed update must not write)", snap.Workers)
	}
}

func TestStoreConcurrentUpdates(t *testing.T) {
	path := Path(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate stores model separate CLI processes.
			store := NewStore(path, logging.Discard())
			errs <- store.Update(ctx, func(s *Snapshot) error {
				s.Workers = append(s.Workers, launcher.WorkerHandle{ID: fmt.Sprintf("w%d", i)})
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snap.Workers) != 8 {
		t.Errorf("got %d workers, want 8 (lost update)", len(snap.Workers))
	}
}

func TestStoreUpdateHonoursContext(t *testing.T) {
	path := Path(t.TempDir())
	holder := NewStore(path, logging.Discard())

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- holder.Update(context.Background(), func(*Snapshot) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := NewStore(path, logging.Discard()).Replace(ctx, nil)
	if err == nil {
		t.Error("expected lock acquisition to fail while held")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder Update() error = %v", err)
	}
}

func TestSharedStoreSerializesGoroutines(t *testing.T) {
	store := NewStore(Path(t.TempDir()), logging.Discard())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(ctx, func(s *Snapshot) error {
				s.Workers = append(s.Workers, launcher.WorkerHandle{ID: fmt.Sprintf("w%d", i)})
				return nil
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snap.Workers) != 8 {
		t.Errorf("got %d workers, want 8 (lost update)", len(snap.Workers))
	}
}
