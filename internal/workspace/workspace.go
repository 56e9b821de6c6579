package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// BeadsDir holds the work queue written by the beads tool.
	BeadsDir = ".beads"
	// IssuesFile is the line-delimited work queue inside BeadsDir.
	IssuesFile = "issues.jsonl"
	// ForgeDir holds orchestrator state for a workspace.
	ForgeDir = ".forge"
)

// GetRequiredDirectories returns the directories under ForgeDir that an
// initialized workspace must have.
func GetRequiredDirectories() []string {
	return []string{
		"state",  // state/workers.json (registry snapshot)
		"events", // events/audit.ndjson (append-only audit log)
		"logs",   // logs/<worker>.log (launcher output)
	}
}

// BeadsFile returns the path of the workspace's work queue file.
func BeadsFile(root string) string {
	return filepath.Join(root, BeadsDir, IssuesFile)
}

// StateDir returns the orchestrator state directory for root.
func StateDir(root string) string {
	return filepath.Join(root, ForgeDir)
}

// Initialize creates the state directories with 0700 permissions.
// Safe to call repeatedly.
func Initialize(root string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(StateDir(root), dir)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized checks that every required directory exists.
func IsInitialized(root string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(StateDir(root), dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// HasBeads reports whether root contains a work queue file.
func HasBeads(root string) bool {
	info, err := os.Stat(BeadsFile(root))
	return err == nil && !info.IsDir()
}
