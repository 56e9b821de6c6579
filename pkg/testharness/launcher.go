package testharness

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jedarden/forge/internal/workspace"
)

// WriteLauncher writes an executable /bin/sh launcher script into dir and
// returns its path. Tests using it are skipped on Windows.
func WriteLauncher(tb testing.TB, dir, body string) string {
	tb.Helper()
	if runtime.GOOS == "windows" {
		tb.Skip("launcher scripts need a POSIX shell")
	}
	path := filepath.Join(dir, "launch.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		tb.Fatalf("write launcher script: %v", err)
	}
	return path
}

// WriteBeads writes lines to the work queue file of root.
func WriteBeads(tb testing.TB, root string, lines ...string) string {
	tb.Helper()
	path := workspace.BeadsFile(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	var data []byte
	for _, line := range lines {
		data = append(data, line...)
		data = append(data, '\n')
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}
