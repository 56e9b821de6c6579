package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Binaries holds the paths of freshly compiled forge commands.
type Binaries struct {
	Forge  string
	Launch string
}

// BuildBinaries compiles the forge and forge-launch binaries into outputDir.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (Binaries, error) {
	if projectRoot == "" {
		return Binaries{}, fmt.Errorf("project root is required")
	}
	if outputDir == "" {
		return Binaries{}, fmt.Errorf("output directory is required")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Binaries{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	bins := Binaries{
		Forge:  filepath.Join(outputDir, "forge"),
		Launch: filepath.Join(outputDir, "forge-launch"),
	}
	if err := runGoBuild(ctx, projectRoot, bins.Forge, "./cmd/forge"); err != nil {
		return Binaries{}, err
	}
	if err := runGoBuild(ctx, projectRoot, bins.Launch, "./cmd/forge-launch"); err != nil {
		return Binaries{}, err
	}
	return bins, nil
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	cmd.Env = env

	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
