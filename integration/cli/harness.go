//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the subsync binary once and runs it against throwaway repositories
type Harness struct {
	t      *testing.T
	binary string
	env    []string
}

// Result captures one invocation of the binary
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// NewHarness creates a new test harness with an isolated config home
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:   t,
		env: append(os.Environ(), "XDG_CONFIG_HOME="+t.TempDir(), "NO_COLOR=1"),
	}
}

// Build compiles the binary from the project root
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), "subsync")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/subsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}

	h.t.Logf("Binary built at %s", h.binary)
	return nil
}

// Run executes subsync with args; stdin is closed so prompts answer no
func (h *Harness) Run(ctx context.Context, args ...string) (Result, error) {
	h.t.Helper()
	if h.binary == "" {
		return Result{}, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = h.env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Result{}
	err := cmd.Run()
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("exec failed: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	h.t.Logf("subsync %s -> exit %d", strings.Join(args, " "), res.ExitCode)
	return res, nil
}

// MustRun runs subsync and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) Result {
	h.t.Helper()
	res, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if res.ExitCode != 0 {
		h.t.Fatalf("subsync failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			res.ExitCode, res.Stdout, res.Stderr, args)
	}
	return res
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
