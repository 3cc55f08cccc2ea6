//go:build integration

package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/storypack/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the storypack binary and runs it against a scratch
// workspace with its own config, staging and rollback directories
type Harness struct {
	t       *testing.T
	bin     string
	workDir string
	config  string
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	workDir := t.TempDir()
	return &Harness{
		t:       t,
		bin:     filepath.Join(workDir, "storypack"),
		workDir: workDir,
		config:  filepath.Join(workDir, "config.yaml"),
	}
}

// Build compiles cmd/storypack and writes the harness config
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.ModuleRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.bin, "./cmd/storypack")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}

	config := fmt.Sprintf("paths:\n  temp_dir: %q\n  rollback_dir: %q\narchive:\n  compression: zstd\nsession:\n  autosave_interval: 10ms\n  keep_backups: 3\n",
		h.TempDir(), h.RollbackDir())
	if err := os.WriteFile(h.config, []byte(config), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	h.t.Logf("Binary built at %s", h.bin)
	return nil
}

// Path returns a path inside the workspace
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.workDir}, elem...)...)
}

// TempDir is the configured staging root
func (h *Harness) TempDir() string { return h.Path("tmp") }

// RollbackDir is the configured backup directory
func (h *Harness) RollbackDir() string { return h.Path("rollback") }

// Command prepares a storypack invocation without starting it
func (h *Harness) Command(ctx context.Context, stdin io.Reader, args ...string) *exec.Cmd {
	args = append([]string{"--config", h.config, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.bin, args...)
	cmd.Dir = h.workDir
	cmd.Stdin = stdin
	return cmd
}

// Exec runs storypack and returns stdout, stderr and the exit code
func (h *Harness) Exec(ctx context.Context, stdin string, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := h.Command(ctx, strings.NewReader(stdin), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs storypack and fails the test on a non-zero exit
func (h *Harness) MustExec(ctx context.Context, args ...string) string {
	h.t.Helper()
	return h.MustExecInput(ctx, "", args...)
}

// MustExecInput is MustExec with stdin
func (h *Harness) MustExecInput(ctx context.Context, stdin string, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, stdin, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// testWriter forwards command output to the test log
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}
