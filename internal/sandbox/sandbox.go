package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Fixed file names written into every slot after Execute.
const (
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
	MetaFile   = "meta.txt"
)

// DefaultTimeout is the wall-clock limit for one command inside a slot.
const DefaultTimeout = 600 * time.Second

// ExecError is returned when the command exits non-zero or exceeds the
// wall-clock timeout. The pool never interprets it; verdict
// classification belongs to the caller.
type ExecError struct {
	ExitCode int
	TimedOut bool
	Stderr   string
}

func (e *ExecError) Error() string {
	if e.TimedOut {
		return "sandbox execution timed out"
	}
	return fmt.Sprintf("sandbox execution failed with exit code %d", e.ExitCode)
}

// Sandbox is one leased, numbered execution slot with its own scratch
// filesystem. A slot runs exactly one command between Reset calls.
type Sandbox struct {
	ID      int
	root    string
	opts    Options
	Timeout time.Duration
}

// ScratchPath returns the slot's working directory.
func (s *Sandbox) ScratchPath() string {
	return s.root
}

// FilePath returns the path of a named file inside the slot.
func (s *Sandbox) FilePath(name string) string {
	return filepath.Join(s.root, name)
}

// Reset wipes and reinitializes the slot's scratch filesystem. It is
// idempotent and must be called before each use.
func (s *Sandbox) Reset() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("clean sandbox %d: %w", s.ID, err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("init sandbox %d: %w", s.ID, err)
	}
	return nil
}

// WriteFile stages a file into the slot's scratch directory. Nested
// names create their parent directories inside the slot.
func (s *Sandbox) WriteFile(name string, data []byte) error {
	path := s.FilePath(name)
	if dir := filepath.Dir(path); dir != s.root {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("stage dir for %s in sandbox %d: %w", name, s.ID, err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads a file back out of the slot.
func (s *Sandbox) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(s.FilePath(name))
}

// Execute runs one command inside the slot under the configured
// isolation, with the slot directory as working directory and a
// wall-clock timeout. Stdout, stderr and exit metadata are captured to
// fixed file names; stdout is also returned. A non-zero exit or a
// timeout comes back as *ExecError with the captured stderr.
func (s *Sandbox) Execute(ctx context.Context, args ...string) (string, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdline := args
	if s.opts.Isolator != "" {
		cmdline = append(append([]string{s.opts.Isolator}, s.opts.IsolatorArgs...), args...)
	}

	cmd := exec.CommandContext(execCtx, cmdline[0], cmdline[1:]...)
	cmd.Dir = s.root

	stdout, err := os.Create(s.FilePath(StdoutFile))
	if err != nil {
		return "", fmt.Errorf("create stdout capture: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(s.FilePath(StderrFile))
	if err != nil {
		return "", fmt.Errorf("create stderr capture: %w", err)
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	timedOut := execCtx.Err() == context.DeadlineExceeded
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if timedOut {
			exitCode = 124
		} else {
			return "", fmt.Errorf("sandbox %d exec: %w", s.ID, runErr)
		}
	}

	meta := fmt.Sprintf("exit_code=%d\nduration_ms=%d\ntimed_out=%t\n",
		exitCode, elapsed.Milliseconds(), timedOut)
	if err := s.WriteFile(MetaFile, []byte(meta)); err != nil {
		return "", fmt.Errorf("write meta: %w", err)
	}

	out, err := s.ReadFile(StdoutFile)
	if err != nil {
		return "", fmt.Errorf("read stdout capture: %w", err)
	}

	if exitCode != 0 || timedOut {
		errOut, _ := s.ReadFile(StderrFile)
		return string(out), &ExecError{
			ExitCode: exitCode,
			TimedOut: timedOut,
			Stderr:   string(errOut),
		}
	}

	return string(out), nil
}
