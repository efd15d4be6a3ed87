// Copyright 2026 The RBUM Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mpy-dev-ml/rbum/lib/bookmark"
)

// DefaultTimeout bounds a subprocess when the spec does not set one.
const DefaultTimeout = 5 * time.Minute

// Errors returned by Exec before a process is started.
var (
	// ErrUncoveredWorkingDirectory reports a working directory that
	// no handle in the spec covers.
	ErrUncoveredWorkingDirectory = errors.New("runner: working directory not covered by a resource handle")

	// ErrScopeTooNarrow reports a working directory whose covering
	// handle is read-only. A process can write to its working
	// directory, so the covering grant must be read-write.
	ErrScopeTooNarrow = errors.New("runner: working directory handle is read-only")
)

// Spec describes one subprocess execution.
type Spec struct {
	// Command is the program to run, resolved via PATH if relative.
	Command string

	// Args are the program arguments, excluding the program name.
	Args []string

	// WorkingDirectory is where the process runs. Must be the path
	// of one of Handles, or a descendant of one. Required.
	WorkingDirectory string

	// Handles are the validated resource handles this execution is
	// entitled to. The runner borrows them; the caller releases.
	Handles []*bookmark.Handle

	// Env lists extra environment variables as NAME=value pairs,
	// appended to the parent environment.
	Env []string

	// Timeout bounds the process. Zero means DefaultTimeout. On
	// expiry the process group is killed and Exec returns
	// bookmark.ErrOperationTimeout.
	Timeout time.Duration

	// GracePeriod, when positive, sends SIGTERM to the group first
	// and escalates to SIGKILL after the period. Zero kills
	// immediately.
	GracePeriod time.Duration
}

// Result is the outcome of a completed subprocess.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes subprocesses. Zero-value is not usable; construct
// with New.
type Runner struct {
	logger *slog.Logger
}

// New creates a Runner.
func New(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Exec runs the spec's command to completion. A non-zero exit code is
// not an error: it is reported in the Result, and the error return is
// reserved for processes that could not run or did not complete
// (spec validation, start failure, timeout, cancellation). On timeout
// the process group is killed and the partial output captured so far
// is returned alongside bookmark.ErrOperationTimeout.
func (r *Runner) Exec(ctx context.Context, spec Spec) (Result, error) {
	if err := checkCoverage(spec); err != nil {
		return Result{}, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDirectory
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Own process group, so cancellation reaches the command and
	// everything it spawned (negative pid signals the group).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.GracePeriod > 0 {
		grace := spec.GracePeriod
		cmd.Cancel = func() error {
			group := -cmd.Process.Pid
			if err := syscall.Kill(group, syscall.SIGTERM); err != nil {
				return syscall.Kill(group, syscall.SIGKILL)
			}
			go func() {
				time.Sleep(grace)
				// The group may already be gone; ESRCH is harmless.
				_ = syscall.Kill(group, syscall.SIGKILL)
			}()
			return nil
		}
	} else {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}

	r.logger.Info("running command",
		"command", spec.Command,
		"working_directory", spec.WorkingDirectory,
		"timeout", timeout)

	err := cmd.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return result, nil
	}

	// The deadline firing usually surfaces as the killed process's
	// exit error, not as context.DeadlineExceeded, so consult the
	// context before trusting the exit status.
	if ctxErr := runCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, bookmark.ErrOperationTimeout
		}
		return result, ctxErr
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		result.ExitCode = exitError.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("running %s: %w", spec.Command, err)
}

// checkCoverage verifies the working directory sits inside a granted
// resource with a scope wide enough to write to it.
func checkCoverage(spec Spec) error {
	if spec.WorkingDirectory == "" {
		return fmt.Errorf("runner: working directory is required")
	}
	directory := filepath.Clean(spec.WorkingDirectory)
	covered := false
	for _, handle := range spec.Handles {
		if !pathCovers(handle.Path(), directory) {
			continue
		}
		if handle.Scope() != bookmark.ScopeReadWrite {
			return fmt.Errorf("%w: %s", ErrScopeTooNarrow, directory)
		}
		covered = true
		break
	}
	if !covered {
		return fmt.Errorf("%w: %s", ErrUncoveredWorkingDirectory, directory)
	}
	return nil
}

// pathCovers reports whether target equals root or sits below it.
func pathCovers(root, target string) bool {
	if root == target {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}
