// Package executor runs external agent and build-tool processes with a
// hard wall-clock timeout: SIGTERM first, SIGKILL after a grace period.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"buildfix/internal/logging"
)

// Result captures one finished process invocation. A non-zero exit code
// is a normal result, not an error.
type Result struct {
	Stdout   []byte        `json:"-"`
	Stderr   []byte        `json:"-"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// Executor runs commands under a timeout and kill-grace policy.
type Executor struct {
	Timeout   time.Duration
	KillGrace time.Duration
}

// New creates an Executor. Zero values fall back to a 10-minute timeout
// and the 2-second grace window.
func New(timeout, killGrace time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if killGrace <= 0 {
		killGrace = 2 * time.Second
	}
	return &Executor{Timeout: timeout, KillGrace: killGrace}
}

// Run executes name with args in workDir and waits for exit, timeout, or
// context cancellation. The returned error is reserved for infrastructure
// failures (binary missing, start failure); tool failures surface through
// ExitCode.
func (e *Executor) Run(ctx context.Context, workDir, name string, args ...string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	cmd.Dir = workDir
	// Own process group so the whole tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-runCtx.Done():
		e.terminate(cmd, done)
		logging.L().Warn("process terminated",
			zap.String("command", name),
			zap.Duration("after", time.Since(start)),
			zap.Bool("timeout", runCtx.Err() == context.DeadlineExceeded))
		return &Result{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: 124,
			Duration: time.Since(start),
			TimedOut: runCtx.Err() == context.DeadlineExceeded,
		}, nil

	case err := <-done:
		result := &Result{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(start),
		}
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return nil, fmt.Errorf("failed to run %s: %w", name, err)
			}
			result.ExitCode = exitErr.ExitCode()
		}
		return result, nil
	}
}

// terminate signals the process group gracefully, then force-kills after
// the grace window.
func (e *Executor) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-done:
	case <-time.After(e.KillGrace):
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
		<-done
	}
}
