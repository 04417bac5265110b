// Package executor launches Blender subprocesses to run combined scripts.
// It enforces a wall-clock timeout, bounds concurrent processes with a
// semaphore, and captures stdout/stderr up to a per-stream cap.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/sceneweaver/sceneweaver/pkg/config"
)

const tracerName = "sceneweaver/executor"

// Result is the structured outcome of one Blender run. A non-zero exit is
// reported here, not as an error: the caller (and the reviewer) decide what
// to do with a failing script.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	WallTime time.Duration
}

// Executor runs Blender scripts with a bounded number of concurrent
// subprocesses. Safe for use from multiple workflow instances; it holds no
// state shared with other components.
type Executor struct {
	blenderPath  string
	gracePeriod  time.Duration
	captureLimit int64
	slots        *semaphore.Weighted
}

// New builds an Executor from configuration.
func New(cfg config.ExecutorConfig, blenderPath string) *Executor {
	return &Executor{
		blenderPath:  blenderPath,
		gracePeriod:  cfg.GracePeriod,
		captureLimit: cfg.CaptureLimit,
		slots:        semaphore.NewWeighted(cfg.MaxProcesses),
	}
}

// Run executes the script at scriptPath headlessly and blocks until the
// process exits, the timeout elapses, or ctx is cancelled. Acquiring a
// process slot may block when the executor is at capacity.
//
// On timeout or cancellation the whole process group receives SIGTERM, then
// SIGKILL after the grace period.
func (e *Executor) Run(ctx context.Context, scriptPath string, timeout time.Duration) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "executor.run")
	defer span.End()

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, &ExecutorError{Kind: KindSpawnFailed, Details: "cancelled while waiting for process slot", Err: err}
	}
	defer e.slots.Release(1)

	cmd := exec.Command(e.blenderPath, "--background", "--python", scriptPath)
	// Own process group so timeout/cancel can signal Blender and any
	// children it forks in one shot.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCaptureBuffer(e.captureLimit)
	stderr := newCaptureBuffer(e.captureLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExecutorError{Kind: KindSpawnFailed, Details: err.Error(), Err: err}
	}
	pgid := cmd.Process.Pid

	var waitErr error
	done := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	cancelled := false
	select {
	case <-done:
	case <-timer.C:
		timedOut = true
		e.terminateGroup(pgid, done)
	case <-ctx.Done():
		cancelled = true
		e.terminateGroup(pgid, done)
	}
	<-done

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		WallTime: time.Since(start),
	}

	if cancelled {
		return result, ctx.Err()
	}

	if timedOut {
		result.ExitCode = -1
		return result, &ExecutorError{
			Kind:           KindTimeout,
			Details:        "wall-clock timeout after " + timeout.String(),
			CapturedStderr: result.Stderr,
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExecutorError{
				Kind:           KindNonZeroExit,
				Details:        waitErr.Error(),
				CapturedStderr: result.Stderr,
			}
		}
		return result, &ExecutorError{Kind: KindSpawnFailed, Details: waitErr.Error(), Err: waitErr}
	}

	result.ExitCode = 0
	return result, nil
}

// terminateGroup sends SIGTERM to the process group, then SIGKILL if the
// process has not exited within the grace period.
func (e *Executor) terminateGroup(pgid int, done <-chan struct{}) {
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		slog.Warn("Failed to SIGTERM process group", "pgid", pgid, "error", err)
		return
	}

	grace := time.NewTimer(e.gracePeriod)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			slog.Warn("Failed to SIGKILL process group", "pgid", pgid, "error", err)
		}
	}
}
