// ABOUTME: os/exec based executor with timeouts, process groups and bounded output
// ABOUTME: SIGTERM on deadline or cancellation, SIGKILL after the grace period

package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultGrace     = 2 * time.Second
	DefaultMaxOutput = 64 * 1024
)

// CommandExecutor runs requests as child processes.
type CommandExecutor struct {
	// Timeout applies when the request has none.
	Timeout time.Duration
	// Grace is how long a terminated command has before it is killed.
	Grace time.Duration
	Dir   string
	// Env entries are added to the current environment.
	Env []string
	// MaxOutput bounds captured stdout and stderr, each.
	MaxOutput int
	Logger    *slog.Logger
}

// Execute runs req and waits for it. Cancelling ctx terminates the command
// the same way its deadline does.
func (e *CommandExecutor) Execute(ctx context.Context, req Request) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	grace := e.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	maxOutput := e.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "action", "command", req.Command)

	res := Result{
		Command:  req.Command,
		Args:     append([]string(nil), req.Args...),
		ExitCode: -1,
	}
	if req.Command == "" {
		res.Outcome = StartFailed
		res.Reason = "empty command"
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &boundedBuffer{limit: maxOutput}
	stderr := &boundedBuffer{limit: maxOutput}

	cmd := exec.CommandContext(runCtx, req.Command, req.Args...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)

	var killTimer *time.Timer
	var killMu sync.Mutex
	cmd.Cancel = func() error {
		terminateProcess(cmd)
		killMu.Lock()
		killTimer = time.AfterFunc(grace, func() { killProcess(cmd) })
		killMu.Unlock()
		return nil
	}
	// Grandchildren holding the pipes open must not block Wait forever.
	cmd.WaitDelay = grace + time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Outcome = StartFailed
		res.Reason = err.Error()
		res.Duration = time.Since(start)
		logger.Warn("action failed to start", "error", err)
		return res
	}
	err := cmd.Wait()
	res.Duration = time.Since(start)

	killMu.Lock()
	if killTimer != nil {
		killTimer.Stop()
	}
	killMu.Unlock()

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Outcome = Succeeded
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Outcome = TimedOut
		res.Reason = fmt.Sprintf("timeout after %s", timeout)
	case runCtx.Err() != nil:
		res.Outcome = TimedOut
		res.Reason = "terminated: " + context.Cause(ctx).Error()
	case errors.As(err, &exitErr):
		res.Outcome = Failed
		res.Reason = fmt.Sprintf("exit status %d", res.ExitCode)
	default:
		res.Outcome = Failed
		res.Reason = err.Error()
	}

	if res.OK() {
		logger.Debug("action succeeded", "duration", res.Duration)
	} else {
		logger.Warn("action failed",
			"outcome", res.Outcome,
			"exit_code", res.ExitCode,
			"reason", res.Reason,
			"stderr", strings.TrimSpace(res.Stderr),
		)
	}
	return res
}

// boundedBuffer keeps the first limit bytes and discards the rest.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	// Report the full length so the child never sees a short write.
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "...[truncated]"
	}
	return b.buf.String()
}
