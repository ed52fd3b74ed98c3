// ABOUTME: Runs asynchronous action requests and reports each result to a callback
// ABOUTME: Shutdown waits for in-flight work within a grace period, then cancels it

package action

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDispatcherClosed is returned by Submit after Shutdown.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Completion is called once per submitted request, on the worker goroutine.
type Completion func(req Request, res Result)

// Dispatcher runs requests on their own goroutines.
type Dispatcher struct {
	exec   Executor
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	sem      chan struct{}
}

// NewDispatcher creates a dispatcher. maxConcurrent <= 0 means unbounded.
func NewDispatcher(exec Executor, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		exec:   exec,
		logger: logger.With("component", "dispatcher"),
		ctx:    ctx,
		cancel: cancel,
	}
	if maxConcurrent > 0 {
		d.sem = make(chan struct{}, maxConcurrent)
	}
	return d
}

// Submit starts req in the background. done receives the result even when
// the request is cancelled by Shutdown.
func (d *Dispatcher) Submit(req Request, done Completion) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()

		if d.sem != nil {
			select {
			case d.sem <- struct{}{}:
				defer func() { <-d.sem }()
			case <-d.ctx.Done():
				res := Result{
					Command:  req.Command,
					Args:     append([]string(nil), req.Args...),
					ExitCode: -1,
					Outcome:  TimedOut,
					Reason:   "cancelled before start",
				}
				if done != nil {
					done(req, res)
				}
				return
			}
		}

		res := d.exec.Execute(d.ctx, req)
		if done != nil {
			done(req, res)
		}
	}()
	return nil
}

// Shutdown stops accepting work, waits up to grace for in-flight requests and
// then cancels whatever is left. It returns once every completion has run.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.inflight.Wait()
		return
	}
	d.closed = true
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(finished)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-finished:
	case <-timer.C:
		d.logger.Warn("grace period elapsed, cancelling in-flight actions", "grace", grace)
		d.cancel()
		<-finished
	}
	d.cancel()
}
