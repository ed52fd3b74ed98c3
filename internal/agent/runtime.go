// ABOUTME: Runs one agent: tail the log, route, transition, execute actions, emit spans
// ABOUTME: Every failure is counted and logged; only repeated read failures stop the loop

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-swarm/internal/action"
	"github.com/2389/coven-swarm/internal/dedupe"
	"github.com/2389/coven-swarm/internal/emitter"
	"github.com/2389/coven-swarm/internal/eventlog"
	"github.com/2389/coven-swarm/internal/fsm"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/tailer"
	"github.com/2389/coven-swarm/internal/trigger"
)

// TransitionSpanName names the optional span recorded on every state change.
const TransitionSpanName = "swarm.agent.transition"

const (
	defaultReadRetries = 3
	defaultReadBackoff = 100 * time.Millisecond
	defaultActionGrace = 5 * time.Second
	asyncReportTimeout = 10 * time.Second
)

// ErrReadRetriesExhausted wraps the read error that stopped a runtime.
var ErrReadRetriesExhausted = errors.New("read retries exhausted")

// Deps are the collaborators a runtime uses.
type Deps struct {
	Log eventlog.Log
	// Executor runs every action; nil means a default CommandExecutor.
	Executor action.Executor
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Options tunes a runtime.
type Options struct {
	// Name identifies this instance; defaults to the definition name.
	Name string
	// Start is the initial cursor (tailer.StartBeginning, tailer.StartEnd or an offset).
	Start int64
	// EmitTransitions appends a TransitionSpanName span on every state change.
	EmitTransitions bool
	ReadRetries     int
	ReadBackoff     time.Duration
	// ActionGrace is how long an in-flight action may run after the runtime is stopped.
	ActionGrace time.Duration
	// MaxAsync bounds this runtime's concurrent asynchronous actions; <= 0 is unbounded.
	MaxAsync int
	// Dedupe, when set, gives the runtime its own cache of handled span ids.
	Dedupe  *dedupe.Options
	Emitter emitter.Options
}

// Runtime drives one agent definition against one log. Step and Run are not
// meant to be called concurrently; Status may be called from anywhere.
type Runtime struct {
	name     string
	def      fsm.Definition
	machine  *fsm.Machine
	router   *trigger.Router[fsm.Handler]
	tail     *tailer.Tailer
	emit     *emitter.Emitter
	exec     action.Executor
	async    *action.Dispatcher
	dedupe   *dedupe.Cache
	opts     Options
	logger   *slog.Logger
	clock    func() time.Time
	counters *counters

	stepMu sync.Mutex

	runMu     sync.Mutex // guards running and startedAt
	running   bool
	startedAt time.Time
}

// New validates def and builds a runtime in the definition's initial state.
func New(def fsm.Definition, deps Deps, opts Options) (*Runtime, error) {
	if deps.Log == nil {
		return nil, errors.New("agent: log is required")
	}
	machine, err := fsm.NewMachine(def)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	router, err := def.Router()
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", def.Name, err)
	}

	name := opts.Name
	if name == "" {
		name = def.Name
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "agent", name)
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	if opts.ReadRetries <= 0 {
		opts.ReadRetries = defaultReadRetries
	}
	if opts.ReadBackoff <= 0 {
		opts.ReadBackoff = defaultReadBackoff
	}
	if opts.ActionGrace <= 0 {
		opts.ActionGrace = defaultActionGrace
	}

	exec := deps.Executor
	if exec == nil {
		exec = &action.CommandExecutor{Logger: logger}
	}
	emitOpts := opts.Emitter
	emitOpts.Logger = logger
	if emitOpts.Clock == nil {
		emitOpts.Clock = clock
	}

	r := &Runtime{
		name:     name,
		def:      def,
		machine:  machine,
		router:   router,
		tail:     tailer.New(deps.Log, tailer.Options{Start: opts.Start, Logger: logger}),
		emit:     emitter.New(deps.Log, emitOpts),
		exec:     exec,
		async:    action.NewDispatcher(exec, opts.MaxAsync, logger),
		opts:     opts,
		logger:   logger,
		clock:    clock,
		counters: newCounters(),
	}
	if opts.Dedupe != nil {
		r.dedupe = dedupe.New(*opts.Dedupe)
	}
	return r, nil
}

// Name returns the instance name.
func (r *Runtime) Name() string {
	return r.name
}

// Kind returns the definition name.
func (r *Runtime) Kind() string {
	return r.def.Name
}

// State returns the current machine state.
func (r *Runtime) State() fsm.State {
	return r.machine.State()
}

// Tailer exposes the cursor, e.g. to replay from the beginning.
func (r *Runtime) Tailer() *tailer.Tailer {
	return r.tail
}

// Step performs one poll iteration: every record available now is routed and
// handled in order. The returned error is a read failure; records read before
// it were still handled.
func (r *Runtime) Step(ctx context.Context) error {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	records, err := r.tail.Poll(ctx)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		r.handle(ctx, rec.Span)
	}
	if err != nil && ctx.Err() == nil {
		r.counters.inc(CounterStreamIO)
	}
	return err
}

// Run steps until ctx is cancelled, waiting on n between steps. Consecutive
// read failures are retried with backoff; once ReadRetries is exceeded Run
// returns an error wrapping ErrReadRetriesExhausted. Cancellation is a normal
// stop and returns nil.
func (r *Runtime) Run(ctx context.Context, n tailer.Notifier) error {
	r.runMu.Lock()
	r.running = true
	r.startedAt = r.clock()
	r.runMu.Unlock()
	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()
	}()

	r.logger.Info("agent started", "state", r.State(), "cursor", r.tail.Cursor())

	failures := 0
	backoff := r.opts.ReadBackoff
	for {
		err := r.Step(ctx)
		if ctx.Err() != nil {
			r.logger.Info("agent stopped", "state", r.State())
			return nil
		}
		if err != nil {
			failures++
			if failures > r.opts.ReadRetries {
				r.logger.Error("giving up after repeated read failures", "failures", failures, "error", err)
				return fmt.Errorf("agent %s: %w: %w", r.name, ErrReadRetriesExhausted, err)
			}
			r.logger.Warn("read failed, retrying", "attempt", failures, "backoff", backoff, "error", err)
			if sleepCtx(ctx, backoff) != nil {
				return nil
			}
			backoff *= 2
			continue
		}
		failures = 0
		backoff = r.opts.ReadBackoff

		if err := n.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				r.logger.Info("agent stopped", "state", r.State())
				return nil
			}
			return fmt.Errorf("agent %s: notifier: %w", r.name, err)
		}
	}
}

// Close waits up to grace for in-flight asynchronous actions and releases the
// dedupe cache. It is safe to call more than once.
func (r *Runtime) Close(grace time.Duration) {
	r.async.Shutdown(grace)
	if r.dedupe != nil {
		r.dedupe.Close()
	}
}

// handle runs the pipeline for one span.
func (r *Runtime) handle(ctx context.Context, s span.Span) {
	route, decision := r.router.Route(s.Name)
	switch decision {
	case trigger.Filtered:
		r.counters.inc(CounterFiltered)
		return
	case trigger.NoMatch:
		r.counters.inc(CounterUnmatched)
		r.logger.Debug("no trigger matched", "span_name", s.Name)
		return
	}

	if r.dedupe != nil && r.dedupe.Seen(s.SpanID) {
		r.counters.inc(CounterDuplicates)
		r.logger.Debug("skipping duplicate span", "span_id", s.SpanID)
		return
	}
	r.counters.inc(CounterProcessed)

	handler := route.Handler
	proposal, err := r.machine.Propose(handler, s)
	if err != nil {
		var ite *fsm.InvalidTransitionError
		if errors.As(err, &ite) {
			r.counters.inc(CounterInvalidTransition)
			r.logger.Warn("rejected out-of-context span",
				"span_name", s.Name,
				"span_id", s.SpanID,
				"handler", handler.Name,
				"state", ite.State,
			)
			return
		}
		r.counters.inc(CounterHandlerError)
		r.logger.Error("handler failed", "span_name", s.Name, "span_id", s.SpanID, "error", err)
		return
	}

	r.logger.Debug("span matched",
		"span_name", s.Name,
		"span_id", s.SpanID,
		"trace_id", s.TraceID,
		"handler", handler.Name,
		"state", proposal.From,
	)

	ok := r.runActions(ctx, s, handler.Name, proposal.Result.Actions)

	target := proposal.Result.Next
	if !ok {
		target = proposal.Result.OnFailure
	}
	if target != "" {
		r.commit(ctx, s, handler.Name, target, proposal.Result.Note)
	}

	if !ok {
		return
	}
	for _, e := range proposal.Result.Emit {
		r.emitSpan(ctx, &s, e.Name, e.Attributes)
	}
}

// runActions executes synchronous actions in order, stopping at the first
// failure, and hands asynchronous ones to the dispatcher.
func (r *Runtime) runActions(ctx context.Context, cause span.Span, handler string, reqs []action.Request) bool {
	for _, req := range reqs {
		if req.Async {
			r.submitAsync(ctx, cause, handler, req)
			continue
		}

		actx, cancel := graceContext(ctx, r.opts.ActionGrace)
		res := r.exec.Execute(actx, req)
		cancel()

		r.reportResult(ctx, cause, handler, req, res)
		if !res.OK() {
			r.counters.inc(CounterActionFailed)
			return false
		}
	}
	return true
}

func (r *Runtime) submitAsync(ctx context.Context, cause span.Span, handler string, req action.Request) {
	err := r.async.Submit(req, func(req action.Request, res action.Result) {
		if !res.OK() {
			r.counters.inc(CounterActionFailed)
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncReportTimeout)
		defer cancel()
		r.reportResult(rctx, cause, handler, req, res)
	})
	if err != nil {
		r.counters.inc(CounterActionFailed)
		r.logger.Warn("could not start async action", "command", req.Command, "error", err)
		r.reportResult(ctx, cause, handler, req, action.Result{
			Command:  req.Command,
			Args:     req.Args,
			ExitCode: -1,
			Outcome:  action.StartFailed,
			Reason:   err.Error(),
		})
	}
}

// reportResult appends the action result span. A stopped runtime still
// records the result of an action it forced to terminate.
func (r *Runtime) reportResult(ctx context.Context, cause span.Span, handler string, req action.Request, res action.Result) {
	attrs := res.Attributes()
	attrs["agent.name"] = r.name
	attrs["agent.handler"] = handler
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), asyncReportTimeout)
		defer cancel()
	}
	r.emitSpan(ctx, &cause, req.SpanName(), attrs)
}

func (r *Runtime) commit(ctx context.Context, cause span.Span, handler string, target fsm.State, note string) {
	reason := handler
	if note != "" {
		reason = handler + ": " + note
	}
	prev, changed, err := r.machine.Commit(target, reason)
	if err != nil {
		r.counters.inc(CounterHandlerError)
		r.logger.Error("commit failed", "target", target, "error", err)
		return
	}
	if !changed {
		return
	}
	r.counters.inc(CounterTransitions)
	r.logger.Info("state transition",
		"from", prev,
		"to", target,
		"handler", handler,
		"span_id", cause.SpanID,
		"trace_id", cause.TraceID,
	)

	if r.opts.EmitTransitions {
		r.emitSpan(ctx, &cause, TransitionSpanName, map[string]any{
			"swarm.agent.name":            r.name,
			"swarm.agent.transition.from": string(prev),
			"swarm.agent.transition.to":   string(target),
			"prompt":                      reason,
		})
	}
}

func (r *Runtime) emitSpan(ctx context.Context, cause *span.Span, name string, attrs map[string]any) {
	// Drops are counted and logged by the emitter.
	_, _ = r.emit.Emit(ctx, cause, name, attrs)
}

// graceContext is not cancelled with parent right away: it gets grace more
// time before being cancelled, so in-flight actions can finish.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	var timer *time.Timer
	var mu sync.Mutex
	stop := context.AfterFunc(parent, func() {
		mu.Lock()
		timer = time.AfterFunc(grace, cancel)
		mu.Unlock()
	})
	return ctx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
