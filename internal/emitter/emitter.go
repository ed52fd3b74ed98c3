// ABOUTME: Builds response spans with propagated trace ids and appends them with retries
// ABOUTME: An exhausted retry budget is a counted, logged drop rather than a fatal error

package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/2389/coven-swarm/internal/eventlog"
	"github.com/2389/coven-swarm/internal/span"
)

const (
	DefaultRetries    = 3
	DefaultBackoff    = 50 * time.Millisecond
	DefaultMaxBackoff = time.Second
)

// EmissionError reports a span that could not be appended.
type EmissionError struct {
	Name     string
	SpanID   string
	Attempts int
	Err      error
}

func (e *EmissionError) Error() string {
	return fmt.Sprintf("emitting %s (span %s) failed after %d attempt(s): %v", e.Name, e.SpanID, e.Attempts, e.Err)
}

func (e *EmissionError) Unwrap() error {
	return e.Err
}

// Options configures an Emitter.
type Options struct {
	// Retries is the number of extra attempts after the first; negative disables retries.
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Clock      func() time.Time
	IDs        func() string
	Logger     *slog.Logger
}

// Emitter appends spans on behalf of one agent.
type Emitter struct {
	log     eventlog.Log
	opts    Options
	logger  *slog.Logger
	emitted atomic.Int64
	dropped atomic.Int64
}

// New creates an emitter writing to log.
func New(log eventlog.Log, opts Options) *Emitter {
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.IDs == nil {
		opts.IDs = span.NewSpanID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		log:    log,
		opts:   opts,
		logger: logger.With("component", "emitter"),
	}
}

// Build creates a span caused by cause. A nil cause starts a new trace.
func (e *Emitter) Build(cause *span.Span, name string, attrs map[string]any) span.Span {
	s := span.Span{
		Name:       name,
		SpanID:     e.opts.IDs(),
		Timestamp:  span.Timestamp(e.opts.Clock()),
		Attributes: maps.Clone(attrs),
	}
	if s.Attributes == nil {
		s.Attributes = map[string]any{}
	}
	if cause != nil && cause.TraceID != "" {
		s.TraceID = cause.TraceID
		s.ParentSpanID = cause.SpanID
	} else {
		s.TraceID = span.NewTraceID()
	}
	return s
}

// Emit builds and appends a span. On failure the span is dropped, counted and
// an *EmissionError is returned; callers log it and carry on.
func (e *Emitter) Emit(ctx context.Context, cause *span.Span, name string, attrs map[string]any) (span.Span, error) {
	s := e.Build(cause, name, attrs)
	_, err := e.Append(ctx, s)
	return s, err
}

// Append writes a prepared span with the retry budget.
func (e *Emitter) Append(ctx context.Context, s span.Span) (int64, error) {
	if err := span.Validate(s); err != nil {
		return 0, e.drop(s, 0, err)
	}

	attempts := e.opts.Retries + 1
	backoff := e.opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		offset, err := e.log.Append(ctx, s)
		if err == nil {
			e.emitted.Add(1)
			return offset, nil
		}
		lastErr = err
		if attempt == attempts || !shouldRetry(ctx, err) {
			return 0, e.drop(s, attempt, err)
		}

		e.logger.Debug("append failed, retrying", "span_name", s.Name, "attempt", attempt, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, e.drop(s, attempt, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, e.opts.MaxBackoff)
	}
	return 0, e.drop(s, attempts, lastErr)
}

func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, eventlog.ErrDuplicateSpan) || errors.Is(err, eventlog.ErrClosed) {
		return false
	}
	var mre *span.MalformedRecordError
	return !errors.As(err, &mre)
}

func (e *Emitter) drop(s span.Span, attempts int, err error) error {
	e.dropped.Add(1)
	e.logger.Warn("dropping span",
		"span_name", s.Name,
		"span_id", s.SpanID,
		"trace_id", s.TraceID,
		"attempts", attempts,
		"error", err,
	)
	return &EmissionError{Name: s.Name, SpanID: s.SpanID, Attempts: attempts, Err: err}
}

// Emitted returns the number of spans appended.
func (e *Emitter) Emitted() int64 {
	return e.emitted.Load()
}

// Dropped returns the number of spans given up on.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}
