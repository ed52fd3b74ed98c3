// ABOUTME: Tests for span emission: trace propagation, retries and drops
// ABOUTME: Uses a flaky wrapper around the memory log to inject append failures

package emitter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/eventlog"
	"github.com/2389/coven-swarm/internal/span"
)

// flakyLog fails the first failures appends.
type flakyLog struct {
	eventlog.Log
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyLog) Append(ctx context.Context, s span.Span) (int64, error) {
	if f.calls.Add(1) <= f.failures {
		return 0, f.err
	}
	return f.Log.Append(ctx, s)
}

func fixedClock() time.Time {
	return time.Unix(1700000000, 500_000_000)
}

func newTestEmitter(log eventlog.Log) *Emitter {
	return New(log, Options{
		Backoff: time.Millisecond,
		Clock:   fixedClock,
		IDs:     func() string { return "fixed-id" },
	})
}

func TestEmit_PropagatesTrace(t *testing.T) {
	log := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer log.Close()
	e := newTestEmitter(log)

	cause := span.Span{Name: "swarmsh.roberts.vote", TraceID: "t1", SpanID: "s1", Timestamp: 1000}
	s, err := e.Emit(context.Background(), &cause, "swarmsh.scrum.sprint_planning", map[string]any{"motion_id": "sprint42"})
	require.NoError(t, err)

	assert.Equal(t, "t1", s.TraceID)
	assert.Equal(t, "s1", s.ParentSpanID)
	assert.Equal(t, "fixed-id", s.SpanID)
	assert.Equal(t, 1700000000.5, s.Timestamp)

	b, err := log.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, b.Records, 1)
	assert.Equal(t, "sprint42", b.Records[0].Span.Attributes["motion_id"])
	assert.Equal(t, int64(1), e.Emitted())
}

func TestEmit_NoCauseStartsTrace(t *testing.T) {
	log := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer log.Close()
	e := New(log, Options{})

	a, err := e.Emit(context.Background(), nil, "swarmsh.ping", nil)
	require.NoError(t, err)
	b, err := e.Emit(context.Background(), nil, "swarmsh.ping", nil)
	require.NoError(t, err)

	assert.Len(t, a.TraceID, 32)
	assert.NotEqual(t, a.TraceID, b.TraceID)
	assert.NotEqual(t, a.SpanID, b.SpanID)
	assert.Empty(t, a.ParentSpanID)
	assert.NotNil(t, a.Attributes)
}

func TestEmit_AttributesAreCopied(t *testing.T) {
	log := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer log.Close()
	e := newTestEmitter(log)

	attrs := map[string]any{"k": "v"}
	s := e.Build(nil, "x", attrs)
	attrs["k"] = "changed"
	assert.Equal(t, "v", s.Attributes["k"])
}

func TestEmit_RetriesTransientFailures(t *testing.T) {
	mem := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer mem.Close()
	log := &flakyLog{Log: mem, failures: 2, err: &eventlog.StreamIOError{Op: "write", Err: errors.New("disk busy")}}
	e := newTestEmitter(log)

	_, err := e.Emit(context.Background(), nil, "swarmsh.test", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), log.calls.Load())
	assert.Equal(t, int64(0), e.Dropped())
}

func TestEmit_DropsAfterBudget(t *testing.T) {
	mem := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer mem.Close()
	log := &flakyLog{Log: mem, failures: 100, err: errors.New("disk full")}
	e := New(log, Options{Retries: 2, Backoff: time.Millisecond})

	_, err := e.Emit(context.Background(), nil, "swarmsh.test", nil)

	var ee *EmissionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 3, ee.Attempts)
	assert.Equal(t, int32(3), log.calls.Load())
	assert.Equal(t, int64(1), e.Dropped())
	assert.Equal(t, 0, mem.Len())
}

func TestEmit_DuplicateIsNotRetried(t *testing.T) {
	mem := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer mem.Close()
	log := &flakyLog{Log: mem, failures: 100, err: eventlog.ErrDuplicateSpan}
	e := newTestEmitter(log)

	_, err := e.Emit(context.Background(), nil, "swarmsh.test", nil)
	assert.ErrorIs(t, err, eventlog.ErrDuplicateSpan)
	assert.Equal(t, int32(1), log.calls.Load())
}

func TestEmit_InvalidSpanIsDropped(t *testing.T) {
	mem := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer mem.Close()
	e := newTestEmitter(mem)

	_, err := e.Emit(context.Background(), nil, "swarmsh.test", map[string]any{"nested": map[string]any{"a": 1}})
	var ee *EmissionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, int64(1), e.Dropped())
	assert.Equal(t, 0, mem.Len())
}

func TestEmit_CancelledContextStopsRetrying(t *testing.T) {
	mem := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer mem.Close()
	log := &flakyLog{Log: mem, failures: 100, err: errors.New("disk full")}
	e := New(log, Options{Retries: 50, Backoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Emit(ctx, nil, "swarmsh.test", nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(1), e.Dropped())
}
