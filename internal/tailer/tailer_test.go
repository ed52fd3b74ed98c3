// ABOUTME: Tests for the tailer cursor over file and memory logs
// ABOUTME: Covers ordering, partial lines, start-at-end, truncation and replacement

package tailer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/eventlog"
	"github.com/2389/coven-swarm/internal/span"
)

func testSpan(name, id string) span.Span {
	return span.Span{
		Name:       name,
		TraceID:    "t-" + id,
		SpanID:     id,
		Timestamp:  1000,
		Attributes: map[string]any{},
	}
}

func setupFileLog(t *testing.T) *eventlog.FileLog {
	t.Helper()
	l, err := eventlog.OpenFile(filepath.Join(t.TempDir(), "spans.jsonl"), eventlog.FileOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func ids(records []eventlog.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Span.SpanID)
	}
	return out
}

func TestTailer_YieldsNewRecordsInOrder(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()
	tl := New(l, Options{})

	got, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, id := range []string{"a", "b", "c"} {
		_, err := l.Append(ctx, testSpan("swarmsh.test", id))
		require.NoError(t, err)
	}

	got, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))

	got, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "records are delivered once")

	_, err = l.Append(ctx, testSpan("swarmsh.test", "d"))
	require.NoError(t, err)
	got, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, ids(got))
	assert.Equal(t, int64(4), tl.Stats().Records)
}

func TestTailer_PartialLineWaitsForNewline(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()
	tl := New(l, Options{})

	line, err := span.Encode(testSpan("swarmsh.test", "p1"))
	require.NoError(t, err)

	_, err = l.AppendRaw(line[:10])
	require.NoError(t, err)
	got, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(0), tl.Cursor())

	_, err = l.AppendRaw(append(line[10:], '\n'))
	require.NoError(t, err)
	got, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids(got))
}

func TestTailer_StartEndSkipsHistory(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, testSpan("old", "old1"))
	require.NoError(t, err)

	tl := New(l, Options{Start: StartEnd})
	got, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = l.Append(ctx, testSpan("new", "new1"))
	require.NoError(t, err)
	got, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new1"}, ids(got))
}

func TestTailer_MalformedLinesAreCounted(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()
	tl := New(l, Options{})

	_, err := l.AppendRaw([]byte("{broken\n"))
	require.NoError(t, err)
	_, err = l.Append(ctx, testSpan("swarmsh.test", "ok"))
	require.NoError(t, err)

	got, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, ids(got))
	assert.Equal(t, int64(1), tl.Stats().Malformed)
}

func TestTailer_TruncationResetsCursor(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()
	tl := New(l, Options{})

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	_, err = l.Append(ctx, testSpan("a", "s2"))
	require.NoError(t, err)
	_, err = tl.Poll(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Truncate(l.Path(), 0))
	_, err = l.Append(ctx, testSpan("b", "s3"))
	require.NoError(t, err)

	got, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, ids(got))
	assert.Equal(t, int64(1), tl.Stats().Resets)
}

func TestTailer_TruncateAndRegrowBeforePollLosesNothing(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()
	tl := New(l, Options{})

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	got, err := tl.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, ids(got))

	require.NoError(t, os.Truncate(l.Path(), 0))
	for _, id := range []string{"s2", "s3", "s4"} {
		_, err := l.Append(ctx, testSpan("a", id))
		require.NoError(t, err)
	}

	got, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3", "s4"}, ids(got))
	assert.Equal(t, int64(1), tl.Stats().Resets)
	assert.Equal(t, int64(0), tl.Stats().Malformed)
}

func TestTailer_ReplacementResetsCursor(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()
	tl := New(l, Options{})

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	_, err = tl.Poll(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Rename(l.Path(), l.Path()+".1"))
	// The replacement is longer than the old file, so only identity reveals it.
	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := l.Append(ctx, testSpan("b", id))
		require.NoError(t, err)
	}

	got, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, ids(got))
	assert.GreaterOrEqual(t, tl.Stats().Resets, int64(1))
}

func TestTailer_MemoryTruncate(t *testing.T) {
	l := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer l.Close()
	ctx := context.Background()
	tl := New(l, Options{})

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	_, err = tl.Poll(ctx)
	require.NoError(t, err)

	l.Truncate()
	_, err = l.Append(ctx, testSpan("a", "s2"))
	require.NoError(t, err)

	got, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids(got))
}

func TestTailer_SeekReplays(t *testing.T) {
	l := eventlog.NewMemory(eventlog.MemoryOptions{})
	defer l.Close()
	ctx := context.Background()
	tl := New(l, Options{})

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	first, err := tl.Poll(ctx)
	require.NoError(t, err)

	tl.Seek(StartBeginning)
	second, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids(first), ids(second))
}

func TestTailer_SmallBatchesDrainInOnePoll(t *testing.T) {
	l := eventlog.NewMemory(eventlog.MemoryOptions{MaxBatch: 2})
	defer l.Close()
	ctx := context.Background()
	tl := New(l, Options{})

	for i := 0; i < 7; i++ {
		_, err := l.Append(ctx, testSpan("a", fmt.Sprintf("s%d", i)))
		require.NoError(t, err)
	}
	got, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 7)
}

// collect runs a wait/poll loop until want records were seen or the deadline hits.
func collect(t *testing.T, tl *Tailer, n Notifier, want int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []string
	for len(out) < want {
		got, err := tl.Poll(ctx)
		require.NoError(t, err)
		out = append(out, ids(got)...)
		if len(out) >= want {
			break
		}
		require.NoError(t, n.Wait(ctx))
	}
	return out
}

func TestTailer_PollingAndReactiveModesAgree(t *testing.T) {
	l := setupFileLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	polling := New(l, Options{})
	reactive := New(l, Options{})
	watched := New(l, Options{})

	fw, err := NewFileWatch(l.Path(), 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Close()

	go func() {
		for i := 0; i < 20; i++ {
			_, _ = l.Append(context.Background(), testSpan("swarmsh.test", fmt.Sprintf("s%02d", i)))
			time.Sleep(2 * time.Millisecond)
		}
	}()

	a := collect(t, polling, NewInterval(10*time.Millisecond), 20)
	b := collect(t, reactive, NewSignal(ctx, l.Broadcaster(), 50*time.Millisecond), 20)
	c := collect(t, watched, fw, 20)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}
