// ABOUTME: Tests specific to the JSONL file backend
// ABOUTME: Partial trailing lines, malformed lines, shrink and replacement detection

package eventlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/span"
)

func setupFileLog(t *testing.T) *FileLog {
	t.Helper()
	l, err := OpenFile(filepath.Join(t.TempDir(), "logs", "spans.jsonl"), FileOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestFileLog_PartialLineNotConsumed(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()

	partial := `{"name":"swarmsh.roberts.vote","trace_id":"t1","span_id":"s1","timestamp":1000,"attributes":{}}`
	_, err := l.AppendRaw([]byte(partial))
	require.NoError(t, err)

	b, err := l.ReadFrom(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, b.Records)
	assert.Equal(t, int64(0), b.Next, "cursor must not pass an unterminated record")

	_, err = l.AppendRaw([]byte("\n"))
	require.NoError(t, err)

	b, err = l.ReadFrom(ctx, 0)
	require.NoError(t, err)
	require.Len(t, b.Records, 1)
	assert.Equal(t, "s1", b.Records[0].Span.SpanID)
	assert.Equal(t, int64(len(partial)+1), b.Next)
}

func TestFileLog_MalformedLinesSkipped(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()

	_, err := l.AppendRaw([]byte("not json at all\n"))
	require.NoError(t, err)
	_, err = l.AppendRaw([]byte("\n"))
	require.NoError(t, err)
	_, err = l.AppendRaw([]byte(`{"name":"x","trace_id":"t"}` + "\n"))
	require.NoError(t, err)
	_, err = l.Append(ctx, testSpan("swarmsh.ok", "good"))
	require.NoError(t, err)

	b, err := l.ReadFrom(ctx, 0)
	require.NoError(t, err)
	require.Len(t, b.Records, 1)
	assert.Equal(t, "good", b.Records[0].Span.SpanID)
	assert.Equal(t, 2, b.Malformed, "blank lines are not counted as malformed")

	info, err := os.Stat(l.Path())
	require.NoError(t, err)
	assert.Equal(t, info.Size(), b.Next)
}

func TestFileLog_MaxBatch(t *testing.T) {
	l, err := OpenFile(filepath.Join(t.TempDir(), "spans.jsonl"), FileOptions{MaxBatch: 2})
	require.NoError(t, err)
	defer l.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := l.Append(ctx, testSpan("n", id))
		require.NoError(t, err)
	}

	b, err := l.ReadFrom(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, b.Records, 2)

	b, err = l.ReadFrom(ctx, b.Next)
	require.NoError(t, err)
	require.Len(t, b.Records, 1)
	assert.Equal(t, "c", b.Records[0].Span.SpanID)
}

func TestFileLog_ShrinkReturnsTruncated(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	b, err := l.ReadFrom(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, os.Truncate(l.Path(), 0))

	_, err = l.ReadFrom(ctx, b.Next)
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestFileLog_TruncateThenRegrowBumpsEpoch(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	before, err := l.ReadFrom(ctx, 0)
	require.NoError(t, err)

	// Same-length records regrow the file past the old cursor before the
	// next read, so size alone cannot reveal the truncation.
	require.NoError(t, os.Truncate(l.Path(), 0))
	for _, id := range []string{"s2", "s3", "s4"} {
		_, err := l.Append(ctx, testSpan("a", id))
		require.NoError(t, err)
	}

	after, err := l.ReadFrom(ctx, before.Next)
	require.NoError(t, err)
	assert.NotEqual(t, before.Epoch, after.Epoch)
}

func TestFileLog_CursorInsideRecordIsTruncated(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	before, err := l.ReadFrom(ctx, 0)
	require.NoError(t, err)

	// Rewritten in place by someone else with longer records.
	var content []byte
	for _, id := range []string{"s2", "s3"} {
		line, err := span.Encode(testSpan("swarmsh.a.much.longer.name", id))
		require.NoError(t, err)
		content = append(append(content, line...), '\n')
	}
	require.NoError(t, os.WriteFile(l.Path(), content, 0o644))

	_, err = l.ReadFrom(ctx, before.Next)
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestFileLog_ReplacementBumpsEpoch(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	before, err := l.ReadFrom(ctx, 0)
	require.NoError(t, err)

	// Rotate: move the file away and start a new one at the same path.
	require.NoError(t, os.Rename(l.Path(), l.Path()+".1"))
	_, err = l.Append(ctx, testSpan("b", "s2"))
	require.NoError(t, err)
	_, err = l.Append(ctx, testSpan("c", "s3"))
	require.NoError(t, err)

	after, err := l.ReadFrom(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, before.Epoch, after.Epoch)
	require.Len(t, after.Records, 2)
	assert.Equal(t, "s2", after.Records[0].Span.SpanID)
}

func TestFileLog_RemovedFileIsEmpty(t *testing.T) {
	l := setupFileLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, testSpan("a", "s1"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(l.Path()))

	_, err = l.ReadFrom(ctx, 10)
	assert.True(t, errors.Is(err, ErrTruncated))

	b, err := l.ReadFrom(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, b.Records)
}

func TestFileLog_TwoHandlesShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.jsonl")
	a, err := OpenFile(path, FileOptions{})
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenFile(path, FileOptions{})
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	_, err = a.Append(ctx, testSpan("from.a", "a1"))
	require.NoError(t, err)
	off, err := b.Append(ctx, testSpan("from.b", "b1"))
	require.NoError(t, err)
	assert.Greater(t, off, int64(0), "second writer must append after the first")

	batch, err := a.ReadFrom(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "a1", batch.Records[0].Span.SpanID)
	assert.Equal(t, "b1", batch.Records[1].Span.SpanID)
}

func TestFileLog_AppendAfterClose(t *testing.T) {
	l := setupFileLog(t)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Append(context.Background(), testSpan("a", "s1"))
	var sioe *StreamIOError
	require.True(t, errors.As(err, &sioe))
	assert.True(t, errors.Is(err, ErrClosed))
}
