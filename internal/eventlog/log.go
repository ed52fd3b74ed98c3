// ABOUTME: Event log interface, batch types and error taxonomy
// ABOUTME: Shared by the file, memory and SQLite backends

package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-swarm/internal/span"
)

// DefaultMaxBatch bounds how many records a single ReadFrom returns.
const DefaultMaxBatch = 1024

var (
	// ErrTruncated is returned by ReadFrom when the offset lies past the end of
	// the store, which only happens after an out-of-band truncation.
	ErrTruncated = errors.New("event log truncated")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("event log closed")

	// ErrDuplicateSpan is returned when a backend detects a reused span_id.
	ErrDuplicateSpan = errors.New("duplicate span_id")
)

// StreamIOError wraps any failure to read or write the underlying store.
type StreamIOError struct {
	Op  string
	Err error
}

func (e *StreamIOError) Error() string {
	return fmt.Sprintf("event log %s: %v", e.Op, e.Err)
}

func (e *StreamIOError) Unwrap() error {
	return e.Err
}

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StreamIOError{Op: op, Err: err}
}

// Record is one complete span read from the log.
type Record struct {
	Span   span.Span
	Offset int64 // where the record begins
	Next   int64 // cursor just past the record
}

// Batch is the result of a single ReadFrom call.
type Batch struct {
	Records   []Record
	Next      int64
	Malformed int
	Dropped   int64 // records evicted before they could be read (ring backends)
	Epoch     uint64
}

// Log is the append/readFrom abstraction agents are written against.
type Log interface {
	Append(ctx context.Context, s span.Span) (int64, error)
	ReadFrom(ctx context.Context, offset int64) (Batch, error)
	Close() error
}

// Observable is implemented by logs that announce appends.
type Observable interface {
	Broadcaster() *Broadcaster
}

func normalizeMaxBatch(n int) int {
	if n <= 0 {
		return DefaultMaxBatch
	}
	return n
}
