// ABOUTME: In-process ring buffer backend for the event log
// ABOUTME: Offsets are absolute record indexes; evicted records are reported as dropped

package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/coven-swarm/internal/span"
)

// MemoryOptions configures a MemoryLog.
type MemoryOptions struct {
	// Capacity bounds the number of retained records; <= 0 means unbounded.
	Capacity int
	MaxBatch int
	Logger   *slog.Logger
}

// MemoryLog keeps encoded lines in memory. It shares the file backend's
// semantics (malformed lines are skipped, truncation is detected) so agent
// code behaves identically on either.
type MemoryLog struct {
	mu       sync.RWMutex
	lines    [][]byte // ring storage when capacity > 0, plain slice otherwise
	capacity int
	end      int64 // absolute index of the next record
	count    int64 // records currently retained
	epoch    uint64
	closed   bool
	maxBatch int
	notify   *Broadcaster
	logger   *slog.Logger
}

// NewMemory creates an empty in-memory log.
func NewMemory(opts MemoryOptions) *MemoryLog {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &MemoryLog{
		capacity: opts.Capacity,
		maxBatch: normalizeMaxBatch(opts.MaxBatch),
		notify:   NewBroadcaster(logger),
		logger:   logger.With("component", "eventlog", "backend", "memory"),
	}
	if l.capacity > 0 {
		l.lines = make([][]byte, l.capacity)
	}
	return l
}

// Broadcaster returns the append notifier.
func (l *MemoryLog) Broadcaster() *Broadcaster {
	return l.notify
}

// Append encodes and stores s, returning its absolute index.
func (l *MemoryLog) Append(ctx context.Context, s span.Span) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	line, err := span.Encode(s)
	if err != nil {
		return 0, err
	}
	return l.AppendRaw(line)
}

// AppendRaw stores b verbatim as one record.
func (l *MemoryLog) AppendRaw(b []byte) (int64, error) {
	line := make([]byte, len(b))
	copy(line, b)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ioErr("append", ErrClosed)
	}
	offset := l.end
	if l.capacity > 0 {
		l.lines[offset%int64(l.capacity)] = line
		if l.count < int64(l.capacity) {
			l.count++
		}
	} else {
		l.lines = append(l.lines, line)
		l.count++
	}
	l.end++
	l.mu.Unlock()

	l.notify.Publish()
	return offset, nil
}

// ReadFrom returns records starting at the absolute index offset.
func (l *MemoryLog) ReadFrom(ctx context.Context, offset int64) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if offset < 0 {
		offset = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return Batch{}, ioErr("read", ErrClosed)
	}

	batch := Batch{Next: offset, Epoch: l.epoch}
	if offset > l.end {
		return batch, ErrTruncated
	}

	base := l.end - l.count
	if offset < base {
		batch.Dropped = base - offset
		offset = base
		batch.Next = offset
	}

	for i := offset; i < l.end && len(batch.Records) < l.maxBatch; i++ {
		batch.Next = i + 1
		s, err := span.Decode(l.at(i))
		if err != nil {
			batch.Malformed++
			l.logger.Debug("skipping malformed record", "offset", i, "error", err)
			continue
		}
		batch.Records = append(batch.Records, Record{Span: s, Offset: i, Next: i + 1})
	}
	return batch, nil
}

// at returns the line stored at absolute index i. Must be called with mu held.
func (l *MemoryLog) at(i int64) []byte {
	if l.capacity > 0 {
		return l.lines[i%int64(l.capacity)]
	}
	return l.lines[i]
}

// Len reports the number of retained records.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.count)
}

// Truncate discards every record, as an out-of-band rotation would. Readers
// see ErrTruncated or a new epoch and start over.
func (l *MemoryLog) Truncate() {
	l.mu.Lock()
	if l.capacity > 0 {
		l.lines = make([][]byte, l.capacity)
	} else {
		l.lines = nil
	}
	l.end = 0
	l.count = 0
	l.epoch++
	l.mu.Unlock()

	l.logger.Info("memory log truncated")
	l.notify.Publish()
}

// Close marks the log closed and wakes subscribers.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		l.notify.Close()
	}
	return nil
}
