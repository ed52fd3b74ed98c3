// ABOUTME: Per-agent cursor over the event log that yields only new complete records
// ABOUTME: Resets to the beginning when the log is truncated or replaced

package tailer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/coven-swarm/internal/eventlog"
)

const (
	// StartBeginning replays the whole log.
	StartBeginning int64 = 0
	// StartEnd skips everything already in the log when the tailer starts.
	StartEnd int64 = -1

	defaultMaxRounds = 64
)

// Options configures a Tailer.
type Options struct {
	// Start is the initial cursor: StartBeginning, StartEnd or an explicit offset.
	Start int64
	// MaxRounds bounds how many ReadFrom calls a single Poll makes.
	MaxRounds int
	Logger    *slog.Logger
}

// Stats are cumulative counters for a tailer.
type Stats struct {
	Records   int64
	Malformed int64
	Dropped   int64
	Resets    int64
}

// Tailer owns the cursor for one (agent, log) pair. It is not shared between
// agents; the mutex only protects Cursor/Stats readers such as status pages.
type Tailer struct {
	log       eventlog.Log
	maxRounds int
	logger    *slog.Logger

	mu        sync.Mutex
	cursor    int64
	seekEnd   bool
	epoch     uint64
	haveEpoch bool
	stats     Stats
}

// New creates a tailer positioned at opts.Start.
func New(log eventlog.Log, opts Options) *Tailer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	t := &Tailer{
		log:       log,
		maxRounds: maxRounds,
		logger:    logger.With("component", "tailer"),
	}
	if opts.Start == StartEnd {
		t.seekEnd = true
	} else if opts.Start > 0 {
		t.cursor = opts.Start
	}
	return t
}

// Poll returns every complete record appended since the last call, in append
// order. The cursor only moves past records that were returned or skipped as
// malformed. When Poll returns an error, the records it also returns were
// consumed and must still be processed.
func (t *Tailer) Poll(ctx context.Context) ([]eventlog.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seekEnd {
		if err := t.skipToEnd(ctx); err != nil {
			return nil, err
		}
		t.seekEnd = false
	}

	var out []eventlog.Record
	for round := 0; round < t.maxRounds; round++ {
		batch, err := t.log.ReadFrom(ctx, t.cursor)
		if errors.Is(err, eventlog.ErrTruncated) {
			t.reset(batch.Epoch, "truncated")
			continue
		}
		if err != nil {
			return out, err
		}
		if t.haveEpoch && batch.Epoch != t.epoch {
			t.reset(batch.Epoch, "replaced")
			continue
		}
		t.epoch, t.haveEpoch = batch.Epoch, true

		t.stats.Records += int64(len(batch.Records))
		t.stats.Malformed += int64(batch.Malformed)
		t.stats.Dropped += batch.Dropped
		if batch.Malformed > 0 {
			t.logger.Warn("skipped malformed records", "count", batch.Malformed, "cursor", t.cursor)
		}
		if batch.Dropped > 0 {
			t.logger.Warn("records evicted before they were read", "count", batch.Dropped)
		}

		out = append(out, batch.Records...)
		if batch.Next == t.cursor {
			break
		}
		t.cursor = batch.Next
	}
	return out, nil
}

// skipToEnd moves the cursor past every record currently in the log.
// Must be called with mu held.
func (t *Tailer) skipToEnd(ctx context.Context) error {
	for {
		batch, err := t.log.ReadFrom(ctx, t.cursor)
		if errors.Is(err, eventlog.ErrTruncated) {
			t.cursor = 0
			continue
		}
		if err != nil {
			return err
		}
		t.epoch, t.haveEpoch = batch.Epoch, true
		if batch.Next == t.cursor {
			return nil
		}
		t.cursor = batch.Next
	}
}

// reset rewinds to the beginning of the (new) store. Must be called with mu held.
func (t *Tailer) reset(epoch uint64, reason string) {
	t.logger.Warn("event log reset detected, rewinding cursor",
		"reason", reason, "old_cursor", t.cursor)
	t.cursor = 0
	t.epoch, t.haveEpoch = epoch, true
	t.stats.Resets++
}

// Cursor returns the current offset.
func (t *Tailer) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Seek moves the cursor to an explicit offset, e.g. to replay from the start.
func (t *Tailer) Seek(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seekEnd = offset == StartEnd
	if offset < 0 {
		offset = 0
	}
	t.cursor = offset
}

// Stats returns a snapshot of the counters.
func (t *Tailer) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
