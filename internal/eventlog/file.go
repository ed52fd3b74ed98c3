// ABOUTME: Newline-delimited JSON file backend for the event log
// ABOUTME: Serialized appends via mutex + flock; reads return only complete lines

package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/2389/coven-swarm/internal/span"
)

// FileOptions configures a FileLog.
type FileOptions struct {
	// Sync fsyncs after every append.
	Sync bool
	// MaxBatch bounds the records returned per ReadFrom.
	MaxBatch int
	Logger   *slog.Logger
}

// FileLog is an append-only JSONL span log on the local filesystem. Several
// processes may append to the same path; each append is a single write on an
// O_APPEND descriptor while holding an exclusive advisory lock.
type FileLog struct {
	path   string
	opts   FileOptions
	logger *slog.Logger
	notify *Broadcaster

	mu     sync.Mutex // serializes appends and guards w
	w      *os.File
	closed bool

	idMu      sync.Mutex // guards identity, epoch and highWater
	identity  os.FileInfo
	epoch     uint64
	highWater int64      // largest size seen for identity
}

// OpenFile opens (or creates) the log at path.
func OpenFile(path string, opts FileOptions) (*FileLog, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.MaxBatch = normalizeMaxBatch(opts.MaxBatch)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ioErr("create directory", err)
	}

	w, err := openWriter(path)
	if err != nil {
		return nil, err
	}
	info, err := w.Stat()
	if err != nil {
		w.Close()
		return nil, ioErr("stat", err)
	}

	l := &FileLog{
		path:      path,
		opts:      opts,
		logger:    logger.With("component", "eventlog", "backend", "file"),
		notify:    NewBroadcaster(logger),
		w:         w,
		identity:  info,
		highWater: info.Size(),
	}
	l.logger.Debug("file log opened", "path", path, "size", info.Size())
	return l, nil
}

func openWriter(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, ioErr("open", err)
	}
	return f, nil
}

// Path returns the file path backing the log.
func (l *FileLog) Path() string {
	return l.path
}

// Broadcaster returns the append notifier.
func (l *FileLog) Broadcaster() *Broadcaster {
	return l.notify
}

// Append writes s as one line and returns the offset at which it begins.
func (l *FileLog) Append(ctx context.Context, s span.Span) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	line, err := span.Encode(s)
	if err != nil {
		return 0, err
	}
	return l.appendLine(append(line, '\n'))
}

// AppendRaw writes b verbatim. Collaborators use it to hand over
// pre-encoded records; tests use it to produce malformed or partial lines.
func (l *FileLog) AppendRaw(b []byte) (int64, error) {
	return l.appendLine(b)
}

func (l *FileLog) appendLine(buf []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ioErr("append", ErrClosed)
	}
	if err := l.reopenIfReplaced(); err != nil {
		return 0, err
	}

	if err := lockFile(l.w); err != nil {
		return 0, ioErr("lock", err)
	}
	if err := l.checkShrink(l.w); err != nil {
		_ = unlockFile(l.w)
		return 0, err
	}
	n, werr := l.w.Write(buf)
	end, serr := l.w.Seek(0, io.SeekCurrent)
	if uerr := unlockFile(l.w); uerr != nil {
		l.logger.Warn("failed to release log lock", "error", uerr)
	}

	if werr != nil {
		return 0, ioErr("write", werr)
	}
	if n != len(buf) {
		return 0, ioErr("write", io.ErrShortWrite)
	}
	if serr != nil {
		return 0, ioErr("seek", serr)
	}
	if l.opts.Sync {
		if err := l.w.Sync(); err != nil {
			return 0, ioErr("sync", err)
		}
	}

	l.notify.Publish()
	return end - int64(len(buf)), nil
}

// reopenIfReplaced points the writer at the current file when the path was
// rotated or removed underneath us. Must be called with mu held.
func (l *FileLog) reopenIfReplaced() error {
	current, err := os.Stat(l.path)
	if err == nil {
		held, herr := l.w.Stat()
		if herr == nil && os.SameFile(current, held) {
			return nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return ioErr("stat", err)
	}

	w, err := openWriter(l.path)
	if err != nil {
		return err
	}
	l.w.Close()
	l.w = w
	l.logger.Info("event log replaced, writer reopened", "path", l.path)
	return nil
}

// ReadFrom returns the complete records that begin at or after offset. A
// trailing line without its newline is left for a later call.
func (l *FileLog) ReadFrom(ctx context.Context, offset int64) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if offset < 0 {
		offset = 0
	}

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		// Removed out of band; the next append recreates it.
		epoch := l.currentEpoch(nil)
		if offset > 0 {
			return Batch{Next: 0, Epoch: epoch}, ErrTruncated
		}
		return Batch{Next: 0, Epoch: epoch}, nil
	}
	if err != nil {
		return Batch{}, ioErr("open", err)
	}
	defer f.Close()

	info, epoch, err := l.observe(f)
	if err != nil {
		return Batch{}, err
	}
	size := info.Size()

	batch := Batch{Next: offset, Epoch: epoch}
	if offset > size {
		return batch, ErrTruncated
	}
	if offset > 0 {
		// A cursor always sits just past a newline. Anything else means the
		// file was cut and regrew past the cursor between two reads.
		var prev [1]byte
		if _, err := f.ReadAt(prev[:], offset-1); err != nil {
			return Batch{}, ioErr("read", err)
		}
		if prev[0] != '\n' {
			return batch, ErrTruncated
		}
	}
	if offset == size {
		return batch, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return Batch{}, ioErr("seek", err)
	}

	r := bufio.NewReaderSize(io.LimitReader(f, size-offset), 64*1024)
	pos := offset
	for len(batch.Records) < l.opts.MaxBatch {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Incomplete trailing record (or nothing): do not consume it.
			break
		}
		if err != nil {
			return Batch{}, ioErr("read", err)
		}

		start := pos
		pos += int64(len(line))
		batch.Next = pos

		body := bytes.TrimSpace(line)
		if len(body) == 0 {
			continue
		}
		s, derr := span.Decode(body)
		if derr != nil {
			batch.Malformed++
			l.logger.Debug("skipping malformed record", "offset", start, "error", derr)
			continue
		}
		batch.Records = append(batch.Records, Record{Span: s, Offset: start, Next: pos})
	}

	return batch, nil
}

// observe stats f and returns the current epoch. The stat happens under idMu
// so sizes are recorded in the order they were seen, which makes any decrease
// a real shrink.
func (l *FileLog) observe(f *os.File) (os.FileInfo, uint64, error) {
	l.idMu.Lock()
	defer l.idMu.Unlock()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, ioErr("stat", err)
	}
	l.trackLocked(info)
	return info, l.epoch, nil
}

// checkShrink is called with the file lock held, before a write. Cooperating
// writers only grow the file, so a size below the high-water mark means it
// was truncated out of band.
func (l *FileLog) checkShrink(w *os.File) error {
	l.idMu.Lock()
	defer l.idMu.Unlock()

	info, err := w.Stat()
	if err != nil {
		return ioErr("stat", err)
	}
	if l.identity != nil && os.SameFile(l.identity, info) {
		l.trackLocked(info)
	}
	return nil
}

// currentEpoch bumps the epoch when the file at path is no longer the one we
// saw last. A nil info means the file is gone.
func (l *FileLog) currentEpoch(info os.FileInfo) uint64 {
	l.idMu.Lock()
	defer l.idMu.Unlock()

	l.trackLocked(info)
	return l.epoch
}

// trackLocked bumps the epoch on replacement, removal or shrink. Must be
// called with idMu held.
func (l *FileLog) trackLocked(info os.FileInfo) {
	switch {
	case info == nil:
		if l.identity != nil {
			l.identity = nil
			l.epoch++
		}
		l.highWater = 0
	case l.identity == nil:
		l.identity = info
		l.highWater = info.Size()
	case !os.SameFile(l.identity, info):
		l.identity = info
		l.highWater = info.Size()
		l.epoch++
		l.logger.Info("event log replacement detected", "path", l.path, "epoch", l.epoch)
	default:
		if info.Size() < l.highWater {
			l.epoch++
			l.logger.Info("event log shrink detected",
				"path", l.path, "size", info.Size(), "previous", l.highWater, "epoch", l.epoch)
		}
		l.highWater = info.Size()
	}
}

// Close releases the writer and wakes any subscribers.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.notify.Close()
	if err := l.w.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}
