// ABOUTME: Notifiers decide when a tailer polls: fixed interval, broadcaster signal, fsnotify
// ABOUTME: They never read the log themselves, so every mode observes the same records

package tailer

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/2389/coven-swarm/internal/eventlog"
)

// DefaultPollInterval matches the sleep of the original span watchers.
const DefaultPollInterval = 200 * time.Millisecond

// Notifier blocks until new data may be available or ctx is done. It is the
// single suspension point of an agent loop.
type Notifier interface {
	Wait(ctx context.Context) error
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval polls on a fixed period.
type Interval struct {
	period time.Duration
}

// NewInterval returns a periodic notifier. A zero period uses DefaultPollInterval.
func NewInterval(period time.Duration) *Interval {
	if period <= 0 {
		period = DefaultPollInterval
	}
	return &Interval{period: period}
}

// Wait sleeps for one period.
func (n *Interval) Wait(ctx context.Context) error {
	return sleep(ctx, n.period)
}

// Signal wakes on append notifications from an in-process log, with a
// fallback period in case the log is also written by other processes.
type Signal struct {
	ch       <-chan struct{}
	fallback time.Duration
}

// NewSignal subscribes to b for as long as ctx lives.
func NewSignal(ctx context.Context, b *eventlog.Broadcaster, fallback time.Duration) *Signal {
	if fallback <= 0 {
		fallback = 5 * time.Second
	}
	ch, _ := b.Subscribe(ctx)
	return &Signal{ch: ch, fallback: fallback}
}

// Wait returns on the next notification or after the fallback period.
func (n *Signal) Wait(ctx context.Context) error {
	timer := time.NewTimer(n.fallback)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-n.ch:
		if !ok {
			// Broadcaster closed: keep going on the fallback period alone.
			n.ch = nil
		}
		return nil
	case <-timer.C:
		return nil
	}
}

// FileWatch wakes when the log file is written, created, renamed or removed.
// The parent directory is watched so rotation is noticed too.
type FileWatch struct {
	path     string
	watcher  *fsnotify.Watcher
	fallback time.Duration
	logger   *slog.Logger
}

// NewFileWatch starts watching path. Callers should fall back to Interval if
// this returns an error (e.g. inotify limits, network filesystems).
func NewFileWatch(path string, fallback time.Duration, logger *slog.Logger) (*FileWatch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback <= 0 {
		fallback = 5 * time.Second
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	return &FileWatch{
		path:     abs,
		watcher:  watcher,
		fallback: fallback,
		logger:   logger.With("component", "filewatch", "path", abs),
	}, nil
}

// Wait returns on the first relevant event, coalescing any that are already queued.
func (n *FileWatch) Wait(ctx context.Context) error {
	timer := time.NewTimer(n.fallback)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return nil

		case event, ok := <-n.watcher.Events:
			if !ok {
				return sleep(ctx, n.fallback)
			}
			if !n.relevant(event) {
				continue
			}
			n.drain()
			return nil

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return sleep(ctx, n.fallback)
			}
			// Overflow and friends: poll once to resynchronize.
			n.logger.Warn("file watcher error", "error", err)
			return nil
		}
	}
}

func (n *FileWatch) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != n.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)
}

// drain discards queued events; the upcoming poll covers them all.
func (n *FileWatch) drain() {
	for {
		select {
		case _, ok := <-n.watcher.Events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close stops the watcher.
func (n *FileWatch) Close() error {
	return n.watcher.Close()
}
