// ABOUTME: SQLite backend for the event log using modernc.org/sqlite
// ABOUTME: Rows keyed by an autoincrement sequence; span_id uniqueness enforced by schema

package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-swarm/internal/span"
)

// SQLiteOptions configures a SQLiteLog.
type SQLiteOptions struct {
	MaxBatch int
	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration
	Logger      *slog.Logger
}

// SQLiteLog stores spans in a single table. Offsets are row sequence numbers,
// so a cursor never points into the middle of a record.
type SQLiteLog struct {
	db       *sql.DB
	path     string
	maxBatch int
	notify   *Broadcaster
	logger   *slog.Logger
}

// OpenSQLite opens (or creates) a SQLite event log at path. Use ":memory:"
// for an ephemeral log.
func OpenSQLite(path string, opts SQLiteOptions) (*SQLiteLog, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ioErr("create directory", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	busy := opts.BusyTimeout.Milliseconds()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busy)
	if path == ":memory:" {
		dsn = fmt.Sprintf(":memory:?_pragma=busy_timeout(%d)", busy)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ioErr("open", err)
	}
	if path == ":memory:" {
		// Every new connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ioErr("open", err)
	}

	l := &SQLiteLog{
		db:       db,
		path:     path,
		maxBatch: normalizeMaxBatch(opts.MaxBatch),
		notify:   NewBroadcaster(logger),
		logger:   logger.With("component", "eventlog", "backend", "sqlite"),
	}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, ioErr("create schema", err)
	}

	l.logger.Info("SQLite event log initialized", "path", path)
	return l, nil
}

func (l *SQLiteLog) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS spans (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			span_id     TEXT NOT NULL UNIQUE,
			trace_id    TEXT NOT NULL,
			name        TEXT NOT NULL,
			line        TEXT NOT NULL,
			appended_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id);

		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	_, err := l.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('log_id', ?)`, uuid.NewString())
	return err
}

// Broadcaster returns the append notifier.
func (l *SQLiteLog) Broadcaster() *Broadcaster {
	return l.notify
}

// Append inserts s and returns its sequence number.
func (l *SQLiteLog) Append(ctx context.Context, s span.Span) (int64, error) {
	line, err := span.Encode(s)
	if err != nil {
		return 0, err
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO spans (span_id, trace_id, name, line, appended_at) VALUES (?, ?, ?, ?, ?)`,
		s.SpanID, s.TraceID, s.Name, string(line), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("appending span %s: %w", s.SpanID, ErrDuplicateSpan)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, ioErr("append", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, ioErr("append", err)
	}

	l.notify.Publish()
	return seq, nil
}

// ReadFrom returns rows whose sequence is >= offset.
func (l *SQLiteLog) ReadFrom(ctx context.Context, offset int64) (Batch, error) {
	if offset < 1 {
		offset = 1
	}

	epoch, highest, err := l.position(ctx)
	if err != nil {
		return Batch{}, err
	}
	batch := Batch{Next: offset, Epoch: epoch}
	if offset > highest+1 {
		return batch, ErrTruncated
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, line FROM spans WHERE seq >= ? ORDER BY seq ASC LIMIT ?`,
		offset, l.maxBatch)
	if err != nil {
		return Batch{}, ioErr("read", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var line string
		if err := rows.Scan(&seq, &line); err != nil {
			return Batch{}, ioErr("read", err)
		}
		batch.Next = seq + 1
		s, derr := span.Decode([]byte(line))
		if derr != nil {
			batch.Malformed++
			l.logger.Debug("skipping malformed record", "seq", seq, "error", derr)
			continue
		}
		batch.Records = append(batch.Records, Record{Span: s, Offset: seq, Next: seq + 1})
	}
	if err := rows.Err(); err != nil {
		return Batch{}, ioErr("read", err)
	}
	return batch, nil
}

// position returns the store epoch (derived from the log id) and the highest
// sequence ever assigned.
func (l *SQLiteLog) position(ctx context.Context) (uint64, int64, error) {
	var logID string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'log_id'`).Scan(&logID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ioErr("read meta", err)
	}

	var highest int64
	err = l.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'spans'), 0)`).Scan(&highest)
	if err != nil {
		return 0, 0, ioErr("read sequence", err)
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(logID))
	return h.Sum64(), highest, nil
}

// Count returns the number of stored spans.
func (l *SQLiteLog) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spans`).Scan(&n); err != nil {
		return 0, ioErr("count", err)
	}
	return n, nil
}

// ListByTrace returns every span of a trace in append order.
func (l *SQLiteLog) ListByTrace(ctx context.Context, traceID string) ([]span.Span, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT line FROM spans WHERE trace_id = ? ORDER BY seq ASC`, traceID)
	if err != nil {
		return nil, ioErr("list trace", err)
	}
	defer rows.Close()

	var out []span.Span
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, ioErr("list trace", err)
		}
		s, err := span.Decode([]byte(line))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *SQLiteLog) Close() error {
	l.notify.Close()
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("closing SQLite event log: %w", err)
	}
	return nil
}
