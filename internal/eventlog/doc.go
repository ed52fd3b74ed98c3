// Package eventlog implements the append-only span log that agents share.
//
// # Overview
//
// The log is the only resource agents have in common. Agents never call each
// other: they append spans and tail the log for spans appended by others.
//
// # Contract
//
//   - Append is atomic with respect to other appends. Readers never observe a
//     partially written record.
//   - ReadFrom returns only complete records in append order, starting at a
//     cursor previously returned in Batch.Next (or 0).
//   - Lines that do not decode into a well-formed span are skipped and counted
//     in Batch.Malformed; the cursor moves past them.
//   - When the backing store shrinks, ReadFrom returns ErrTruncated. When it
//     is replaced, Batch.Epoch changes. Tailers reset their cursor on either.
//
// # Backends
//
//   - FileLog: newline-delimited JSON file. Appends are serialized with a
//     mutex and an advisory flock so multiple processes can share the file.
//   - MemoryLog: bounded in-process ring buffer, for tests and single-process
//     swarms.
//   - SQLiteLog: modernc.org/sqlite table in WAL mode; span_id uniqueness is
//     enforced by the schema.
//
// Every backend publishes an append notification on its Broadcaster so that
// reactive tailers can wake up without polling.
package eventlog
