// Package tailer turns the event log into a stream of new records for one agent.
//
// A Tailer owns a cursor. Poll reads from the cursor until the log has nothing
// more, advancing past every complete record it returns and every malformed
// record it skips. A trailing record without its newline is never consumed.
//
// When the log shrinks below the cursor or its backing store is replaced, the
// tailer rewinds to the beginning of the new store and counts a reset.
//
// Notifiers decide when to poll. Interval sleeps a fixed period, Signal wakes
// on in-process append notifications and FileWatch wakes on fsnotify events
// for the log file. Because notifiers never read records, every mode yields
// the same sequence.
package tailer
