// Package agent runs agent definitions against the shared event log.
//
// # Runtime
//
// A Runtime owns one state machine, one tailer and one emitter. Each Step
// polls the log and, for every new span in append order:
//
//  1. drops it if the name lacks the definition's filter prefix,
//  2. ignores it if no trigger matches,
//  3. skips it if its span id was already handled (when dedupe is enabled),
//  4. asks the machine for a proposal, rejecting out-of-context spans,
//  5. runs synchronous actions, emitting a result span for each,
//  6. commits the proposed state only if those actions succeeded
//     (OnFailure, when set, is committed otherwise),
//  7. emits the handler's spans with the trigger's trace id.
//
// Asynchronous actions are handed to the runtime's own Dispatcher and do not
// gate the transition; their results arrive later as spans. The dispatcher and
// the dedupe cache belong to one runtime, so a busy agent never delays or
// evicts another's work.
//
// Run is the blocking embedding: Step, then wait on a tailer.Notifier, until
// the context is cancelled. Read failures are retried with backoff; only
// exhausting the retries ends a runtime with an error.
//
// # Manager
//
// Manager is the cooperative embedding: every registered runtime runs Run on
// its own goroutine. Runtimes share only the log.
//
//	mgr := agent.NewManager(agent.IntervalNotifiers(200*time.Millisecond), logger)
//	mgr.Register(rt)
//	mgr.Start(ctx)
//	defer mgr.Stop(5 * time.Second)
//
// # Status
//
// Status returns the state, cursor, recent transitions and per-kind counters
// (processed, filtered, unmatched, malformed, invalid_transition,
// action_failed, emission_dropped, stream_io, duplicates, resets, transitions,
// emitted) of a runtime.
package agent
