// Package emitter appends the spans agents produce.
//
// Every emitted span gets a fresh span id and timestamp. When it is caused by
// another span it inherits that span's trace id and records it as
// parent_span_id, so a whole conversation between agents shares one trace.
//
// Appends are retried with exponential backoff up to a fixed budget. When the
// budget runs out the span is dropped and counted. Liveness of the agent wins
// over delivery of any single span.
package emitter
