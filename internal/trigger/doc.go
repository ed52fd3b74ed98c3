// Package trigger maps span names to handlers.
//
// A Router holds an agent's optional filter prefix and an ordered table of
// rules. Spans whose name lacks the filter prefix are rejected before any
// matcher is consulted. Otherwise rules are tried in declaration order and the
// first match wins. No match is a normal outcome: the span is ignored.
//
// Matchers come in three kinds. Exact and Prefix compare case-sensitively.
// Contains is case-insensitive, so "vote" matches "swarmsh.roberts.Vote".
package trigger
