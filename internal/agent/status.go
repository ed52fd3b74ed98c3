// ABOUTME: Per-agent counters by diagnostic kind and the status snapshot built from them
// ABOUTME: Tailer and emitter counters are folded in so one snapshot covers the pipeline

package agent

import (
	"sync"
	"time"

	"github.com/2389/coven-swarm/internal/fsm"
)

// Counter names a diagnostic kind.
type Counter string

const (
	CounterProcessed         Counter = "processed"
	CounterFiltered          Counter = "filtered"
	CounterUnmatched         Counter = "unmatched"
	CounterMalformed         Counter = "malformed"
	CounterInvalidTransition Counter = "invalid_transition"
	CounterHandlerError      Counter = "handler_error"
	CounterActionFailed      Counter = "action_failed"
	CounterEmissionDropped   Counter = "emission_dropped"
	CounterStreamIO          Counter = "stream_io"
	CounterDuplicates        Counter = "duplicates"
	CounterResets            Counter = "resets"
	CounterEvicted           Counter = "evicted"
	CounterTransitions       Counter = "transitions"
	CounterEmitted           Counter = "emitted"
)

type counters struct {
	mu sync.Mutex
	m  map[Counter]int64
}

func newCounters() *counters {
	return &counters{m: make(map[Counter]int64)}
}

func (c *counters) inc(k Counter) {
	c.mu.Lock()
	c.m[k]++
	c.mu.Unlock()
}

func (c *counters) snapshot() map[Counter]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Counter]int64, len(c.m)+6)
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// Status is a point-in-time view of one runtime.
type Status struct {
	Name      string            `json:"name"`
	Kind      string            `json:"kind"`
	State     fsm.State         `json:"state"`
	Running   bool              `json:"running"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	Cursor    int64             `json:"cursor"`
	Counters  map[Counter]int64 `json:"counters"`
	History   []fsm.Transition  `json:"history"`
}

// Status returns a snapshot; safe to call while the runtime is running.
func (r *Runtime) Status() Status {
	counts := r.counters.snapshot()
	ts := r.tail.Stats()
	counts[CounterMalformed] = ts.Malformed
	counts[CounterResets] = ts.Resets
	counts[CounterEvicted] = ts.Dropped
	counts[CounterEmitted] = r.emit.Emitted()
	counts[CounterEmissionDropped] = r.emit.Dropped()

	st := Status{
		Name:     r.name,
		Kind:     r.def.Name,
		State:    r.machine.State(),
		Cursor:   r.tail.Cursor(),
		Counters: counts,
		History:  r.machine.History(),
	}

	r.runMu.Lock()
	st.Running = r.running
	if !r.startedAt.IsZero() {
		started := r.startedAt
		st.StartedAt = &started
	}
	r.runMu.Unlock()
	return st
}

// Count returns a single counter from the current snapshot.
func (r *Runtime) Count(k Counter) int64 {
	return r.Status().Counters[k]
}
