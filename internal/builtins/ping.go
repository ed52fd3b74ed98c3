// ABOUTME: Ping agent: answers swarmsh.ping requests with swarmsh.ping.pong
// ABOUTME: Exact triggers keep its own pong from re-triggering it

package builtins

import (
	"github.com/2389/coven-swarm/internal/fsm"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/trigger"
)

const (
	PingIdle   fsm.State = "IDLE"
	PingPinged fsm.State = "PINGED"
)

// Ping returns the ping agent definition.
func Ping() fsm.Definition {
	return fsm.Definition{
		Name:   "ping",
		States: []fsm.State{PingIdle, PingPinged},
		Filter: "swarmsh.ping",
		Triggers: []fsm.Trigger{
			{Matcher: trigger.MustParse("exact:swarmsh.ping.request"), Handler: pingHandler()},
			{Matcher: trigger.MustParse("exact:swarmsh.ping"), Handler: pingHandler()},
		},
	}
}

func pingHandler() fsm.Handler {
	return fsm.Handler{
		Name: "ping",
		Fn: func(_ fsm.State, s span.Span) fsm.Result {
			return fsm.Result{
				Next: PingPinged,
				Emit: emit("swarmsh.ping.pong", map[string]any{
					"ping_id": s.String("ping_id", s.SpanID),
				}),
				Note: "pong",
			}
		},
	}
}
