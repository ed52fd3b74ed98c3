// Package packs is the registry of agent kinds.
//
// A Pack names a factory for an fsm.Definition. The built-in swarm agents
// (see internal/builtins) register themselves here and the configuration
// refers to them by kind.
//
// Build applies per-instance customization: a replacement filter prefix and
// hooks. A hook either extends an existing handler with an action and an
// emission, or adds a new trigger of its own:
//
//	agents:
//	  - kind: roberts
//	    hooks:
//	      - handler: call_vote
//	        command: ./scripts/notify.sh
//	        args: ["${motion_id}", "${trace_id}"]
//	      - trigger: "exact:swarmsh.roberts.quorum"
//	        emit: swarmsh.roberts.quorum_checked
//
// Hook arguments are templated with ${name}: span attributes plus span.name,
// span_id, trace_id and state. Templating happens when the handler runs, so
// actions always see the triggering span.
package packs
