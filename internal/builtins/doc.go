// Package builtins provides the built-in swarm agent definitions.
//
// # Agents
//
//	ping     IDLE -> PINGED                 swarmsh.ping(.request) -> swarmsh.ping.pong
//	roberts  IDLE -> MOTION_OPEN -> VOTING -> CLOSED
//	scrum    PLANNING -> EXECUTING -> REVIEW
//	lean     DEFINE -> MEASURE -> ANALYZE -> IMPROVE -> CONTROL
//
// The agents only talk through the log. A vote on a motion asks scrum to plan
// a sprint, a review with a defect rate above DefectRateThreshold asks lean to
// define a problem, and a validated control phase asks roberts to open a
// motion adopting the improvement.
//
// Triggers match on keywords contained in the span name (case-insensitive),
// after the agent's filter prefix. Emitted span names are chosen so that no
// agent's output matches its own triggers.
//
// # Registration
//
//	reg := packs.NewRegistry(logger)
//	builtins.RegisterAll(reg)
package builtins
