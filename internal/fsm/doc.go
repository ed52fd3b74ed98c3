// Package fsm holds agent definitions and the state machine that applies them.
//
// A Definition lists an agent's states, its filter prefix and its triggers.
// Each trigger binds a matcher to a Handler. A handler declares the states it
// is valid from and a pure function that, given the current state and the
// triggering span, returns a Result: the next state (empty for no change),
// spans to emit and actions to run.
//
// Machine separates deciding from applying. Propose runs the handler without
// changing anything and rejects out-of-context spans with an
// InvalidTransitionError. Commit applies a state change after the caller has
// run the proposal's actions, so a failed action can leave the state alone.
//
// Terminal states are ordinary states. Reaching one simply means no handler
// is valid from it.
package fsm
