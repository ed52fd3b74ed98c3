// ABOUTME: Agent definitions: states, filter prefix, triggers and handlers
// ABOUTME: Validate checks states are unique and handlers only reference declared states

package fsm

import (
	"errors"
	"fmt"
	"slices"

	"github.com/2389/coven-swarm/internal/action"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/trigger"
)

// State is a named agent state.
type State string

// Emission is a span a handler wants appended.
type Emission struct {
	Name       string
	Attributes map[string]any
}

// Result is what a handler decides.
type Result struct {
	// Next is the target state; empty means no change.
	Next State
	// OnFailure is the target when a synchronous action fails; empty means stay.
	OnFailure State
	Emit      []Emission
	Actions   []action.Request
	// Note is recorded in the transition history.
	Note string
}

// HandlerFunc decides how an agent reacts to a span. It must not have side
// effects; anything external goes in Result.Actions.
type HandlerFunc func(state State, s span.Span) Result

// Handler is a named transition function with the states it is valid from.
type Handler struct {
	Name string
	// From lists the states the handler may run in; empty means any state.
	From []State
	Fn   HandlerFunc
}

// ValidFrom reports whether the handler may run in state.
func (h Handler) ValidFrom(state State) bool {
	return len(h.From) == 0 || slices.Contains(h.From, state)
}

// Trigger binds a matcher to a handler.
type Trigger struct {
	Matcher trigger.Matcher
	Handler Handler
}

// Definition describes one kind of agent.
type Definition struct {
	Name    string
	States  []State
	Initial State
	// Filter is a span name prefix; spans without it are ignored before matching.
	Filter   string
	Triggers []Trigger
}

var (
	ErrNoStates     = errors.New("definition has no states")
	ErrUnknownState = errors.New("unknown state")
)

// InitialState returns Initial or, when unset, the first declared state.
func (d Definition) InitialState() State {
	if d.Initial != "" {
		return d.Initial
	}
	if len(d.States) > 0 {
		return d.States[0]
	}
	return ""
}

// HasState reports whether s is declared.
func (d Definition) HasState(s State) bool {
	return slices.Contains(d.States, s)
}

// Validate checks the definition is internally consistent.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("definition name is required")
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%s: %w", d.Name, ErrNoStates)
	}
	seen := make(map[State]bool, len(d.States))
	for _, s := range d.States {
		if s == "" {
			return fmt.Errorf("%s: empty state name", d.Name)
		}
		if seen[s] {
			return fmt.Errorf("%s: duplicate state %q", d.Name, s)
		}
		seen[s] = true
	}
	if !seen[d.InitialState()] {
		return fmt.Errorf("%s: initial state %q: %w", d.Name, d.Initial, ErrUnknownState)
	}
	for i, t := range d.Triggers {
		if err := t.Matcher.Validate(); err != nil {
			return fmt.Errorf("%s: trigger %d: %w", d.Name, i, err)
		}
		if t.Handler.Name == "" {
			return fmt.Errorf("%s: trigger %d: handler name is required", d.Name, i)
		}
		if t.Handler.Fn == nil {
			return fmt.Errorf("%s: handler %s has no function", d.Name, t.Handler.Name)
		}
		for _, from := range t.Handler.From {
			if !seen[from] {
				return fmt.Errorf("%s: handler %s valid from %q: %w", d.Name, t.Handler.Name, from, ErrUnknownState)
			}
		}
	}
	return nil
}

// Router builds the trigger routing table for the definition.
func (d Definition) Router() (*trigger.Router[Handler], error) {
	rules := make([]trigger.Rule[Handler], len(d.Triggers))
	for i, t := range d.Triggers {
		rules[i] = trigger.Rule[Handler]{Matcher: t.Matcher, Handler: t.Handler}
	}
	return trigger.NewRouter(d.Filter, rules)
}
