// ABOUTME: State machine that proposes handler results and commits state changes
// ABOUTME: Out-of-context spans are rejected with InvalidTransitionError; state is untouched

package fsm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-swarm/internal/span"
)

const defaultHistory = 64

// InvalidTransitionError reports a handler invoked outside its valid states.
type InvalidTransitionError struct {
	Agent   string
	Handler string
	State   State
	Allowed []State
	SpanID  string
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("%s: handler %s not valid in state %s (valid from %s), span %s",
		e.Agent, e.Handler, e.State, strings.Join(allowed, ","), e.SpanID)
}

// HandlerError wraps a handler that panicked or returned an undeclared state.
type HandlerError struct {
	Agent   string
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: handler %s: %v", e.Agent, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Proposal is a handler result that has not been applied yet.
type Proposal struct {
	Handler string
	From    State
	SpanID  string
	TraceID string
	Result  Result
}

// Changes reports whether committing the proposal moves the machine.
func (p Proposal) Changes() bool {
	return p.Result.Next != "" && p.Result.Next != p.From
}

// Transition is one committed state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Machine tracks one agent's current state.
type Machine struct {
	def Definition

	mu         sync.RWMutex
	state      State
	history    []Transition
	maxHistory int
}

// NewMachine validates def and starts in its initial state.
func NewMachine(def Definition) (*Machine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		def:        def,
		state:      def.InitialState(),
		maxHistory: defaultHistory,
	}, nil
}

// Definition returns the machine's definition.
func (m *Machine) Definition() Definition {
	return m.def
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Propose runs h against the current state without changing it.
func (m *Machine) Propose(h Handler, s span.Span) (p Proposal, err error) {
	current := m.State()
	if !h.ValidFrom(current) {
		return Proposal{}, &InvalidTransitionError{
			Agent:   m.def.Name,
			Handler: h.Name,
			State:   current,
			Allowed: h.From,
			SpanID:  s.SpanID,
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p = Proposal{}
			err = &HandlerError{Agent: m.def.Name, Handler: h.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	res := h.Fn(current, s)

	for _, target := range []State{res.Next, res.OnFailure} {
		if target != "" && !m.def.HasState(target) {
			return Proposal{}, &HandlerError{
				Agent:   m.def.Name,
				Handler: h.Name,
				Err:     fmt.Errorf("target %q: %w", target, ErrUnknownState),
			}
		}
	}

	return Proposal{
		Handler: h.Name,
		From:    current,
		SpanID:  s.SpanID,
		TraceID: s.TraceID,
		Result:  res,
	}, nil
}

// Commit moves the machine to next. It returns the previous state and
// whether anything changed; committing the current state is a no-op.
func (m *Machine) Commit(next State, reason string) (State, bool, error) {
	if !m.def.HasState(next) {
		return "", false, fmt.Errorf("%s: commit %q: %w", m.def.Name, next, ErrUnknownState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	if prev == next {
		return prev, false, nil
	}
	m.state = next
	m.history = append(m.history, Transition{From: prev, To: next, Reason: reason, At: time.Now()})
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	return prev, true, nil
}

// History returns the most recent transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.history...)
}
