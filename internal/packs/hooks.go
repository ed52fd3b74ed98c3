// ABOUTME: Config-driven hooks that attach actions and emissions to agent definitions
// ABOUTME: Arguments are templated with ${attr} references to the triggering span

package packs

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-swarm/internal/action"
	"github.com/2389/coven-swarm/internal/fsm"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/trigger"
)

// ErrUnknownHandler is returned when a hook names a handler the definition lacks.
var ErrUnknownHandler = errors.New("unknown handler")

// Hook extends a definition. With Handler set it adds its action (and
// emission) to every result of that existing handler. With Trigger set it adds
// a new trigger, after the built-in ones, whose handler runs the action.
type Hook struct {
	Handler string
	Trigger string
	// Name of the new handler; defaults to "hook:" + Trigger.
	Name string
	From []string
	Next string
	// OnFailure is the state to move to when the synchronous action fails.
	OnFailure string

	Command  string
	Args     []string
	Async    bool
	Timeout  time.Duration
	ReportAs string

	// Emit names a span to emit (after a successful action, if any).
	Emit           string
	EmitAttributes map[string]string
}

func (h Hook) request(state fsm.State, s span.Span) []action.Request {
	if h.Command == "" {
		return nil
	}
	args := make([]string, len(h.Args))
	for i, a := range h.Args {
		args[i] = Expand(a, state, s)
	}
	return []action.Request{{
		Command:  Expand(h.Command, state, s),
		Args:     args,
		Async:    h.Async,
		Timeout:  h.Timeout,
		ReportAs: h.ReportAs,
	}}
}

func (h Hook) emission(state fsm.State, s span.Span) []fsm.Emission {
	if h.Emit == "" {
		return nil
	}
	attrs := make(map[string]any, len(h.EmitAttributes))
	for k, v := range h.EmitAttributes {
		attrs[k] = Expand(v, state, s)
	}
	return []fsm.Emission{{Name: h.Emit, Attributes: attrs}}
}

// Apply returns def with the hook installed.
func (h Hook) Apply(def fsm.Definition) (fsm.Definition, error) {
	switch {
	case h.Handler != "" && h.Trigger != "":
		return def, errors.New("hook sets both handler and trigger")
	case h.Handler == "" && h.Trigger == "":
		return def, errors.New("hook needs a handler or a trigger")
	case h.Command == "" && h.Emit == "":
		return def, errors.New("hook needs a command or an emit")
	}
	for _, target := range []string{h.Next, h.OnFailure} {
		if target != "" && !def.HasState(fsm.State(target)) {
			return def, fmt.Errorf("hook target %q: %w", target, fsm.ErrUnknownState)
		}
	}

	triggers := slices.Clone(def.Triggers)
	def.Triggers = triggers

	if h.Handler != "" {
		found := false
		for i := range triggers {
			if triggers[i].Handler.Name != h.Handler {
				continue
			}
			found = true
			inner := triggers[i].Handler.Fn
			triggers[i].Handler.Fn = func(state fsm.State, s span.Span) fsm.Result {
				res := inner(state, s)
				res.Actions = append(slices.Clone(res.Actions), h.request(state, s)...)
				res.Emit = append(slices.Clone(res.Emit), h.emission(state, s)...)
				if h.OnFailure != "" {
					res.OnFailure = fsm.State(h.OnFailure)
				}
				return res
			}
		}
		if !found {
			return def, fmt.Errorf("%w: %s", ErrUnknownHandler, h.Handler)
		}
		return def, nil
	}

	m, err := trigger.ParseMatcher(h.Trigger)
	if err != nil {
		return def, err
	}
	name := h.Name
	if name == "" {
		name = "hook:" + h.Trigger
	}
	from := make([]fsm.State, len(h.From))
	for i, f := range h.From {
		from[i] = fsm.State(f)
	}
	def.Triggers = append(triggers, fsm.Trigger{
		Matcher: m,
		Handler: fsm.Handler{
			Name: name,
			From: from,
			Fn: func(state fsm.State, s span.Span) fsm.Result {
				return fsm.Result{
					Next:      fsm.State(h.Next),
					OnFailure: fsm.State(h.OnFailure),
					Actions:   h.request(state, s),
					Emit:      h.emission(state, s),
					Note:      "hook " + name,
				}
			},
		},
	})
	return def, nil
}

// Expand replaces ${name} references. Besides span attributes it knows
// span.name, span_id, trace_id and state. Unknown references expand to "".
func Expand(tmpl string, state fsm.State, s span.Span) string {
	if !strings.Contains(tmpl, "${") {
		return tmpl
	}
	return os.Expand(tmpl, func(key string) string {
		switch key {
		case "span.name":
			return s.Name
		case "span_id":
			return s.SpanID
		case "trace_id":
			return s.TraceID
		case "state":
			return string(state)
		}
		return s.String(key, "")
	})
}
