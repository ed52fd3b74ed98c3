// ABOUTME: Tests for the pack registry and config hooks
// ABOUTME: Covers registration, build overrides, hook installation and templating

package packs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-swarm/internal/fsm"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/trigger"
)

func echoFactory() fsm.Definition {
	return fsm.Definition{
		Name:   "echo",
		States: []fsm.State{"IDLE", "ECHOED"},
		Filter: "swarmsh.echo.",
		Triggers: []fsm.Trigger{{
			Matcher: trigger.MustParse("exact:swarmsh.echo.request"),
			Handler: fsm.Handler{
				Name: "echo",
				Fn: func(fsm.State, span.Span) fsm.Result {
					return fsm.Result{Next: "ECHOED", Emit: []fsm.Emission{{Name: "swarmsh.echo.reply"}}}
				},
			},
		}},
	}
}

func testSpan() span.Span {
	return span.Span{
		Name:       "swarmsh.echo.request",
		TraceID:    "t1",
		SpanID:     "s1",
		Timestamp:  1000,
		Attributes: map[string]any{"motion_id": "sprint42", "count": 3.0},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Pack{Kind: "echo", Factory: echoFactory}))

	p, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", p.Kind)

	err = r.Register(Pack{Kind: "echo", Factory: echoFactory})
	assert.ErrorIs(t, err, ErrPackAlreadyRegistered)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrPackNotFound)
}

func TestRegistry_RejectsInvalidPack(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(Pack{Kind: "broken", Factory: func() fsm.Definition { return fsm.Definition{Name: "broken"} }})
	assert.ErrorIs(t, err, fsm.ErrNoStates)
	assert.Error(t, r.Register(Pack{Kind: "nil"}))
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, k := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(Pack{Kind: k, Factory: echoFactory}))
	}
	var kinds []string
	for _, p := range r.List() {
		kinds = append(kinds, p.Kind)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, kinds)
}

func TestRegistry_BuildFilterOverride(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Pack{Kind: "echo", Factory: echoFactory}))

	filter := "swarmsh."
	def, err := r.Build("echo", Customization{Filter: &filter})
	require.NoError(t, err)
	assert.Equal(t, "swarmsh.", def.Filter)

	def, err = r.Build("echo", Customization{})
	require.NoError(t, err)
	assert.Equal(t, "swarmsh.echo.", def.Filter)
}

func TestHook_ExtendsExistingHandler(t *testing.T) {
	hook := Hook{
		Handler:        "echo",
		Command:        "notify",
		Args:           []string{"${motion_id}", "--trace=${trace_id}", "${missing}"},
		OnFailure:      "IDLE",
		Emit:           "swarmsh.echo.hooked",
		EmitAttributes: map[string]string{"from": "${state}"},
	}
	def, err := hook.Apply(echoFactory())
	require.NoError(t, err)

	res := def.Triggers[0].Handler.Fn("IDLE", testSpan())
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "notify", res.Actions[0].Command)
	assert.Equal(t, []string{"sprint42", "--trace=t1", ""}, res.Actions[0].Args)
	assert.Equal(t, fsm.State("ECHOED"), res.Next)
	assert.Equal(t, fsm.State("IDLE"), res.OnFailure)
	require.Len(t, res.Emit, 2)
	assert.Equal(t, "swarmsh.echo.hooked", res.Emit[1].Name)
	assert.Equal(t, "IDLE", res.Emit[1].Attributes["from"])

	// The original definition is untouched.
	orig := echoFactory().Triggers[0].Handler.Fn("IDLE", testSpan())
	assert.Empty(t, orig.Actions)
}

func TestHook_AddsTrigger(t *testing.T) {
	hook := Hook{
		Trigger: "exact:swarmsh.echo.deploy",
		From:    []string{"ECHOED"},
		Next:    "IDLE",
		Command: "deploy",
		Async:   true,
	}
	def, err := hook.Apply(echoFactory())
	require.NoError(t, err)
	require.Len(t, def.Triggers, 2)
	require.NoError(t, def.Validate())

	h := def.Triggers[1].Handler
	assert.Equal(t, "hook:exact:swarmsh.echo.deploy", h.Name)
	assert.True(t, h.ValidFrom("ECHOED"))
	assert.False(t, h.ValidFrom("IDLE"))

	res := h.Fn("ECHOED", testSpan())
	require.Len(t, res.Actions, 1)
	assert.True(t, res.Actions[0].Async)
	assert.Equal(t, fsm.State("IDLE"), res.Next)
}

func TestHook_Errors(t *testing.T) {
	tests := []struct {
		name string
		hook Hook
	}{
		{"neither", Hook{Command: "x"}},
		{"both", Hook{Handler: "echo", Trigger: "x", Command: "x"}},
		{"no work", Hook{Handler: "echo"}},
		{"bad trigger", Hook{Trigger: "exact:", Command: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.hook.Apply(echoFactory())
			assert.Error(t, err)
		})
	}

	_, err := Hook{Handler: "ghost", Command: "x"}.Apply(echoFactory())
	assert.True(t, errors.Is(err, ErrUnknownHandler))
}

func TestRegistry_BuildValidatesHookStates(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(Pack{Kind: "echo", Factory: echoFactory}))

	tests := []struct {
		name string
		hook Hook
	}{
		{"unknown from", Hook{Trigger: "deploy", From: []string{"NOWHERE"}, Command: "x"}},
		{"unknown next", Hook{Trigger: "deploy", Next: "DOEN", Command: "x"}},
		{"unknown on_failure", Hook{Trigger: "deploy", OnFailure: "BORKEN", Command: "x"}},
		{"unknown on_failure on handler", Hook{Handler: "echo", OnFailure: "BORKEN", Command: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Build("echo", Customization{Hooks: []Hook{tt.hook}})
			assert.ErrorIs(t, err, fsm.ErrUnknownState)
		})
	}
}

func TestExpand(t *testing.T) {
	s := testSpan()
	assert.Equal(t, "plain", Expand("plain", "IDLE", s))
	assert.Equal(t, "swarmsh.echo.request/s1/IDLE", Expand("${span.name}/${span_id}/${state}", "IDLE", s))
	assert.Equal(t, "count=3", Expand("count=${count}", "IDLE", s))
}
