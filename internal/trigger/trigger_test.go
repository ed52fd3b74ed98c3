// ABOUTME: Tests for trigger matchers and the routing table
// ABOUTME: Covers kinds, parsing, ordering, filter rejection and immutability

package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Kinds(t *testing.T) {
	tests := []struct {
		matcher Matcher
		name    string
		want    bool
	}{
		{Matcher{Exact, "swarmsh.ping"}, "swarmsh.ping", true},
		{Matcher{Exact, "swarmsh.ping"}, "swarmsh.ping.request", false},
		{Matcher{Prefix, "swarmsh.roberts."}, "swarmsh.roberts.vote", true},
		{Matcher{Prefix, "swarmsh.roberts."}, "swarmsh.Roberts.vote", false},
		{Matcher{Contains, "vote"}, "swarmsh.roberts.call_vote", true},
		{Matcher{Contains, "vote"}, "swarmsh.roberts.VOTE", true},
		{Matcher{Contains, "vote"}, "swarmsh.roberts.open", false},
	}
	for _, tt := range tests {
		t.Run(tt.matcher.String()+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.matcher.Match(tt.name))
		})
	}
}

func TestParseMatcher(t *testing.T) {
	tests := []struct {
		in      string
		want    Matcher
		wantErr bool
	}{
		{"exact:swarmsh.ping", Matcher{Exact, "swarmsh.ping"}, false},
		{"prefix:swarmsh.roberts.", Matcher{Prefix, "swarmsh.roberts."}, false},
		{"CONTAINS:vote", Matcher{Contains, "vote"}, false},
		{"vote", Matcher{Contains, "vote"}, false},
		{"  open  ", Matcher{Contains, "open"}, false},
		{"custom:thing", Matcher{Contains, "custom:thing"}, false},
		{"exact:", Matcher{}, true},
		{"", Matcher{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMatcher(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEmptyPattern)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("prefix:") })
}

func TestRouter_FirstMatchWins(t *testing.T) {
	r, err := NewRouter("", []Rule[string]{
		{MustParse("open"), "open_motion"},
		{MustParse("vote"), "call_vote"},
		{MustParse("close"), "adjourn"},
	})
	require.NoError(t, err)

	// Contains both "open" and "vote"; the earlier rule wins.
	route, d := r.Route("swarmsh.roberts.open_vote")
	assert.Equal(t, Matched, d)
	assert.Equal(t, "open_motion", route.Handler)
	assert.Equal(t, 0, route.Index)

	route, d = r.Route("swarmsh.roberts.vote")
	assert.Equal(t, Matched, d)
	assert.Equal(t, "call_vote", route.Handler)
}

func TestRouter_FilterRejectsBeforeMatching(t *testing.T) {
	r, err := NewRouter("swarmsh.roberts.", []Rule[string]{
		{MustParse("sprint"), "would_match"},
	})
	require.NoError(t, err)

	_, d := r.Route("swarmsh.scrum.sprint")
	assert.Equal(t, Filtered, d)
	assert.False(t, r.Accepts("swarmsh.scrum.sprint"))
}

func TestRouter_NoMatch(t *testing.T) {
	r, err := NewRouter("swarmsh.roberts.", []Rule[string]{
		{MustParse("vote"), "call_vote"},
	})
	require.NoError(t, err)

	_, d := r.Route("swarmsh.roberts.quorum")
	assert.Equal(t, NoMatch, d)
	assert.Equal(t, "no_match", d.String())
}

func TestRouter_RejectsInvalidRules(t *testing.T) {
	_, err := NewRouter("", []Rule[int]{{Matcher{Kind: "regex", Pattern: "x"}, 1}})
	assert.Error(t, err)

	_, err = NewRouter("", []Rule[int]{{Matcher{Kind: Exact}, 1}})
	assert.ErrorIs(t, err, ErrEmptyPattern)
}

func TestRouter_TableIsCopied(t *testing.T) {
	rules := []Rule[string]{{MustParse("vote"), "call_vote"}}
	r, err := NewRouter("", rules)
	require.NoError(t, err)

	rules[0].Handler = "mutated"
	route, _ := r.Route("vote")
	assert.Equal(t, "call_vote", route.Handler)
}

func TestRouter_Deterministic(t *testing.T) {
	r, err := NewRouter("", []Rule[string]{
		{MustParse("prefix:swarmsh."), "any"},
		{MustParse("exact:swarmsh.ping"), "ping"},
	})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		route, _ := r.Route("swarmsh.ping")
		assert.Equal(t, "any", route.Handler)
	}
}
