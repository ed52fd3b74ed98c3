// ABOUTME: Immutable ordered routing table with an optional name-prefix filter
// ABOUTME: First matching rule wins; filtered and unmatched spans are reported, not errors

package trigger

import (
	"fmt"
	"strings"
)

// Decision is the outcome of routing one span name.
type Decision int

const (
	// Filtered means the name lacks the router's filter prefix.
	Filtered Decision = iota
	// NoMatch means no rule matched.
	NoMatch
	// Matched means a rule matched and Route carries its handler.
	Matched
)

func (d Decision) String() string {
	switch d {
	case Filtered:
		return "filtered"
	case NoMatch:
		return "no_match"
	case Matched:
		return "matched"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Rule binds a matcher to a handler.
type Rule[H any] struct {
	Matcher Matcher
	Handler H
}

// Route is the result of a successful match.
type Route[H any] struct {
	Index   int
	Matcher Matcher
	Handler H
}

// Router is safe for concurrent use; it never changes after construction.
type Router[H any] struct {
	filter string
	rules  []Rule[H]
}

// NewRouter validates rules and copies them into a new router. An empty
// filter accepts every name.
func NewRouter[H any](filter string, rules []Rule[H]) (*Router[H], error) {
	copied := make([]Rule[H], len(rules))
	for i, r := range rules {
		if err := r.Matcher.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		copied[i] = r
	}
	return &Router[H]{filter: filter, rules: copied}, nil
}

// Filter returns the configured prefix.
func (r *Router[H]) Filter() string {
	return r.filter
}

// Len returns the number of rules.
func (r *Router[H]) Len() int {
	return len(r.rules)
}

// Accepts reports whether name passes the filter.
func (r *Router[H]) Accepts(name string) bool {
	return r.filter == "" || strings.HasPrefix(name, r.filter)
}

// Route finds the first rule matching name.
func (r *Router[H]) Route(name string) (Route[H], Decision) {
	if !r.Accepts(name) {
		return Route[H]{}, Filtered
	}
	for i, rule := range r.rules {
		if rule.Matcher.Match(name) {
			return Route[H]{Index: i, Matcher: rule.Matcher, Handler: rule.Handler}, Matched
		}
	}
	return Route[H]{}, NoMatch
}
