// ABOUTME: Span name matchers (exact, prefix, contains) and their config syntax
// ABOUTME: "kind:pattern" strings parse into matchers; a bare word means contains

package trigger

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects how a Matcher compares names.
type Kind string

const (
	Exact    Kind = "exact"
	Prefix   Kind = "prefix"
	Contains Kind = "contains"
)

// ErrEmptyPattern is returned for matchers with nothing to match.
var ErrEmptyPattern = errors.New("empty trigger pattern")

// Matcher tests a span name.
type Matcher struct {
	Kind    Kind
	Pattern string
}

// Validate checks the kind and pattern.
func (m Matcher) Validate() error {
	if m.Pattern == "" {
		return ErrEmptyPattern
	}
	switch m.Kind {
	case Exact, Prefix, Contains:
		return nil
	default:
		return fmt.Errorf("unknown trigger kind %q", m.Kind)
	}
}

// Match reports whether name satisfies the matcher.
func (m Matcher) Match(name string) bool {
	switch m.Kind {
	case Exact:
		return name == m.Pattern
	case Prefix:
		return strings.HasPrefix(name, m.Pattern)
	case Contains:
		return strings.Contains(strings.ToLower(name), strings.ToLower(m.Pattern))
	}
	return false
}

// String renders the matcher in the syntax ParseMatcher accepts.
func (m Matcher) String() string {
	return string(m.Kind) + ":" + m.Pattern
}

// ParseMatcher parses "exact:x", "prefix:x" or "contains:x". Anything without
// a known kind prefix is a contains matcher on the whole string.
func ParseMatcher(s string) (Matcher, error) {
	s = strings.TrimSpace(s)
	m := Matcher{Kind: Contains, Pattern: s}
	if kind, pattern, ok := strings.Cut(s, ":"); ok {
		switch k := Kind(strings.ToLower(kind)); k {
		case Exact, Prefix, Contains:
			m = Matcher{Kind: k, Pattern: pattern}
		}
	}
	if err := m.Validate(); err != nil {
		return Matcher{}, fmt.Errorf("parsing trigger %q: %w", s, err)
	}
	return m, nil
}

// MustParse is ParseMatcher for static tables; it panics on error.
func MustParse(s string) Matcher {
	m, err := ParseMatcher(s)
	if err != nil {
		panic(err)
	}
	return m
}
