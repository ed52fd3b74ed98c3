// ABOUTME: Thread-safe registry of agent definition packs keyed by kind
// ABOUTME: Builds definitions with config overrides: filter prefix and hooks

package packs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-swarm/internal/fsm"
)

// ErrPackAlreadyRegistered indicates a pack with the same kind is already registered.
var ErrPackAlreadyRegistered = errors.New("pack already registered")

// ErrPackNotFound indicates the requested kind is unknown.
var ErrPackNotFound = errors.New("pack not found")

// Factory returns a fresh definition. Definitions carry handler closures, so
// every agent instance gets its own.
type Factory func() fsm.Definition

// Pack is a named agent definition.
type Pack struct {
	Kind        string
	Description string
	Factory     Factory
}

// Customization adjusts a pack's definition for one agent instance.
type Customization struct {
	// Filter replaces the definition's filter prefix when non-nil.
	Filter *string
	Hooks  []Hook
}

// Registry maps kinds to packs.
type Registry struct {
	mu     sync.RWMutex
	packs  map[string]*Pack
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		packs:  make(map[string]*Pack),
		logger: logger.With("component", "packs"),
	}
}

// Register adds a pack. The factory's definition is validated up front so a
// broken pack fails at startup rather than when an agent is built.
func (r *Registry) Register(p Pack) error {
	if p.Kind == "" || p.Factory == nil {
		return errors.New("pack kind and factory are required")
	}
	if err := p.Factory().Validate(); err != nil {
		return fmt.Errorf("pack %s: %w", p.Kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.packs[p.Kind]; exists {
		return fmt.Errorf("%w: %s", ErrPackAlreadyRegistered, p.Kind)
	}
	r.packs[p.Kind] = &p
	r.logger.Debug("pack registered", "kind", p.Kind)
	return nil
}

// Get returns the pack for kind.
func (r *Registry) Get(kind string) (Pack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.packs[kind]
	if !ok {
		return Pack{}, fmt.Errorf("%w: %s", ErrPackNotFound, kind)
	}
	return *p, nil
}

// List returns every pack sorted by kind.
func (r *Registry) List() []Pack {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Pack, 0, len(r.packs))
	for _, p := range r.packs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Build creates a definition of kind with c applied and validated.
func (r *Registry) Build(kind string, c Customization) (fsm.Definition, error) {
	p, err := r.Get(kind)
	if err != nil {
		return fsm.Definition{}, err
	}
	def := p.Factory()
	if c.Filter != nil {
		def.Filter = *c.Filter
	}
	for i, h := range c.Hooks {
		if def, err = h.Apply(def); err != nil {
			return fsm.Definition{}, fmt.Errorf("%s hook %d: %w", kind, i, err)
		}
	}
	if err := def.Validate(); err != nil {
		return fsm.Definition{}, err
	}
	return def, nil
}
