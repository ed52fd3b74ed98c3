// ABOUTME: Registers the built-in swarm agent definitions with a pack registry
// ABOUTME: Kinds: ping, roberts, scrum, lean

package builtins

import (
	"github.com/2389/coven-swarm/internal/fsm"
	"github.com/2389/coven-swarm/internal/packs"
)

// Packs returns the built-in agent packs.
func Packs() []packs.Pack {
	return []packs.Pack{
		{Kind: "ping", Description: "Replies to ping requests with a pong", Factory: Ping},
		{Kind: "roberts", Description: "Runs motions through Robert's Rules of Order", Factory: Roberts},
		{Kind: "scrum", Description: "Tracks a sprint from planning to review", Factory: Scrum},
		{Kind: "lean", Description: "Walks a Lean Six Sigma DMAIC cycle", Factory: Lean},
	}
}

// RegisterAll registers every built-in pack.
func RegisterAll(r *packs.Registry) error {
	for _, p := range Packs() {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func emit(name string, attrs map[string]any) []fsm.Emission {
	return []fsm.Emission{{Name: name, Attributes: attrs}}
}
