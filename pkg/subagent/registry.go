// Package subagent exposes configured agent definitions as callable
// tools. A call spawns a nested agent session that shares the caller's
// origin trace, runs its own full loop, and hands back its final
// report; its accounting and session tree are merged into the parent.
package subagent

import (
	"fmt"
	"regexp"
	"sync"
)

// Definition describes one delegatable agent.
type Definition struct {
	Name         string `json:"name" mapstructure:"name"`
	Description  string `json:"description" mapstructure:"description"`
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
	// MaxTurns overrides the parent's turn budget for this agent when
	// positive.
	MaxTurns int `json:"max_turns" mapstructure:"max_turns"`
}

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Registry holds the delegatable agent definitions in declaration
// order.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Add registers a definition. Names must be lowercase identifiers and
// unique.
func (r *Registry) Add(def Definition) error {
	if !nameRe.MatchString(def.Name) {
		return fmt.Errorf("invalid sub-agent name %q", def.Name)
	}
	if def.Description == "" {
		return fmt.Errorf("sub-agent %s needs a description", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("sub-agent %s declared twice", def.Name)
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Get looks a definition up by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns the definitions in declaration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}
