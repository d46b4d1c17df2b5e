// Package personas holds named system-prompt presets selectable per
// conversation via the /persona command.
package personas

import (
	"fmt"
	"sort"
	"sync"
)

// Persona is one named preset.
type Persona struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt"`
}

// Registry is a read-mostly persona collection. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]Persona
	def      string
}

// NewRegistry creates a registry with the given default persona name.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		personas: make(map[string]Persona),
		def:      defaultName,
	}
}

// Register adds a persona. Duplicate names fail eagerly.
func (r *Registry) Register(p Persona) error {
	if p.Name == "" {
		return fmt.Errorf("persona name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.personas[p.Name]; exists {
		return fmt.Errorf("persona %q already registered", p.Name)
	}
	r.personas[p.Name] = p
	return nil
}

// Get returns a persona by name.
func (r *Registry) Get(name string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[name]
	return p, ok
}

// Default returns the default persona, or false when none is configured.
func (r *Registry) Default() (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[r.def]
	return p, ok
}

// Names returns all registered persona names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.personas))
	for name := range r.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
