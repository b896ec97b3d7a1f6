package connector

import (
	"sync"

	"github.com/rotisserie/eris"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// Registry maps connector names to implementations, preserving insertion
// order for deterministic iteration. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	order      []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector. Names must be unique and non-empty.
func (r *Registry) Register(c Connector) error {
	name := c.Name()
	if name == "" {
		return eris.New("connector: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[name]; ok {
		return eris.Errorf("connector: %q already registered", name)
	}
	r.connectors[name] = c
	r.order = append(r.order, name)
	return nil
}

// Get returns a connector by name.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, model.Errorf(model.NotFound, "connector %q not registered", name)
	}
	return c, nil
}

// All returns all connectors in registration order.
func (r *Registry) All() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.connectors[name])
	}
	return out
}

// Names returns all registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ForMode returns the connectors that support mode, in registration order.
func (r *Registry) ForMode(mode model.Mode) []Connector {
	var out []Connector
	for _, c := range r.All() {
		if c.Supports(mode) {
			out = append(out, c)
		}
	}
	return out
}
