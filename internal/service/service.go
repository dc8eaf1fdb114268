// Package service builds the configured lookup services and selects which
// of them apply to a request.
package service

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/resolver"
)

// Factory builds a service instance from its configuration.
type Factory func(def model.ServiceDef) (resolver.Service, error)

// Factories maps service type names (the "type" key in services.yaml) to
// constructors.
type Factories struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactories creates an empty factory registry.
func NewFactories() *Factories {
	return &Factories{factories: make(map[string]Factory)}
}

// RegisterFactory adds or replaces the constructor for typ.
func (f *Factories) RegisterFactory(typ string, fn Factory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factories[typ] = fn
}

// Build instantiates def with the factory registered for its type.
func (f *Factories) Build(def model.ServiceDef) (resolver.Service, error) {
	f.mu.RLock()
	fn, ok := f.factories[def.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, eris.Errorf("service: unknown type %q for %s", def.Type, def.ID)
	}
	svc, err := fn(def)
	if err != nil {
		return nil, eris.Wrapf(err, "service: build %s", def.ID)
	}
	return svc, nil
}

// Types returns the registered type names, sorted.
func (f *Factories) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.factories))
	for t := range f.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
