package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relationaldba/provisiond/internal/ir"
)

// DefaultProvider is used for environments that do not name one.
const DefaultProvider = "aws"

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Open returns the Infrastructure for env using the provider it names.
func (r *Registry) Open(ctx context.Context, env *ir.Environment) (Infrastructure, error) {
	name := env.Provider
	if name == "" {
		name = DefaultProvider
	}

	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	infra, err := f(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("failed to open provider %s for environment %d: %w", name, env.ID, err)
	}
	return infra, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
