package ai

import (
	"fmt"
	"strings"
	"sync"
)

// Factory builds a provider for a model name. An empty model means the
// provider's configured default.
type Factory func(model string) (Provider, error)

// Registry routes a provider name from config onto its factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(name)] = f
}

func (r *Registry) Get(name, model string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(model)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
