package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates an invoker from provider-specific configuration.
type Factory func(config map[string]any) (Invoker, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers an invoker factory under a provider name.
// Called from provider init functions.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// New creates an invoker by provider name.
func New(name string, config map[string]any) (Invoker, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, Registered())
	}
	return factory(config)
}

// Registered returns the sorted names of all registered providers.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
