package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a thread-safe registry for managing provider adapters.
// Adapters are selected at startup; an unknown provider name is a
// configuration error, never a runtime default branch.
type Registry struct {
	providers   map[string]Provider
	aggregators map[string]bool
	mu          sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		aggregators: make(map[string]bool),
	}
}

// Register adds an adapter to the registry under the given name.
// If an adapter with the same name already exists, it is replaced.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// RegisterAggregator adds a tier-2 aggregator adapter. Aggregator links are
// skipped for aliases that disallow them.
func (r *Registry) RegisterAggregator(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	r.aggregators[name] = true
}

// Get retrieves an adapter by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, &Error{
			Code:     ErrNotRegistered,
			Message:  fmt.Sprintf("no adapter registered for provider %q", name),
			Provider: name,
		}
	}
	return p, nil
}

// IsAggregator reports whether the named provider was registered as a tier-2
// aggregator.
func (r *Registry) IsAggregator(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aggregators[name]
}

// List returns the sorted names of all registered adapters.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
