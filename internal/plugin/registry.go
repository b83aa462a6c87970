package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a configured adapter instance.
type Factory func(cfg InstanceConfig) (Plugin, error)

// Registration describes one adapter class: its key, the markets it serves,
// the provider ids it can be configured for, and its factory.
type Registration struct {
	Key       string
	Markets   []string
	Providers []string
	New       Factory
}

// Registry maps adapter keys to registrations and markets to candidate
// adapter keys. Market ordering is discovery (registration) order and stable.
type Registry struct {
	mu       sync.RWMutex
	byKey    map[string]Registration
	byMarket map[string][]string
	order    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:    make(map[string]Registration),
		byMarket: make(map[string][]string),
	}
}

// Register records an adapter class. Duplicate keys are rejected.
func (r *Registry) Register(reg Registration) error {
	if reg.Key == "" || reg.New == nil {
		return fmt.Errorf("invalid registration: key and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[reg.Key]; exists {
		return fmt.Errorf("plugin %q already registered", reg.Key)
	}
	r.byKey[reg.Key] = reg
	r.order = append(r.order, reg.Key)
	for _, m := range reg.Markets {
		r.byMarket[m] = append(r.byMarket[m], reg.Key)
	}
	return nil
}

// Get returns the registration for an adapter key.
func (r *Registry) Get(key string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byKey[key]
	return reg, ok
}

// Keys returns all adapter keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// PluginsForMarket returns candidate adapter keys for a market, in discovery
// order.
func (r *Registry) PluginsForMarket(marketName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.byMarket[marketName]
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// Markets returns every market any adapter serves, sorted.
func (r *Registry) Markets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byMarket))
	for m := range r.byMarket {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// KeyForProvider finds the adapter that handles the given provider id. When
// several adapters claim a provider the first registered wins.
func (r *Registry) KeyForProvider(providerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.order {
		for _, p := range r.byKey[key].Providers {
			if p == providerID {
				return key, true
			}
		}
	}
	return "", false
}

// ListConfigurableProviders enumerates the provider ids an adapter accepts.
func (r *Registry) ListConfigurableProviders(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byKey[key]
	if !ok {
		return nil
	}
	out := make([]string, len(reg.Providers))
	copy(out, reg.Providers)
	return out
}
