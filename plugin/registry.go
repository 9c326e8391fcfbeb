package plugin

import (
	"sort"
	"sync"
)

// Factory creates a new, uninitialised instance of a plugin kind.
type Factory func() Plugin

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory registers a plugin factory under kind. Registering a kind
// twice replaces the earlier factory.
func RegisterFactory(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = factory
}

// GetFactory returns the factory registered for kind.
func GetFactory(kind string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[kind]
	return f, ok
}

// RegisteredKinds returns the registered plugin kinds in sorted order.
func RegisteredKinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
