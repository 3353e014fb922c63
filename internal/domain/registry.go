package domain

import (
	"sort"
	"sync"
)

// registry holds all registered entity kinds.
var (
	registryMu sync.RWMutex
	kinds      = make(map[string]Kind)
)

// Register adds an entity kind to the registry.
// Kinds should be registered during init() or early in main().
// Panics if a kind with the same name is already registered.
func Register(k Kind) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := k.Name()
	if _, exists := kinds[name]; exists {
		panic("kind already registered: " + name)
	}
	kinds[name] = k
}

// Get returns the kind registered under name.
func Get(name string) (Kind, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	k, ok := kinds[name]
	return k, ok
}

// RegisteredKinds returns the names of all registered kinds, sorted.
func RegisteredKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// reset clears the registry and re-registers the built-in kinds. Only for tests.
func reset() {
	registryMu.Lock()
	kinds = make(map[string]Kind)
	registryMu.Unlock()
	registerBuiltins()
}
