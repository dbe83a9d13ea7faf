package resolver

import (
	"maps"
	"slices"

	"github.com/gostdlib/base/concurrency/sync"
)

var (
	mu       sync.RWMutex
	builders = map[string]Builder{}
)

// Register makes b the builder for its scheme, replacing any earlier one.
func Register(b Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[b.Scheme()] = b
}

// Get returns the builder registered for scheme.
func Get(scheme string) (Builder, bool) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := builders[scheme]
	return b, ok
}

// Schemes returns the registered schemes, sorted.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Sorted(maps.Keys(builders))
}
