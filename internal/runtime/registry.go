package runtime

import (
	"sort"
	"strings"
)

// DefaultRegistry provides built-in runtime adapters.
var DefaultRegistry = Registry{}

// Register adds a new adapter factory to the default registry.
func Register(name string, factory AdapterFactory) {
	DefaultRegistry[strings.ToLower(name)] = factory
}

// Backends lists the registered backend names.
func (r Registry) Backends() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
