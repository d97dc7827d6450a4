package operator

import (
	"fmt"
	"slices"
	"sync"
)

// Factory builds an operator from its configuration.
type Factory func(cfg Config) (Operator, error)

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes an operator type available to New. It panics if the type is
// registered twice.
func Register(typ string, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.factories[typ]; dup {
		panic(fmt.Sprintf("operator: type %q registered twice", typ))
	}
	registry.factories[typ] = f
}

// New builds an operator of cfg.Type.
func New(cfg Config) (Operator, error) {
	registry.RLock()
	f, ok := registry.factories[cfg.Type]
	registry.RUnlock()
	if !ok {
		return nil, &ConfigError{Op: cfg.Name, Key: "type", Reason: fmt.Sprintf("unknown operator type %q", cfg.Type)}
	}
	return f(cfg)
}

// Types lists registered operator types in sorted order.
func Types() []string {
	registry.RLock()
	defer registry.RUnlock()
	types := make([]string, 0, len(registry.factories))
	for t := range registry.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
