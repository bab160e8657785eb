// Package container holds the service registry used to resolve named
// capabilities into handler and plugin arguments.
package container

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateBinding = errors.New("capability already bound")
	ErrUnresolved       = errors.New("capability not registered")
)

// Scope controls provider lifetime.
type Scope int

const (
	// Singleton providers are constructed at most once and cached.
	Singleton Scope = iota
	// PerCall providers are invoked fresh for every resolution.
	PerCall
)

// Provider builds a capability instance.
type Provider func() (any, error)

type binding struct {
	scope    Scope
	provider Provider

	built bool
	value any
}

// Container maps capability identifiers to bindings. Bindings are mutated
// only during mount/unmount; steady-state resolution is read-mostly.
type Container struct {
	mu       sync.RWMutex
	bindings map[string]*binding
}

func New() *Container {
	return &Container{bindings: map[string]*binding{}}
}

// Register binds id to a provider. Binding an already-bound id fails with
// ErrDuplicateBinding; use Replace for explicit replacement.
func (c *Container) Register(id string, provider Provider, scope Scope) error {
	if provider == nil {
		return fmt.Errorf("capability %q: nil provider", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.bindings[id]; exists {
		return fmt.Errorf("capability %q: %w", id, ErrDuplicateBinding)
	}
	c.bindings[id] = &binding{scope: scope, provider: provider}
	return nil
}

// Instance binds id to an existing singleton value.
func (c *Container) Instance(id string, v any) error {
	return c.Register(id, func() (any, error) { return v, nil }, Singleton)
}

// Replace binds id unconditionally, discarding any previous binding
// (including a cached singleton).
func (c *Container) Replace(id string, provider Provider, scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[id] = &binding{scope: scope, provider: provider}
}

// Resolve returns the instance bound to id. Singletons are built once;
// per-call bindings invoke their provider every time.
func (c *Container) Resolve(id string) (any, error) {
	c.mu.RLock()
	b, ok := c.bindings[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capability %q: %w", id, ErrUnresolved)
	}

	if b.scope == PerCall {
		return b.provider()
	}

	// Singleton: build under the write lock so the provider runs at most
	// once even under concurrent first resolution.
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.built {
		return b.value, nil
	}
	v, err := b.provider()
	if err != nil {
		return nil, fmt.Errorf("capability %q: %w", id, err)
	}
	b.value = v
	b.built = true
	return v, nil
}

// Has reports whether id is bound. The bus and the plugin coordinator use
// this for fail-fast dependency checks at mount time.
func (c *Container) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.bindings[id]
	return ok
}

// IDs returns all bound capability identifiers, sorted.
func (c *Container) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.bindings))
	for id := range c.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
