// Package attrs implements the broker attribute cache. Immutable
// attributes are primed into each module handle's local cache at
// thread startup so attribute lookups inside a module never block on
// the broker.
package attrs

import (
	"fmt"
	"sync"
)

// Cache is a string attribute table with optional immutability
type Cache struct {
	mu        sync.RWMutex
	values    map[string]string
	immutable map[string]bool
}

// New creates an empty attribute cache
func New() *Cache {
	return &Cache{
		values:    make(map[string]string),
		immutable: make(map[string]bool),
	}
}

// Set stores a mutable attribute
func (c *Cache) Set(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.immutable[name] {
		return fmt.Errorf("attribute %s is immutable", name)
	}
	c.values[name] = value
	return nil
}

// SetImmutable stores an attribute that can never change again
func (c *Cache) SetImmutable(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.immutable[name] {
		return fmt.Errorf("attribute %s is immutable", name)
	}
	c.values[name] = value
	c.immutable[name] = true
	return nil
}

// Get fetches an attribute value
func (c *Cache) Get(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Names returns all attribute names
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.values))
	for name := range c.values {
		names = append(names, name)
	}
	return names
}

// PrimeImmutables copies every immutable attribute from src into c.
// Called once per module handle before the module entry point runs.
func (c *Cache) PrimeImmutables(src *Cache) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, ok := range src.immutable {
		if ok {
			c.values[name] = src.values[name]
			c.immutable[name] = true
		}
	}
}
