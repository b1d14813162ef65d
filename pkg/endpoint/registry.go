package endpoint

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Scheme is the URI scheme for in-process endpoints
const Scheme = "shmem"

var (
	// ErrAddrInUse is returned when binding a URI twice
	ErrAddrInUse = errors.New("address already in use")

	// ErrNotFound is returned when connecting to an unbound URI
	ErrNotFound = errors.New("no endpoint bound at address")
)

// Registry maps shmem:// URIs to bound endpoints so the module side
// of a connection can attach by name. The broker binds the endpoint
// under the module UUID before the worker starts; the worker connects
// with the same name.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// NewRegistry creates an empty endpoint registry
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

// Bind creates an endpoint under uri and returns it
func (r *Registry) Bind(uri string) (*Endpoint, error) {
	name, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[name]; ok {
		return nil, fmt.Errorf("bind %s: %w", uri, ErrAddrInUse)
	}
	ep := New(uri)
	r.endpoints[name] = ep
	return ep, nil
}

// Connect returns the module side of the endpoint bound at uri
func (r *Registry) Connect(uri string) (*Side, error) {
	name, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("connect %s: %w", uri, ErrNotFound)
	}
	return ep.module, nil
}

// Unbind closes the endpoint bound at uri and removes it
func (r *Registry) Unbind(uri string) {
	name, err := parseURI(uri)
	if err != nil {
		return
	}
	r.mu.Lock()
	ep, ok := r.endpoints[name]
	delete(r.endpoints, name)
	r.mu.Unlock()
	if ok {
		ep.Close()
	}
}

// URI builds the canonical shmem URI for an endpoint name
func URI(name string) string {
	return Scheme + "://" + name
}

func parseURI(uri string) (string, error) {
	name, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok || name == "" {
		return "", fmt.Errorf("invalid endpoint uri %q", uri)
	}
	return name, nil
}
