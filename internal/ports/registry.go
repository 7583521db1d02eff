// Package ports manages TCP port allocation for plugin subprocesses.
package ports

import (
	"fmt"
	"sync"
)

// Default range for plugin MCP servers.
const (
	DefaultBase = 50000
	DefaultMax  = 51000
)

// Registry allocates ports in a fixed inclusive range and tracks which
// are live or permanently dead. All mutation goes through its methods;
// a single mutex protects the shared state.
type Registry struct {
	base int
	max  int

	mu        sync.Mutex
	allocated map[int]struct{}
	dead      map[int]struct{}
}

// NewRegistry creates a Registry managing [base, max].
func NewRegistry(base, max int) *Registry {
	return &Registry{
		base:      base,
		max:       max,
		allocated: make(map[int]struct{}),
		dead:      make(map[int]struct{}),
	}
}

// NewDefault creates a Registry over the default plugin port range.
func NewDefault() *Registry {
	return NewRegistry(DefaultBase, DefaultMax)
}

// Allocate reserves and returns the lowest unused non-dead port.
// Fails when the range is fully live-or-dead.
func (r *Registry) Allocate() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port := r.base; port <= r.max; port++ {
		if _, gone := r.dead[port]; gone {
			continue
		}
		if _, used := r.allocated[port]; used {
			continue
		}
		r.allocated[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("no available ports in range [%d, %d]", r.base, r.max)
}

// Reserve marks a specific port as in use. Out-of-range ports are ignored.
func (r *Registry) Reserve(port int) {
	if port < r.base || port > r.max {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocated[port] = struct{}{}
}

// Release returns a port to the pool. Releasing a dead or out-of-range
// port is a no-op.
func (r *Registry) Release(port int) {
	if port < r.base || port > r.max {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.dead[port]; gone {
		return
	}
	delete(r.allocated, port)
}

// MarkDead permanently removes a port from circulation, e.g. after the
// process bound to it crashed and the socket state is unknown.
func (r *Registry) MarkDead(port int) {
	if port < r.base || port > r.max {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead[port] = struct{}{}
	delete(r.allocated, port)
}

// InUse reports whether a port is currently allocated.
func (r *Registry) InUse(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.allocated[port]
	return ok
}

// Dead reports whether a port has been marked dead.
func (r *Registry) Dead(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dead[port]
	return ok
}
