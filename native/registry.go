// Copyright © 2024 The ELPS authors

package native

import (
	"fmt"
	"sort"
	"sync"
)

// Opener constructs a Shim for a backend.
type Opener func() (Shim, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// Register makes a backend available by name. It panics if the name is
// registered twice.
func Register(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("native: backend registered twice: " + name)
	}
	backends[name] = open
}

// Open returns a Shim for the named backend.
func Open(name string) (Shim, error) {
	backendsMu.RLock()
	open, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown native backend %q (available: %v)", name, Backends())
	}
	return open()
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
