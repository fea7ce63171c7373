package kernel

import (
	"fmt"
	"sort"
	"sync"
)

// RomSource resolves read-only modules by name.
type RomSource interface {
	Module(name string) ([]byte, error)
}

// Rom is a registry of read-only modules. A Rom with a base source is an
// overlay: its own modules shadow the base.
type Rom struct {
	base RomSource

	mu      sync.RWMutex
	modules map[string][]byte
}

// NewRom creates a registry on top of base, which may be nil.
func NewRom(base RomSource) *Rom {
	return &Rom{
		base:    base,
		modules: make(map[string][]byte),
	}
}

// Add registers or replaces a module. The data is copied.
func (r *Rom) Add(name string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = append([]byte(nil), data...)
}

// Remove drops a module of this layer.
func (r *Rom) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
}

// Module returns a copy of the named module, consulting the base source
// when this layer does not have it.
func (r *Rom) Module(name string) ([]byte, error) {
	r.mu.RLock()
	data, ok := r.modules[name]
	r.mu.RUnlock()

	if ok {
		return append([]byte(nil), data...), nil
	}
	if r.base != nil {
		return r.base.Module(name)
	}
	return nil, fmt.Errorf("rom %q: %w", name, ErrNoSuchModule)
}

// Names lists the modules of this layer.
func (r *Rom) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
