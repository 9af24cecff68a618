package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hiveplane/hiveplane/internal/agent"
)

// Factory constructs a fresh agent instance.
type Factory func() agent.Agent

// Meta is the static declaration carried by each implementation: the
// role it runs as and the roles it may spawn beneath itself.
type Meta struct {
	Impl              string
	Role              string
	AllowedChildRoles []string
}

// Registry maps stable implementation identifiers to constructors.
// The identifier is the only thing that crosses the process boundary,
// so the supervisor and every worker binary must register the same
// set. The registry is explicit state passed by reference; there is
// no package-level instance.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	meta    Meta
	factory Factory
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds an implementation. Registering the same identifier
// twice is a programming error and panics at startup.
func (r *Registry) Register(impl, role string, allowedChildRoles []string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[impl]; exists {
		panic(fmt.Sprintf("registry: duplicate implementation %q", impl))
	}
	r.entries[impl] = entry{
		meta: Meta{
			Impl:              impl,
			Role:              role,
			AllowedChildRoles: append([]string(nil), allowedChildRoles...),
		},
		factory: factory,
	}
}

// Resolve constructs a fresh instance of the named implementation.
func (r *Registry) Resolve(impl string) (agent.Agent, error) {
	r.mu.RLock()
	e, ok := r.entries[impl]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent implementation %q", impl)
	}
	return e.factory(), nil
}

// Meta returns the static declaration for the named implementation.
func (r *Registry) Meta(impl string) (Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[impl]
	if !ok {
		return Meta{}, fmt.Errorf("unknown agent implementation %q", impl)
	}
	m := e.meta
	m.AllowedChildRoles = append([]string(nil), e.meta.AllowedChildRoles...)
	return m, nil
}

// Impls lists registered implementation identifiers, sorted.
func (r *Registry) Impls() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for impl := range r.entries {
		out = append(out, impl)
	}
	sort.Strings(out)
	return out
}

// roleOverrideFile is the YAML shape of a hierarchy override file:
// implementation identifier to replacement child-role list.
type roleOverrideFile struct {
	AllowedChildren map[string][]string `yaml:"allowed_children"`
}

// LoadRoleOverrides replaces declared child-role sets from a YAML
// file. Unknown identifiers in the file are rejected so a typo cannot
// silently widen the hierarchy.
func (r *Registry) LoadRoleOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read role overrides: %w", err)
	}
	var file roleOverrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse role overrides: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for impl, roles := range file.AllowedChildren {
		e, ok := r.entries[impl]
		if !ok {
			return fmt.Errorf("role override for unknown implementation %q", impl)
		}
		e.meta.AllowedChildRoles = append([]string(nil), roles...)
		r.entries[impl] = e
	}
	return nil
}
