package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps runtime kinds to adapter factories. It is written at
// start-up and read by every dispatch.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]AdapterFactory
	descriptors map[string]Descriptor
	kinds       *KindRegistry
}

// NewRegistry creates an empty registry. Registered runtimes add their
// executable, task and run kinds to kinds.
func NewRegistry(kinds *KindRegistry) *Registry {
	if kinds == nil {
		kinds = NewKindRegistry()
	}
	return &Registry{
		factories:   make(map[string]AdapterFactory),
		descriptors: make(map[string]Descriptor),
		kinds:       kinds,
	}
}

// Register adds a runtime. It fails with DUPLICATE_KIND when kind is taken.
func (r *Registry) Register(kind string, factory AdapterFactory) error {
	if !IsSlug(kind) {
		return NewValidationError(fmt.Sprintf("runtime kind %q is not a slug", kind), nil)
	}
	if factory == nil {
		return NewValidationError(fmt.Sprintf("runtime %q has a nil factory", kind), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return NewDuplicateKindError(kind)
	}

	adapter := factory()
	if adapter == nil {
		return NewValidationError(fmt.Sprintf("runtime %q factory returned nil", kind), nil)
	}
	desc := adapter.Descriptor()
	if desc.Runtime != kind {
		return NewValidationError(
			fmt.Sprintf("runtime %q registered with a descriptor for %q", kind, desc.Runtime), nil)
	}
	if desc.Executable == "" {
		desc.Executable = EntityFunction
	}
	if !desc.Executable.Executable() {
		return NewValidationError(
			fmt.Sprintf("runtime %q executes %s, which is not executable", kind, desc.Executable), nil)
	}
	if len(desc.Actions) == 0 {
		return NewValidationError(fmt.Sprintf("runtime %q declares no actions", kind), nil)
	}

	r.factories[kind] = factory
	r.descriptors[kind] = desc
	r.kinds.Add(desc.Executable, kind)
	r.kinds.Add(EntityTask, desc.TaskKinds()...)
	r.kinds.Add(EntityRun, RunKind(kind))
	return nil
}

// MustRegister is like Register but panics on error. Registry
// misconfiguration is fatal at start-up.
func (r *Registry) MustRegister(kind string, factory AdapterFactory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// GetAdapter returns a new adapter for kind. It fails with
// UNSUPPORTED_KIND and never falls back to another runtime.
func (r *Registry) GetAdapter(kind string) (RuntimeAdapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, NewUnsupportedKindError(kind)
	}
	return factory(), nil
}

// Descriptor returns the descriptor of a registered runtime.
func (r *Registry) Descriptor(kind string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[kind]
	return d, ok
}

// Runtimes returns the registered runtime kinds, sorted.
func (r *Registry) Runtimes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Kinds returns the kind registry fed by this runtime registry.
func (r *Registry) Kinds() *KindRegistry {
	return r.kinds
}
