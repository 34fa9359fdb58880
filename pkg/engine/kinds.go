package engine

import (
	"fmt"
	"sort"
	"sync"
)

// EntityType is the second segment of a key.
type EntityType string

const (
	// EntityProject is the container of all other entities. Projects are not versioned.
	EntityProject EntityType = "project"

	// EntityFunction declares executable code and the runtime that runs it.
	EntityFunction EntityType = "function"

	// EntityWorkflow declares a multi-step pipeline.
	EntityWorkflow EntityType = "workflow"

	// EntityTask holds the execution configuration shared by many runs.
	EntityTask EntityType = "task"

	// EntityRun is one execution attempt of a function or workflow version.
	EntityRun EntityType = "run"

	// EntityArtifact is a generic file output.
	EntityArtifact EntityType = "artifact"

	// EntityDataItem is a dataset output.
	EntityDataItem EntityType = "dataitem"

	// EntityModel is a model output.
	EntityModel EntityType = "model"
)

// AllEntityTypes lists every entity type in key order.
var AllEntityTypes = []EntityType{
	EntityProject, EntityFunction, EntityWorkflow, EntityTask,
	EntityRun, EntityArtifact, EntityDataItem, EntityModel,
}

// Validate checks if the entity type is known.
func (t EntityType) Validate() error {
	switch t {
	case EntityProject, EntityFunction, EntityWorkflow, EntityTask,
		EntityRun, EntityArtifact, EntityDataItem, EntityModel:
		return nil
	default:
		return fmt.Errorf("invalid entity type: %s", t)
	}
}

// Versioned reports whether each creation mints a new version.
func (t EntityType) Versioned() bool {
	return t != EntityProject
}

// IsOutput reports whether entities of this type are produced by runs.
func (t EntityType) IsOutput() bool {
	return t == EntityArtifact || t == EntityDataItem || t == EntityModel
}

// Executable reports whether a run can reference entities of this type.
func (t EntityType) Executable() bool {
	return t == EntityFunction || t == EntityWorkflow
}

// KindRegistry records which kinds are valid for each entity type.
// Output and project kinds are built in; executable, task and run kinds
// are added when runtimes register.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[EntityType]map[string]struct{}
}

// NewKindRegistry returns a registry preloaded with the built-in kinds.
func NewKindRegistry() *KindRegistry {
	r := &KindRegistry{kinds: make(map[EntityType]map[string]struct{})}
	r.Add(EntityProject, "project")
	r.Add(EntityArtifact, "artifact", "model", "report", "log")
	r.Add(EntityDataItem, "dataitem", "table", "iceberg")
	r.Add(EntityModel, "model", "mlflow", "huggingface", "sklearn")
	return r
}

// Add registers kinds for an entity type. Adding an existing kind is a no-op.
func (r *KindRegistry) Add(t EntityType, kinds ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.kinds[t]
	if !ok {
		set = make(map[string]struct{})
		r.kinds[t] = set
	}
	for _, k := range kinds {
		set[k] = struct{}{}
	}
}

// Supports reports whether kind is registered for t.
func (r *KindRegistry) Supports(t EntityType, kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.kinds[t][kind]
	return ok
}

// Kinds returns the sorted kinds registered for t.
func (r *KindRegistry) Kinds(t EntityType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.kinds[t]))
	for k := range r.kinds[t] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TaskKind returns the task kind for a runtime action, e.g. "container-job".
func TaskKind(runtime, action string) string {
	return runtime + "-" + action
}

// RunKind returns the run kind for a runtime, e.g. "container-run".
func RunKind(runtime string) string {
	return runtime + "-run"
}
