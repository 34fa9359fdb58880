package runtimeutil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/objectstore"
)

// Output declares one entity a run produces. Its files are read from
// <run prefix>/<name>/ in the object store.
type Output struct {
	Name string            `json:"name"`
	Type engine.EntityType `json:"type,omitempty"`
	Kind string            `json:"kind,omitempty"`
}

// DecodeOutputs decodes spec.outputs, given either as a list of Output
// objects or as a map from output name to artifact kind. Type defaults to
// artifact and kind to the type name.
func DecodeOutputs(spec map[string]interface{}) ([]Output, error) {
	raw, ok := spec["outputs"]
	if !ok || raw == nil {
		return nil, nil
	}

	var outputs []Output
	switch v := raw.(type) {
	case map[string]interface{}:
		for _, name := range sortedAnyKeys(v) {
			kind, _ := v[name].(string)
			outputs = append(outputs, Output{Name: name, Kind: kind})
		}
	case map[string]string:
		for _, name := range SortedKeys(v) {
			outputs = append(outputs, Output{Name: name, Kind: v[name]})
		}
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, engine.NewValidationError("spec.outputs is not serializable", err)
		}
		if err := json.Unmarshal(b, &outputs); err != nil {
			return nil, engine.NewValidationError("spec.outputs must be a list or a map", err)
		}
	}

	seen := make(map[string]bool, len(outputs))
	for i := range outputs {
		o := &outputs[i]
		if o.Type == "" {
			o.Type = engine.EntityArtifact
		}
		if !o.Type.IsOutput() {
			return nil, engine.NewValidationError(fmt.Sprintf("output %s: %s is not an output type", o.Name, o.Type), nil)
		}
		if o.Kind == "" {
			o.Kind = string(o.Type)
		}
		if o.Name == "" || seen[o.Name] {
			return nil, engine.NewValidationError(fmt.Sprintf("output names must be unique and non-empty, got %q", o.Name), nil)
		}
		seen[o.Name] = true
	}
	return outputs, nil
}

// Collector builds output entities from object store listings.
type Collector struct {
	Store objectstore.Store
}

// Collect returns one unsaved entity per output with its files manifest.
// Without a store the entities carry no files.
func (c Collector) Collect(ctx context.Context, project, runName string, outputs []Output) ([]*engine.Entity, error) {
	entities := make([]*engine.Entity, 0, len(outputs))
	for _, o := range outputs {
		prefix := objectstore.RunPrefix(project, runName) + o.Name + "/"
		spec := map[string]interface{}{}
		var files []engine.FileInfo
		if c.Store != nil {
			var err error
			files, err = objectstore.Files(ctx, c.Store, prefix)
			if err != nil {
				return nil, fmt.Errorf("failed to list output %s: %w", o.Name, err)
			}
			spec["path"] = c.Store.URI(prefix)
		}

		e := engine.NewEntity(o.Type, o.Kind, project, o.Name, spec)
		e.Status.Files = files
		entities = append(entities, e)
	}
	return entities, nil
}

func sortedAnyKeys(m map[string]interface{}) []string {
	keys := make(map[string]string, len(m))
	for k := range m {
		keys[k] = k
	}
	return SortedKeys(keys)
}
