package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// ManifestLoader reads entity manifests and submission payloads from
// YAML, JSON or CUE and validates them against the schema registry.
type ManifestLoader struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewManifestLoader creates a loader validating against schemas, or
// against the built-in schemas when schemas is nil.
func NewManifestLoader(schemas *SchemaRegistry) *ManifestLoader {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &ManifestLoader{
		ctx:     cuecontext.New(),
		schemas: schemas,
	}
}

// Schemas returns the schema registry of the loader.
func (l *ManifestLoader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Format is the encoding of a manifest or payload file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", engine.NewValidationError(fmt.Sprintf("unsupported manifest extension %q", filepath.Ext(path)), nil).
			WithResource(path)
	}
}

// LoadEntities reads every entity declared in path. A directory loads all
// manifests it contains in name order.
func (l *ManifestLoader) LoadEntities(ctx context.Context, path string) ([]*engine.Entity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = manifestFiles(path)
		if err != nil {
			return nil, err
		}
	}

	var out []*engine.Entity
	for _, f := range files {
		format, err := FormatOf(f)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		entities, err := l.ParseEntities(ctx, data, format, f)
		if err != nil {
			return nil, err
		}
		out = append(out, entities...)
	}
	return out, nil
}

// ParseEntities decodes a manifest. A document holds one entity, a list
// of entities, or an "entities" list. YAML streams may carry many documents.
func (l *ManifestLoader) ParseEntities(ctx context.Context, data []byte, format Format, source string) ([]*engine.Entity, error) {
	docs, err := l.decode(data, format, source)
	if err != nil {
		return nil, err
	}

	var raw []interface{}
	for _, doc := range docs {
		switch v := doc.(type) {
		case []interface{}:
			raw = append(raw, v...)
		case map[string]interface{}:
			if list, ok := v["entities"].([]interface{}); ok {
				raw = append(raw, list...)
			} else {
				raw = append(raw, v)
			}
		case nil:
		default:
			return nil, engine.NewValidationError(fmt.Sprintf("unexpected manifest document of type %T", doc), nil).
				WithResource(source)
		}
	}

	entities := make([]*engine.Entity, 0, len(raw))
	for i, item := range raw {
		if err := l.schemas.ValidateAgainstSchema(ctx, SchemaEntity, item); err != nil {
			return nil, withSource(err, fmt.Sprintf("%s[%d]", source, i))
		}
		e := &engine.Entity{}
		if err := roundTrip(item, e); err != nil {
			return nil, engine.NewValidationError("invalid entity", err).WithResource(fmt.Sprintf("%s[%d]", source, i))
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// LoadPayload reads a submission payload from path.
func (l *ManifestLoader) LoadPayload(ctx context.Context, path string) (*engine.Payload, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return l.ParsePayload(ctx, data, format, path)
}

// ParsePayload decodes and validates a submission payload.
func (l *ManifestLoader) ParsePayload(ctx context.Context, data []byte, format Format, source string) (*engine.Payload, error) {
	docs, err := l.decode(data, format, source)
	if err != nil {
		return nil, err
	}
	if len(docs) != 1 {
		return nil, engine.NewValidationError(fmt.Sprintf("expected one payload document, got %d", len(docs)), nil).
			WithResource(source)
	}
	return l.ValidatePayload(ctx, docs[0], source)
}

// ValidatePayload validates a decoded payload against #Submission.
func (l *ManifestLoader) ValidatePayload(ctx context.Context, doc interface{}, source string) (*engine.Payload, error) {
	if err := l.schemas.ValidateAgainstSchema(ctx, SchemaSubmission, doc); err != nil {
		return nil, withSource(err, source)
	}
	p := &engine.Payload{}
	if err := roundTrip(doc, p); err != nil {
		return nil, engine.NewValidationError("invalid payload", err).WithResource(source)
	}
	return p, nil
}

func (l *ManifestLoader) decode(data []byte, format Format, source string) ([]interface{}, error) {
	switch format {
	case FormatYAML:
		var docs []interface{}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var doc interface{}
			err := dec.Decode(&doc)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, engine.NewValidationError("invalid YAML", err).WithResource(source)
			}
			docs = append(docs, doc)
		}
		return docs, nil

	case FormatJSON:
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, engine.NewValidationError("invalid JSON", err).WithResource(source)
		}
		return []interface{}{doc}, nil

	case FormatCUE:
		val := l.ctx.CompileBytes(data, cue.Filename(source))
		if err := val.Err(); err != nil {
			verrs := convertCUEErrors(err)
			return nil, engine.NewValidationError("invalid CUE: "+verrs[0].Message, err).
				WithResource(source).WithDetail("errors", verrs)
		}
		if err := val.Validate(cue.Concrete(true)); err != nil {
			verrs := convertCUEErrors(err)
			return nil, engine.NewValidationError("CUE manifest is not concrete: "+verrs[0].Message, err).
				WithResource(source).WithDetail("errors", verrs)
		}
		var doc interface{}
		if err := val.Decode(&doc); err != nil {
			return nil, engine.NewValidationError("failed to decode CUE value", err).WithResource(source)
		}
		return []interface{}{doc}, nil

	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported format %q", format), nil).WithResource(source)
	}
}

func manifestFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := FormatOf(entry.Name()); err == nil {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func roundTrip(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func withSource(err error, source string) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Resource == "" {
		return ee.WithResource(source)
	}
	return err
}
