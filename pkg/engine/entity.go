package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return IsSlug(fl.Field().String())
	})
	_ = v.RegisterValidation("version", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || versionPattern.MatchString(s)
	})
	return v
}

// FileInfo describes one file of an output entity.
type FileInfo struct {
	Path         string     `json:"path" validate:"required"`
	Name         string     `json:"name" validate:"required"`
	Size         int64      `json:"size"`
	Hash         string     `json:"hash,omitempty"`
	ContentType  string     `json:"content_type,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// Metadata is the metadata sub-document of an entity.
// Version and the timestamps are assigned by the entity store on create.
type Metadata struct {
	Project     string     `json:"project" validate:"required,slug"`
	Name        string     `json:"name" validate:"required,slug"`
	Version     string     `json:"version,omitempty" validate:"version"`
	Description string     `json:"description,omitempty"`
	CreatedAt   *time.Time `json:"created,omitempty"`
	UpdatedAt   *time.Time `json:"updated,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	UpdatedBy   string     `json:"updated_by,omitempty"`
	Embedded    bool       `json:"embedded,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
}

// AddLabels adds labels, keeping the set sorted and free of duplicates.
func (m *Metadata) AddLabels(labels ...string) {
	m.Labels = normalizeLabels(append(m.Labels, labels...))
}

func normalizeLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Entity is the common shape of projects, functions, workflows, tasks,
// runs and run outputs.
type Entity struct {
	EntityType EntityType             `json:"entity_type" validate:"required"`
	Kind       string                 `json:"kind" validate:"required,slug"`
	Metadata   Metadata               `json:"metadata"`
	Spec       map[string]interface{} `json:"spec,omitempty"`
	Status     Status                 `json:"status"`
}

// NewEntity builds an unsaved entity. The store assigns its version.
func NewEntity(t EntityType, kind, project, name string, spec map[string]interface{}) *Entity {
	if spec == nil {
		spec = make(map[string]interface{})
	}
	return &Entity{
		EntityType: t,
		Kind:       kind,
		Metadata:   Metadata{Project: project, Name: name},
		Spec:       spec,
	}
}

// Key returns the key of this entity version.
func (e *Entity) Key() Key {
	return Key{
		Project:    e.Metadata.Project,
		EntityType: e.EntityType,
		Kind:       e.Kind,
		Name:       e.Metadata.Name,
		Version:    e.Metadata.Version,
	}
}

// Validate checks required metadata and, when kinds is non-nil, that the
// kind is registered for the entity type. Failures are VALIDATION_ERROR.
func (e *Entity) Validate(kinds *KindRegistry) error {
	if err := e.EntityType.Validate(); err != nil {
		return NewValidationError(err.Error(), nil)
	}
	if err := validate.Struct(e); err != nil {
		return NewValidationError(fmt.Sprintf("invalid %s", e.EntityType), err).
			WithResource(e.Key().String())
	}
	if kinds != nil && !kinds.Supports(e.EntityType, e.Kind) {
		return NewValidationError(
			fmt.Sprintf("kind %q is not supported for %s (supported: %v)", e.Kind, e.EntityType, kinds.Kinds(e.EntityType)),
			nil,
		).WithResource(e.Key().String())
	}

	switch e.EntityType {
	case EntityRun:
		spec, err := e.RunSpec()
		if err != nil {
			return err
		}
		return spec.validate()
	case EntityTask:
		spec, err := e.TaskSpec()
		if err != nil {
			return err
		}
		if spec.Function == "" {
			return NewValidationError("task spec.function is required", nil).WithResource(e.Key().String())
		}
		if _, err := ParseKey(spec.Function); err != nil {
			return NewValidationError("task spec.function is not a valid key", err)
		}
	}
	return nil
}

// Clone returns a deep copy obtained through the JSON form.
func (e *Entity) Clone() *Entity {
	data, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("entity is not serializable: %v", err))
	}
	out := &Entity{}
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("entity is not serializable: %v", err))
	}
	return out
}

// Update merges specDelta into the spec of the current version in place.
// The version is unchanged; persist with EntityStore.Update.
func (e *Entity) Update(specDelta map[string]interface{}) {
	if e.Spec == nil {
		e.Spec = make(map[string]interface{}, len(specDelta))
	}
	for k, v := range specDelta {
		if v == nil {
			delete(e.Spec, k)
			continue
		}
		e.Spec[k] = v
	}
}

// NewVersion returns an unsaved copy with the same identity and the given
// spec. Persisting it with EntityStore.Create mints a fresh version.
func (e *Entity) NewVersion(spec map[string]interface{}) *Entity {
	next := e.Clone()
	next.Spec = spec
	next.Metadata.Version = ""
	next.Metadata.CreatedAt = nil
	next.Metadata.UpdatedAt = nil
	next.Status = Status{}
	return next
}

// DecodeSpec decodes the spec map into out.
func (e *Entity) DecodeSpec(out interface{}) error {
	data, err := json.Marshal(e.Spec)
	if err != nil {
		return NewValidationError("spec is not serializable", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewValidationError(fmt.Sprintf("invalid %s spec", e.EntityType), err).
			WithResource(e.Key().String())
	}
	return nil
}

// SpecString returns a string field of the spec, or "" when absent.
func (e *Entity) SpecString(field string) string {
	if s, ok := e.Spec[field].(string); ok {
		return s
	}
	return ""
}

// RunSpec is the typed view of a run spec.
type RunSpec struct {
	// Function is the key of the function or workflow version to execute.
	Function string `json:"function"`

	// Task is the key of the task carrying backend configuration.
	Task string `json:"task"`

	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Inputs     map[string]string      `json:"inputs,omitempty"`
}

func (s RunSpec) validate() error {
	if s.Function == "" {
		return NewValidationError("run spec.function is required", nil)
	}
	fk, err := ParseKey(s.Function)
	if err != nil {
		return NewValidationError("run spec.function is not a valid key", err)
	}
	if !fk.EntityType.Executable() {
		return NewValidationError(fmt.Sprintf("run spec.function must reference a function or workflow, got %s", fk.EntityType), nil)
	}
	if s.Task != "" {
		if _, err := ParseKey(s.Task); err != nil {
			return NewValidationError("run spec.task is not a valid key", err)
		}
	}
	return nil
}

// RunSpec decodes the spec of a run.
func (e *Entity) RunSpec() (RunSpec, error) {
	var s RunSpec
	err := e.DecodeSpec(&s)
	return s, err
}

// TaskSpec is the typed view of the fields every task spec carries.
type TaskSpec struct {
	Function string `json:"function"`
	Timeout  string `json:"timeout,omitempty"`
}

// TaskSpec decodes the spec of a task.
func (e *Entity) TaskSpec() (TaskSpec, error) {
	var s TaskSpec
	err := e.DecodeSpec(&s)
	return s, err
}

// Document is the shape in which entities are persisted by an EntityStore.
type Document struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	Kind       string          `json:"kind"`
	Project    string          `json:"project"`
	Name       string          `json:"name"`
	Key        string          `json:"key"`
	Metadata   json.RawMessage `json:"metadata"`
	Spec       json.RawMessage `json:"spec"`
	Status     json.RawMessage `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ToDocument serializes the entity.
func (e *Entity) ToDocument() (*Document, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	spec := e.Spec
	if spec == nil {
		spec = map[string]interface{}{}
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal spec: %w", err)
	}
	status, err := json.Marshal(e.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status: %w", err)
	}

	doc := &Document{
		ID:         e.Metadata.Version,
		EntityType: e.EntityType,
		Kind:       e.Kind,
		Project:    e.Metadata.Project,
		Name:       e.Metadata.Name,
		Key:        e.Key().String(),
		Metadata:   meta,
		Spec:       specJSON,
		Status:     status,
	}
	if e.Metadata.CreatedAt != nil {
		doc.CreatedAt = *e.Metadata.CreatedAt
	}
	if e.Metadata.UpdatedAt != nil {
		doc.UpdatedAt = *e.Metadata.UpdatedAt
	}
	return doc, nil
}

// FromDocument deserializes an entity. Server-assigned fields on the
// document (id, timestamps) take precedence over the metadata copy.
func FromDocument(doc *Document) (*Entity, error) {
	if doc == nil {
		return nil, NewValidationError("document is nil", nil)
	}
	e := &Entity{EntityType: doc.EntityType, Kind: doc.Kind}

	if len(doc.Metadata) > 0 {
		if err := json.Unmarshal(doc.Metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if len(doc.Spec) > 0 {
		if err := decodeJSON(doc.Spec, &e.Spec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal spec: %w", err)
		}
		normalizeNumbers(e.Spec)
	}
	if len(doc.Status) > 0 {
		if err := decodeJSON(doc.Status, &e.Status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status: %w", err)
		}
		normalizeNumbers(e.Status.Results)
	}

	e.Metadata.Project = doc.Project
	e.Metadata.Name = doc.Name
	if doc.ID != "" {
		e.Metadata.Version = doc.ID
	}
	if !doc.CreatedAt.IsZero() {
		t := doc.CreatedAt
		e.Metadata.CreatedAt = &t
	}
	if !doc.UpdatedAt.IsZero() {
		t := doc.UpdatedAt
		e.Metadata.UpdatedAt = &t
	}
	return e, nil
}

// decodeJSON decodes data keeping numbers as json.Number so that
// normalizeNumbers can restore integers exactly.
func decodeJSON(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// normalizeNumbers replaces json.Number values in place: integers that fit
// an int64 become int64, everything else float64.
func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
	}
	return v
}
