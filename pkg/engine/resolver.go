package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Resolver turns "latest" keys into concrete ones. Every call queries the
// store; nothing is cached because versions can be created concurrently.
type Resolver struct {
	store EntityStore
}

// NewResolver creates a resolver backed by store.
func NewResolver(store EntityStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns key pinned to a concrete version. Keys already pinned
// are returned unchanged without a lookup.
func (r *Resolver) Resolve(ctx context.Context, key Key) (Key, error) {
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	if !key.IsLatest() {
		return key, nil
	}

	docs, err := r.store.List(ctx, key.Project, key.EntityType, ListFilter{
		Kind:  key.Kind,
		Name:  key.Name,
		Limit: 1,
	})
	if err != nil {
		return Key{}, fmt.Errorf("failed to resolve %s: %w", key, err)
	}
	if len(docs) == 0 {
		return Key{}, NewNotFoundError(string(key.EntityType), key.String())
	}
	return key.WithVersion(docs[0].ID), nil
}

// ResolveURI parses and resolves uri.
func (r *Resolver) ResolveURI(ctx context.Context, uri string) (Key, error) {
	key, err := ParseKey(uri)
	if err != nil {
		return Key{}, err
	}
	return r.Resolve(ctx, key)
}

// Catalog is the entity API on top of an EntityStore: it validates
// entities, resolves keys and keeps update and new-version separate.
type Catalog struct {
	store    EntityStore
	kinds    *KindRegistry
	resolver *Resolver
}

// NewCatalog creates a catalog. A nil kinds registry skips kind membership checks.
func NewCatalog(store EntityStore, kinds *KindRegistry) *Catalog {
	return &Catalog{store: store, kinds: kinds, resolver: NewResolver(store)}
}

// Resolver returns the catalog's resolver.
func (c *Catalog) Resolver() *Resolver {
	return c.resolver
}

// Create validates and persists a new entity. The store assigns the
// version unless e already carries one.
func (c *Catalog) Create(ctx context.Context, e *Entity) (*Entity, error) {
	if err := e.Validate(c.kinds); err != nil {
		return nil, err
	}
	if !e.EntityType.Versioned() && e.Metadata.Version == "" {
		e.Metadata.Version = e.Metadata.Name
	}
	doc, err := e.ToDocument()
	if err != nil {
		return nil, err
	}
	saved, err := c.store.Create(ctx, doc)
	if err != nil {
		return nil, err
	}
	return FromDocument(saved)
}

// Get resolves key and loads the entity.
func (c *Catalog) Get(ctx context.Context, key Key) (*Entity, error) {
	resolved, err := c.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	doc, err := c.store.Get(ctx, resolved)
	if err != nil {
		return nil, err
	}
	return FromDocument(doc)
}

// GetURI parses uri and loads the entity.
func (c *Catalog) GetURI(ctx context.Context, uri string) (*Entity, error) {
	key, err := ParseKey(uri)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, key)
}

// Update persists spec and status changes of the current version in place.
// The spec of a function or workflow version is immutable: runs pin it, so
// only metadata and status may change.
func (c *Catalog) Update(ctx context.Context, e *Entity) (*Entity, error) {
	if e.Metadata.Version == "" {
		return nil, NewValidationError("update requires a versioned entity; use NewVersion to mint one", nil).
			WithResource(e.Key().String())
	}
	if err := e.Validate(c.kinds); err != nil {
		return nil, err
	}
	if e.EntityType.Executable() {
		if err := c.checkSpecUnchanged(ctx, e); err != nil {
			return nil, err
		}
	}
	doc, err := e.ToDocument()
	if err != nil {
		return nil, err
	}
	saved, err := c.store.Update(ctx, e.Key(), doc)
	if err != nil {
		return nil, err
	}
	return FromDocument(saved)
}

func (c *Catalog) checkSpecUnchanged(ctx context.Context, e *Entity) error {
	doc, err := c.store.Get(ctx, e.Key())
	if err != nil {
		return err
	}
	current, err := FromDocument(doc)
	if err != nil {
		return err
	}
	before, err := json.Marshal(current.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}
	after, err := json.Marshal(e.Spec)
	if err != nil {
		return NewValidationError("spec is not serializable", err)
	}
	if !bytes.Equal(before, after) {
		return NewValidationError(
			fmt.Sprintf("the spec of a %s version is immutable; create a new version instead", e.EntityType), nil,
		).WithResource(e.Key().String())
	}
	return nil
}

// NewVersion mints a new version of e carrying spec.
func (c *Catalog) NewVersion(ctx context.Context, e *Entity, spec map[string]interface{}) (*Entity, error) {
	if !e.EntityType.Versioned() {
		return nil, NewValidationError(fmt.Sprintf("%s entities are not versioned", e.EntityType), nil)
	}
	return c.Create(ctx, e.NewVersion(spec))
}

// List returns entities of one type within a project, newest first.
func (c *Catalog) List(ctx context.Context, project string, t EntityType, filter ListFilter) ([]*Entity, error) {
	docs, err := c.store.List(ctx, project, t, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Entity, 0, len(docs))
	for _, doc := range docs {
		e, err := FromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes one version. Outputs of a deleted run are kept.
func (c *Catalog) Delete(ctx context.Context, key Key) error {
	if key.IsLatest() {
		return NewValidationError("delete requires a concrete version", nil).WithResource(key.String())
	}
	return c.store.Delete(ctx, key)
}

// Ensure returns the entity at e's (deterministic) key, creating it when missing.
func (c *Catalog) Ensure(ctx context.Context, e *Entity) (*Entity, bool, error) {
	if e.Metadata.Version == "" {
		return nil, false, NewValidationError("ensure requires a preassigned version", nil)
	}
	existing, err := c.Get(ctx, e.Key())
	if err == nil {
		return existing, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}
	created, err := c.Create(ctx, e)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// versionNamespace seeds deterministic versions of tasks and run outputs.
var versionNamespace = uuid.MustParse("6f1c8a52-3c1e-5b8e-9a55-2d0c7f6b4e10")

// DeterministicVersion derives a stable UUIDv5 version from parts.
func DeterministicVersion(parts ...string) string {
	name := ""
	for i, p := range parts {
		if i > 0 {
			name += "\x00"
		}
		name += p
	}
	return uuid.NewSHA1(versionNamespace, []byte(name)).String()
}

// NewVersionID returns a random version identifier.
func NewVersionID() string {
	return uuid.New().String()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
