package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestResolver_LatestPicksNewest(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	kinds := NewKindRegistry()
	kinds.Add(EntityFunction, "job")
	catalog := NewCatalog(store, kinds)

	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	store.clock = func() time.Time { return t1 }
	v1, err := catalog.Create(ctx, NewEntity(EntityFunction, "job", "proj", "train", nil))
	if err != nil {
		t.Fatalf("Failed to create v1: %v", err)
	}
	store.clock = func() time.Time { return t2 }
	v2, err := catalog.NewVersion(ctx, v1, map[string]interface{}{"image": "b"})
	if err != nil {
		t.Fatalf("Failed to create v2: %v", err)
	}

	resolved, err := catalog.Resolver().ResolveURI(ctx, "store://proj/function/job/train:latest")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resolved.Version != v2.Metadata.Version {
		t.Errorf("Expected version created at t2 (%s), got %s", v2.Metadata.Version, resolved.Version)
	}

	omitted, err := catalog.Resolver().ResolveURI(ctx, "store://proj/function/job/train")
	if err != nil || omitted != resolved {
		t.Errorf("Expected omitted version to resolve like latest, got %v (%v)", omitted, err)
	}
}

func TestResolver_NotFound(t *testing.T) {
	r := NewResolver(newMockStore())
	_, err := r.ResolveURI(context.Background(), "store://proj/function/job/missing:latest")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected NOT_FOUND, got: %v", err)
	}
}

func TestResolver_PinnedKeySkipsLookup(t *testing.T) {
	store := newMockStore()
	r := NewResolver(store)
	key := MustParseKey("store://proj/function/job/train:v9")

	got, err := r.Resolve(context.Background(), key)
	if err != nil || got != key {
		t.Fatalf("Expected pinned key unchanged, got %v (%v)", got, err)
	}
	if store.listCalls != 0 {
		t.Errorf("Expected no store lookup, got %d", store.listCalls)
	}
}

func TestResolver_NoCaching(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	catalog := NewCatalog(store, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	tick := 0
	store.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, err := catalog.Create(ctx, NewEntity(EntityFunction, "job", "proj", "train", nil))
	if err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	key := first.Key().Unversioned()

	for i := 0; i < 5; i++ {
		created, err := catalog.NewVersion(ctx, first, map[string]interface{}{"n": i})
		if err != nil {
			t.Fatalf("Failed to create version: %v", err)
		}

		resolved, err := catalog.Resolver().Resolve(ctx, key)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if resolved.Version != created.Metadata.Version {
			t.Fatalf("Iteration %d: expected freshly created version %s, got %s", i, created.Metadata.Version, resolved.Version)
		}
	}
}

func TestResolver_SameTimestampUsesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return fixed }
	catalog := NewCatalog(store, nil)

	a, _ := catalog.Create(ctx, NewEntity(EntityFunction, "job", "proj", "f", nil))
	b, _ := catalog.NewVersion(ctx, a, nil)

	got, err := catalog.Get(ctx, MustParseKey("store://proj/function/job/f"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got.Metadata.Version != b.Metadata.Version {
		t.Errorf("Expected last inserted version, got %s", got.Metadata.Version)
	}
}

func TestCatalog_UpdateRequiresVersion(t *testing.T) {
	catalog := NewCatalog(newMockStore(), nil)
	_, err := catalog.Update(context.Background(), NewEntity(EntityFunction, "job", "proj", "f", nil))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected VALIDATION_ERROR, got: %v", err)
	}
}

func TestCatalog_UpdateKeepsExecutableSpecs(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMockStore(), nil)

	fn, err := catalog.Create(ctx, NewEntity(EntityFunction, "job", "proj", "f", map[string]interface{}{
		"image": "python:3.12", "replicas": 2,
	}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	fn.Metadata.Labels = []string{"prod"}
	fn.Status.State = "READY"
	updated, err := catalog.Update(ctx, fn)
	if err != nil {
		t.Fatalf("Expected metadata and status updates to pass, got: %v", err)
	}
	if len(updated.Metadata.Labels) != 1 || updated.Status.State != "READY" {
		t.Errorf("Expected metadata and status to be saved, got %+v", updated)
	}

	updated.Spec["image"] = "python:3.13"
	if _, err := catalog.Update(ctx, updated); !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected VALIDATION_ERROR for a spec change, got: %v", err)
	}
	stored, _ := catalog.Get(ctx, fn.Key())
	if stored.Spec["image"] != "python:3.12" {
		t.Errorf("Expected stored spec to be unchanged, got %v", stored.Spec["image"])
	}

	item, err := catalog.Create(ctx, NewEntity(EntityArtifact, "artifact", "proj", "a", map[string]interface{}{"path": "s3://b/a"}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	item.Spec["path"] = "s3://b/a2"
	if _, err := catalog.Update(ctx, item); err != nil {
		t.Errorf("Expected output specs to stay updatable, got: %v", err)
	}
}

func TestCatalog_ProjectIsNotVersioned(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMockStore(), NewKindRegistry())

	p, err := catalog.Create(ctx, NewEntity(EntityProject, "project", "proj", "proj", nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p.Metadata.Version != "proj" {
		t.Errorf("Expected project version to equal its name, got %s", p.Metadata.Version)
	}
	if _, err := catalog.NewVersion(ctx, p, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected VALIDATION_ERROR for project new version, got: %v", err)
	}
	if _, err := catalog.Create(ctx, NewEntity(EntityProject, "project", "proj", "proj", nil)); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ALREADY_EXISTS, got: %v", err)
	}
}

func TestDeterministicVersion(t *testing.T) {
	a := DeterministicVersion("run", "artifact", "out")
	b := DeterministicVersion("run", "artifact", "out")
	c := DeterministicVersion("run", "artifactout")
	if a != b {
		t.Error("Expected identical parts to yield the same version")
	}
	if a == c {
		t.Error("Expected part boundaries to matter")
	}
}
