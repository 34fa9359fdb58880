package engine

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestEntity_DocumentRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Entity{
		EntityType: EntityArtifact,
		Kind:       "model",
		Metadata: Metadata{
			Project:   "proj",
			Name:      "out",
			Version:   "v1",
			CreatedAt: &created,
			UpdatedAt: &created,
			CreatedBy: "alice",
			Labels:    []string{"a", "b"},
		},
		Spec: map[string]interface{}{
			"path":  "s3://bucket/out/",
			"size":  int64(42),
			"extra": map[string]interface{}{"k": "v"},
		},
		Status: Status{
			State: StateReady,
			Files: []FileInfo{{Path: "out/model.pkl", Name: "model.pkl", Size: 42, Hash: "md5:abc"}},
		},
	}

	doc, err := e.ToDocument()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if doc.Key != "store://proj/artifact/model/out:v1" {
		t.Errorf("Unexpected document key %s", doc.Key)
	}
	if doc.ID != "v1" {
		t.Errorf("Expected document id v1, got %s", doc.ID)
	}

	back, err := FromDocument(doc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reflect.DeepEqual(e.Spec, back.Spec) {
		t.Errorf("Spec mismatch: %v vs %v", e.Spec, back.Spec)
	}
	if !reflect.DeepEqual(e.Status, back.Status) {
		t.Errorf("Status mismatch: %+v vs %+v", e.Status, back.Status)
	}
	if back.Key() != e.Key() {
		t.Errorf("Key mismatch: %s vs %s", back.Key(), e.Key())
	}
	if back.Metadata.CreatedBy != "alice" || !reflect.DeepEqual(back.Metadata.Labels, e.Metadata.Labels) {
		t.Errorf("Metadata mismatch: %+v", back.Metadata)
	}
	if !back.Metadata.CreatedAt.Equal(created) {
		t.Errorf("Expected created timestamp preserved, got %v", back.Metadata.CreatedAt)
	}
}

func TestEntity_DocumentRoundTripKeepsIntegers(t *testing.T) {
	e := NewEntity(EntityRun, "container-run", "proj", "r1", map[string]interface{}{
		"replicas":  int64(2),
		"big":       int64(9007199254740993),
		"ratio":     0.5,
		"shards":    []interface{}{int64(1), int64(2)},
		"resources": map[string]interface{}{"gpu": int64(1)},
	})
	e.Metadata.Version = "v1"
	e.Status.Results = map[string]interface{}{"rows": int64(1) << 60, "score": 0.75}

	doc, err := e.ToDocument()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	back, err := FromDocument(doc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !reflect.DeepEqual(e.Spec, back.Spec) {
		t.Errorf("Spec mismatch: %#v vs %#v", e.Spec, back.Spec)
	}
	if !reflect.DeepEqual(e.Status.Results, back.Status.Results) {
		t.Errorf("Results mismatch: %#v vs %#v", e.Status.Results, back.Status.Results)
	}
}

func TestFromDocument_ServerFieldsWin(t *testing.T) {
	e := NewEntity(EntityFunction, "container", "proj", "f", nil)
	doc, err := e.ToDocument()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	now := time.Now().UTC()
	doc.ID = "server-assigned"
	doc.CreatedAt = now

	back, err := FromDocument(doc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if back.Metadata.Version != "server-assigned" {
		t.Errorf("Expected server version, got %s", back.Metadata.Version)
	}
	if back.Metadata.CreatedAt == nil || !back.Metadata.CreatedAt.Equal(now) {
		t.Errorf("Expected server timestamp, got %v", back.Metadata.CreatedAt)
	}
}

func TestEntity_Validate(t *testing.T) {
	kinds := NewKindRegistry()
	kinds.Add(EntityFunction, "container")
	kinds.Add(EntityTask, "container-job")
	kinds.Add(EntityRun, "container-run")

	fnKey := "store://proj/function/container/f:v1"
	tests := []struct {
		name    string
		entity  *Entity
		wantErr bool
	}{
		{"valid function", NewEntity(EntityFunction, "container", "proj", "f", nil), false},
		{"unregistered kind", NewEntity(EntityFunction, "spark", "proj", "f", nil), true},
		{"missing name", NewEntity(EntityFunction, "container", "proj", "", nil), true},
		{"uppercase project", NewEntity(EntityFunction, "container", "Proj", "f", nil), true},
		{"unknown entity type", NewEntity(EntityType("secret"), "container", "proj", "f", nil), true},
		{"valid task", NewEntity(EntityTask, "container-job", "proj", "f", map[string]interface{}{"function": fnKey}), false},
		{"task without function", NewEntity(EntityTask, "container-job", "proj", "f", nil), true},
		{"valid run", NewEntity(EntityRun, "container-run", "proj", "r", map[string]interface{}{"function": fnKey}), false},
		{"run with bad function key", NewEntity(EntityRun, "container-run", "proj", "r", map[string]interface{}{"function": "f"}), true},
		{"run referencing artifact", NewEntity(EntityRun, "container-run", "proj", "r", map[string]interface{}{"function": "store://proj/artifact/model/x"}), true},
		{"builtin output kind", NewEntity(EntityDataItem, "table", "proj", "d", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entity.Validate(kinds)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected validation error")
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("Expected VALIDATION_ERROR, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestEntity_UpdateVersusNewVersion(t *testing.T) {
	e := NewEntity(EntityFunction, "container", "proj", "f", map[string]interface{}{"image": "a:1", "cmd": "run"})
	e.Metadata.Version = "v1"
	now := time.Now()
	e.Metadata.CreatedAt = &now

	e.Update(map[string]interface{}{"image": "a:2", "cmd": nil})
	if e.Metadata.Version != "v1" {
		t.Error("Expected Update to keep the version")
	}
	if e.Spec["image"] != "a:2" {
		t.Errorf("Expected image updated, got %v", e.Spec["image"])
	}
	if _, ok := e.Spec["cmd"]; ok {
		t.Error("Expected nil delta to delete the field")
	}

	next := e.NewVersion(map[string]interface{}{"image": "a:3"})
	if next.Metadata.Version != "" || next.Metadata.CreatedAt != nil {
		t.Error("Expected NewVersion to clear server-assigned fields")
	}
	if next.Key().Unversioned() != e.Key().Unversioned() {
		t.Error("Expected NewVersion to keep identity")
	}
	if e.Spec["image"] != "a:2" {
		t.Error("Expected NewVersion not to modify the original")
	}
}

func TestMetadata_Labels(t *testing.T) {
	m := Metadata{}
	m.AddLabels("b", "a", "b", "")
	if !reflect.DeepEqual(m.Labels, []string{"a", "b"}) {
		t.Errorf("Expected sorted label set, got %v", m.Labels)
	}
}

func TestMergeSpecsAndDigest(t *testing.T) {
	fn := NewEntity(EntityFunction, "container", "proj", "f", map[string]interface{}{
		"image":     "a:1",
		"resources": map[string]interface{}{"cpu": "1", "memory": "1Gi"},
	})
	fn.Metadata.Version = "v1"
	task := NewEntity(EntityTask, "container-job", "proj", "f", map[string]interface{}{
		"function":  fn.Key().String(),
		"resources": map[string]interface{}{"cpu": "2"},
	})
	task.Metadata.Version = "t1"

	inv1, err := NewInvocation("container", "job", fn, task, map[string]interface{}{"x": 1}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res := inv1.Spec["resources"].(map[string]interface{})
	if res["cpu"] != "2" || res["memory"] != "1Gi" {
		t.Errorf("Expected task spec merged over function spec, got %v", res)
	}
	if _, ok := inv1.Spec["function"]; ok {
		t.Error("Expected task reference fields to be dropped")
	}

	inv2, _ := NewInvocation("container", "job", fn, task, map[string]interface{}{"x": 1}, nil)
	if inv1.Digest != inv2.Digest {
		t.Error("Expected identical inputs to produce identical digests")
	}
	inv3, _ := NewInvocation("container", "job", fn, task, map[string]interface{}{"x": 2}, nil)
	if inv1.Digest == inv3.Digest {
		t.Error("Expected different parameters to change the digest")
	}
	if fn.Spec["resources"].(map[string]interface{})["cpu"] != "1" {
		t.Error("Expected merge not to modify inputs")
	}
}
