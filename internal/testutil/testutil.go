// Package testutil holds fixtures shared by package tests: an in-memory
// entity store and a scriptable runtime adapter.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/stores"
)

// NewStore returns a migrated SQLite store in memory, closed with the test.
func NewStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// FastConfig keeps dispatcher retries in the millisecond range.
func FastConfig() engine.DispatcherConfig {
	p := engine.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, AttemptTimeout: 5 * time.Second}
	return engine.DispatcherConfig{Start: p, Poll: p, Stop: p, Collect: p}
}

// FakeAdapter is a runtime adapter whose poll results are scripted.
type FakeAdapter struct {
	mu sync.Mutex

	Runtime string
	Actions []string

	// States are returned by successive polls; the last one repeats.
	States []engine.State

	// Outputs are returned by CollectOutputs.
	Outputs []*engine.Entity

	starts   int
	stops    int
	collects int
}

// NewFakeAdapter returns an adapter for runtime with a single "job" action.
func NewFakeAdapter(runtime string) *FakeAdapter {
	return &FakeAdapter{Runtime: runtime, Actions: []string{"job"}}
}

// Factory returns a factory always yielding a.
func (a *FakeAdapter) Factory() engine.AdapterFactory {
	return func() engine.RuntimeAdapter { return a }
}

func (a *FakeAdapter) Descriptor() engine.Descriptor {
	return engine.Descriptor{Runtime: a.Runtime, Executable: engine.EntityFunction, Actions: a.Actions}
}

func (a *FakeAdapter) Validate(function, task *engine.Entity) error {
	return nil
}

func (a *FakeAdapter) BuildInvocation(function, task *engine.Entity, params map[string]interface{}) (*engine.Invocation, error) {
	action, _ := a.Descriptor().ActionOf(task.Kind)
	return engine.NewInvocation(a.Runtime, action, function, task, params, nil)
}

func (a *FakeAdapter) Start(ctx context.Context, inv *engine.Invocation) (*engine.ExecutionHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	return &engine.ExecutionHandle{ID: fmt.Sprintf("%s-native-%d", a.Runtime, a.starts)}, nil
}

func (a *FakeAdapter) Poll(ctx context.Context, h *engine.ExecutionHandle) (*engine.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.States) == 0 {
		return &engine.PollResult{State: engine.StateRunning}, nil
	}
	state := a.States[0]
	if len(a.States) > 1 {
		a.States = a.States[1:]
	}
	return &engine.PollResult{State: state}, nil
}

func (a *FakeAdapter) CollectOutputs(ctx context.Context, h *engine.ExecutionHandle) ([]*engine.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.collects++
	out := make([]*engine.Entity, 0, len(a.Outputs))
	for _, e := range a.Outputs {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (a *FakeAdapter) Stop(ctx context.Context, h *engine.ExecutionHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	return nil
}

// Counts returns the number of Start, Stop and CollectOutputs calls.
func (a *FakeAdapter) Counts() (starts, stops, collects int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts, a.stops, a.collects
}

// Fixture is a dispatcher over an in-memory store with one fake runtime
// and a function and task created for it.
type Fixture struct {
	Store      *stores.SQLiteStore
	Dispatcher *engine.Dispatcher
	Adapter    *FakeAdapter
	Function   *engine.Entity
	Task       *engine.Entity
}

// NewFixture registers a fake "container" runtime and creates function
// and task "train" in project "proj".
func NewFixture(t *testing.T, opts ...engine.DispatcherOption) *Fixture {
	t.Helper()

	store := NewStore(t)
	registry := engine.NewRegistry(nil)
	adapter := NewFakeAdapter("container")
	if err := registry.Register("container", adapter.Factory()); err != nil {
		t.Fatalf("failed to register runtime: %v", err)
	}
	opts = append([]engine.DispatcherOption{engine.WithDispatcherConfig(FastConfig())}, opts...)
	d := engine.NewDispatcher(store, registry, opts...)

	ctx := context.Background()
	fn, err := d.Catalog().Create(ctx, engine.NewEntity(engine.EntityFunction, "container", "proj", "train", map[string]interface{}{
		"image": "python:3.12",
	}))
	if err != nil {
		t.Fatalf("failed to create function: %v", err)
	}
	task, err := d.Catalog().Create(ctx, engine.NewEntity(engine.EntityTask, "container-job", "proj", "train", map[string]interface{}{
		"function": fn.Key().String(),
	}))
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return &Fixture{Store: store, Dispatcher: d, Adapter: adapter, Function: fn, Task: task}
}

// Submit submits a run of the fixture function named name.
func (f *Fixture) Submit(t *testing.T, name string) *engine.RunHandle {
	t.Helper()

	run := engine.NewEntity(engine.EntityRun, engine.RunKind("container"), "proj", name, map[string]interface{}{
		"function": f.Function.Key().String(),
		"task":     f.Task.Key().String(),
	})
	h, err := f.Dispatcher.Submit(context.Background(), run)
	if err != nil {
		t.Fatalf("failed to submit run: %v", err)
	}
	return h
}
