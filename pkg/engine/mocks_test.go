package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// Mock entity and correlation store for testing
type mockStore struct {
	mu           sync.Mutex
	docs         map[string]*Document
	seq          map[string]int
	next         int
	correlations map[string]*Correlation
	clock        func() time.Time
	listCalls    int
}

func newMockStore() *mockStore {
	return &mockStore{
		docs:         make(map[string]*Document),
		seq:          make(map[string]int),
		correlations: make(map[string]*Correlation),
		clock:        time.Now,
	}
}

func (m *mockStore) Create(ctx context.Context, doc *Document) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *doc
	if cp.ID == "" {
		cp.ID = NewVersionID()
	}
	key := Key{Project: cp.Project, EntityType: cp.EntityType, Kind: cp.Kind, Name: cp.Name, Version: cp.ID}
	if _, exists := m.docs[key.String()]; exists {
		return nil, NewAlreadyExistsError(key.String())
	}
	now := m.clock()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Key = key.String()
	m.docs[key.String()] = &cp
	m.next++
	m.seq[key.String()] = m.next

	out := cp
	return &out, nil
}

func (m *mockStore) Get(ctx context.Context, key Key) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[key.String()]
	if !ok {
		return nil, NewNotFoundError(string(key.EntityType), key.String())
	}
	out := *doc
	return &out, nil
}

func (m *mockStore) Update(ctx context.Context, key Key, doc *Document) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.docs[key.String()]
	if !ok {
		return nil, NewNotFoundError(string(key.EntityType), key.String())
	}
	cp := *doc
	cp.ID = existing.ID
	cp.Key = existing.Key
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = m.clock()
	m.docs[key.String()] = &cp

	out := cp
	return &out, nil
}

func (m *mockStore) List(ctx context.Context, project string, t EntityType, filter ListFilter) ([]*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++

	out := make([]*Document, 0)
	for _, doc := range m.docs {
		if doc.Project != project || doc.EntityType != t {
			continue
		}
		if filter.Kind != "" && doc.Kind != filter.Kind {
			continue
		}
		if filter.Name != "" && doc.Name != filter.Name {
			continue
		}
		cp := *doc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.seq[out[i].Key] > m.seq[out[j].Key]
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *mockStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[key.String()]; !ok {
		return NewNotFoundError(string(key.EntityType), key.String())
	}
	delete(m.docs, key.String())
	return nil
}

func (m *mockStore) SaveCorrelation(ctx context.Context, c *Correlation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.correlations[c.Run] = &cp
	return nil
}

func (m *mockStore) GetCorrelation(ctx context.Context, run string) (*Correlation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.correlations[run]
	if !ok {
		return nil, NewNotFoundError("correlation", run)
	}
	cp := *c
	return &cp, nil
}

func (m *mockStore) FindCorrelation(ctx context.Context, runtime, nativeID string) (*Correlation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.correlations {
		if c.Runtime == runtime && c.NativeID == nativeID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, NewNotFoundError("correlation", runtime+"/"+nativeID)
}

func (m *mockStore) ListCorrelations(ctx context.Context, activeOnly bool) ([]*Correlation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Correlation, 0)
	for _, c := range m.correlations {
		if activeOnly && !c.State.IsActive() {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Run < out[j].Run })
	return out, nil
}

func (m *mockStore) DeleteCorrelation(ctx context.Context, run string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.correlations, run)
	return nil
}

func (m *mockStore) count(t EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, doc := range m.docs {
		if doc.EntityType == t {
			n++
		}
	}
	return n
}

// Mock runtime adapter for testing
type mockAdapter struct {
	mu sync.Mutex

	runtime    string
	executable EntityType
	actions    []string

	validateErr error
	startErrs   []error
	startFn     func(inv *Invocation)
	startCalls  int
	pollResults []*PollResult
	pollErrs    []error
	pollCalls   int
	pollDelay   time.Duration
	collectErr  error
	collectFn   func(h *ExecutionHandle) []*Entity
	collects    int
	stops       int
	invocations []*Invocation
}

func newMockAdapter(runtime string) *mockAdapter {
	return &mockAdapter{runtime: runtime, executable: EntityFunction, actions: []string{"job"}}
}

func (m *mockAdapter) factory() AdapterFactory {
	return func() RuntimeAdapter { return m }
}

func (m *mockAdapter) Descriptor() Descriptor {
	return Descriptor{Runtime: m.runtime, Executable: m.executable, Actions: m.actions}
}

func (m *mockAdapter) Validate(function, task *Entity) error {
	return m.validateErr
}

func (m *mockAdapter) BuildInvocation(function, task *Entity, params map[string]interface{}) (*Invocation, error) {
	action, _ := m.Descriptor().ActionOf(task.Kind)
	return NewInvocation(m.runtime, action, function, task, params, nil)
}

func (m *mockAdapter) Start(ctx context.Context, inv *Invocation) (*ExecutionHandle, error) {
	if m.startFn != nil {
		m.startFn(inv)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startCalls++
	m.invocations = append(m.invocations, inv)
	if m.startCalls <= len(m.startErrs) && m.startErrs[m.startCalls-1] != nil {
		return nil, m.startErrs[m.startCalls-1]
	}
	return &ExecutionHandle{ID: fmt.Sprintf("native-%d", m.startCalls)}, nil
}

func (m *mockAdapter) Poll(ctx context.Context, h *ExecutionHandle) (*PollResult, error) {
	m.mu.Lock()
	m.pollCalls++
	n := m.pollCalls
	delay := m.pollDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if n <= len(m.pollErrs) && m.pollErrs[n-1] != nil {
		return nil, m.pollErrs[n-1]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pollResults) == 0 {
		return &PollResult{State: StateRunning}, nil
	}
	r := m.pollResults[0]
	if len(m.pollResults) > 1 {
		m.pollResults = m.pollResults[1:]
	}
	return r, nil
}

func (m *mockAdapter) CollectOutputs(ctx context.Context, h *ExecutionHandle) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collects++
	if m.collectErr != nil {
		return nil, m.collectErr
	}
	if m.collectFn != nil {
		return m.collectFn(h), nil
	}
	return nil, nil
}

func (m *mockAdapter) Stop(ctx context.Context, h *ExecutionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

// hookLocker runs onFirst before the first lock is taken.
type hookLocker struct {
	inner   RunLocker
	once    sync.Once
	onFirst func(run string)
}

func (l *hookLocker) Lock(ctx context.Context, run string) (func(), error) {
	l.once.Do(func() { l.onFirst(run) })
	return l.inner.Lock(ctx, run)
}

// fastConfig keeps retry backoff in the millisecond range.
func fastConfig() DispatcherConfig {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, AttemptTimeout: time.Second}
	return DispatcherConfig{Start: p, Poll: p, Stop: p, Collect: p}
}

type fixture struct {
	store      *mockStore
	registry   *Registry
	dispatcher *Dispatcher
	adapter    *mockAdapter
	function   *Entity
	task       *Entity
}

// newFixture registers a mock runtime named "container" and creates a
// function and task for it in project "proj".
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMockStore()
	registry := NewRegistry(nil)
	adapter := newMockAdapter("container")
	if err := registry.Register("container", adapter.factory()); err != nil {
		t.Fatalf("Failed to register runtime: %v", err)
	}
	d := NewDispatcher(store, registry, WithDispatcherConfig(fastConfig()))

	ctx := context.Background()
	fn, err := d.Catalog().Create(ctx, NewEntity(EntityFunction, "container", "proj", "train", map[string]interface{}{
		"image": "python:3.12",
	}))
	if err != nil {
		t.Fatalf("Failed to create function: %v", err)
	}
	task, err := d.Catalog().Create(ctx, NewEntity(EntityTask, "container-job", "proj", "train", map[string]interface{}{
		"function": fn.Key().String(),
	}))
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	return &fixture{store: store, registry: registry, dispatcher: d, adapter: adapter, function: fn, task: task}
}

func (f *fixture) newRun(params map[string]interface{}) *Entity {
	spec := map[string]interface{}{
		"function": f.function.Key().String(),
		"task":     f.task.Key().String(),
	}
	if params != nil {
		spec["parameters"] = params
	}
	return NewEntity(EntityRun, "", "proj", "", spec)
}
