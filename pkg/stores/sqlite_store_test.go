package stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	// A single connection keeps every query on the same in-memory database.
	store, err := NewSQLiteStore(Config{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fixedClock returns a clock that only moves when advanced.
func fixedClock(start time.Time) (now func() time.Time, advance func(time.Duration)) {
	var mu sync.Mutex
	cur := start
	now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cur
	}
	advance = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(d)
	}
	return now, advance
}

func functionDoc(t *testing.T, name, image string) *engine.Document {
	t.Helper()
	fn := engine.NewEntity(engine.EntityFunction, "container", "proj", name, map[string]interface{}{"image": image})
	doc, err := fn.ToDocument()
	if err != nil {
		t.Fatalf("failed to build document: %v", err)
	}
	return doc
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"documents", "correlations", "transitions"} {
		var name string
		err := store.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestMigrate_NotInitialized(t *testing.T) {
	store, _ := NewSQLiteStore(Config{Path: ":memory:"})
	if err := store.Migrate(context.Background()); err == nil {
		t.Fatal("expected error before Init")
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check to fail before Init")
	}
}

func TestDocumentCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, functionDoc(t, "train", "app:1.0"))
	if err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a version to be assigned")
	}
	if created.Key != "store://proj/function/container/train:"+created.ID {
		t.Errorf("unexpected key %s", created.Key)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Errorf("expected equal creation and update timestamps, got %v / %v", created.CreatedAt, created.UpdatedAt)
	}

	key := engine.MustParseKey(created.Key)
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("failed to get document: %v", err)
	}
	e, err := engine.FromDocument(got)
	if err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}
	if e.SpecString("image") != "app:1.0" {
		t.Errorf("expected image app:1.0, got %q", e.SpecString("image"))
	}
	if e.Metadata.Version != created.ID {
		t.Errorf("expected version %s, got %s", created.ID, e.Metadata.Version)
	}

	e.Spec["image"] = "app:1.0-patched"
	doc, err := e.ToDocument()
	if err != nil {
		t.Fatalf("failed to build document: %v", err)
	}
	doc.Name = "renamed"
	updated, err := store.Update(ctx, key, doc)
	if err != nil {
		t.Fatalf("failed to update document: %v", err)
	}
	if updated.Name != "train" || updated.Key != created.Key {
		t.Errorf("update must not move the document, got %s", updated.Key)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("update must keep the creation time")
	}

	got, _ = store.Get(ctx, key)
	e, _ = engine.FromDocument(got)
	if e.SpecString("image") != "app:1.0-patched" {
		t.Errorf("expected updated image, got %q", e.SpecString("image"))
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("failed to delete document: %v", err)
	}
	if _, err := store.Get(ctx, key); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
	if err := store.Delete(ctx, key); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND deleting twice, got %v", err)
	}
	if _, err := store.Update(ctx, key, doc); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND updating a deleted document, got %v", err)
	}
}

func TestCreate_DuplicateVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	doc := functionDoc(t, "train", "app:1.0")
	doc.ID = "v1"
	if _, err := store.Create(ctx, doc); err != nil {
		t.Fatalf("failed to create document: %v", err)
	}

	_, err := store.Create(ctx, doc)
	if engine.CodeOf(err) != engine.ErrCodeAlreadyExists {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestList_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now, advance := fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store.now = now

	first, _ := store.Create(ctx, functionDoc(t, "train", "app:1.0"))
	advance(time.Second)
	second, _ := store.Create(ctx, functionDoc(t, "train", "app:1.1"))
	// Same tick as second: insertion order decides.
	third, _ := store.Create(ctx, functionDoc(t, "train", "app:1.2"))
	if _, err := store.Create(ctx, functionDoc(t, "other", "app:9")); err != nil {
		t.Fatalf("failed to create document: %v", err)
	}

	docs, err := store.List(ctx, "proj", engine.EntityFunction, engine.ListFilter{Kind: "container", Name: "train"})
	if err != nil {
		t.Fatalf("failed to list documents: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(docs))
	}
	want := []string{third.ID, second.ID, first.ID}
	for i, doc := range docs {
		if doc.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], doc.ID)
		}
	}

	docs, _ = store.List(ctx, "proj", engine.EntityFunction, engine.ListFilter{Name: "train", Limit: 1})
	if len(docs) != 1 || docs[0].ID != third.ID {
		t.Errorf("expected only the newest version with limit 1")
	}

	docs, _ = store.List(ctx, "proj", engine.EntityFunction, engine.ListFilter{})
	if len(docs) != 4 {
		t.Errorf("expected 4 functions in project, got %d", len(docs))
	}

	docs, _ = store.List(ctx, "other-proj", engine.EntityFunction, engine.ListFilter{})
	if len(docs) != 0 {
		t.Errorf("expected no documents in another project, got %d", len(docs))
	}
}

func TestResolverAgainstStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	catalog := engine.NewCatalog(store, nil)
	fn := engine.NewEntity(engine.EntityFunction, "container", "proj", "train", map[string]interface{}{"image": "app:1.0"})
	v1, err := catalog.Create(ctx, fn)
	if err != nil {
		t.Fatalf("failed to create function: %v", err)
	}
	v2, err := catalog.NewVersion(ctx, v1, map[string]interface{}{"image": "app:2.0"})
	if err != nil {
		t.Fatalf("failed to create version: %v", err)
	}

	key, err := catalog.Resolver().ResolveURI(ctx, "store://proj/function/container/train")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if key.Version != v2.Metadata.Version {
		t.Errorf("expected latest version %s, got %s", v2.Metadata.Version, key.Version)
	}

	_, err = catalog.Resolver().ResolveURI(ctx, "store://proj/function/container/missing:latest")
	if !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestCorrelations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	running := &engine.Correlation{
		Run:      "store://proj/run/job-run/r1:r1",
		Runtime:  "job",
		NativeID: "job-abc",
		Handle: engine.ExecutionHandle{
			Runtime: "job",
			ID:      "job-abc",
			Run:     "store://proj/run/job-run/r1:r1",
			Data:    map[string]string{"namespace": "default"},
		},
		State: engine.StateRunning,
	}
	done := &engine.Correlation{
		Run:      "store://proj/run/job-run/r2:r2",
		Runtime:  "job",
		NativeID: "job-def",
		Handle:   engine.ExecutionHandle{Runtime: "job", ID: "job-def"},
		State:    engine.StateCompleted,
	}
	for _, c := range []*engine.Correlation{running, done} {
		if err := store.SaveCorrelation(ctx, c); err != nil {
			t.Fatalf("failed to save correlation: %v", err)
		}
	}

	got, err := store.GetCorrelation(ctx, running.Run)
	if err != nil {
		t.Fatalf("failed to get correlation: %v", err)
	}
	if got.Handle.Data["namespace"] != "default" || got.State != engine.StateRunning {
		t.Errorf("unexpected correlation %+v", got)
	}

	found, err := store.FindCorrelation(ctx, "job", "job-def")
	if err != nil {
		t.Fatalf("failed to find correlation: %v", err)
	}
	if found.Run != done.Run {
		t.Errorf("expected %s, got %s", done.Run, found.Run)
	}
	if _, err := store.FindCorrelation(ctx, "container", "job-def"); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for another runtime, got %v", err)
	}

	active, _ := store.ListCorrelations(ctx, true)
	if len(active) != 1 || active[0].Run != running.Run {
		t.Errorf("expected only the running correlation, got %d", len(active))
	}
	all, _ := store.ListCorrelations(ctx, false)
	if len(all) != 2 {
		t.Errorf("expected 2 correlations, got %d", len(all))
	}

	// Upsert keeps the creation time.
	running.State = engine.StateCompleted
	if err := store.SaveCorrelation(ctx, running); err != nil {
		t.Fatalf("failed to update correlation: %v", err)
	}
	updated, _ := store.GetCorrelation(ctx, running.Run)
	if updated.State != engine.StateCompleted || !updated.CreatedAt.Equal(got.CreatedAt) {
		t.Errorf("unexpected upserted correlation %+v", updated)
	}

	// A native id belongs to one run.
	clash := *done
	clash.Run = "store://proj/run/job-run/r3:r3"
	if err := store.SaveCorrelation(ctx, &clash); engine.CodeOf(err) != engine.ErrCodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS for a reused native id, got %v", err)
	}

	if err := store.DeleteCorrelation(ctx, running.Run); err != nil {
		t.Fatalf("failed to delete correlation: %v", err)
	}
	if _, err := store.GetCorrelation(ctx, running.Run); !engine.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
	if err := store.DeleteCorrelation(ctx, running.Run); err != nil {
		t.Errorf("deleting a missing correlation should succeed, got %v", err)
	}
}

func TestTransitionJournal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	run := engine.NewEntity(engine.EntityRun, "job-run", "proj", "r1", map[string]interface{}{
		"task": "store://proj/task/job-job/t1:v1",
	})
	run.Metadata.Version = "r1"
	run.Status = engine.NewRunStatus(at)

	doc, _ := run.ToDocument()
	created, err := store.Create(ctx, doc)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	if _, err := run.Status.Transition(engine.StateRunning, "", at.Add(time.Second)); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := run.Status.Transition(engine.StateCompleted, "done", at.Add(2*time.Second)); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	doc, _ = run.ToDocument()
	key := engine.MustParseKey(created.Key)
	if _, err := store.Update(ctx, key, doc); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}
	// Re-saving the same status appends nothing.
	if _, err := store.Update(ctx, key, doc); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	records, err := store.ListTransitions(ctx, created.Key)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	want := []engine.State{engine.StateCreated, engine.StateRunning, engine.StateCompleted}
	if len(records) != len(want) {
		t.Fatalf("expected %d journal entries, got %d", len(want), len(records))
	}
	for i, r := range records {
		if r.To != want[i] || r.Position != i {
			t.Errorf("entry %d: expected %s at %d, got %s at %d", i, want[i], i, r.To, r.Position)
		}
	}
	if records[2].From != engine.StateRunning || records[2].Message != "done" {
		t.Errorf("unexpected final entry %+v", records[2])
	}
	if !records[1].At.Equal(at.Add(time.Second)) {
		t.Errorf("expected transition time to round-trip, got %v", records[1].At)
	}

	// Rewriting history is rejected.
	full := run.Status.History
	run.Status.History = full[:1]
	doc, _ = run.ToDocument()
	if _, err := store.Update(ctx, key, doc); err == nil {
		t.Error("expected truncated history to be rejected")
	}

	// So is a history of the same length that diverges from the journal,
	// e.g. a concurrent writer replacing COMPLETED with STOPPED.
	diverged := append([]engine.Transition(nil), full[:2]...)
	diverged = append(diverged, engine.Transition{From: engine.StateRunning, To: engine.StateStopped, At: at.Add(3 * time.Second)})
	run.Status.History = diverged
	run.Status.State = engine.StateStopped
	doc, _ = run.ToDocument()
	if _, err := store.Update(ctx, key, doc); err == nil {
		t.Error("expected divergent history to be rejected")
	}
	records, _ = store.ListTransitions(ctx, created.Key)
	if len(records) != 3 || records[2].To != engine.StateCompleted {
		t.Errorf("expected journal to keep COMPLETED, got %+v", records)
	}

	// Journal rows follow their run.
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	records, _ = store.ListTransitions(ctx, created.Key)
	if len(records) != 0 {
		t.Errorf("expected journal to be removed with the run, got %d rows", len(records))
	}
}

func TestPendingCorrelations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Runs not yet accepted by a backend share the empty native id.
	for _, run := range []string{"store://proj/run/job-run/a:a", "store://proj/run/job-run/b:b"} {
		corr := &engine.Correlation{Run: run, Runtime: "job", State: engine.StateCreated, CreatedAt: at, UpdatedAt: at}
		if err := store.SaveCorrelation(ctx, corr); err != nil {
			t.Fatalf("failed to save pending correlation %s: %v", run, err)
		}
	}

	got, err := store.GetCorrelation(ctx, "store://proj/run/job-run/a:a")
	if err != nil {
		t.Fatalf("failed to get correlation: %v", err)
	}
	if !got.Pending() {
		t.Errorf("expected pending correlation, got native id %q", got.NativeID)
	}

	active, err := store.ListCorrelations(ctx, true)
	if err != nil {
		t.Fatalf("failed to list active correlations: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active correlations, got %d", len(active))
	}

	// Native ids stay unique once assigned.
	for _, run := range []string{"store://proj/run/job-run/a:a", "store://proj/run/job-run/b:b"} {
		corr := &engine.Correlation{Run: run, Runtime: "job", NativeID: "job-1", State: engine.StateRunning, CreatedAt: at, UpdatedAt: at}
		err = store.SaveCorrelation(ctx, corr)
	}
	if err == nil {
		t.Error("expected a duplicate native id to be rejected")
	}
}
