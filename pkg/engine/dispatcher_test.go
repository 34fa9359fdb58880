package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func (f *fixture) load(t *testing.T, key Key) *Entity {
	t.Helper()
	run, err := f.dispatcher.Catalog().Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Failed to load %s: %v", key, err)
	}
	return run
}

func historyStates(s Status) []State {
	out := make([]State, 0, len(s.History))
	for _, tr := range s.History {
		out = append(out, tr.To)
	}
	return out
}

func TestDispatcher_Submit_CompletesAndRegistersOutputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.pollResults = []*PollResult{{State: StateCompleted, NativeState: "Succeeded", Results: map[string]interface{}{"accuracy": 0.9}}}
	f.adapter.collectFn = func(h *ExecutionHandle) []*Entity {
		return []*Entity{NewEntity(EntityArtifact, "model", "", "out", map[string]interface{}{"path": "s3://bucket/out/"})}
	}

	handle, err := f.dispatcher.Submit(ctx, f.newRun(map[string]interface{}{"epochs": 3}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if handle.State != StateRunning || handle.NativeID != "native-1" {
		t.Fatalf("Unexpected handle %+v", handle)
	}
	if handle.Run.Kind != "container-run" {
		t.Errorf("Expected run kind container-run, got %s", handle.Run.Kind)
	}

	run, err := f.dispatcher.Poll(ctx, handle.Run)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status.State != StateCompleted {
		t.Fatalf("Expected COMPLETED, got %s", run.Status.State)
	}

	stored := f.load(t, handle.Run)
	want := []State{StateCreated, StateRunning, StateCompleted}
	if got := historyStates(stored.Status); !equalStates(got, want) {
		t.Errorf("Expected history %v, got %v", want, got)
	}
	if stored.Status.Results["accuracy"] != 0.9 {
		t.Errorf("Expected results recorded, got %v", stored.Status.Results)
	}

	outKey, ok := stored.Status.Outputs["out"]
	if !ok {
		t.Fatalf("Expected output out to be recorded, got %v", stored.Status.Outputs)
	}
	if !strings.HasPrefix(outKey, "store://proj/artifact/model/out:") {
		t.Errorf("Unexpected output key %s", outKey)
	}
	out, err := f.dispatcher.Catalog().GetURI(ctx, outKey)
	if err != nil {
		t.Fatalf("Expected output entity, got: %v", err)
	}
	if out.Status.State != StateReady || out.Spec["run"] != handle.Run.String() {
		t.Errorf("Unexpected output entity %+v", out)
	}
	if f.store.count(EntityArtifact) != 1 {
		t.Errorf("Expected exactly one artifact, got %d", f.store.count(EntityArtifact))
	}

	// Collecting again registers nothing new.
	if _, err := f.dispatcher.Collect(ctx, handle.Run); err != nil {
		t.Fatalf("Expected idempotent collect, got: %v", err)
	}
	if f.store.count(EntityArtifact) != 1 {
		t.Errorf("Expected collection to be idempotent, got %d artifacts", f.store.count(EntityArtifact))
	}
	if got := f.load(t, handle.Run).Status.Outputs["out"]; got != outKey {
		t.Errorf("Expected same output key, got %s", got)
	}
}

func TestDispatcher_Submit_PersistsCorrelation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.dispatcher.Submit(ctx, f.newRun(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	corr, err := f.store.GetCorrelation(ctx, handle.Run.String())
	if err != nil {
		t.Fatalf("Expected correlation, got: %v", err)
	}
	if corr.NativeID != "native-1" || corr.Runtime != "container" || corr.State != StateRunning {
		t.Errorf("Unexpected correlation %+v", corr)
	}

	found, err := f.store.FindCorrelation(ctx, "container", "native-1")
	if err != nil || found.Run != handle.Run.String() {
		t.Errorf("Expected reverse lookup to find run, got %+v (%v)", found, err)
	}

	inv := f.adapter.invocations[0]
	if inv.Run != handle.Run.String() || inv.Action != "job" || inv.Spec["image"] != "python:3.12" {
		t.Errorf("Unexpected invocation %+v", inv)
	}
	if f.load(t, handle.Run).Spec["digest"] != inv.Digest {
		t.Error("Expected run to record the invocation digest")
	}
}

func TestDispatcher_Submit_UnsupportedKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fn, err := NewCatalog(f.store, nil).Create(ctx, NewEntity(EntityFunction, "unknown", "proj", "odd", nil))
	if err != nil {
		t.Fatalf("Failed to create function: %v", err)
	}
	run := NewEntity(EntityRun, "", "proj", "", map[string]interface{}{
		"function": fn.Key().String(),
		"task":     f.task.Key().String(),
	})

	_, err = f.dispatcher.Submit(ctx, run)
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("Expected UNSUPPORTED_KIND, got: %v", err)
	}
	if n := f.store.count(EntityRun); n != 0 {
		t.Errorf("Expected no run persisted, got %d", n)
	}

	_, err = f.dispatcher.SubmitPayload(ctx, &Payload{Function: fn.Key().String(), TaskSpec: map[string]interface{}{"kind": "unknown-job"}})
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("Expected UNSUPPORTED_KIND from payload, got: %v", err)
	}
	if n := f.store.count(EntityRun) + f.store.count(EntityTask); n != 1 {
		t.Errorf("Expected nothing persisted by payload submission, got %d runs and tasks", n)
	}
	if f.adapter.startCalls != 0 {
		t.Errorf("Expected no backend call, got %d", f.adapter.startCalls)
	}
}

func TestDispatcher_Submit_RetriesBackendUnavailable(t *testing.T) {
	f := newFixture(t)
	unavailable := NewBackendUnavailableError("connection refused", nil)
	f.adapter.startErrs = []error{unavailable, unavailable, unavailable}

	handle, err := f.dispatcher.Submit(context.Background(), f.newRun(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if f.adapter.startCalls != 4 {
		t.Errorf("Expected 4 start attempts, got %d", f.adapter.startCalls)
	}

	run := f.load(t, handle.Run)
	if run.Status.State != StateRunning {
		t.Fatalf("Expected RUNNING, got %s", run.Status.State)
	}
	for _, s := range historyStates(run.Status) {
		if s == StateError {
			t.Fatalf("Expected no ERROR transition, got history %v", historyStates(run.Status))
		}
	}
}

func TestDispatcher_Submit_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	unavailable := NewBackendUnavailableError("connection refused", nil)
	f.adapter.startErrs = []error{unavailable, unavailable, unavailable, unavailable}

	handle, err := f.dispatcher.Submit(context.Background(), f.newRun(nil))
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("Expected BACKEND_UNAVAILABLE, got: %v", err)
	}
	if handle == nil || handle.State != StateError {
		t.Fatalf("Expected ERROR handle, got %+v", handle)
	}

	run := f.load(t, handle.Run)
	if run.Status.State != StateError {
		t.Errorf("Expected ERROR, got %s", run.Status.State)
	}
	if !strings.Contains(run.Status.Message, "connection refused") {
		t.Errorf("Expected error message recorded, got %q", run.Status.Message)
	}
	if _, err := f.store.GetCorrelation(context.Background(), handle.Run.String()); !IsNotFound(err) {
		t.Errorf("Expected no correlation for a failed start, got: %v", err)
	}
}

func TestDispatcher_Submit_RejectedIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.adapter.startErrs = []error{NewRejectedByBackendError("image not allowed", nil)}

	handle, err := f.dispatcher.Submit(context.Background(), f.newRun(nil))
	if !errors.Is(err, ErrRejectedByBackend) {
		t.Fatalf("Expected REJECTED_BY_BACKEND, got: %v", err)
	}
	if f.adapter.startCalls != 1 {
		t.Errorf("Expected a single attempt, got %d", f.adapter.startCalls)
	}
	if f.load(t, handle.Run).Status.State != StateError {
		t.Error("Expected run in ERROR")
	}
}

func TestDispatcher_Submit_ValidationFailuresPersistNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, run *Entity)
	}{
		{"adapter validation", func(f *fixture, run *Entity) {
			f.adapter.validateErr = NewValidationError("image is required", nil)
		}},
		{"missing task", func(f *fixture, run *Entity) {
			delete(run.Spec, "task")
		}},
		{"malformed function key", func(f *fixture, run *Entity) {
			run.Spec["function"] = "train"
		}},
		{"wrong run kind", func(f *fixture, run *Entity) {
			run.Kind = "job-run"
		}},
		{"policy denial", func(f *fixture, run *Entity) {
			f.dispatcher.policy = denyAll{}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			run := f.newRun(nil)
			tt.mutate(f, run)

			_, err := f.dispatcher.Submit(context.Background(), run)
			if !IsValidation(err) {
				t.Fatalf("Expected validation error, got: %v", err)
			}
			if n := f.store.count(EntityRun); n != 0 {
				t.Errorf("Expected no run persisted, got %d", n)
			}
		})
	}
}

type denyAll struct{}

func (denyAll) EvaluateSubmission(ctx context.Context, sub *Submission) error {
	return NewValidationError("denied", nil).WithCode(ErrCodePolicyDenied)
}

func TestDispatcher_Poll_TransientFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, err := f.dispatcher.Submit(ctx, f.newRun(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	down := NewBackendUnavailableError("api down", nil)
	f.adapter.pollErrs = []error{down, down, down, down}

	_, err = f.dispatcher.Poll(ctx, handle.Run)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("Expected BACKEND_UNAVAILABLE, got: %v", err)
	}
	run := f.load(t, handle.Run)
	if run.Status.State != StateRunning {
		t.Errorf("Expected RUNNING after a failed poll, got %s", run.Status.State)
	}
	if len(run.Status.History) != 2 {
		t.Errorf("Expected no new transitions, got %v", historyStates(run.Status))
	}

	// The backend recovers.
	f.adapter.pollResults = []*PollResult{{State: StateError, Message: "OOMKilled"}}
	run, err = f.dispatcher.Poll(ctx, handle.Run)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status.State != StateError || run.Status.Message != "OOMKilled" {
		t.Errorf("Expected ERROR from backend, got %s (%s)", run.Status.State, run.Status.Message)
	}
}

func TestDispatcher_Poll_LivenessTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, err := f.dispatcher.Submit(ctx, f.newRun(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	f.dispatcher.cfg.Poll = RetryPolicy{MaxRetries: 0, AttemptTimeout: 20 * time.Millisecond}
	f.adapter.pollDelay = 300 * time.Millisecond

	start := time.Now()
	_, err = f.dispatcher.Poll(ctx, handle.Run)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("Expected BACKEND_UNAVAILABLE, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Expected poll to give up at the liveness timeout, took %v", elapsed)
	}
	if f.load(t, handle.Run).Status.State != StateRunning {
		t.Error("Expected a stalled poll not to change state")
	}
}

func TestDispatcher_Poll_ProgressOnlyWhenResultsChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, _ := f.dispatcher.Submit(ctx, f.newRun(nil))

	f.adapter.pollResults = []*PollResult{
		{State: StateRunning},
		{State: StateRunning, Results: map[string]interface{}{"step": 1}},
		{State: StateRunning, Results: map[string]interface{}{"step": 1}},
	}
	for i := 0; i < 3; i++ {
		if _, err := f.dispatcher.Poll(ctx, handle.Run); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	want := []State{StateCreated, StateRunning, StateRunning}
	if got := historyStates(f.load(t, handle.Run).Status); !equalStates(got, want) {
		t.Errorf("Expected history %v, got %v", want, got)
	}
}

func TestDispatcher_Stop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, _ := f.dispatcher.Submit(ctx, f.newRun(nil))

	run, err := f.dispatcher.Stop(ctx, handle.Run)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status.State != StateStopped || f.adapter.stops != 1 {
		t.Fatalf("Expected STOPPED after one backend stop, got %s (%d)", run.Status.State, f.adapter.stops)
	}
	corr, _ := f.store.GetCorrelation(ctx, handle.Run.String())
	if corr.State != StateStopped {
		t.Errorf("Expected correlation STOPPED, got %s", corr.State)
	}

	history := len(f.load(t, handle.Run).Status.History)
	run, err = f.dispatcher.Stop(ctx, handle.Run)
	if err != nil {
		t.Fatalf("Expected stop on a terminal run to succeed, got: %v", err)
	}
	if run.Status.State != StateStopped || f.adapter.stops != 1 {
		t.Errorf("Expected no-op stop, got %s (%d stops)", run.Status.State, f.adapter.stops)
	}
	if len(f.load(t, handle.Run).Status.History) != history {
		t.Error("Expected no new transition")
	}
}

func TestDispatcher_Stop_CompletedRunIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, _ := f.dispatcher.Submit(ctx, f.newRun(nil))
	f.adapter.pollResults = []*PollResult{{State: StateCompleted}}
	if _, err := f.dispatcher.Poll(ctx, handle.Run); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	run, err := f.dispatcher.Stop(ctx, handle.Run)
	if err != nil || run.Status.State != StateCompleted {
		t.Fatalf("Expected COMPLETED unchanged, got %s (%v)", run.Status.State, err)
	}
	if f.adapter.stops != 0 {
		t.Errorf("Expected no backend stop, got %d", f.adapter.stops)
	}
}

func TestDispatcher_CollectFailureKeepsCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, _ := f.dispatcher.Submit(ctx, f.newRun(nil))

	f.adapter.pollResults = []*PollResult{{State: StateCompleted}}
	f.adapter.collectErr = NewRejectedByBackendError("bucket missing", nil)

	run, err := f.dispatcher.Poll(ctx, handle.Run)
	if err != nil {
		t.Fatalf("Expected poll to succeed despite collection failure, got: %v", err)
	}
	if run.Status.State != StateCompleted {
		t.Fatalf("Expected COMPLETED, got %s", run.Status.State)
	}

	stored := f.load(t, handle.Run)
	if stored.Status.State != StateCompleted {
		t.Errorf("Expected stored run COMPLETED, got %s", stored.Status.State)
	}
	if len(stored.Status.Warnings) != 1 || !strings.Contains(stored.Status.Warnings[0], "bucket missing") {
		t.Errorf("Expected collection warning, got %v", stored.Status.Warnings)
	}

	// A later retry succeeds.
	f.adapter.collectErr = nil
	f.adapter.collectFn = func(h *ExecutionHandle) []*Entity {
		return []*Entity{NewEntity(EntityDataItem, "table", "", "scores", nil)}
	}
	run, err = f.dispatcher.Collect(ctx, handle.Run)
	if err != nil {
		t.Fatalf("Expected collect retry to succeed, got: %v", err)
	}
	if _, ok := run.Status.Outputs["scores"]; !ok {
		t.Errorf("Expected output scores, got %v", run.Status.Outputs)
	}
}

func TestDispatcher_Apply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle, _ := f.dispatcher.Submit(ctx, f.newRun(nil))

	run, err := f.dispatcher.Apply(ctx, handle.Run, StatusUpdate{State: StateCompleted, Message: "done"})
	if err != nil || run.Status.State != StateCompleted {
		t.Fatalf("Expected COMPLETED, got %v (%v)", run, err)
	}
	history := len(run.Status.History)
	collects := f.adapter.collects

	// Duplicate delivery of the terminal callback.
	run, err = f.dispatcher.Apply(ctx, handle.Run, StatusUpdate{State: StateCompleted, Message: "done again"})
	if err != nil {
		t.Fatalf("Expected duplicate delivery to be a no-op, got: %v", err)
	}
	if len(run.Status.History) != history || run.Status.Message != "done" {
		t.Errorf("Expected run unchanged, got %+v", run.Status)
	}
	if f.adapter.collects != collects {
		t.Error("Expected no second collection")
	}

	_, err = f.dispatcher.Apply(ctx, handle.Run, StatusUpdate{State: StateRunning})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION, got: %v", err)
	}
	if _, err := f.dispatcher.Apply(ctx, handle.Run, StatusUpdate{State: StateReady}); !IsValidation(err) {
		t.Errorf("Expected READY to be rejected, got: %v", err)
	}
}

func TestDispatcher_NotifyAndRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h1, _ := f.dispatcher.Submit(ctx, f.newRun(nil))
	h2, _ := f.dispatcher.Submit(ctx, f.newRun(nil))

	f.adapter.pollResults = []*PollResult{{State: StateCompleted}}
	run, err := f.dispatcher.Notify(ctx, "container", h1.NativeID)
	if err != nil || run.Status.State != StateCompleted {
		t.Fatalf("Expected notify to complete run, got %v (%v)", run, err)
	}

	// A fresh dispatcher over the same store picks up the remaining active run.
	d := NewDispatcher(f.store, f.registry, WithDispatcherConfig(fastConfig()))
	runs, err := d.Recover(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(runs) != 1 || runs[0].Key() != h2.Run {
		t.Errorf("Expected to recover %s, got %d runs", h2.Run, len(runs))
	}
	if runs[0].Status.State != StateCompleted {
		t.Errorf("Expected recovered run to be polled to COMPLETED, got %s", runs[0].Status.State)
	}
}

func TestDispatcher_SubmitPayload_ReusesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tasks := f.store.count(EntityTask)

	p := &Payload{
		Function:   "store://proj/function/container/train:latest",
		TaskSpec:   map[string]interface{}{"resources": map[string]interface{}{"cpu": "1"}},
		Parameters: map[string]interface{}{"lr": 0.1},
		Labels:     []string{"nightly"},
	}
	h1, err := f.dispatcher.SubmitPayload(ctx, p)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	h2, err := f.dispatcher.SubmitPayload(ctx, p)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if h1.Run == h2.Run {
		t.Error("Expected two distinct runs")
	}
	if got := f.store.count(EntityTask); got != tasks+1 {
		t.Errorf("Expected one materialized task, got %d new", got-tasks)
	}

	run := f.load(t, h1.Run)
	spec, _ := run.RunSpec()
	if !strings.HasPrefix(spec.Task, "store://proj/task/container-job/train:") {
		t.Errorf("Unexpected task key %s", spec.Task)
	}
	if len(run.Metadata.Labels) != 1 || run.Metadata.Labels[0] != "nightly" {
		t.Errorf("Expected labels carried over, got %v", run.Metadata.Labels)
	}
}

func TestDispatcher_DryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tasks := f.store.count(EntityTask)
	runs := f.store.count(EntityRun)

	p := &Payload{
		Function:   "store://proj/function/container/train:latest",
		TaskSpec:   map[string]interface{}{"resources": map[string]interface{}{"cpu": "1"}},
		Parameters: map[string]interface{}{"lr": 0.1},
	}
	inv, err := f.dispatcher.DryRun(ctx, p)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if inv.Digest == "" || inv.Runtime != "container" {
		t.Errorf("Unexpected invocation %+v", inv)
	}
	if f.store.count(EntityTask) != tasks || f.store.count(EntityRun) != runs {
		t.Error("Expected a dry run to persist nothing")
	}
	if f.adapter.startCalls != 0 {
		t.Errorf("Expected no start, got %d", f.adapter.startCalls)
	}

	f.adapter.validateErr = NewValidationError("image missing", nil)
	if _, err := f.dispatcher.DryRun(ctx, p); !IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}

	if _, err := f.dispatcher.DryRun(ctx, &Payload{}); !IsValidation(err) {
		t.Errorf("Expected validation error for empty payload, got %v", err)
	}
}

func TestDispatcher_Wait(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handle, _ := f.dispatcher.Submit(ctx, f.newRun(nil))
	f.adapter.pollErrs = []error{nil, NewBackendUnavailableError("blip", nil)}
	f.adapter.pollResults = []*PollResult{{State: StateRunning}, {State: StateRunning}, {State: StateCompleted}}

	run, err := f.dispatcher.Wait(ctx, handle.Run, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status.State != StateCompleted {
		t.Errorf("Expected COMPLETED, got %s", run.Status.State)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDispatcher_Submit_StopBeforeRunExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var stopErr error
	locker := &hookLocker{inner: NewKeyedMutex()}
	d := NewDispatcher(f.store, f.registry, WithDispatcherConfig(fastConfig()), WithRunLocker(locker))
	locker.onFirst = func(run string) {
		_, stopErr = d.Stop(ctx, MustParseKey(run))
	}

	h, err := d.Submit(ctx, f.newRun(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !IsNotFound(stopErr) {
		t.Errorf("Expected stop of an unsaved run to fail with NOT_FOUND, got %v", stopErr)
	}

	run := f.load(t, h.Run)
	if run.Status.State != StateRunning {
		t.Errorf("Expected RUNNING, got %s", run.Status.State)
	}
	if got := historyStates(run.Status); !equalStates(got, []State{StateCreated, StateRunning}) {
		t.Errorf("Unexpected history %v", got)
	}
}

func TestDispatcher_Submit_ConcurrentStopNeverResurrects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		stopErr error
	)
	locker := &hookLocker{inner: NewKeyedMutex()}
	d := NewDispatcher(f.store, f.registry, WithDispatcherConfig(fastConfig()), WithRunLocker(locker))
	locker.onFirst = func(run string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, stopErr = d.Stop(ctx, MustParseKey(run))
		}()
	}

	h, err := d.Submit(ctx, f.newRun(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wg.Wait()

	run := f.load(t, h.Run)
	switch {
	case stopErr == nil:
		if run.Status.State != StateStopped {
			t.Errorf("Expected a stopped run to stay STOPPED, got %s", run.Status.State)
		}
		if got := historyStates(run.Status); !equalStates(got, []State{StateCreated, StateRunning, StateStopped}) {
			t.Errorf("Unexpected history %v", got)
		}
	case IsNotFound(stopErr):
		if run.Status.State != StateRunning {
			t.Errorf("Expected RUNNING, got %s", run.Status.State)
		}
	default:
		t.Fatalf("Unexpected stop error: %v", stopErr)
	}
}

func TestDispatcher_Submit_TerminalStateWinsOverStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another writer stops the run while the backend is starting it.
	f.adapter.startFn = func(inv *Invocation) {
		run, err := f.dispatcher.Catalog().Get(ctx, MustParseKey(inv.Run))
		if err != nil {
			t.Errorf("Failed to load run: %v", err)
			return
		}
		if _, err := run.Status.Transition(StateStopped, "stopped elsewhere", time.Now()); err != nil {
			t.Errorf("Failed to transition: %v", err)
			return
		}
		if _, err := f.dispatcher.Catalog().Update(ctx, run); err != nil {
			t.Errorf("Failed to update run: %v", err)
		}
	}

	h, err := f.dispatcher.Submit(ctx, f.newRun(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if h.State != StateStopped {
		t.Errorf("Expected STOPPED handle, got %s", h.State)
	}

	run := f.load(t, h.Run)
	if got := historyStates(run.Status); !equalStates(got, []State{StateCreated, StateStopped}) {
		t.Errorf("Unexpected history %v", got)
	}
	if f.adapter.stops != 1 {
		t.Errorf("Expected the started execution to be cancelled, got %d stops", f.adapter.stops)
	}
	corr, err := f.store.GetCorrelation(ctx, h.Run.String())
	if err != nil {
		t.Fatalf("Expected correlation, got: %v", err)
	}
	if corr.State != StateStopped || corr.NativeID != h.NativeID {
		t.Errorf("Unexpected correlation %+v", corr)
	}
}

// interruptedRun stores a CREATED run whose correlation never got a
// native handle, as left behind by a submitter that died mid-start.
func (f *fixture) interruptedRun(t *testing.T, updated time.Time) Key {
	t.Helper()
	ctx := context.Background()

	run := f.newRun(nil)
	run.Kind = RunKind("container")
	run.Metadata.Name = "interrupted"
	run.Metadata.Version = NewVersionID()
	run.Status = NewRunStatus(updated)
	saved, err := f.dispatcher.Catalog().Create(ctx, run)
	if err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	corr := &Correlation{
		Run:       saved.Key().String(),
		Runtime:   "container",
		State:     StateCreated,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
	if err := f.store.SaveCorrelation(ctx, corr); err != nil {
		t.Fatalf("Failed to save correlation: %v", err)
	}
	return saved.Key()
}

func TestDispatcher_Recover_FailsInterruptedSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.interruptedRun(t, time.Now())

	runs, err := f.dispatcher.Recover(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(runs) != 1 || runs[0].Key() != key {
		t.Fatalf("Expected to recover %s, got %d runs", key, len(runs))
	}

	run := f.load(t, key)
	if run.Status.State != StateError {
		t.Errorf("Expected ERROR, got %s", run.Status.State)
	}
	if f.adapter.pollCalls != 0 {
		t.Errorf("Expected no backend poll for a run without a native handle, got %d", f.adapter.pollCalls)
	}
	active, _ := f.store.ListCorrelations(ctx, true)
	if len(active) != 0 {
		t.Errorf("Expected no active correlations, got %d", len(active))
	}
}

func TestDispatcher_PendingRunSkipsBackend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.interruptedRun(t, time.Now())

	run, err := f.dispatcher.Poll(ctx, key)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status.State != StateCreated || f.adapter.pollCalls != 0 {
		t.Errorf("Expected an unpolled CREATED run, got %s after %d polls", run.Status.State, f.adapter.pollCalls)
	}

	if _, err := f.dispatcher.Stop(ctx, key); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if f.adapter.stops != 0 {
		t.Errorf("Expected no backend stop, got %d", f.adapter.stops)
	}
	if s := f.load(t, key).Status.State; s != StateStopped {
		t.Errorf("Expected STOPPED, got %s", s)
	}
}

func TestDispatcher_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.dispatcher.Submit(ctx, f.newRun(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := f.dispatcher.Delete(ctx, h.Run); !IsValidation(err) {
		t.Fatalf("Expected deleting an active run to fail validation, got %v", err)
	}

	if _, err := f.dispatcher.Stop(ctx, h.Run); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := f.dispatcher.Delete(ctx, h.Run); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := f.store.Get(ctx, h.Run); !IsNotFound(err) {
		t.Errorf("Expected run to be gone, got %v", err)
	}
	if _, err := f.store.GetCorrelation(ctx, h.Run.String()); !IsNotFound(err) {
		t.Errorf("Expected correlation to be gone, got %v", err)
	}
}

func TestDispatcher_Submit_ResolvesInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data, err := f.dispatcher.Catalog().Create(ctx, NewEntity(EntityDataItem, "table", "proj", "sales", map[string]interface{}{
		"path": "s3://bucket/sales.parquet",
	}))
	if err != nil {
		t.Fatalf("Failed to create dataitem: %v", err)
	}

	run := f.newRun(nil)
	run.Spec["inputs"] = map[string]interface{}{"sales": "store://proj/dataitem/table/sales"}
	h, err := f.dispatcher.Submit(ctx, run)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	inputs, _ := f.load(t, h.Run).Spec["inputs"].(map[string]interface{})
	if inputs["sales"] != data.Key().String() {
		t.Errorf("Expected input pinned to %s, got %v", data.Key(), inputs["sales"])
	}

	bad := f.newRun(nil)
	bad.Spec["inputs"] = map[string]interface{}{"fn": f.function.Key().String()}
	before := f.store.count(EntityRun)
	if _, err := f.dispatcher.Submit(ctx, bad); !IsValidation(err) {
		t.Errorf("Expected a function input to fail validation, got %v", err)
	}
	if f.store.count(EntityRun) != before {
		t.Error("Expected no run to be persisted for invalid inputs")
	}
}
