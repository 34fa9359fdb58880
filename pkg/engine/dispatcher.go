package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/telemetry"
)

// DispatcherConfig holds the retry policies of backend calls.
type DispatcherConfig struct {
	// Start governs Start retries on BACKEND_UNAVAILABLE.
	Start RetryPolicy

	// Poll carries the liveness timeout of status checks.
	Poll RetryPolicy

	Stop    RetryPolicy
	Collect RetryPolicy
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Start: DefaultRetryPolicy(),
		Poll: RetryPolicy{
			MaxRetries:     2,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			AttemptTimeout: 15 * time.Second,
		},
		Stop: DefaultRetryPolicy(),
		Collect: RetryPolicy{
			MaxRetries:     2,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			AttemptTimeout: 2 * time.Minute,
		},
	}
}

// Dispatcher submits runs to runtime adapters and drives their state
// machine from polls and callbacks. It holds no run state in memory:
// runs and correlations live in the store.
type Dispatcher struct {
	store    Store
	catalog  *Catalog
	registry *Registry
	locker   RunLocker
	policy   PolicyEvaluator
	cfg      DispatcherConfig
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRunLocker replaces the in-process run locker, e.g. with a distributed one.
func WithRunLocker(l RunLocker) DispatcherOption {
	return func(d *Dispatcher) { d.locker = l }
}

// WithPolicy installs a submission gate.
func WithPolicy(p PolicyEvaluator) DispatcherOption {
	return func(d *Dispatcher) { d.policy = p }
}

// WithDispatcherConfig overrides retry policies.
func WithDispatcherConfig(cfg DispatcherConfig) DispatcherOption {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithClock overrides the transition clock.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher over store and registry.
func NewDispatcher(store Store, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		catalog:  NewCatalog(store, registry.Kinds()),
		registry: registry,
		locker:   NewKeyedMutex(),
		cfg:      DefaultDispatcherConfig(),
		now:      nowUTC,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Catalog returns the entity catalog used by the dispatcher.
func (d *Dispatcher) Catalog() *Catalog {
	return d.catalog
}

// Registry returns the runtime registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Submit resolves the function and task of run, builds the invocation,
// persists the run as CREATED, starts it and moves it to RUNNING.
//
// Nothing is persisted when resolution, adapter lookup, validation or the
// policy gate fail. Once persisted, a start failure moves the run to
// ERROR and the returned handle reports that state alongside the error.
func (d *Dispatcher) Submit(ctx context.Context, run *Entity) (handle *RunHandle, err error) {
	op := telemetry.StartOperation(ctx, "dispatcher.submit")
	defer func() { op.End(err) }()
	ctx = op.Ctx

	if run == nil || run.EntityType != EntityRun {
		return nil, NewValidationError("submit requires a run entity", nil)
	}
	spec, err := run.RunSpec()
	if err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	function, err := d.catalog.GetURI(ctx, spec.Function)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve function: %w", err)
	}

	adapter, err := d.registry.GetAdapter(function.Kind)
	if err != nil {
		telemetry.RecordSubmission(ctx, function.Kind, "unsupported")
		return nil, err
	}
	desc := adapter.Descriptor()
	if function.EntityType != desc.Executable {
		return nil, NewValidationError(
			fmt.Sprintf("runtime %s executes %s entities, got %s", desc.Runtime, desc.Executable, function.EntityType), nil)
	}

	if spec.Task == "" {
		return nil, NewValidationError("run spec.task is required", nil)
	}
	task, err := d.catalog.GetURI(ctx, spec.Task)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve task: %w", err)
	}
	if err := checkTask(desc, function, task); err != nil {
		return nil, err
	}

	if run.Kind == "" {
		run.Kind = RunKind(desc.Runtime)
	}
	if run.Kind != RunKind(desc.Runtime) {
		return nil, NewValidationError(
			fmt.Sprintf("run kind %q does not match runtime %s", run.Kind, desc.Runtime), nil)
	}
	if run.Metadata.Project == "" {
		run.Metadata.Project = function.Metadata.Project
	}
	if run.Metadata.Project != function.Metadata.Project {
		return nil, NewValidationError("run and function belong to different projects", nil)
	}
	if run.Metadata.Name == "" {
		run.Metadata.Name = NewVersionID()
	}
	run.Metadata.Version = NewVersionID()
	if err := run.Validate(d.catalog.kinds); err != nil {
		return nil, err
	}
	if err := d.resolveInputs(ctx, run, spec.Inputs); err != nil {
		return nil, err
	}

	if err := adapter.Validate(function, task); err != nil {
		telemetry.RecordSubmission(ctx, desc.Runtime, "invalid")
		return nil, err
	}
	inv, err := adapter.BuildInvocation(function, task, spec.Parameters)
	if err != nil {
		telemetry.RecordSubmission(ctx, desc.Runtime, "invalid")
		return nil, err
	}

	if d.policy != nil {
		sub := &Submission{Run: run, Function: function, Task: task, Invocation: inv}
		if err := d.policy.EvaluateSubmission(ctx, sub); err != nil {
			telemetry.RecordSubmission(ctx, desc.Runtime, "denied")
			return nil, err
		}
	}

	run.Spec["function"] = function.Key().String()
	run.Spec["task"] = task.Key().String()
	run.Spec["digest"] = inv.Digest
	run.Status = NewRunStatus(d.now())

	// The run is locked before it exists so that no stop or callback can
	// interleave with its start.
	runKey := run.Key()
	inv.Run = runKey.String()
	unlock, err := d.locker.Lock(ctx, inv.Run)
	if err != nil {
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}
	defer unlock()

	saved, err := d.catalog.Create(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	logger := op.Logger.WithRunKey(inv.Run).WithRuntime(desc.Runtime)
	telemetry.RecordTransition(ctx, telemetry.RunTransition{
		Runtime: desc.Runtime, Run: inv.Run, To: string(StateCreated),
	})

	// A pending correlation lets Recover find runs whose submitter died
	// before the backend accepted them.
	now := d.now()
	corr := &Correlation{
		Run:       inv.Run,
		Runtime:   desc.Runtime,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.SaveCorrelation(ctx, corr); err != nil {
		msg := fmt.Sprintf("failed to persist correlation: %v", err)
		if _, terr := d.applyState(ctx, saved, desc.Runtime, StateError, msg, nil); terr != nil {
			return nil, errors.Join(err, terr)
		}
		return &RunHandle{Run: runKey, Runtime: desc.Runtime, State: StateError}, fmt.Errorf("failed to save correlation: %w", err)
	}

	execHandle, startErr := Do(ctx, d.cfg.Start, d.retryHook(ctx, desc.Runtime, "start", inv.Run),
		func(ctx context.Context) (*ExecutionHandle, error) {
			var h *ExecutionHandle
			err := telemetry.RecordBackendOperation(ctx, desc.Runtime, "start", func(ctx context.Context) error {
				var err error
				h, err = adapter.Start(ctx, inv)
				return err
			})
			return h, err
		})
	if startErr == nil && (execHandle == nil || execHandle.ID == "") {
		startErr = NewRejectedByBackendError("backend returned no execution handle", nil)
	}

	// Writers that do not share the run lock may have finished the run
	// while it was starting; a terminal state always wins.
	current, err := d.catalog.Get(ctx, runKey)
	if err != nil {
		if startErr == nil {
			d.abandon(ctx, adapter, execHandle)
		}
		return nil, errors.Join(startErr, fmt.Errorf("failed to reload run: %w", err))
	}
	if current.Status.State.IsTerminal() {
		if startErr != nil {
			return &RunHandle{Run: runKey, Runtime: desc.Runtime, State: current.Status.State}, d.dropCorrelation(ctx, corr)
		}
		d.abandon(ctx, adapter, execHandle)
		corr.NativeID = execHandle.ID
		corr.Handle = *execHandle
		if err := d.saveCorrelationState(ctx, corr, current.Status.State); err != nil {
			return nil, err
		}
		logger.Warnf("run became %s while starting, execution abandoned", current.Status.State)
		return &RunHandle{Run: runKey, Runtime: desc.Runtime, NativeID: execHandle.ID, State: current.Status.State}, nil
	}
	saved = current

	if startErr != nil {
		logger.WithError(startErr).Error("run submission failed")
		telemetry.RecordSubmission(ctx, desc.Runtime, "failed")
		if _, err := d.applyState(ctx, saved, desc.Runtime, StateError, startErr.Error(), nil); err != nil {
			return nil, errors.Join(startErr, err)
		}
		if err := d.dropCorrelation(ctx, corr); err != nil {
			return nil, errors.Join(startErr, err)
		}
		return &RunHandle{Run: runKey, Runtime: desc.Runtime, State: StateError}, startErr
	}

	if execHandle.Run == "" {
		execHandle.Run = inv.Run
	}
	if execHandle.Project == "" {
		execHandle.Project = inv.Project
	}
	if execHandle.Runtime == "" {
		execHandle.Runtime = desc.Runtime
	}
	if execHandle.StartedAt.IsZero() {
		execHandle.StartedAt = d.now()
	}

	corr.NativeID = execHandle.ID
	corr.Handle = *execHandle
	if err := d.saveCorrelationState(ctx, corr, StateRunning); err != nil {
		d.abandon(ctx, adapter, execHandle)
		msg := err.Error()
		if _, terr := d.applyState(ctx, saved, desc.Runtime, StateError, msg, nil); terr != nil {
			return nil, errors.Join(err, terr)
		}
		return &RunHandle{Run: runKey, Runtime: desc.Runtime, State: StateError}, err
	}

	if _, err := d.applyState(ctx, saved, desc.Runtime, StateRunning, "submitted to "+desc.Runtime, nil); err != nil {
		return nil, err
	}

	telemetry.RecordSubmission(ctx, desc.Runtime, "started")
	logger.WithField("native_id", execHandle.ID).Info("run started")

	return &RunHandle{
		Run:      runKey,
		Runtime:  desc.Runtime,
		NativeID: execHandle.ID,
		State:    StateRunning,
	}, nil
}

// resolveInputs pins every input key of a run to a concrete version. An
// input that does not resolve fails the submission before anything is
// persisted.
func (d *Dispatcher) resolveInputs(ctx context.Context, run *Entity, inputs map[string]string) error {
	if len(inputs) == 0 {
		return nil
	}
	resolved := make(map[string]interface{}, len(inputs))
	for name, uri := range inputs {
		key, err := d.catalog.Resolver().ResolveURI(ctx, uri)
		if err != nil {
			return fmt.Errorf("failed to resolve input %s: %w", name, err)
		}
		if !key.EntityType.IsOutput() {
			return NewValidationError(
				fmt.Sprintf("input %s must reference an artifact, dataitem or model, got %s", name, key.EntityType), nil)
		}
		resolved[name] = key.String()
	}
	run.Spec["inputs"] = resolved
	return nil
}

func checkTask(desc Descriptor, function, task *Entity) error {
	if task.EntityType != EntityTask {
		return NewValidationError(fmt.Sprintf("run spec.task references a %s", task.EntityType), nil)
	}
	if _, ok := desc.ActionOf(task.Kind); !ok {
		return NewValidationError(
			fmt.Sprintf("task kind %q is not handled by runtime %s (supported: %v)", task.Kind, desc.Runtime, desc.TaskKinds()),
			nil,
		).WithResource(task.Key().String())
	}
	ts, err := task.TaskSpec()
	if err != nil {
		return err
	}
	parent, err := ParseKey(ts.Function)
	if err != nil {
		return NewValidationError("task spec.function is not a valid key", err)
	}
	if parent.Unversioned() != function.Key().Unversioned() {
		return NewValidationError(
			fmt.Sprintf("task belongs to %s, not to %s", parent.Unversioned(), function.Key().Unversioned()), nil,
		).WithResource(task.Key().String())
	}
	return nil
}

// abandon makes a best-effort attempt to cancel an execution whose
// correlation could not be stored.
func (d *Dispatcher) abandon(ctx context.Context, adapter RuntimeAdapter, h *ExecutionHandle) {
	stopper, ok := adapter.(Stopper)
	if !ok {
		return
	}
	if err := stopper.Stop(ctx, h); err != nil {
		telemetry.FromContext(ctx).WithError(err).Warnf("failed to cancel orphaned execution %s", h.ID)
	}
}

// Poll checks the backend of an active run once and applies the result.
// Terminal runs are returned unchanged. A failed status check is
// returned as an error and never changes the run state.
func (d *Dispatcher) Poll(ctx context.Context, key Key) (run *Entity, err error) {
	op := telemetry.StartOperation(ctx, "dispatcher.poll", telemetry.AttrRunKey.String(key.String()))
	defer func() { op.End(err) }()
	ctx = op.Ctx

	run, unlock, err := d.lockRun(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if run.Status.State.IsTerminal() {
		return run, nil
	}

	corr, err := d.store.GetCorrelation(ctx, run.Key().String())
	if err != nil {
		if IsNotFound(err) && run.Status.State == StateCreated {
			return run, nil
		}
		return run, err
	}
	if corr.Pending() {
		return run, nil
	}
	adapter, err := d.registry.GetAdapter(corr.Runtime)
	if err != nil {
		return run, err
	}
	return d.pollLocked(ctx, run, corr, adapter)
}

func (d *Dispatcher) pollLocked(ctx context.Context, run *Entity, corr *Correlation, adapter RuntimeAdapter) (*Entity, error) {
	handle := corr.Handle
	result, err := Do(ctx, d.cfg.Poll, d.retryHook(ctx, corr.Runtime, "poll", corr.Run),
		func(ctx context.Context) (*PollResult, error) {
			var r *PollResult
			err := telemetry.RecordBackendOperation(ctx, corr.Runtime, "poll", func(ctx context.Context) error {
				var err error
				r, err = adapter.Poll(ctx, &handle)
				return err
			})
			return r, err
		})
	if err != nil {
		telemetry.FromContext(ctx).WithRunKey(corr.Run).WithRuntime(corr.Runtime).WithError(err).
			Warn("status check failed, run state unchanged")
		return run, err
	}
	if result == nil || result.State == StateCreated || result.State == "" {
		return run, nil
	}
	if err := result.State.Validate(); err != nil || result.State == StateReady {
		return run, NewPermanentError(fmt.Sprintf("adapter reported unusable state %q", result.State), err).
			WithCode(ErrCodeInternal)
	}

	dataChanged := mergeHandleData(&corr.Handle, result.Data)
	changed, err := d.applyState(ctx, run, corr.Runtime, result.State, result.Message, result.Results)
	if err != nil {
		return run, err
	}
	if changed || dataChanged || corr.State != run.Status.State {
		if err := d.saveCorrelationState(ctx, corr, run.Status.State); err != nil {
			return run, err
		}
	}

	if changed && run.Status.State == StateCompleted {
		// The run stays COMPLETED whatever happens here.
		_ = d.collectLocked(ctx, run, corr, adapter)
	}
	return run, nil
}

func mergeHandleData(h *ExecutionHandle, data map[string]string) bool {
	if len(data) == 0 {
		return false
	}
	if h.Data == nil {
		h.Data = make(map[string]string, len(data))
	}
	changed := false
	for k, v := range data {
		if h.Data[k] != v {
			h.Data[k] = v
			changed = true
		}
	}
	return changed
}

// StatusUpdate is a state reported by a backend callback.
type StatusUpdate struct {
	State   State                  `json:"state"`
	Message string                 `json:"message,omitempty"`
	Results map[string]interface{} `json:"results,omitempty"`
}

// Apply applies a pushed status to a run. Redelivering a terminal state is
// a no-op; transitions the state machine forbids fail with INVALID_TRANSITION.
func (d *Dispatcher) Apply(ctx context.Context, key Key, update StatusUpdate) (run *Entity, err error) {
	op := telemetry.StartOperation(ctx, "dispatcher.apply", telemetry.AttrRunKey.String(key.String()))
	defer func() { op.End(err) }()
	ctx = op.Ctx

	if err := update.State.Validate(); err != nil || update.State == StateReady || update.State == StateCreated {
		return nil, NewValidationError(fmt.Sprintf("state %q cannot be reported for a run", update.State), err)
	}

	run, unlock, err := d.lockRun(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	corr, err := d.store.GetCorrelation(ctx, run.Key().String())
	if err != nil && !IsNotFound(err) {
		return run, err
	}
	runtime := strings.TrimSuffix(run.Kind, "-run")
	if corr != nil {
		runtime = corr.Runtime
	}

	changed, err := d.applyState(ctx, run, runtime, update.State, update.Message, update.Results)
	if err != nil || !changed {
		return run, err
	}
	if corr == nil {
		return run, nil
	}
	if err := d.saveCorrelationState(ctx, corr, run.Status.State); err != nil {
		return run, err
	}
	if run.Status.State == StateCompleted && !corr.Pending() {
		if adapter, err := d.registry.GetAdapter(corr.Runtime); err == nil {
			_ = d.collectLocked(ctx, run, corr, adapter)
		}
	}
	return run, nil
}

// Notify polls the run correlated with a native handle immediately.
func (d *Dispatcher) Notify(ctx context.Context, runtime, nativeID string) (*Entity, error) {
	if runtime == "" || nativeID == "" {
		return nil, NewValidationError("notify requires a runtime and a native id", nil)
	}
	corr, err := d.store.FindCorrelation(ctx, runtime, nativeID)
	if err != nil {
		return nil, err
	}
	key, err := ParseKey(corr.Run)
	if err != nil {
		return nil, err
	}
	return d.Poll(ctx, key)
}

// Stop cancels a CREATED or RUNNING run. On a terminal run it is a no-op
// returning the run as it is.
func (d *Dispatcher) Stop(ctx context.Context, key Key) (run *Entity, err error) {
	op := telemetry.StartOperation(ctx, "dispatcher.stop", telemetry.AttrRunKey.String(key.String()))
	defer func() { op.End(err) }()
	ctx = op.Ctx

	run, unlock, err := d.lockRun(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if run.Status.State.IsTerminal() {
		return run, nil
	}

	runtime := strings.TrimSuffix(run.Kind, "-run")
	corr, err := d.store.GetCorrelation(ctx, run.Key().String())
	switch {
	case err == nil && corr.Pending():
		runtime = corr.Runtime
	case err == nil:
		runtime = corr.Runtime
		adapter, err := d.registry.GetAdapter(corr.Runtime)
		if err != nil {
			return run, err
		}
		if stopper, ok := adapter.(Stopper); ok {
			handle := corr.Handle
			err := Retry(ctx, d.cfg.Stop, d.retryHook(ctx, corr.Runtime, "stop", corr.Run), func(ctx context.Context) error {
				return telemetry.RecordBackendOperation(ctx, corr.Runtime, "stop", func(ctx context.Context) error {
					return stopper.Stop(ctx, &handle)
				})
			})
			if err != nil {
				return run, fmt.Errorf("failed to stop run: %w", err)
			}
		}
	case !IsNotFound(err):
		return run, err
	}

	if _, err := d.applyState(ctx, run, runtime, StateStopped, "stopped by user", nil); err != nil {
		return run, err
	}
	if corr != nil {
		if err := d.saveCorrelationState(ctx, corr, StateStopped); err != nil {
			return run, err
		}
	}
	return run, nil
}

// Collect retries output collection for a COMPLETED run. Collection is
// idempotent: outputs get deterministic versions and are updated in place
// when already registered.
func (d *Dispatcher) Collect(ctx context.Context, key Key) (run *Entity, err error) {
	op := telemetry.StartOperation(ctx, "dispatcher.collect", telemetry.AttrRunKey.String(key.String()))
	defer func() { op.End(err) }()
	ctx = op.Ctx

	run, unlock, err := d.lockRun(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if run.Status.State != StateCompleted {
		return run, NewValidationError(
			fmt.Sprintf("outputs can only be collected from %s runs, run is %s", StateCompleted, run.Status.State), nil)
	}
	corr, err := d.store.GetCorrelation(ctx, run.Key().String())
	if err != nil {
		return run, err
	}
	if corr.Pending() {
		return run, NewNotFoundError("execution", run.Key().String()).
			WithDetail("reason", "run never reached a backend")
	}
	adapter, err := d.registry.GetAdapter(corr.Runtime)
	if err != nil {
		return run, err
	}
	return run, d.collectLocked(ctx, run, corr, adapter)
}

// collectLocked registers outputs. A failure is recorded as a warning on
// the run; the run state is never changed.
func (d *Dispatcher) collectLocked(ctx context.Context, run *Entity, corr *Correlation, adapter RuntimeAdapter) error {
	handle := corr.Handle
	outputs, err := Do(ctx, d.cfg.Collect, d.retryHook(ctx, corr.Runtime, "collect", corr.Run),
		func(ctx context.Context) ([]*Entity, error) {
			var out []*Entity
			err := telemetry.RecordBackendOperation(ctx, corr.Runtime, "collect", func(ctx context.Context) error {
				var err error
				out, err = adapter.CollectOutputs(ctx, &handle)
				return err
			})
			return out, err
		})
	if err == nil {
		err = d.registerOutputs(ctx, run, outputs)
	}
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf("output collection failed: %v", err)
	telemetry.RecordCollectionWarning(ctx, corr.Runtime, corr.Run, msg)
	if run.Status.AddWarning(msg) {
		if _, uerr := d.catalog.Update(ctx, run); uerr != nil {
			return errors.Join(err, uerr)
		}
	}
	return err
}

func (d *Dispatcher) registerOutputs(ctx context.Context, run *Entity, outputs []*Entity) error {
	runKey := run.Key().String()
	registered := make(map[string]string, len(outputs))

	for _, out := range outputs {
		if out == nil {
			continue
		}
		if !out.EntityType.IsOutput() {
			return NewValidationError(fmt.Sprintf("adapter produced a %s, not an output entity", out.EntityType), nil)
		}
		out.Metadata.Project = run.Metadata.Project
		if out.Metadata.Version == "" {
			out.Metadata.Version = DeterministicVersion(runKey, string(out.EntityType), out.Kind, out.Metadata.Name)
		}
		out.Metadata.AddLabels("run:" + run.Metadata.Name)
		if out.Spec == nil {
			out.Spec = make(map[string]interface{})
		}
		out.Spec["run"] = runKey
		if out.Status.State == "" {
			out.Status.State = StateReady
		}

		saved, created, err := d.catalog.Ensure(ctx, out)
		if err != nil {
			return fmt.Errorf("failed to register output %s: %w", out.Metadata.Name, err)
		}
		if !created {
			saved.Spec = out.Spec
			saved.Status = out.Status
			saved.Metadata.Labels = out.Metadata.Labels
			if saved, err = d.catalog.Update(ctx, saved); err != nil {
				return fmt.Errorf("failed to update output %s: %w", out.Metadata.Name, err)
			}
		}
		registered[out.Metadata.Name] = saved.Key().String()
	}

	if run.Status.Outputs == nil {
		run.Status.Outputs = make(map[string]string, len(registered))
	}
	for name, key := range registered {
		run.Status.Outputs[name] = key
	}
	if _, err := d.catalog.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to record outputs: %w", err)
	}
	return nil
}

// Wait polls the run every interval until it reaches a terminal state or
// ctx is done. Transient poll failures are tolerated.
func (d *Dispatcher) Wait(ctx context.Context, key Key, interval time.Duration) (*Entity, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := d.Poll(ctx, key)
		switch {
		case err == nil && run.Status.State.IsTerminal():
			return run, nil
		case err != nil && !IsRetryable(err):
			return run, err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return run, ctx.Err()
		}
	}
}

// Recover polls every active correlation, typically after a restart. Runs
// whose submitter died before the backend accepted them are moved to
// ERROR. It returns the runs it could handle and the joined errors of
// the rest.
func (d *Dispatcher) Recover(ctx context.Context) ([]*Entity, error) {
	corrs, err := d.store.ListCorrelations(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}

	runs := make([]*Entity, 0, len(corrs))
	var errs []error
	for _, c := range corrs {
		key, err := ParseKey(c.Run)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var run *Entity
		if c.Pending() {
			run, err = d.failInterrupted(ctx, key)
		} else {
			run, err = d.Poll(ctx, key)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Run, err))
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	return runs, errors.Join(errs...)
}

// failInterrupted moves a run whose correlation is still pending to ERROR.
// Submit holds the run lock until the correlation carries a native handle,
// so a pending correlation seen under the lock belongs to a dead submitter.
func (d *Dispatcher) failInterrupted(ctx context.Context, key Key) (*Entity, error) {
	run, unlock, err := d.lockRun(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	corr, err := d.store.GetCorrelation(ctx, run.Key().String())
	if err != nil {
		return run, err
	}
	if !corr.Pending() {
		return run, nil
	}
	if !run.Status.State.IsTerminal() {
		if _, err := d.applyState(ctx, run, corr.Runtime, StateError, "submission interrupted before the backend accepted the run", nil); err != nil {
			return run, err
		}
	}
	return run, d.saveCorrelationState(ctx, corr, run.Status.State)
}

// Delete removes a run and its correlation. Active runs must be stopped
// first; outputs of the run are kept.
func (d *Dispatcher) Delete(ctx context.Context, key Key) error {
	run, unlock, err := d.lockRun(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if run.Status.State.IsActive() {
		return NewValidationError(
			fmt.Sprintf("run is %s; stop it before deleting it", run.Status.State), nil).
			WithResource(run.Key().String())
	}
	if err := d.store.DeleteCorrelation(ctx, run.Key().String()); err != nil {
		return fmt.Errorf("failed to delete correlation: %w", err)
	}
	return d.catalog.Delete(ctx, run.Key())
}

// Payload is the submission document consumed by wrapper entry points.
type Payload struct {
	Function   string                 `json:"function_key"`
	TaskSpec   map[string]interface{} `json:"task_spec"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Labels     []string               `json:"labels,omitempty"`
}

// SubmitPayload materializes the task described by the payload (reusing
// an identical one) and submits a new run.
func (d *Dispatcher) SubmitPayload(ctx context.Context, p *Payload) (*RunHandle, error) {
	if p == nil || p.Function == "" {
		return nil, NewValidationError("payload function_key is required", nil)
	}
	function, err := d.catalog.GetURI(ctx, p.Function)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve function: %w", err)
	}
	adapter, err := d.registry.GetAdapter(function.Kind)
	if err != nil {
		return nil, err
	}

	task, err := d.ensureTask(ctx, adapter.Descriptor(), function, p.TaskSpec)
	if err != nil {
		return nil, err
	}

	run := NewEntity(EntityRun, RunKind(function.Kind), function.Metadata.Project, p.Name, map[string]interface{}{
		"function":   function.Key().String(),
		"task":       task.Key().String(),
		"parameters": p.Parameters,
	})
	if p.Parameters == nil {
		delete(run.Spec, "parameters")
	}
	run.Metadata.AddLabels(p.Labels...)
	return d.Submit(ctx, run)
}

// DryRun performs every check SubmitPayload performs up to the policy
// gate and returns the invocation that would be started. Nothing is
// persisted.
func (d *Dispatcher) DryRun(ctx context.Context, p *Payload) (*Invocation, error) {
	if p == nil || p.Function == "" {
		return nil, NewValidationError("payload function_key is required", nil)
	}
	function, err := d.catalog.GetURI(ctx, p.Function)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve function: %w", err)
	}
	adapter, err := d.registry.GetAdapter(function.Kind)
	if err != nil {
		return nil, err
	}
	desc := adapter.Descriptor()
	task, err := newTask(desc, function, p.TaskSpec)
	if err != nil {
		return nil, err
	}
	if err := checkTask(desc, function, task); err != nil {
		return nil, err
	}
	if err := adapter.Validate(function, task); err != nil {
		return nil, err
	}
	inv, err := adapter.BuildInvocation(function, task, p.Parameters)
	if err != nil {
		return nil, err
	}
	if d.policy != nil {
		run := NewEntity(EntityRun, RunKind(desc.Runtime), function.Metadata.Project, p.Name, map[string]interface{}{
			"function": function.Key().String(),
			"task":     task.Key().String(),
		})
		if run.Metadata.Name == "" {
			run.Metadata.Name = "dry-run"
		}
		sub := &Submission{Run: run, Function: function, Task: task, Invocation: inv}
		if err := d.policy.EvaluateSubmission(ctx, sub); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

func (d *Dispatcher) ensureTask(ctx context.Context, desc Descriptor, function *Entity, taskSpec map[string]interface{}) (*Entity, error) {
	task, err := newTask(desc, function, taskSpec)
	if err != nil {
		return nil, err
	}
	saved, _, err := d.catalog.Ensure(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize task: %w", err)
	}
	return saved, nil
}

// newTask builds the task a payload describes. Its version is derived
// from its content, so identical payloads share one task.
func newTask(desc Descriptor, function *Entity, taskSpec map[string]interface{}) (*Entity, error) {
	spec := MergeSpecs(taskSpec)
	kind, _ := spec["kind"].(string)
	delete(spec, "kind")
	if kind == "" {
		if action, _ := spec["action"].(string); action != "" {
			kind = TaskKind(desc.Runtime, action)
		} else if len(desc.Actions) == 1 {
			kind = TaskKind(desc.Runtime, desc.Actions[0])
		} else {
			return nil, NewValidationError(
				fmt.Sprintf("task_spec.kind is required, one of %v", desc.TaskKinds()), nil)
		}
	}
	delete(spec, "action")
	spec["function"] = function.Key().String()

	canonical, err := json.Marshal(spec)
	if err != nil {
		return nil, NewValidationError("task_spec is not serializable", err)
	}
	task := NewEntity(EntityTask, kind, function.Metadata.Project, function.Metadata.Name, spec)
	task.Metadata.Version = DeterministicVersion(function.Key().String(), kind, string(canonical))
	return task, nil
}

// applyState moves run to state to and persists it. RUNNING->RUNNING is
// recorded only when results changed. It reports whether the run changed.
func (d *Dispatcher) applyState(
	ctx context.Context,
	run *Entity,
	runtime string,
	to State,
	message string,
	results map[string]interface{},
) (bool, error) {
	from := run.Status.State
	now := d.now()

	switch {
	case from == StateRunning && to == StateRunning:
		if !run.Status.MergeResults(results) {
			return false, nil
		}
		if _, err := run.Status.Transition(StateRunning, message, now); err != nil {
			return false, err
		}
	default:
		if from == StateCreated && to == StateCompleted {
			// Recovered run whose RUNNING transition was never persisted.
			if _, err := run.Status.Transition(StateRunning, "observed running", now); err != nil {
				return false, err
			}
		}
		changed, err := run.Status.Transition(to, message, now)
		if err != nil || !changed {
			return false, err
		}
		run.Status.MergeResults(results)
	}

	if _, err := d.catalog.Update(ctx, run); err != nil {
		return false, fmt.Errorf("failed to update run: %w", err)
	}

	var duration time.Duration
	if run.Status.StartedAt != nil && to.IsTerminal() {
		duration = now.Sub(*run.Status.StartedAt)
	}
	telemetry.RecordTransition(ctx, telemetry.RunTransition{
		Runtime:  runtime,
		Run:      run.Key().String(),
		From:     string(from),
		To:       string(to),
		Message:  message,
		Terminal: to.IsTerminal(),
		Failed:   to == StateError,
		Duration: duration,
	})
	return true, nil
}

// dropCorrelation removes the pending correlation of a run that never
// reached a backend.
func (d *Dispatcher) dropCorrelation(ctx context.Context, corr *Correlation) error {
	if err := d.store.DeleteCorrelation(ctx, corr.Run); err != nil {
		return fmt.Errorf("failed to delete correlation: %w", err)
	}
	return nil
}

func (d *Dispatcher) saveCorrelationState(ctx context.Context, corr *Correlation, state State) error {
	corr.State = state
	corr.UpdatedAt = d.now()
	if err := d.store.SaveCorrelation(ctx, corr); err != nil {
		return fmt.Errorf("failed to save correlation: %w", err)
	}
	return nil
}

// lockRun resolves key, takes the run lock and loads the run under it.
func (d *Dispatcher) lockRun(ctx context.Context, key Key) (*Entity, func(), error) {
	if key.EntityType != EntityRun {
		return nil, nil, NewValidationError(fmt.Sprintf("%s is not a run key", key), nil)
	}
	resolved, err := d.catalog.Resolver().Resolve(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := d.locker.Lock(ctx, resolved.String())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock run: %w", err)
	}
	run, err := d.catalog.Get(ctx, resolved)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return run, unlock, nil
}

func (d *Dispatcher) retryHook(ctx context.Context, runtime, operation, run string) RetryHook {
	return func(attempt int, err error, delay time.Duration) {
		telemetry.RecordRetry(ctx, runtime, operation, run, attempt, err)
		telemetry.FromContext(ctx).WithRunKey(run).WithRuntime(runtime).WithError(err).
			Warnf("%s failed, retrying in %s (attempt %d)", operation, delay, attempt)
	}
}
