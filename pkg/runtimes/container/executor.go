package container

import (
	"context"
	"fmt"
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/docker"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/objectstore"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/runtimeutil"
)

// LogTail is the number of output lines attached to a failed run.
const LogTail = 20

const dataAction = "action"

// Executor runs invocations as containers. It is shared by the adapters
// whose executions are single containers.
type Executor struct {
	runtime string
	backend Backend
	store   objectstore.Store
	now     func() time.Time
}

// NewExecutor creates an executor for runtime.
func NewExecutor(runtime string, backend Backend, store objectstore.Store) *Executor {
	return &Executor{runtime: runtime, backend: backend, store: store, now: time.Now}
}

// WithClock replaces the clock used for timeouts.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Ready fails with VALIDATION_ERROR when no Docker backend is configured.
func (e *Executor) Ready() error {
	if e.backend == nil {
		return engine.NewValidationError("runtime "+e.runtime+" requires a docker backend, none is configured", nil)
	}
	return nil
}

// Start creates and starts the container of a run. The container is named
// after the run, so a retried start reuses it.
func (e *Executor) Start(ctx context.Context, inv *engine.Invocation, p *Payload) (*engine.ExecutionHandle, error) {
	if err := e.Ready(); err != nil {
		return nil, engine.NewRejectedByBackendError(err.Error(), err)
	}
	runName, err := runtimeutil.RunName(inv.Run)
	if err != nil {
		return nil, err
	}

	name := runtimeutil.ResourceName(runName)
	spec := p.containerSpec(name)
	spec.Labels = map[string]string{
		docker.LabelRun:     runName,
		docker.LabelRuntime: e.runtime,
		docker.LabelProject: inv.Project,
	}
	spec.Env["DHSDK_RUN"] = inv.Run
	spec.Env["DHSDK_PROJECT"] = inv.Project
	spec.Env["DHSDK_RUNTIME"] = e.runtime
	if e.store != nil {
		spec.Env["DHSDK_OUTPUT_PATH"] = e.store.URI(objectstore.RunPrefix(inv.Project, runName))
	}

	id, err := e.backend.Run(ctx, spec)
	if err != nil {
		return nil, err
	}

	data := map[string]string{runtimeutil.DataName: name}
	if p.Serve {
		data[dataAction] = ActionServe
	}
	if p.Timeout != "" {
		data[runtimeutil.DataTimeout] = p.Timeout
	}
	if err := runtimeutil.HandleOutputs(data, p.Outputs); err != nil {
		return nil, engine.NewValidationError("outputs are not serializable", err)
	}
	return &engine.ExecutionHandle{ID: id, Data: data}, nil
}

// Poll inspects the container. A container that outlives the timeout is
// stopped and reported as ERROR; a container that disappeared is ERROR.
// A service that exits is ERROR whatever its exit code.
func (e *Executor) Poll(ctx context.Context, h *engine.ExecutionHandle) (*engine.PollResult, error) {
	if err := e.Ready(); err != nil {
		return nil, engine.NewBackendUnavailableError(err.Error(), err)
	}
	state, err := e.backend.Inspect(ctx, h.ID)
	if engine.IsNotFound(err) {
		return &engine.PollResult{State: engine.StateError, NativeState: "missing", Message: "container disappeared"}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &engine.PollResult{NativeState: state.Status}
	result.State, result.Message = docker.MapState(state)

	switch result.State {
	case engine.StateRunning:
		if timeout := timeoutOf(h); timeout > 0 {
			started := state.Started()
			if started.IsZero() {
				started = h.StartedAt
			}
			if !started.IsZero() && e.now().Sub(started) > timeout {
				if err := e.backend.Stop(ctx, h.ID, StopGrace); err != nil {
					return nil, err
				}
				result.State = engine.StateError
				result.NativeState = "timeout"
				result.Message = timeoutMessage(timeout)
			}
		}
	case engine.StateCompleted:
		result.Results = exitResults(state)
		if serving(h) {
			result.State = engine.StateError
			result.Message = fmt.Sprintf("service exited with code %d", state.ExitCode)
		}
	case engine.StateError:
		result.Results = exitResults(state)
		if logs, err := e.backend.Logs(ctx, h.ID, LogTail); err == nil && logs != "" {
			result.Results["logs"] = logs
		}
	}
	return result, nil
}

// Stop stops the container. Polling reports the exited container
// afterwards; a stopped service is removed along with its container.
func (e *Executor) Stop(ctx context.Context, h *engine.ExecutionHandle) error {
	if err := e.Ready(); err != nil {
		return engine.NewRejectedByBackendError(err.Error(), err)
	}
	if err := e.backend.Stop(ctx, h.ID, StopGrace); err != nil {
		return err
	}
	if serving(h) {
		return e.backend.Remove(ctx, h.ID)
	}
	return nil
}

func serving(h *engine.ExecutionHandle) bool {
	return h.Data[dataAction] == ActionServe
}

// Collect builds the declared outputs from the object store.
func (e *Executor) Collect(ctx context.Context, h *engine.ExecutionHandle) ([]*engine.Entity, error) {
	outputs, err := runtimeutil.OutputsOf(h)
	if err != nil || len(outputs) == 0 {
		return nil, err
	}
	runName, err := runtimeutil.RunName(h.Run)
	if err != nil {
		return nil, err
	}
	return runtimeutil.Collector{Store: e.store}.Collect(ctx, h.Project, runName, outputs)
}
