package job

import (
	"context"
	"time"

	kubebatch "k8s.io/api/batch/v1"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/kube"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/objectstore"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/runtimeutil"
)

// ConfigMountPath is where the files of a payload are mounted.
const ConfigMountPath = "/etc/dhsdk"

// Backend is the Kubernetes surface the Job-based adapters need.
// *kube.Client implements it.
type Backend interface {
	Namespace() string
	CreateJob(ctx context.Context, spec *kube.JobSpec) (*kubebatch.Job, error)
	GetJob(ctx context.Context, name string) (*kubebatch.Job, error)
	SuspendJob(ctx context.Context, name string) error
	DeleteJob(ctx context.Context, name string) error
	ApplyConfigMap(ctx context.Context, name string, files, labels map[string]string) error
	ApplySecret(ctx context.Context, name string, data, labels map[string]string) error
	DeleteConfigMap(ctx context.Context, name string) error
}

var _ Backend = (*kube.Client)(nil)

// Executor runs invocations as single Kubernetes Jobs. It is shared by the
// adapters whose executions are one Job.
type Executor struct {
	runtime string
	backend Backend
	store   objectstore.Store
}

// NewExecutor creates an executor for runtime.
func NewExecutor(runtime string, backend Backend, store objectstore.Store) *Executor {
	return &Executor{runtime: runtime, backend: backend, store: store}
}

// Ready fails with VALIDATION_ERROR when no cluster is configured.
func (e *Executor) Ready() error {
	if e.backend == nil {
		return engine.NewValidationError("runtime "+e.runtime+" requires a kubernetes backend, none is configured", nil)
	}
	return nil
}

// Backend returns the configured backend.
func (e *Executor) Backend() Backend {
	return e.backend
}

// Labels returns the labels set on the objects of a run.
func (e *Executor) Labels(project, runName string) map[string]string {
	return map[string]string{
		kube.LabelRun:     runName,
		kube.LabelRuntime: e.runtime,
		kube.LabelProject: project,
	}
}

// Start applies the payload files as a ConfigMap, the payload secrets as a
// Secret, and creates the Job. All are named after the run, so a retried
// start reuses them.
func (e *Executor) Start(ctx context.Context, inv *engine.Invocation, p *Payload) (*engine.ExecutionHandle, error) {
	if err := e.Ready(); err != nil {
		return nil, engine.NewRejectedByBackendError(err.Error(), err)
	}
	runName, err := runtimeutil.RunName(inv.Run)
	if err != nil {
		return nil, err
	}

	name := runtimeutil.ResourceName(runName)
	labels := e.Labels(inv.Project, runName)
	spec, err := p.JobSpec(name)
	if err != nil {
		return nil, err
	}
	spec.Labels = labels
	spec.Env["DHSDK_RUN"] = inv.Run
	spec.Env["DHSDK_PROJECT"] = inv.Project
	spec.Env["DHSDK_RUNTIME"] = e.runtime
	if e.store != nil {
		spec.Env["DHSDK_OUTPUT_PATH"] = e.store.URI(objectstore.RunPrefix(inv.Project, runName))
	}

	if len(p.Files) > 0 {
		if err := e.backend.ApplyConfigMap(ctx, name, p.Files, labels); err != nil {
			return nil, err
		}
		spec.ConfigMap = name
		spec.ConfigMountPath = ConfigMountPath
	}
	if len(p.Secrets) > 0 {
		if err := e.backend.ApplySecret(ctx, name, p.Secrets, labels); err != nil {
			return nil, err
		}
		spec.SecretEnv = make(map[string]kube.SecretKeyRef, len(p.Secrets))
		for k := range p.Secrets {
			spec.SecretEnv[k] = kube.SecretKeyRef{Name: name, Key: k}
		}
	}

	job, err := e.backend.CreateJob(ctx, spec)
	if err != nil {
		return nil, err
	}

	data := map[string]string{runtimeutil.DataName: job.Name}
	if p.Timeout != "" {
		data[runtimeutil.DataTimeout] = p.Timeout
	}
	if err := runtimeutil.HandleOutputs(data, p.Outputs); err != nil {
		return nil, engine.NewValidationError("outputs are not serializable", err)
	}
	return &engine.ExecutionHandle{
		ID:        e.backend.Namespace() + "/" + job.Name,
		Data:      data,
		StartedAt: job.CreationTimestamp.Time,
	}, nil
}

// Poll maps the Job conditions to a run state. A Job that disappeared is
// reported as ERROR.
func (e *Executor) Poll(ctx context.Context, h *engine.ExecutionHandle) (*engine.PollResult, error) {
	if err := e.Ready(); err != nil {
		return nil, engine.NewBackendUnavailableError(err.Error(), err)
	}
	job, err := e.backend.GetJob(ctx, h.Data[runtimeutil.DataName])
	if engine.IsNotFound(err) {
		return &engine.PollResult{State: engine.StateError, NativeState: "Missing", Message: "job disappeared"}, nil
	}
	if err != nil {
		return nil, err
	}

	state, native, msg := kube.JobState(job)
	result := &engine.PollResult{State: state, NativeState: native, Message: msg}
	if state.IsTerminal() {
		result.Results = map[string]interface{}{
			"succeeded": int(job.Status.Succeeded),
			"failed":    int(job.Status.Failed),
		}
		if job.Status.CompletionTime != nil && job.Status.StartTime != nil {
			d := job.Status.CompletionTime.Sub(job.Status.StartTime.Time)
			result.Results["duration"] = d.Round(time.Second).String()
		}
	}
	return result, nil
}

// Stop suspends the Job, which terminates its pods. Polling then reports
// the Suspended condition as STOPPED.
func (e *Executor) Stop(ctx context.Context, h *engine.ExecutionHandle) error {
	if err := e.Ready(); err != nil {
		return engine.NewRejectedByBackendError(err.Error(), err)
	}
	err := e.backend.SuspendJob(ctx, h.Data[runtimeutil.DataName])
	if engine.IsNotFound(err) {
		return nil
	}
	return err
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
