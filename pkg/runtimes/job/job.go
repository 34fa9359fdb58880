// Package job runs functions of kind "job" as Kubernetes Jobs.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/kube"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/objectstore"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/runtimeutil"
)

// Runtime is the function kind handled by the adapter.
const Runtime = "job"

// Payload is the backend material of a Job invocation.
type Payload struct {
	Image     string                `json:"image"`
	Command   []string              `json:"command,omitempty"`
	Args      []string              `json:"args,omitempty"`
	Env       map[string]string     `json:"env,omitempty"`
	Resources runtimeutil.Resources `json:"resources,omitempty"`
	Timeout   string                `json:"timeout,omitempty"`
	Backoff   int32                 `json:"backoff_limit,omitempty"`

	// Files are mounted read-only at ConfigMountPath.
	Files map[string]string `json:"files,omitempty"`

	// Secrets become environment variables read from a Secret. They are
	// set at start and never stored in the invocation.
	Secrets map[string]string `json:"-"`

	Outputs []runtimeutil.Output `json:"outputs,omitempty"`
}

// Adapter is the Kubernetes Job runtime adapter.
type Adapter struct {
	exec *Executor
}

var (
	_ engine.RuntimeAdapter = (*Adapter)(nil)
	_ engine.Stopper        = (*Adapter)(nil)
)

// Factory returns the adapter factory. A nil backend makes every
// validation fail.
func Factory(backend Backend, store objectstore.Store) engine.AdapterFactory {
	return func() engine.RuntimeAdapter {
		return &Adapter{exec: NewExecutor(Runtime, backend, store)}
	}
}

func (a *Adapter) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Runtime:     Runtime,
		Executable:  engine.EntityFunction,
		Actions:     []string{"job"},
		Description: "Runs a container image as a Kubernetes Job",
	}
}

func (a *Adapter) Validate(function, task *engine.Entity) error {
	if err := a.exec.Ready(); err != nil {
		return err
	}
	if _, err := runtimeutil.Action(a.Descriptor(), task); err != nil {
		return err
	}
	p, err := BuildPayload(runtimeutil.MergedSpec(function, task), nil)
	if err != nil {
		return err
	}
	return p.Validate(task.Spec["require_digest"] == true)
}

func (a *Adapter) BuildInvocation(function, task *engine.Entity, params map[string]interface{}) (*engine.Invocation, error) {
	action, err := runtimeutil.Action(a.Descriptor(), task)
	if err != nil {
		return nil, err
	}
	p, err := BuildPayload(runtimeutil.MergedSpec(function, task), params)
	if err != nil {
		return nil, err
	}
	payload, err := runtimeutil.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	return engine.NewInvocation(Runtime, action, function, task, params, payload)
}

func (a *Adapter) Start(ctx context.Context, inv *engine.Invocation) (*engine.ExecutionHandle, error) {
	var p Payload
	if err := runtimeutil.DecodePayload(inv, &p); err != nil {
		return nil, err
	}
	return a.exec.Start(ctx, inv, &p)
}

func (a *Adapter) Poll(ctx context.Context, h *engine.ExecutionHandle) (*engine.PollResult, error) {
	return a.exec.Poll(ctx, h)
}

func (a *Adapter) Stop(ctx context.Context, h *engine.ExecutionHandle) error {
	return a.exec.Stop(ctx, h)
}

func (a *Adapter) CollectOutputs(ctx context.Context, h *engine.ExecutionHandle) ([]*engine.Entity, error) {
	return a.exec.Collect(ctx, h)
}

// BuildPayload decodes a merged spec into a payload. Parameters are
// passed as DHSDK_PARAM_* environment variables.
func BuildPayload(spec map[string]interface{}, params map[string]interface{}) (*Payload, error) {
	p := &Payload{
		Image:   runtimeutil.String(spec, "image"),
		Timeout: runtimeutil.String(spec, "timeout"),
	}
	var err error
	if p.Command, err = runtimeutil.Strings(spec, "command"); err != nil {
		return nil, err
	}
	if p.Args, err = runtimeutil.Strings(spec, "args"); err != nil {
		return nil, err
	}
	if p.Env, err = runtimeutil.StringMap(spec, "env"); err != nil {
		return nil, err
	}
	paramEnv, err := runtimeutil.ParameterEnv(params)
	if err != nil {
		return nil, err
	}
	if p.Env == nil {
		p.Env = make(map[string]string, len(paramEnv))
	}
	for k, v := range paramEnv {
		p.Env[k] = v
	}
	if p.Resources, err = runtimeutil.DecodeResources(spec); err != nil {
		return nil, err
	}
	if raw, ok := spec["backoff_limit"]; ok && raw != nil {
		var n float64
		switch v := raw.(type) {
		case int:
			n = float64(v)
		case int64:
			n = float64(v)
		case float64:
			n = v
		default:
			n = -1
		}
		if n < 0 || n != float64(int32(n)) {
			return nil, engine.NewValidationError(fmt.Sprintf("spec.backoff_limit must be a non-negative integer, got %v", raw), nil)
		}
		p.Backoff = int32(n)
	}
	if p.Outputs, err = runtimeutil.DecodeOutputs(spec); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the image, the timeout and the resource quantities.
func (p *Payload) Validate(requireDigest bool) error {
	if err := runtimeutil.ValidateImage(p.Image, requireDigest); err != nil {
		return err
	}
	spec, err := p.JobSpec("validate")
	if err != nil {
		return err
	}
	return spec.Validate()
}

// JobSpec returns the Job for the payload under name. Files are mounted
// from a ConfigMap of the same name.
func (p *Payload) JobSpec(name string) (*kube.JobSpec, error) {
	timeout, err := runtimeutil.Timeout(map[string]interface{}{"timeout": p.Timeout})
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(p.Env)+4)
	for k, v := range p.Env {
		env[k] = v
	}
	spec := &kube.JobSpec{
		Name:                  name,
		Image:                 p.Image,
		Command:               p.Command,
		Args:                  p.Args,
		Env:                   env,
		Requests:              p.Resources.Requests(),
		Limits:                p.Resources.LimitsWithGPU(),
		ActiveDeadlineSeconds: int64((timeout + time.Second - 1) / time.Second),
		BackoffLimit:          p.Backoff,
	}
	if len(p.Files) > 0 {
		spec.ConfigMap = name
		spec.ConfigMountPath = ConfigMountPath
	}
	return spec, nil
}
