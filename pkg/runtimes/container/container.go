// Package container runs functions of kind "container" as Docker containers.
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

// Runtime is the function kind handled by the adapter.
const Runtime = "container"

// StopGrace is how long a stopped container may take to exit.
const StopGrace = 10

// Actions of the adapter. A job container runs to completion; a serve
// container runs until the run is stopped.
const (
	ActionJob   = "job"
	ActionServe = "serve"
)

// Backend is the Docker surface the adapter needs.
type Backend interface {
	Run(ctx context.Context, spec *docker.ContainerSpec) (string, error)
	Inspect(ctx context.Context, id string) (*docker.ContainerState, error)
	Stop(ctx context.Context, id string, graceSeconds int) error
	Logs(ctx context.Context, id string, tail int) (string, error)
	Remove(ctx context.Context, id string) error
}

var _ Backend = (*docker.Client)(nil)

// Payload is the backend material of a container invocation.
type Payload struct {
	Image      string            `json:"image"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Command    []string          `json:"command,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Volumes    map[string]string `json:"volumes,omitempty"`
	CPU        string            `json:"cpu,omitempty"`
	Memory     string            `json:"memory,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
	Serve      bool              `json:"serve,omitempty"`

	Outputs []runtimeutil.Output `json:"outputs,omitempty"`
}

// Adapter is the container runtime adapter.
type Adapter struct {
	exec *Executor
}

var (
	_ engine.RuntimeAdapter = (*Adapter)(nil)
	_ engine.Stopper        = (*Adapter)(nil)
)

// Factory returns the adapter factory. A nil backend makes every
// validation fail, so the kind stays registered without a daemon.
func Factory(backend Backend, store objectstore.Store) engine.AdapterFactory {
	return func() engine.RuntimeAdapter {
		return &Adapter{exec: NewExecutor(Runtime, backend, store)}
	}
}

func (a *Adapter) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Runtime:     Runtime,
		Executable:  engine.EntityFunction,
		Actions:     []string{ActionJob, ActionServe},
		Description: "Runs a container image on a Docker daemon, to completion or as a service",
	}
}

func (a *Adapter) Validate(function, task *engine.Entity) error {
	if err := a.exec.Ready(); err != nil {
		return err
	}
	action, err := runtimeutil.Action(a.Descriptor(), task)
	if err != nil {
		return err
	}
	p, err := BuildPayload(runtimeutil.MergedSpec(function, task), nil)
	if err != nil {
		return err
	}
	p.Serve = action == ActionServe
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
	p.Serve = action == ActionServe
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
		Image:      runtimeutil.String(spec, "image"),
		WorkingDir: runtimeutil.String(spec, "working_dir"),
		Timeout:    runtimeutil.String(spec, "timeout"),
	}
	var err error
	if p.Entrypoint, err = runtimeutil.Strings(spec, "entrypoint"); err != nil {
		return nil, err
	}
	command, err := runtimeutil.Strings(spec, "command")
	if err != nil {
		return nil, err
	}
	args, err := runtimeutil.Strings(spec, "args")
	if err != nil {
		return nil, err
	}
	p.Command = append(command, args...)

	if p.Env, err = runtimeutil.StringMap(spec, "env"); err != nil {
		return nil, err
	}
	paramEnv, err := runtimeutil.ParameterEnv(params)
	if err != nil {
		return nil, err
	}
	if len(paramEnv) > 0 && p.Env == nil {
		p.Env = make(map[string]string, len(paramEnv))
	}
	for k, v := range paramEnv {
		p.Env[k] = v
	}

	if p.Volumes, err = runtimeutil.StringMap(spec, "volumes"); err != nil {
		return nil, err
	}
	res, err := runtimeutil.DecodeResources(spec)
	if err != nil {
		return nil, err
	}
	p.CPU, p.Memory = res.CPU, res.Memory
	if p.Outputs, err = runtimeutil.DecodeOutputs(spec); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the image, the timeout and the container resources.
// Services run until stopped and take no timeout.
func (p *Payload) Validate(requireDigest bool) error {
	if err := runtimeutil.ValidateImage(p.Image, requireDigest); err != nil {
		return err
	}
	if p.Serve && p.Timeout != "" {
		return engine.NewValidationError("serve tasks run until stopped and take no timeout", nil)
	}
	if _, err := runtimeutil.Timeout(map[string]interface{}{"timeout": p.Timeout}); err != nil {
		return err
	}
	return p.containerSpec("validate").Validate()
}

func (p *Payload) containerSpec(name string) *docker.ContainerSpec {
	env := make(map[string]string, len(p.Env))
	for k, v := range p.Env {
		env[k] = v
	}
	return &docker.ContainerSpec{
		Name:       name,
		Image:      p.Image,
		Entrypoint: p.Entrypoint,
		Command:    p.Command,
		Env:        env,
		WorkingDir: p.WorkingDir,
		Volumes:    p.Volumes,
		CPU:        p.CPU,
		Memory:     p.Memory,
		Service:    p.Serve,
	}
}

func timeoutOf(h *engine.ExecutionHandle) time.Duration {
	d, err := time.ParseDuration(h.Data[runtimeutil.DataTimeout])
	if err != nil {
		return 0
	}
	return d
}

func exitResults(state *docker.ContainerState) map[string]interface{} {
	return map[string]interface{}{"exit_code": state.ExitCode}
}

func timeoutMessage(d time.Duration) string {
	return fmt.Sprintf("container exceeded its %s timeout and was stopped", d)
}
