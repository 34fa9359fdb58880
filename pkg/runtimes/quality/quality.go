// Package quality runs data quality checks (inference, profiling,
// validation and metrics) in a validator container on Docker. The report
// written by the container is registered as a "report" Artifact.
package quality

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/objectstore"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/container"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/runtimeutil"
)

// Runtime is the function kind handled by the adapter.
const Runtime = "quality"

// Actions of the runtime.
const (
	ActionInfer    = "infer"
	ActionProfile  = "profile"
	ActionValidate = "validate"
	ActionMetric   = "metric"
)

// DefaultImage runs the checks when the function names no image.
const DefaultImage = "ghcr.io/scc-digitalhub/digitalhub-nefertem:0.2.0"

// ReportOutput is the name of the report output.
const ReportOutput = "report"

// EnvConfig carries the JSON run configuration into the container.
const EnvConfig = "DHSDK_QUALITY_CONFIG"

// RunConfig is the configuration the validator container reads.
type RunConfig struct {
	Action      string                 `json:"action"`
	Framework   string                 `json:"framework"`
	Resources   []string               `json:"resources"`
	Constraints []interface{}          `json:"constraints,omitempty"`
	Metrics     []string               `json:"metrics,omitempty"`
	ExecArgs    map[string]interface{} `json:"exec_args,omitempty"`
	Parallel    bool                   `json:"parallel"`
	NumWorker   int                    `json:"num_worker"`
	ErrorReport string                 `json:"error_report,omitempty"`
}

// Adapter is the data quality runtime adapter.
type Adapter struct {
	exec *container.Executor
}

var (
	_ engine.RuntimeAdapter = (*Adapter)(nil)
	_ engine.Stopper        = (*Adapter)(nil)
)

// Factory returns the adapter factory.
func Factory(backend container.Backend, store objectstore.Store) engine.AdapterFactory {
	return func() engine.RuntimeAdapter {
		return &Adapter{exec: container.NewExecutor(Runtime, backend, store)}
	}
}

func (a *Adapter) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Runtime:     Runtime,
		Executable:  engine.EntityFunction,
		Actions:     []string{ActionInfer, ActionProfile, ActionValidate, ActionMetric},
		Description: "Runs data quality checks in a validator container",
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
	p, err := build(action, runtimeutil.MergedSpec(function, task), nil)
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
	p, err := build(action, runtimeutil.MergedSpec(function, task), params)
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
	var p container.Payload
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

// build turns the merged spec into a container payload carrying the run
// configuration. The report output is always declared.
func build(action string, spec map[string]interface{}, params map[string]interface{}) (*container.Payload, error) {
	cfg, err := decodeConfig(action, spec)
	if err != nil {
		return nil, err
	}

	base := engine.MergeSpecs(spec)
	delete(base, "outputs")
	if runtimeutil.String(base, "image") == "" {
		base["image"] = DefaultImage
	}
	p, err := container.BuildPayload(base, params)
	if err != nil {
		return nil, err
	}
	if len(p.Command) == 0 {
		p.Command = []string{"nefertem", action}
	}

	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, engine.NewValidationError("quality configuration is not serializable", err)
	}
	if p.Env == nil {
		p.Env = make(map[string]string, 1)
	}
	p.Env[EnvConfig] = string(b)
	p.Outputs = []runtimeutil.Output{{Name: ReportOutput, Type: engine.EntityArtifact, Kind: "report"}}
	return p, nil
}

func decodeConfig(action string, spec map[string]interface{}) (*RunConfig, error) {
	cfg := &RunConfig{
		Action:      action,
		Framework:   runtimeutil.String(spec, "framework"),
		ErrorReport: runtimeutil.String(spec, "error_report"),
		NumWorker:   1,
	}
	if cfg.Framework == "" {
		return nil, engine.NewValidationError("spec.framework is required", nil)
	}

	var err error
	if cfg.Resources, err = runtimeutil.Strings(spec, "resources"); err != nil {
		return nil, err
	}
	if len(cfg.Resources) == 0 {
		return nil, engine.NewValidationError("spec.resources must name at least one data resource", nil)
	}
	if cfg.Metrics, err = runtimeutil.Strings(spec, "metrics"); err != nil {
		return nil, err
	}
	if raw, ok := spec["constraints"]; ok && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, engine.NewValidationError("spec.constraints must be a list", nil)
		}
		cfg.Constraints = list
	}
	if raw, ok := spec["exec_args"]; ok && raw != nil {
		args, ok := raw.(map[string]interface{})
		if !ok {
			return nil, engine.NewValidationError("spec.exec_args must be a map", nil)
		}
		cfg.ExecArgs = args
	}
	if parallel, ok := spec["parallel"].(bool); ok {
		cfg.Parallel = parallel
	}
	if raw, ok := spec["num_worker"]; ok && raw != nil {
		n, err := intOf(raw)
		if err != nil || n < 1 {
			return nil, engine.NewValidationError(fmt.Sprintf("spec.num_worker must be a positive integer, got %v", raw), err)
		}
		cfg.NumWorker = n
	}

	switch action {
	case ActionValidate:
		if len(cfg.Constraints) == 0 {
			return nil, engine.NewValidationError("validate requires at least one constraint", nil)
		}
	case ActionMetric:
		if len(cfg.Metrics) == 0 {
			return nil, engine.NewValidationError("metric requires at least one metric", nil)
		}
	}
	return cfg, nil
}

func intOf(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
}
