// Package pipeline runs workflows of kind "pipeline": a DAG of container
// steps, each executed as a Kubernetes Job. Polling advances the DAG,
// launching the steps whose dependencies succeeded.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/kube"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/objectstore"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/job"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/runtimeutil"
)

// Runtime is the workflow kind handled by the adapter.
const Runtime = "pipeline"

// LabelStep names the step a Job runs.
const LabelStep = "digitalhub.io/step"

// Handle data keys.
const (
	dataPipeline = "pipeline"
	dataPhases   = "phases"
)

// Evaluator turns workflow source into steps. *config.StarlarkEvaluator
// implements it.
type Evaluator interface {
	EvaluateWorkflow(ctx context.Context, source string, params map[string]interface{}) ([]engine.PipelineStep, error)
}

// Payload is the backend material of a pipeline invocation.
type Payload struct {
	Steps []engine.PipelineStep `json:"steps"`

	// Env, Resources and Timeout apply to every step.
	Env       map[string]string     `json:"env,omitempty"`
	Resources runtimeutil.Resources `json:"resources,omitempty"`
	Timeout   string                `json:"timeout,omitempty"`

	Outputs []runtimeutil.Output `json:"outputs,omitempty"`
}

// Adapter is the pipeline runtime adapter.
type Adapter struct {
	exec *job.Executor
	eval Evaluator
}

var (
	_ engine.RuntimeAdapter = (*Adapter)(nil)
	_ engine.Stopper        = (*Adapter)(nil)
)

// Factory returns the adapter factory. Without an evaluator only workflows
// listing their steps are accepted.
func Factory(backend job.Backend, store objectstore.Store, eval Evaluator) engine.AdapterFactory {
	return func() engine.RuntimeAdapter {
		return &Adapter{exec: job.NewExecutor(Runtime, backend, store), eval: eval}
	}
}

func (a *Adapter) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Runtime:     Runtime,
		Executable:  engine.EntityWorkflow,
		Actions:     []string{"pipeline"},
		Description: "Runs a DAG of container steps as Kubernetes Jobs",
	}
}

func (a *Adapter) Validate(workflow, task *engine.Entity) error {
	if err := a.exec.Ready(); err != nil {
		return err
	}
	if _, err := runtimeutil.Action(a.Descriptor(), task); err != nil {
		return err
	}
	spec := runtimeutil.MergedSpec(workflow, task)
	_, hasSteps := spec["steps"]
	source := runtimeutil.String(spec, "source")
	switch {
	case hasSteps:
		p, err := a.build(spec, nil)
		if err != nil {
			return err
		}
		return p.validate(task.Spec["require_digest"] == true)
	case source != "":
		if a.eval == nil {
			return engine.NewValidationError("workflow source requires an evaluator, none is configured", nil)
		}
		return nil
	default:
		return engine.NewValidationError("workflow spec needs steps or source", nil)
	}
}

func (a *Adapter) BuildInvocation(workflow, task *engine.Entity, params map[string]interface{}) (*engine.Invocation, error) {
	action, err := runtimeutil.Action(a.Descriptor(), task)
	if err != nil {
		return nil, err
	}
	p, err := a.build(runtimeutil.MergedSpec(workflow, task), params)
	if err != nil {
		return nil, err
	}
	if err := p.validate(task.Spec["require_digest"] == true); err != nil {
		return nil, err
	}
	payload, err := runtimeutil.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	return engine.NewInvocation(Runtime, action, workflow, task, params, payload)
}

// Graph returns the step graph a pipeline invocation would execute.
func Graph(inv *engine.Invocation) (*engine.StepGraph, error) {
	var p Payload
	if err := runtimeutil.DecodePayload(inv, &p); err != nil {
		return nil, err
	}
	return engine.NewDAGBuilder().BuildGraph(p.Steps)
}

// Start launches the root steps.
func (a *Adapter) Start(ctx context.Context, inv *engine.Invocation) (*engine.ExecutionHandle, error) {
	if err := a.exec.Ready(); err != nil {
		return nil, engine.NewRejectedByBackendError(err.Error(), err)
	}
	var p Payload
	if err := runtimeutil.DecodePayload(inv, &p); err != nil {
		return nil, err
	}
	runName, err := runtimeutil.RunName(inv.Run)
	if err != nil {
		return nil, err
	}
	graph, err := engine.NewDAGBuilder().BuildGraph(p.Steps)
	if err != nil {
		return nil, err
	}

	phases := make(map[string]string, len(p.Steps))
	for _, name := range graph.Ready(nil, nil) {
		if err := a.launch(ctx, inv.Run, inv.Project, &p, name); err != nil {
			return nil, err
		}
		phases[name] = PhasePending
	}

	data, err := encodeState(&p, phases)
	if err != nil {
		return nil, err
	}
	if p.Timeout != "" {
		data[runtimeutil.DataTimeout] = p.Timeout
	}
	if err := runtimeutil.HandleOutputs(data, p.Outputs); err != nil {
		return nil, engine.NewValidationError("outputs are not serializable", err)
	}
	return &engine.ExecutionHandle{
		ID:   a.exec.Backend().Namespace() + "/" + runtimeutil.ResourceName(runName),
		Data: data,
	}, nil
}

// Poll refreshes the phase of every launched step and launches the steps
// that became ready. Launching is idempotent, so a repeated poll of the
// same state changes nothing. When a step fails, running steps are
// suspended and unlaunched ones omitted.
func (a *Adapter) Poll(ctx context.Context, h *engine.ExecutionHandle) (*engine.PollResult, error) {
	if err := a.exec.Ready(); err != nil {
		return nil, engine.NewBackendUnavailableError(err.Error(), err)
	}
	p, phases, err := decodeState(h)
	if err != nil {
		return nil, err
	}
	graph, err := engine.NewDAGBuilder().BuildGraph(p.Steps)
	if err != nil {
		return nil, err
	}
	runName, err := runtimeutil.RunName(h.Run)
	if err != nil {
		return nil, err
	}

	var messages []string
	for _, name := range stepNames(p) {
		phase, launched := phases[name]
		if !launched || finished(phase) {
			continue
		}
		j, err := a.exec.Backend().GetJob(ctx, stepJobName(runName, name))
		if engine.IsNotFound(err) {
			phases[name] = PhaseError
			messages = append(messages, fmt.Sprintf("step %s: job disappeared", name))
			continue
		}
		if err != nil {
			return nil, err
		}
		state, native, msg := kube.JobState(j)
		phases[name] = stepPhase(native)
		if state == engine.StateError && msg != "" {
			messages = append(messages, fmt.Sprintf("step %s: %s", name, msg))
		}
	}

	phase := pipelinePhase(phases, stepNames(p))
	switch phase {
	case PhaseFailed, PhaseError:
		for _, name := range stepNames(p) {
			switch current, launched := phases[name]; {
			case !launched:
				phases[name] = PhaseOmitted
			case !finished(current):
				if err := a.suspend(ctx, runName, name); err != nil {
					return nil, err
				}
				phases[name] = PhaseSkipped
			}
		}
	case PhasePending, PhaseRunning:
		done := make(map[string]bool, len(phases))
		started := make(map[string]bool, len(phases))
		for name, ph := range phases {
			started[name] = true
			done[name] = ph == PhaseSucceeded
		}
		for _, name := range graph.Ready(done, started) {
			if err := a.launch(ctx, h.Run, h.Project, p, name); err != nil {
				return nil, err
			}
			phases[name] = PhasePending
		}
		phase = pipelinePhase(phases, stepNames(p))
	}

	data, err := encodeState(nil, phases)
	if err != nil {
		return nil, err
	}
	steps := make(map[string]interface{}, len(phases))
	for name, ph := range phases {
		steps[name] = ph
	}
	return &engine.PollResult{
		State:       StateOf(phase),
		NativeState: phase,
		Message:     strings.Join(messages, "; "),
		Results:     map[string]interface{}{"steps": steps},
		Data:        data,
	}, nil
}

// Stop suspends every launched step that has not finished.
func (a *Adapter) Stop(ctx context.Context, h *engine.ExecutionHandle) error {
	if err := a.exec.Ready(); err != nil {
		return engine.NewRejectedByBackendError(err.Error(), err)
	}
	p, phases, err := decodeState(h)
	if err != nil {
		return err
	}
	runName, err := runtimeutil.RunName(h.Run)
	if err != nil {
		return err
	}
	for _, name := range stepNames(p) {
		if phase, launched := phases[name]; launched && !finished(phase) {
			if err := a.suspend(ctx, runName, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Adapter) CollectOutputs(ctx context.Context, h *engine.ExecutionHandle) ([]*engine.Entity, error) {
	return a.exec.Collect(ctx, h)
}

// build decodes the steps, listed or evaluated from source, and the
// settings shared by every step.
func (a *Adapter) build(spec map[string]interface{}, params map[string]interface{}) (*Payload, error) {
	p := &Payload{Timeout: runtimeutil.String(spec, "timeout")}

	var err error
	if raw, ok := spec["steps"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, engine.NewValidationError("spec.steps is not serializable", err)
		}
		if err := json.Unmarshal(b, &p.Steps); err != nil {
			return nil, engine.NewValidationError("spec.steps is malformed", err)
		}
	} else if source := runtimeutil.String(spec, "source"); source != "" {
		if a.eval == nil {
			return nil, engine.NewValidationError("workflow source requires an evaluator, none is configured", nil)
		}
		if p.Steps, err = a.eval.EvaluateWorkflow(context.Background(), source, params); err != nil {
			return nil, err
		}
	} else {
		return nil, engine.NewValidationError("workflow spec needs steps or source", nil)
	}
	if _, err := engine.NewDAGBuilder().BuildGraph(p.Steps); err != nil {
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
	if p.Outputs, err = runtimeutil.DecodeOutputs(spec); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Payload) validate(requireDigest bool) error {
	for _, name := range stepNames(p) {
		jp := p.stepPayload(name)
		if err := jp.Validate(requireDigest); err != nil {
			return fmt.Errorf("step %s: %w", name, err)
		}
	}
	return nil
}

func (p *Payload) step(name string) *engine.PipelineStep {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

func (p *Payload) stepPayload(name string) *job.Payload {
	s := p.step(name)
	env := make(map[string]string, len(p.Env)+len(s.Env)+1)
	for k, v := range p.Env {
		env[k] = v
	}
	for k, v := range s.Env {
		env[k] = v
	}
	env["DHSDK_STEP"] = s.Name
	return &job.Payload{
		Image:     s.Image,
		Command:   s.Command,
		Args:      s.Args,
		Env:       env,
		Resources: p.Resources,
		Timeout:   p.Timeout,
	}
}

func (a *Adapter) launch(ctx context.Context, run, project string, p *Payload, name string) error {
	runName, err := runtimeutil.RunName(run)
	if err != nil {
		return err
	}
	spec, err := p.stepPayload(name).JobSpec(stepJobName(runName, name))
	if err != nil {
		return err
	}
	spec.Labels = a.exec.Labels(project, runName)
	spec.Labels[LabelStep] = runtimeutil.ResourceName(name)
	spec.Env["DHSDK_RUN"] = run
	spec.Env["DHSDK_PROJECT"] = project
	spec.Env["DHSDK_RUNTIME"] = Runtime
	_, err = a.exec.Backend().CreateJob(ctx, spec)
	return err
}

func (a *Adapter) suspend(ctx context.Context, runName, step string) error {
	err := a.exec.Backend().SuspendJob(ctx, stepJobName(runName, step))
	if engine.IsNotFound(err) {
		return nil
	}
	return err
}

func stepJobName(runName, step string) string {
	return runtimeutil.ResourceName(runName, step)
}

func stepNames(p *Payload) []string {
	names := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// encodeState renders the payload (when given) and the step phases as
// handle data.
func encodeState(p *Payload, phases map[string]string) (map[string]string, error) {
	data := make(map[string]string, 2)
	if p != nil {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, engine.NewValidationError("pipeline is not serializable", err)
		}
		data[dataPipeline] = string(b)
	}
	b, err := json.Marshal(phases)
	if err != nil {
		return nil, engine.NewValidationError("step phases are not serializable", err)
	}
	data[dataPhases] = string(b)
	return data, nil
}

func decodeState(h *engine.ExecutionHandle) (*Payload, map[string]string, error) {
	var p Payload
	if err := json.Unmarshal([]byte(h.Data[dataPipeline]), &p); err != nil {
		return nil, nil, engine.NewPermanentError("execution handle carries no pipeline", err).WithCode(engine.ErrCodeInternal)
	}
	phases := make(map[string]string)
	if raw := h.Data[dataPhases]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &phases); err != nil {
			return nil, nil, engine.NewPermanentError("execution handle carries malformed phases", err).WithCode(engine.ErrCodeInternal)
		}
	}
	return &p, phases, nil
}
