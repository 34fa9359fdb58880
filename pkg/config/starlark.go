package config

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.starlark.net/starlark"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// StarlarkEvaluator runs pipeline workflow source in a sandboxed Starlark
// thread: no load(), print discarded, execution bounded by a timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator returns an evaluator bounded by timeout, 30s when
// zero.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// EvaluateWorkflow runs Starlark workflow source and returns the steps
// declared by its step() calls, in call order. params is exposed to the
// script as the "params" dict.
//
//	prep = step(name="prep", image="python:3.12", command=["python", "prep.py"])
//	step(name="train", image="trainer:1.0", after=[prep])
//
// step() returns the step name, so results can be passed to after.
// The declared steps must form a DAG.
func (se *StarlarkEvaluator) EvaluateWorkflow(ctx context.Context, source string, params map[string]interface{}) ([]engine.PipelineStep, error) {
	b := &workflowBuilder{seen: make(map[string]bool)}

	paramsDict, err := toStarlark(params)
	if err != nil {
		return nil, engine.NewValidationError("workflow params cannot be passed to starlark", err)
	}
	if err := se.exec(ctx, "workflow.star", source, starlark.StringDict{
		"params": paramsDict,
		"step":   starlark.NewBuiltin("step", b.step),
	}); err != nil {
		return nil, engine.NewValidationError("workflow source failed", err)
	}

	if len(b.steps) == 0 {
		return nil, engine.NewValidationError("workflow declares no steps", nil)
	}
	if _, err := engine.NewDAGBuilder().BuildGraph(b.steps); err != nil {
		return nil, err
	}
	return b.steps, nil
}

// exec runs source with predeclared, cancelling the thread when the
// timeout or ctx expires.
func (se *StarlarkEvaluator) exec(ctx context.Context, filename, source string, predeclared starlark.StringDict) error {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "dhsdk-workflow",
		Print: func(*starlark.Thread, string) {},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q) is not allowed in workflows", module)
		},
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	if _, err := starlark.ExecFile(thread, filename, source, predeclared); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("workflow evaluation aborted after %v: %w", se.timeout, ctx.Err())
		}
		return err
	}
	return nil
}

type workflowBuilder struct {
	steps []engine.PipelineStep
	seen  map[string]bool
}

func (b *workflowBuilder) step(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, image         string
		command, argv, deps *starlark.List
		env                 *starlark.Dict
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"name", &name,
		"image", &image,
		"command?", &command,
		"args?", &argv,
		"after?", &deps,
		"env?", &env,
	); err != nil {
		return nil, err
	}
	if b.seen[name] {
		return nil, fmt.Errorf("step %q declared twice", name)
	}
	b.seen[name] = true

	s := engine.PipelineStep{Name: name, Image: image}
	var err error
	if s.Command, err = stringList(command); err != nil {
		return nil, fmt.Errorf("step %q command: %w", name, err)
	}
	if s.Args, err = stringList(argv); err != nil {
		return nil, fmt.Errorf("step %q args: %w", name, err)
	}
	if s.After, err = stringList(deps); err != nil {
		return nil, fmt.Errorf("step %q after: %w", name, err)
	}
	if env != nil {
		s.Env = make(map[string]string, env.Len())
		for _, item := range env.Items() {
			k, kok := item[0].(starlark.String)
			v, vok := item[1].(starlark.String)
			if !kok || !vok {
				return nil, fmt.Errorf("step %q env must map strings to strings", name)
			}
			s.Env[string(k)] = string(v)
		}
	}
	b.steps = append(b.steps, s)
	return starlark.String(name), nil
}

func stringList(l *starlark.List) ([]string, error) {
	if l == nil {
		return nil, nil
	}
	out := make([]string, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		s, ok := l.Index(i).(starlark.String)
		if !ok {
			return nil, fmt.Errorf("element %d is %s, want string", i, l.Index(i).Type())
		}
		out = append(out, string(s))
	}
	return out, nil
}

// toStarlark converts decoded JSON/YAML values. Integral float64 values
// become ints so that params["epochs"] can drive range().
func toStarlark(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlark(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}
