package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

const spinWorkflow = `
def spin():
    total = 0
    for i in range(10000):
        for j in range(10000):
            total = total + j
    return total

spin()
step(name="a", image="i")
`

func TestEvaluateWorkflow(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	source := `
print("discarded")
prep = step(name="prep", image="python:3.12", command=["python", "prep.py"], env={"STAGE": "prep"})
shards = [step(name="train-" + str(i), image=params["image"], args=["--shard", str(i)], after=[prep]) for i in range(params["shards"])]
step(name="report", image="python:3.12", after=shards)
`
	steps, err := evaluator.EvaluateWorkflow(context.Background(), source, map[string]interface{}{
		"image":  "trainer:1.0",
		"shards": float64(2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "prep,train-0,train-1,report" {
		t.Fatalf("unexpected steps %s", got)
	}
	if steps[0].Env["STAGE"] != "prep" || steps[0].Command[1] != "prep.py" {
		t.Errorf("unexpected prep step %+v", steps[0])
	}
	if steps[1].Image != "trainer:1.0" || steps[1].After[0] != "prep" || steps[1].Args[1] != "0" {
		t.Errorf("unexpected train step %+v", steps[1])
	}
	if len(steps[3].After) != 2 {
		t.Errorf("expected report to wait for both shards, got %v", steps[3].After)
	}
}

func TestEvaluateWorkflow_Errors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"no steps", `x = 1`, "no steps"},
		{"duplicate", `step(name="a", image="i")
step(name="a", image="i")`, "declared twice"},
		{"missing image", `step(name="a")`, "workflow source failed"},
		{"bad command", `step(name="a", image="i", command=[1])`, "command"},
		{"bad env", `step(name="a", image="i", env={"A": 1})`, "env"},
		{"unknown dependency", `step(name="a", image="i", after=["ghost"])`, "ghost"},
		{"cycle", `step(name="a", image="i", after=["b"])
step(name="b", image="i", after=["a"])`, "circular"},
		{"load", `load("other.star", "x")
step(name="a", image="i")`, "not allowed"},
		{"syntax", `step(name="a", image=`, "workflow source failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evaluator.EvaluateWorkflow(context.Background(), tt.source, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.IsValidation(err) {
				t.Errorf("expected a validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %v", tt.want, err)
			}
		})
	}
}

func TestEvaluateWorkflow_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	start := time.Now()
	_, err := evaluator.EvaluateWorkflow(context.Background(), spinWorkflow, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "aborted") {
		t.Errorf("expected an aborted evaluation, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("evaluation was not cancelled in time")
	}
}

func TestEvaluateWorkflow_ContextCancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := evaluator.EvaluateWorkflow(ctx, spinWorkflow, nil); err == nil {
		t.Error("expected cancelled evaluation to fail")
	}
}

func TestToStarlark(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, "None"},
		{"bool", true, "True"},
		{"int", 3, "3"},
		{"integral float", float64(4), "4"},
		{"float", 1.5, "1.5"},
		{"string", "x", `"x"`},
		{"list", []interface{}{"a", float64(1)}, `["a", 1]`},
		{"dict", map[string]interface{}{"b": false, "a": nil}, `{"a": None, "b": False}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := toStarlark(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.String() != tt.want {
				t.Errorf("got %s, want %s", v.String(), tt.want)
			}
		})
	}

	if _, err := toStarlark(struct{}{}); err == nil {
		t.Error("expected unsupported type error")
	}
}
