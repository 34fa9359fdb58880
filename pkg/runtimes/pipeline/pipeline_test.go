package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/scc-digitalhub/digitalhub-sdk/internal/testutil"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/config"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/kube"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/runtimeutil"
)

func diamond() []interface{} {
	step := func(name string, after ...string) map[string]interface{} {
		s := map[string]interface{}{"name": name, "image": "busybox:1.36", "command": []interface{}{"echo", name}}
		if len(after) > 0 {
			deps := make([]interface{}, 0, len(after))
			for _, a := range after {
				deps = append(deps, a)
			}
			s["after"] = deps
		}
		return s
	}
	return []interface{}{
		step("prep"),
		step("train", "prep"),
		step("evaluate", "prep"),
		step("report", "train", "evaluate"),
	}
}

type env struct {
	client     *kube.Client
	dispatcher *engine.Dispatcher
	workflow   *engine.Entity
	task       *engine.Entity
}

func newEnv(t *testing.T, spec map[string]interface{}) *env {
	t.Helper()

	client := kube.NewFromClientset(fake.NewSimpleClientset(), "dh", "")
	registry := engine.NewRegistry(nil)
	require.NoError(t, registry.Register(Runtime, Factory(client, testutil.NewObjectStore(), config.NewStarlarkEvaluator(time.Second))))
	d := engine.NewDispatcher(testutil.NewStore(t), registry, engine.WithDispatcherConfig(testutil.FastConfig()))

	ctx := context.Background()
	wf, err := d.Catalog().Create(ctx, engine.NewEntity(engine.EntityWorkflow, Runtime, "proj", "flow", spec))
	require.NoError(t, err)
	task, err := d.Catalog().Create(ctx, engine.NewEntity(engine.EntityTask, "pipeline-pipeline", "proj", "flow",
		map[string]interface{}{"function": wf.Key().String()}))
	require.NoError(t, err)
	return &env{client: client, dispatcher: d, workflow: wf, task: task}
}

func (e *env) submit(t *testing.T, params map[string]interface{}) *engine.RunHandle {
	t.Helper()
	h, err := e.dispatcher.Submit(context.Background(), engine.NewEntity(engine.EntityRun, engine.RunKind(Runtime), "proj", "p1",
		map[string]interface{}{
			"function":   e.workflow.Key().String(),
			"task":       e.task.Key().String(),
			"parameters": params,
		}))
	require.NoError(t, err)
	return h
}

func (e *env) jobNames(t *testing.T) []string {
	t.Helper()
	jobs, err := e.client.Clientset().BatchV1().Jobs("dh").List(context.Background(), kubeapimeta.ListOptions{})
	require.NoError(t, err)
	names := make([]string, 0, len(jobs.Items))
	for _, j := range jobs.Items {
		names = append(names, j.Name)
	}
	return names
}

func (e *env) finish(t *testing.T, step string, cond kubebatch.JobConditionType) {
	t.Helper()
	ctx := context.Background()
	jobs := e.client.Clientset().BatchV1().Jobs("dh")
	j, err := jobs.Get(ctx, "dhsdk-p1-"+step, kubeapimeta.GetOptions{})
	require.NoError(t, err)
	j.Status.Conditions = []kubebatch.JobCondition{{Type: cond, Status: kubecore.ConditionTrue, Message: step + " " + string(cond)}}
	_, err = jobs.UpdateStatus(ctx, j, kubeapimeta.UpdateOptions{})
	require.NoError(t, err)
}

func phases(t *testing.T, run *engine.Entity) map[string]interface{} {
	t.Helper()
	steps, ok := run.Status.Results["steps"].(map[string]interface{})
	require.True(t, ok, "results: %v", run.Status.Results)
	return steps
}

func TestPipeline_AdvancesLevelByLevel(t *testing.T) {
	e := newEnv(t, map[string]interface{}{"steps": diamond()})
	ctx := context.Background()

	h := e.submit(t, nil)
	assert.Equal(t, engine.StateRunning, h.State)
	assert.Equal(t, "dh/dhsdk-p1", h.NativeID)
	assert.ElementsMatch(t, []string{"dhsdk-p1-prep"}, e.jobNames(t))

	run, err := e.dispatcher.Poll(ctx, h.Run)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, run.Status.State)
	assert.ElementsMatch(t, []string{"dhsdk-p1-prep"}, e.jobNames(t))

	e.finish(t, "prep", kubebatch.JobComplete)
	run, err = e.dispatcher.Poll(ctx, h.Run)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, run.Status.State)
	assert.ElementsMatch(t, []string{"dhsdk-p1-prep", "dhsdk-p1-train", "dhsdk-p1-evaluate"}, e.jobNames(t))
	assert.Equal(t, PhaseSucceeded, phases(t, run)["prep"])
	assert.Equal(t, PhasePending, phases(t, run)["train"])

	// A repeated poll of the same backend state launches nothing new.
	_, err = e.dispatcher.Poll(ctx, h.Run)
	require.NoError(t, err)
	assert.Len(t, e.jobNames(t), 3)

	e.finish(t, "train", kubebatch.JobComplete)
	_, err = e.dispatcher.Poll(ctx, h.Run)
	require.NoError(t, err)
	assert.Len(t, e.jobNames(t), 3)

	e.finish(t, "evaluate", kubebatch.JobComplete)
	_, err = e.dispatcher.Poll(ctx, h.Run)
	require.NoError(t, err)
	assert.Len(t, e.jobNames(t), 4)

	e.finish(t, "report", kubebatch.JobComplete)
	run, err = e.dispatcher.Poll(ctx, h.Run)
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, run.Status.State)
	for _, step := range []string{"prep", "train", "evaluate", "report"} {
		assert.Equal(t, PhaseSucceeded, phases(t, run)[step], step)
	}

	j, err := e.client.GetJob(ctx, "dhsdk-p1-report")
	require.NoError(t, err)
	assert.Equal(t, runtimeutil.ResourceName("report"), j.Labels[LabelStep])
	assert.Equal(t, []string{"echo", "report"}, j.Spec.Template.Spec.Containers[0].Command)
}

func TestPipeline_FailureOmitsRemainingSteps(t *testing.T) {
	e := newEnv(t, map[string]interface{}{"steps": diamond()})
	ctx := context.Background()
	h := e.submit(t, nil)

	e.finish(t, "prep", kubebatch.JobComplete)
	_, err := e.dispatcher.Poll(ctx, h.Run)
	require.NoError(t, err)

	e.finish(t, "train", kubebatch.JobFailed)
	run, err := e.dispatcher.Poll(ctx, h.Run)
	require.NoError(t, err)
	assert.Equal(t, engine.StateError, run.Status.State)
	assert.Contains(t, run.Status.Message, "step train")

	steps := phases(t, run)
	assert.Equal(t, PhaseFailed, steps["train"])
	assert.Equal(t, PhaseSkipped, steps["evaluate"])
	assert.Equal(t, PhaseOmitted, steps["report"])

	j, err := e.client.GetJob(ctx, "dhsdk-p1-evaluate")
	require.NoError(t, err)
	require.NotNil(t, j.Spec.Suspend)
	assert.True(t, *j.Spec.Suspend)
	assert.Len(t, e.jobNames(t), 3)
}

func TestPipeline_StopSuspendsRunningSteps(t *testing.T) {
	e := newEnv(t, map[string]interface{}{"steps": diamond()})
	ctx := context.Background()
	h := e.submit(t, nil)

	run, err := e.dispatcher.Stop(ctx, h.Run)
	require.NoError(t, err)
	assert.Equal(t, engine.StateStopped, run.Status.State)

	j, err := e.client.GetJob(ctx, "dhsdk-p1-prep")
	require.NoError(t, err)
	require.NotNil(t, j.Spec.Suspend)
	assert.True(t, *j.Spec.Suspend)
}

func TestPipeline_StarlarkSource(t *testing.T) {
	source := `
prep = step(name="prep", image="busybox:1.36", command=["echo", params["dataset"]])
shards = [step(name="shard-%d" % i, image="busybox:1.36", after=[prep]) for i in range(int(params["shards"]))]
`
	e := newEnv(t, map[string]interface{}{"source": source})
	ctx := context.Background()
	h := e.submit(t, map[string]interface{}{"dataset": "sales", "shards": "2"})

	j, err := e.client.GetJob(ctx, "dhsdk-p1-prep")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "sales"}, j.Spec.Template.Spec.Containers[0].Command)

	e.finish(t, "prep", kubebatch.JobComplete)
	_, err = e.dispatcher.Poll(ctx, h.Run)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dhsdk-p1-prep", "dhsdk-p1-shard-0", "dhsdk-p1-shard-1"}, e.jobNames(t))
}

func TestAdapter_Validate(t *testing.T) {
	client := kube.NewFromClientset(fake.NewSimpleClientset(), "dh", "")
	task := engine.NewEntity(engine.EntityTask, "pipeline-pipeline", "proj", "flow", nil)

	tests := []struct {
		name string
		spec map[string]interface{}
	}{
		{"empty", map[string]interface{}{}},
		{"no steps", map[string]interface{}{"steps": []interface{}{}}},
		{"cycle", map[string]interface{}{"steps": []interface{}{
			map[string]interface{}{"name": "a", "image": "busybox:1.36", "after": []interface{}{"b"}},
			map[string]interface{}{"name": "b", "image": "busybox:1.36", "after": []interface{}{"a"}},
		}}},
		{"unknown dependency", map[string]interface{}{"steps": []interface{}{
			map[string]interface{}{"name": "a", "image": "busybox:1.36", "after": []interface{}{"ghost"}},
		}}},
		{"bad step image", map[string]interface{}{"steps": []interface{}{
			map[string]interface{}{"name": "a", "image": ""},
		}}},
	}
	a := Factory(client, nil, config.NewStarlarkEvaluator(time.Second))()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := engine.NewEntity(engine.EntityWorkflow, Runtime, "proj", "flow", tt.spec)
			err := a.Validate(wf, task)
			require.Error(t, err)
			assert.True(t, engine.IsValidation(err), err.Error())
		})
	}

	t.Run("source without evaluator", func(t *testing.T) {
		wf := engine.NewEntity(engine.EntityWorkflow, Runtime, "proj", "flow", map[string]interface{}{"source": "step(name='a', image='x:1')"})
		err := Factory(client, nil, nil)().Validate(wf, task)
		require.Error(t, err)
		assert.True(t, engine.IsValidation(err))
	})
}

func TestGraph(t *testing.T) {
	e := newEnv(t, map[string]interface{}{"steps": diamond()})
	a := Factory(e.client, nil, nil)()

	inv, err := a.BuildInvocation(e.workflow, e.task, nil)
	require.NoError(t, err)
	graph, err := Graph(inv)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"prep"}, {"evaluate", "train"}, {"report"}}, graph.Levels)

	dot := graph.ToDOT()
	assert.Contains(t, dot, `"prep" -> "train";`)
	assert.Contains(t, dot, `"evaluate" -> "report";`)

	_, err = Graph(&engine.Invocation{})
	assert.True(t, engine.IsValidation(err))
}

func TestStateOf(t *testing.T) {
	tests := map[string]engine.State{
		PhasePending:   engine.StateRunning,
		PhaseRunning:   engine.StateRunning,
		PhaseSucceeded: engine.StateCompleted,
		PhaseFailed:    engine.StateError,
		PhaseError:     engine.StateError,
		PhaseSkipped:   engine.StateStopped,
		PhaseOmitted:   engine.StateStopped,
		"Exploded":     engine.StateError,
	}
	for phase, want := range tests {
		assert.Equal(t, want, StateOf(phase), phase)
	}
}

func TestPipelinePhase(t *testing.T) {
	steps := []string{"a", "b"}
	assert.Equal(t, PhasePending, pipelinePhase(map[string]string{"a": PhasePending}, steps))
	assert.Equal(t, PhaseRunning, pipelinePhase(map[string]string{"a": PhaseSucceeded, "b": PhaseRunning}, steps))
	assert.Equal(t, PhaseSucceeded, pipelinePhase(map[string]string{"a": PhaseSucceeded, "b": PhaseSucceeded}, steps))
	assert.Equal(t, PhaseFailed, pipelinePhase(map[string]string{"a": PhaseFailed, "b": PhaseRunning}, steps))
	assert.Equal(t, PhaseError, pipelinePhase(map[string]string{"a": PhaseError}, steps))
	assert.Equal(t, PhaseSkipped, pipelinePhase(map[string]string{"a": PhaseSucceeded, "b": PhaseSkipped}, steps))
}
