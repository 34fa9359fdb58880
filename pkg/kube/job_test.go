package kube

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

func newTestClient() *Client {
	return NewFromClientset(fake.NewSimpleClientset(), "dh", "runner")
}

func testJob() *JobSpec {
	return &JobSpec{
		Name:                  "dhsdk-train-1",
		Image:                 "python:3.12",
		Command:               []string{"python"},
		Args:                  []string{"main.py"},
		Env:                   map[string]string{"B": "2", "A": "1"},
		Labels:                map[string]string{LabelRun: "run-1"},
		Requests:              map[string]string{"cpu": "250m"},
		Limits:                map[string]string{"cpu": "1", "memory": "512Mi"},
		ActiveDeadlineSeconds: 600,
		ConfigMap:             "dhsdk-train-1",
		ConfigMountPath:       "/shared",
	}
}

func TestJobSpec_Build(t *testing.T) {
	job, err := testJob().Build("dh", "runner")
	require.NoError(t, err)

	assert.Equal(t, "dh", job.Namespace)
	assert.Equal(t, ManagedBy, job.Labels[LabelManagedBy])
	assert.Equal(t, "run-1", job.Spec.Template.Labels[LabelRun])
	require.NotNil(t, job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(600), *job.Spec.ActiveDeadlineSeconds)
	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)

	pod := job.Spec.Template.Spec
	assert.Equal(t, kubecore.RestartPolicyNever, pod.RestartPolicy)
	assert.Equal(t, "runner", pod.ServiceAccountName)
	require.Len(t, pod.Containers, 1)

	ctr := pod.Containers[0]
	assert.Equal(t, ContainerName, ctr.Name)
	assert.Equal(t, []kubecore.EnvVar{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}, ctr.Env)
	assert.Equal(t, "250m", ctr.Resources.Requests.Cpu().String())
	assert.Equal(t, "512Mi", ctr.Resources.Limits.Memory().String())
	require.Len(t, ctr.VolumeMounts, 1)
	assert.Equal(t, "/shared", ctr.VolumeMounts[0].MountPath)
	assert.True(t, ctr.VolumeMounts[0].ReadOnly)
	require.Len(t, pod.Volumes, 1)
	assert.Equal(t, "dhsdk-train-1", pod.Volumes[0].ConfigMap.Name)
}

func TestJobSpec_BuildSecretEnv(t *testing.T) {
	spec := testJob()
	spec.Env["TOKEN"] = "plain"
	spec.SecretEnv = map[string]SecretKeyRef{"TOKEN": {Name: "creds", Key: "token"}}

	job, err := spec.Build("dh", "")
	require.NoError(t, err)
	env := job.Spec.Template.Spec.Containers[0].Env
	require.Len(t, env, 3)
	assert.Equal(t, "TOKEN", env[2].Name)
	assert.Empty(t, env[2].Value)
	require.NotNil(t, env[2].ValueFrom)
	assert.Equal(t, "creds", env[2].ValueFrom.SecretKeyRef.Name)
	assert.Equal(t, "token", env[2].ValueFrom.SecretKeyRef.Key)
}

func TestJobSpec_BuildWithoutDeadline(t *testing.T) {
	spec := &JobSpec{Name: "plain", Image: "busybox:1.36"}
	job, err := spec.Build("dh", "")
	require.NoError(t, err)
	assert.Nil(t, job.Spec.ActiveDeadlineSeconds)
	assert.Empty(t, job.Spec.Template.Spec.Volumes)
}

func TestJobSpec_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*JobSpec)
	}{
		{"underscore name", func(s *JobSpec) { s.Name = "train_1" }},
		{"upper case name", func(s *JobSpec) { s.Name = "Train" }},
		{"no image", func(s *JobSpec) { s.Image = "" }},
		{"bad request", func(s *JobSpec) { s.Requests = map[string]string{"cpu": "a lot"} }},
		{"bad limit", func(s *JobSpec) { s.Limits = map[string]string{"memory": "1 GB"} }},
		{"no mount path", func(s *JobSpec) { s.ConfigMountPath = "" }},
		{"secret without key", func(s *JobSpec) { s.SecretEnv = map[string]SecretKeyRef{"PW": {Name: "creds"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testJob()
			tt.mutate(spec)
			err := spec.Validate()
			require.Error(t, err)
			assert.True(t, engine.IsValidation(err))
		})
	}
}

func TestClient_CreateJobIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()

	first, err := c.CreateJob(ctx, testJob())
	require.NoError(t, err)
	second, err := c.CreateJob(ctx, testJob())
	require.NoError(t, err)
	assert.Equal(t, first.Name, second.Name)

	jobs, err := c.Clientset().BatchV1().Jobs("dh").List(ctx, kubeapimeta.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1)
}

func TestClient_GetJobNotFound(t *testing.T) {
	_, err := newTestClient().GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, engine.IsNotFound(err))
}

func TestClient_SuspendJob(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	_, err := c.CreateJob(ctx, testJob())
	require.NoError(t, err)

	require.NoError(t, c.SuspendJob(ctx, "dhsdk-train-1"))
	require.NoError(t, c.SuspendJob(ctx, "dhsdk-train-1"))

	job, err := c.GetJob(ctx, "dhsdk-train-1")
	require.NoError(t, err)
	require.NotNil(t, job.Spec.Suspend)
	assert.True(t, *job.Spec.Suspend)

	err = c.SuspendJob(ctx, "missing")
	assert.True(t, engine.IsNotFound(err))
}

func TestClient_DeleteJob(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	_, err := c.CreateJob(ctx, testJob())
	require.NoError(t, err)

	require.NoError(t, c.DeleteJob(ctx, "dhsdk-train-1"))
	require.NoError(t, c.DeleteJob(ctx, "dhsdk-train-1"))

	_, err = c.GetJob(ctx, "dhsdk-train-1")
	assert.True(t, engine.IsNotFound(err))
}

func TestClient_ApplyConfigMap(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()

	require.NoError(t, c.ApplyConfigMap(ctx, "profile", map[string]string{"a.yaml": "x: 1"}, nil))
	require.NoError(t, c.ApplyConfigMap(ctx, "profile", map[string]string{"b.yaml": "y: 2"}, map[string]string{LabelRun: "run-1"}))

	cm, err := c.Clientset().CoreV1().ConfigMaps("dh").Get(ctx, "profile", kubeapimeta.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b.yaml": "y: 2"}, cm.Data)
	assert.Equal(t, "run-1", cm.Labels[LabelRun])
	assert.Equal(t, ManagedBy, cm.Labels[LabelManagedBy])

	require.NoError(t, c.DeleteConfigMap(ctx, "profile"))
	require.NoError(t, c.DeleteConfigMap(ctx, "profile"))
}

func TestClient_ApplySecret(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()

	require.NoError(t, c.ApplySecret(ctx, "creds", map[string]string{"pw": "one"}, nil))
	require.NoError(t, c.ApplySecret(ctx, "creds", map[string]string{"pw": "two"}, map[string]string{LabelRun: "run-1"}))

	secret, err := c.Clientset().CoreV1().Secrets("dh").Get(ctx, "creds", kubeapimeta.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"pw": []byte("two")}, secret.Data)
	assert.Equal(t, kubecore.SecretTypeOpaque, secret.Type)
	assert.Equal(t, "run-1", secret.Labels[LabelRun])
}

func TestNewFromClientset_DefaultNamespace(t *testing.T) {
	c := NewFromClientset(fake.NewSimpleClientset(), "", "")
	assert.Equal(t, kubecore.NamespaceDefault, c.Namespace())
}

func TestJobState(t *testing.T) {
	cond := func(typ kubebatch.JobConditionType, reason, msg string) kubebatch.JobCondition {
		return kubebatch.JobCondition{Type: typ, Status: kubecore.ConditionTrue, Reason: reason, Message: msg}
	}
	tests := []struct {
		name    string
		status  kubebatch.JobStatus
		want    engine.State
		native  string
		message string
	}{
		{"pending", kubebatch.JobStatus{}, engine.StateRunning, JobPending, ""},
		{"active", kubebatch.JobStatus{Active: 1}, engine.StateRunning, JobActive, ""},
		{"complete", kubebatch.JobStatus{Conditions: []kubebatch.JobCondition{cond(kubebatch.JobComplete, "", "")}}, engine.StateCompleted, JobComplete, ""},
		{"failed with message", kubebatch.JobStatus{Conditions: []kubebatch.JobCondition{cond(kubebatch.JobFailed, "BackoffLimitExceeded", "Job has reached the specified backoff limit")}}, engine.StateError, JobFailed, "Job has reached the specified backoff limit"},
		{"deadline", kubebatch.JobStatus{Conditions: []kubebatch.JobCondition{cond(kubebatch.JobFailed, "DeadlineExceeded", "")}}, engine.StateError, JobFailed, "DeadlineExceeded"},
		{"suspended", kubebatch.JobStatus{Conditions: []kubebatch.JobCondition{cond(kubebatch.JobSuspended, "", "")}}, engine.StateStopped, JobSuspended, "job suspended"},
		{"false condition ignored", kubebatch.JobStatus{Active: 1, Conditions: []kubebatch.JobCondition{{Type: kubebatch.JobFailed, Status: kubecore.ConditionFalse}}}, engine.StateRunning, JobActive, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, native, msg := JobState(&kubebatch.Job{Status: tt.status})
			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.native, native)
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestClassify(t *testing.T) {
	jobs := schema.GroupResource{Group: "batch", Resource: "jobs"}
	assert.NoError(t, Classify("get job", nil))

	err := Classify("get job x", kubeerr.NewNotFound(jobs, "x"))
	assert.True(t, engine.IsNotFound(err))

	err = Classify("create job x", kubeerr.NewForbidden(jobs, "x", errors.New("quota exceeded")))
	assert.Equal(t, engine.ErrCodeRejectedByBackend, engine.CodeOf(err))
	assert.False(t, engine.IsRetryable(err))

	err = Classify("create job x", kubeerr.NewServiceUnavailable("etcd down"))
	assert.Equal(t, engine.ErrCodeBackendUnavailable, engine.CodeOf(err))
	assert.True(t, engine.IsRetryable(err))
}
