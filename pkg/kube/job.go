package kube

import (
	"context"
	"fmt"
	"sort"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapiresource "k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/util/retry"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// ContainerName is the name of the single container of a job pod.
const ContainerName = "main"

// JobSpec describes a single-container Job.
type JobSpec struct {
	Name    string
	Image   string
	Command []string
	Args    []string
	Env     map[string]string
	Labels  map[string]string

	// SecretEnv sets variables from Secret keys. It wins over Env.
	SecretEnv map[string]SecretKeyRef

	// Requests and Limits map resource names ("cpu", "memory",
	// "nvidia.com/gpu") to quantities.
	Requests map[string]string
	Limits   map[string]string

	// ActiveDeadlineSeconds bounds the job run time when positive.
	ActiveDeadlineSeconds int64

	BackoffLimit int32

	// ConfigMap is mounted read-only at ConfigMountPath when set.
	ConfigMap       string
	ConfigMountPath string
}

// SecretKeyRef names one key of a Secret in the job namespace.
type SecretKeyRef struct {
	Name string
	Key  string
}

// Validate checks names and quantities without contacting the cluster.
func (s *JobSpec) Validate() error {
	if errs := validation.IsDNS1123Label(s.Name); len(errs) > 0 {
		return engine.NewValidationError(fmt.Sprintf("job name %q is invalid: %v", s.Name, errs), nil)
	}
	if s.Image == "" {
		return engine.NewValidationError("job image is required", nil)
	}
	if _, err := resourceList(s.Requests); err != nil {
		return err
	}
	if _, err := resourceList(s.Limits); err != nil {
		return err
	}
	if s.ConfigMap != "" && s.ConfigMountPath == "" {
		return engine.NewValidationError("config map mount path is required", nil)
	}
	for name, ref := range s.SecretEnv {
		if ref.Name == "" || ref.Key == "" {
			return engine.NewValidationError(fmt.Sprintf("secret reference of %s needs a name and a key", name), nil)
		}
	}
	return nil
}

// Build returns the Job object for spec in namespace.
func (s *JobSpec) Build(namespace, serviceAccount string) (*kubebatch.Job, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	requests, _ := resourceList(s.Requests)
	limits, _ := resourceList(s.Limits)

	names := make([]string, 0, len(s.Env)+len(s.SecretEnv))
	for k := range s.Env {
		if _, ok := s.SecretEnv[k]; !ok {
			names = append(names, k)
		}
	}
	for k := range s.SecretEnv {
		names = append(names, k)
	}
	sort.Strings(names)
	env := make([]kubecore.EnvVar, 0, len(names))
	for _, k := range names {
		ref, ok := s.SecretEnv[k]
		if !ok {
			env = append(env, kubecore.EnvVar{Name: k, Value: s.Env[k]})
			continue
		}
		env = append(env, kubecore.EnvVar{Name: k, ValueFrom: &kubecore.EnvVarSource{
			SecretKeyRef: &kubecore.SecretKeySelector{
				LocalObjectReference: kubecore.LocalObjectReference{Name: ref.Name},
				Key:                  ref.Key,
			},
		}})
	}

	labels := withManagedBy(s.Labels)
	ctr := kubecore.Container{
		Name:    ContainerName,
		Image:   s.Image,
		Command: s.Command,
		Args:    s.Args,
		Env:     env,
		Resources: kubecore.ResourceRequirements{
			Requests: requests,
			Limits:   limits,
		},
	}
	pod := kubecore.PodSpec{
		RestartPolicy:      kubecore.RestartPolicyNever,
		ServiceAccountName: serviceAccount,
		Containers:         []kubecore.Container{ctr},
	}
	if s.ConfigMap != "" {
		pod.Volumes = []kubecore.Volume{{
			Name: "config",
			VolumeSource: kubecore.VolumeSource{
				ConfigMap: &kubecore.ConfigMapVolumeSource{
					LocalObjectReference: kubecore.LocalObjectReference{Name: s.ConfigMap},
				},
			},
		}}
		pod.Containers[0].VolumeMounts = []kubecore.VolumeMount{{
			Name:      "config",
			MountPath: s.ConfigMountPath,
			ReadOnly:  true,
		}}
	}

	backoff := s.BackoffLimit
	job := &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      s.Name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit: &backoff,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{Labels: labels},
				Spec:       pod,
			},
		},
	}
	if s.ActiveDeadlineSeconds > 0 {
		deadline := s.ActiveDeadlineSeconds
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

// CreateJob creates the job for spec. A job with the same name left by an
// earlier attempt is returned instead, so CreateJob may be retried safely.
func (c *Client) CreateJob(ctx context.Context, spec *JobSpec) (*kubebatch.Job, error) {
	job, err := spec.Build(c.namespace, c.serviceAccount)
	if err != nil {
		return nil, err
	}

	jobs := c.cs.BatchV1().Jobs(c.namespace)
	created, err := jobs.Create(ctx, job, kubeapimeta.CreateOptions{})
	if kubeerr.IsAlreadyExists(err) {
		created, err = jobs.Get(ctx, spec.Name, kubeapimeta.GetOptions{})
	}
	if err != nil {
		return nil, Classify("create job "+spec.Name, err)
	}
	return created, nil
}

// GetJob returns a job by name.
func (c *Client) GetJob(ctx context.Context, name string) (*kubebatch.Job, error) {
	job, err := c.cs.BatchV1().Jobs(c.namespace).Get(ctx, name, kubeapimeta.GetOptions{})
	if err != nil {
		return nil, Classify("get job "+name, err)
	}
	return job, nil
}

// SuspendJob suspends a job, terminating its pods. The job reports a
// Suspended condition afterwards.
func (c *Client) SuspendJob(ctx context.Context, name string) error {
	jobs := c.cs.BatchV1().Jobs(c.namespace)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		job, err := jobs.Get(ctx, name, kubeapimeta.GetOptions{})
		if err != nil {
			return err
		}
		if job.Spec.Suspend != nil && *job.Spec.Suspend {
			return nil
		}
		suspend := true
		job.Spec.Suspend = &suspend
		_, err = jobs.Update(ctx, job, kubeapimeta.UpdateOptions{})
		return err
	})
	if err != nil {
		return Classify("suspend job "+name, err)
	}
	return nil
}

// DeleteJob deletes a job and its pods. Deleting a missing job succeeds.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	background := kubeapimeta.DeletePropagationBackground
	err := c.cs.BatchV1().Jobs(c.namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		PropagationPolicy: &background,
	})
	if err != nil && !kubeerr.IsNotFound(err) {
		return Classify("delete job "+name, err)
	}
	return nil
}

// Native job states reported by JobState.
const (
	JobPending   = "Pending"
	JobActive    = "Active"
	JobComplete  = "Complete"
	JobFailed    = "Failed"
	JobSuspended = "Suspended"
)

// JobState maps a job to the run state machine and returns the native
// state and a message.
func JobState(job *kubebatch.Job) (engine.State, string, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != kubecore.ConditionTrue {
			continue
		}
		switch cond.Type {
		case kubebatch.JobComplete:
			return engine.StateCompleted, JobComplete, ""
		case kubebatch.JobFailed:
			msg := cond.Message
			if msg == "" {
				msg = cond.Reason
			}
			return engine.StateError, JobFailed, msg
		case kubebatch.JobSuspended:
			return engine.StateStopped, JobSuspended, "job suspended"
		}
	}
	if job.Status.Active > 0 {
		return engine.StateRunning, JobActive, ""
	}
	return engine.StateRunning, JobPending, ""
}

func resourceList(in map[string]string) (kubecore.ResourceList, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(kubecore.ResourceList, len(in))
	for name, value := range in {
		q, err := kubeapiresource.ParseQuantity(value)
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("invalid quantity %q for %s", value, name), err)
		}
		out[kubecore.ResourceName(name)] = q
	}
	return out, nil
}
