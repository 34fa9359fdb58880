package docker

import (
	"fmt"
	"sort"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// ContainerSpec describes a run container.
type ContainerSpec struct {
	Name       string
	Image      string
	Entrypoint []string
	Command    []string
	Env        map[string]string
	WorkingDir string
	Labels     map[string]string
	Network    string

	// Volumes maps host paths or volume names to container paths.
	Volumes map[string]string

	// CPU and Memory are Kubernetes quantities, e.g. "500m" and "1Gi".
	CPU    string
	Memory string

	// Service containers are restarted by the daemon until stopped.
	Service bool
}

// Validate checks the image and resource quantities without contacting
// the daemon.
func (s *ContainerSpec) Validate() error {
	_, err := s.createOptions()
	return err
}

func (s *ContainerSpec) createOptions() (client.ContainerCreateOptions, error) {
	if s.Image == "" {
		return client.ContainerCreateOptions{}, engine.NewValidationError("container image is required", nil)
	}

	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	binds := make([]string, 0, len(s.Volumes))
	for src, dst := range s.Volumes {
		binds = append(binds, src+":"+dst)
	}
	sort.Strings(binds)

	res, err := resources(s.CPU, s.Memory)
	if err != nil {
		return client.ContainerCreateOptions{}, err
	}

	hc := &container.HostConfig{
		Binds:     binds,
		Resources: res,
	}
	if s.Network != "" {
		hc.NetworkMode = container.NetworkMode(s.Network)
	}
	if s.Service {
		hc.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	}

	return client.ContainerCreateOptions{
		Name:  s.Name,
		Image: s.Image,
		Config: &container.Config{
			Entrypoint:   s.Entrypoint,
			Cmd:          s.Command,
			Env:          env,
			WorkingDir:   s.WorkingDir,
			Labels:       s.Labels,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: hc,
	}, nil
}

func resources(cpu, memory string) (container.Resources, error) {
	var res container.Resources
	if cpu != "" {
		q, err := resource.ParseQuantity(cpu)
		if err != nil {
			return res, engine.NewValidationError(fmt.Sprintf("invalid cpu quantity %q", cpu), err)
		}
		res.NanoCPUs = q.MilliValue() * 1_000_000
	}
	if memory != "" {
		q, err := resource.ParseQuantity(memory)
		if err != nil {
			return res, engine.NewValidationError(fmt.Sprintf("invalid memory quantity %q", memory), err)
		}
		res.Memory = q.Value()
	}
	return res, nil
}

// ContainerState is the inspected state of a container.
type ContainerState struct {
	ID         string
	Status     string
	ExitCode   int
	Error      string
	OOMKilled  bool
	StartedAt  string
	FinishedAt string
}

// Started parses StartedAt. It returns the zero time when the container
// never started.
func (s *ContainerState) Started() time.Time {
	t, err := time.Parse(time.RFC3339Nano, s.StartedAt)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

// MapState maps a container state to the run state machine.
func MapState(s *ContainerState) (engine.State, string) {
	switch s.Status {
	case "created", "running", "restarting", "paused", "removing":
		return engine.StateRunning, ""
	case "exited":
		if s.ExitCode == 0 {
			return engine.StateCompleted, ""
		}
		msg := fmt.Sprintf("container exited with code %d", s.ExitCode)
		if s.OOMKilled {
			msg += " (out of memory)"
		}
		if s.Error != "" {
			msg += ": " + s.Error
		}
		return engine.StateError, msg
	case "dead":
		return engine.StateError, "container is dead"
	default:
		return engine.StateError, fmt.Sprintf("unknown container status %q", s.Status)
	}
}
