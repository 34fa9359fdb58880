// Package docker wraps the moby Docker client for container-based runtimes.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// Label keys set on every container the SDK starts.
const (
	LabelRun     = "io.digitalhub.run"
	LabelRuntime = "io.digitalhub.runtime"
	LabelProject = "io.digitalhub.project"
)

// Config configures the Docker client.
type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host string

	// Network attaches containers to a user-defined network when set.
	Network string
}

// Client is a Docker client scoped to run containers.
type Client struct {
	cli     *client.Client
	network string
}

// New creates a client from the environment and cfg. It performs no I/O.
func New(cfg Config) (*Client, error) {
	opts := []client.Opt{client.FromEnv}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli, network: cfg.Network}, nil
}

// Close releases the client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks the daemon connection.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx, client.PingOptions{}); err != nil {
		return Classify("ping", err)
	}
	return nil
}

// Run pulls the image unless present, then creates and starts a container.
// A container with the same name left by an earlier attempt is reused, so
// Run may be retried safely.
func (c *Client) Run(ctx context.Context, spec *ContainerSpec) (string, error) {
	if spec.Network == "" {
		spec.Network = c.network
	}
	opts, err := spec.createOptions()
	if err != nil {
		return "", err
	}

	id, err := c.create(ctx, opts)
	if errdefs.IsNotFound(err) {
		if perr := c.pull(ctx, spec.Image); perr != nil {
			return "", perr
		}
		id, err = c.create(ctx, opts)
	}
	if errdefs.IsConflict(err) && spec.Name != "" {
		state, ierr := c.Inspect(ctx, spec.Name)
		if ierr != nil {
			return "", ierr
		}
		id, err = state.ID, nil
		if state.Status != "created" {
			return id, nil
		}
	}
	if err != nil {
		return "", Classify("create container", err)
	}

	if _, err := c.cli.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return "", Classify("start container", err)
	}
	return id, nil
}

func (c *Client) create(ctx context.Context, opts client.ContainerCreateOptions) (string, error) {
	result, err := c.cli.ContainerCreate(ctx, opts)
	if err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *Client) pull(ctx context.Context, image string) error {
	resp, err := c.cli.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return Classify("pull image "+image, err)
	}
	defer resp.Close()

	// The pull completes when the progress stream is drained.
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return engine.NewBackendUnavailableError("image pull interrupted", err)
	}
	return nil
}

// Inspect returns the state of a container by ID or name. A missing
// container fails with NOT_FOUND.
func (c *Client) Inspect(ctx context.Context, id string) (*ContainerState, error) {
	result, err := c.cli.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return nil, Classify("inspect container", err)
	}
	ct := result.Container
	state := &ContainerState{ID: ct.ID}
	if ct.State != nil {
		state.Status = string(ct.State.Status)
		state.ExitCode = ct.State.ExitCode
		state.Error = ct.State.Error
		state.OOMKilled = ct.State.OOMKilled
		state.StartedAt = ct.State.StartedAt
		state.FinishedAt = ct.State.FinishedAt
	}
	return state, nil
}

// Stop stops a container, killing it after graceSeconds. Stopping a
// missing or already stopped container succeeds.
func (c *Client) Stop(ctx context.Context, id string, graceSeconds int) error {
	_, err := c.cli.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &graceSeconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return Classify("stop container", err)
	}
	return nil
}

// Remove force-removes a container. Removing a missing container succeeds.
func (c *Client) Remove(ctx context.Context, id string) error {
	_, err := c.cli.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return Classify("remove container", err)
	}
	return nil
}

// Logs returns the last tail lines of container output.
func (c *Client) Logs(ctx context.Context, id string, tail int) (string, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = fmt.Sprintf("%d", tail)
	}
	rc, err := c.cli.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
	})
	if err != nil {
		return "", Classify("read logs", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return "", engine.NewBackendUnavailableError("failed to read logs", err)
	}
	return stripStreamHeaders(buf.Bytes()), nil
}

// stripStreamHeaders removes the 8-byte multiplexing headers Docker puts
// in front of each frame of non-TTY container output.
func stripStreamHeaders(data []byte) string {
	var out strings.Builder
	for len(data) >= 8 && (data[0] == 1 || data[0] == 2) && data[1] == 0 && data[2] == 0 && data[3] == 0 {
		size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]
		if size > len(data) {
			size = len(data)
		}
		out.Write(data[:size])
		data = data[size:]
	}
	out.Write(data)
	return out.String()
}

// Classify maps Docker errors to the engine taxonomy: missing objects are
// NOT_FOUND, refused requests are REJECTED_BY_BACKEND and everything else
// is BACKEND_UNAVAILABLE.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := "docker " + op + " failed"
	switch {
	case errdefs.IsNotFound(err):
		return engine.NewNotFoundError("docker object", op).WithDetail("cause", err.Error())
	case errdefs.IsInvalidArgument(err), errdefs.IsPermissionDenied(err),
		errdefs.IsUnauthorized(err), errdefs.IsConflict(err), errdefs.IsNotImplemented(err):
		return engine.NewRejectedByBackendError(msg, err)
	default:
		return engine.NewBackendUnavailableError(msg, err)
	}
}
