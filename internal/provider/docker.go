package provider

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// DockerCompute implements ComputeAPI over the Docker Engine API.
type DockerCompute struct {
	cli *client.Client
}

// NewDockerCompute connects using DOCKER_HOST and friends, or host when set.
func NewDockerCompute(host string) (*DockerCompute, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerCompute{cli: cli}, nil
}

// Close releases the underlying client.
func (d *DockerCompute) Close() error {
	return d.cli.Close()
}

func (d *DockerCompute) DaemonHost() string {
	return d.cli.DaemonHost()
}

func (d *DockerCompute) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return "", fmt.Errorf("invalid port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		// empty HostPort lets the daemon pick a free port
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          env,
			ExposedPorts: exposed,
			Labels:       spec.Labels,
		},
		&container.HostConfig{
			PortBindings: bindings,
			ShmSize:      spec.ShmSize,
		},
		nil, nil, spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return created.ID, nil
}

func (d *DockerCompute) Inspect(ctx context.Context, id string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerState{}, ErrContainerNotFound
		}
		return ContainerState{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	state := ContainerState{Ports: map[int]int{}}
	if info.State != nil {
		state.Status = info.State.Status
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
	}
	if info.NetworkSettings != nil {
		for port, binds := range info.NetworkSettings.Ports {
			if len(binds) == 0 || binds[0].HostPort == "" {
				continue
			}
			hostPort, err := strconv.Atoi(binds[0].HostPort)
			if err != nil {
				continue
			}
			state.Ports[port.Int()] = hostPort
		}
	}
	return state, nil
}

func (d *DockerCompute) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (d *DockerCompute) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *DockerCompute) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("failed to demux container logs: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (d *DockerCompute) CountRunning(ctx context.Context, labels map[string]string) (int, error) {
	args := filters.NewArgs(filters.Arg("status", "running"))
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := d.cli.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	return len(list), nil
}
