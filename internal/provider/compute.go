package provider

import (
	"context"
	"errors"
	"time"
)

// ErrContainerNotFound is returned by a ComputeAPI when the container is gone.
var ErrContainerNotFound = errors.New("container not found")

// ContainerSpec describes a container to create and start.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Ports   []int
	ShmSize int64
	Labels  map[string]string
}

// ContainerState is the subset of an inspect result the provider needs.
type ContainerState struct {
	Status   string
	Running  bool
	ExitCode int
	// Ports maps container ports to assigned host ports.
	Ports map[int]int
}

// Exited reports whether the container stopped running.
func (s ContainerState) Exited() bool {
	switch s.Status {
	case "running", "created", "restarting":
		return false
	}
	return true
}

// ComputeAPI is a Docker-compatible container runtime.
type ComputeAPI interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Inspect(ctx context.Context, id string) (ContainerState, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, tail int) (string, error)
	CountRunning(ctx context.Context, labels map[string]string) (int, error)
	// DaemonHost returns the API endpoint, e.g. unix:///var/run/docker.sock or tcp://10.0.0.5:2376.
	DaemonHost() string
}
