// Package out defines output ports (interfaces) for infrastructure.
// These interfaces define the contract between use cases and driven adapters
// (Docker, files, the reaper ledger).
package out

import (
	"context"
	"io"
	"time"

	"github.com/bnema/testbay/internal/domain"
)

// Engine is the gateway to a remote container-engine API.
// Removing a resource that no longer exists is not an error.
type Engine interface {
	// Container lifecycle
	CreateContainer(ctx context.Context, spec *domain.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error

	// Container inspection and I/O
	InspectContainer(ctx context.Context, containerID string) (*domain.ContainerDetails, error)
	// StreamLogs copies demultiplexed output until the stream ends or ctx is done.
	StreamLogs(ctx context.Context, containerID string, opts domain.LogOptions, stdout, stderr io.Writer) error
	ExecInContainer(ctx context.Context, containerID string, cmd []string) (*domain.ExecResult, error)
	CopyToContainer(ctx context.Context, containerID string, file domain.File) error
	ListContainers(ctx context.Context, filters domain.Filters) ([]string, error)

	// Networks
	CreateNetwork(ctx context.Context, spec *domain.NetworkSpec) (string, error)
	RemoveNetwork(ctx context.Context, networkID string) error
	ListNetworks(ctx context.Context, filters domain.Filters) ([]string, error)

	// Volumes
	CreateVolume(ctx context.Context, spec *domain.VolumeSpec) (string, error)
	RemoveVolume(ctx context.Context, name string) error
	ListVolumes(ctx context.Context, filters domain.Filters) ([]string, error)

	// Images
	PullImage(ctx context.Context, ref string) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, spec *domain.ImageBuildSpec) (string, error)
	RemoveImage(ctx context.Context, ref string) error
	ListImages(ctx context.Context, filters domain.Filters) ([]string, error)

	// Daemon
	Ping(ctx context.Context) error
	Host() string
	Close() error
}
