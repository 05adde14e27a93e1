// Package domain contains the engine-neutral types shared by the lifecycle
// controller, the wait engine, the reaper and the engine adapters.
package domain

import (
	"sort"
	"time"

	"github.com/docker/go-connections/nat"
)

// MountType is the kind of a container mount.
type MountType string

const (
	MountBind   MountType = "bind"
	MountVolume MountType = "volume"
	MountTmpfs  MountType = "tmpfs"
)

// Mount attaches a host path, named volume or tmpfs to a container path.
type Mount struct {
	Type     MountType
	Source   string
	Target   string
	ReadOnly bool
}

// File is content copied into a container before it starts.
type File struct {
	Target  string
	Content []byte
	Mode    int64
}

// NetworkAttachment joins a container to a network under optional aliases.
type NetworkAttachment struct {
	Network string
	Aliases []string
}

// Healthcheck overrides the image healthcheck.
type Healthcheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

// ContainerSpec is the fully merged request handed to the engine.
type ContainerSpec struct {
	Name         string
	Hostname     string
	Image        string
	User         string
	WorkingDir   string
	Entrypoint   []string
	Cmd          []string
	Env          []string // KEY=VALUE
	Labels       map[string]string
	ExposedPorts nat.PortSet
	PortBindings nat.PortMap
	Mounts       []Mount
	Networks     []NetworkAttachment
	Privileged   bool
	Healthcheck  *Healthcheck
	// AutoRemove asks the engine to delete the container once it exits.
	AutoRemove bool
}

// ContainerDetails is an inspect snapshot of a container.
type ContainerDetails struct {
	ID       string
	Name     string
	Image    string
	Hostname string
	Status   string // created, running, exited, ...
	Running  bool
	ExitCode int
	Health   string // "", starting, healthy, unhealthy
	Ports    nat.PortMap
	Networks map[string]string // network name -> IP address
	Labels   map[string]string
}

// HostPort returns the first host port bound to the container port.
func (d *ContainerDetails) HostPort(port nat.Port) (string, bool) {
	if d == nil {
		return "", false
	}
	for _, binding := range d.Ports[port] {
		if binding.HostPort != "" && binding.HostPort != "0" {
			return binding.HostPort, true
		}
	}
	return "", false
}

// ExposedPorts returns the container ports in ascending order.
func (d *ContainerDetails) ExposedPorts() []nat.Port {
	if d == nil {
		return nil
	}
	ports := make([]nat.Port, 0, len(d.Ports))
	for p := range d.Ports {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Int() == ports[j].Int() {
			return ports[i].Proto() < ports[j].Proto()
		}
		return ports[i].Int() < ports[j].Int()
	})
	return ports
}

// ExecResult holds the result of executing a command in a container.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// LogOptions selects the portion of a container's output to read.
type LogOptions struct {
	Follow bool
	Since  time.Time
	Until  time.Time
}

// NetworkSpec describes a network to create.
type NetworkSpec struct {
	Name       string
	Driver     string
	Internal   bool
	Attachable bool
	Labels     map[string]string
	Options    map[string]string
}

// VolumeSpec describes a named volume to create.
type VolumeSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// ImageBuildSpec describes an image build from a local context directory.
type ImageBuildSpec struct {
	ContextDir string
	Dockerfile string
	Tags       []string
	BuildArgs  map[string]string
	Labels     map[string]string
	NoCache    bool
	Pull       bool
}

// Filters selects engine resources, keyed by filter type ("label", "name", "id").
type Filters map[string][]string

// LabelFilter returns a filter selecting resources carrying key=value.
func LabelFilter(key, value string) Filters {
	return Filters{"label": {key + "=" + value}}
}
