package lifecycle

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/pkg/wait"
)

// StartupCallback runs after the engine start call and before the wait
// strategy may report success.
type StartupCallback func(ctx context.Context, c *Container) error

// Dependency is a resource that must be ready before a dependent container
// is created.
type Dependency interface {
	// Identity distinguishes dependencies when configurations merge.
	Identity() string
	// Ready drives the dependency to its ready state; it is idempotent.
	Ready(ctx context.Context) error
}

// ContainerConfiguration describes a container. Every field is optional and
// nil means unset. Values are never mutated once built; Merge returns a new
// configuration.
type ContainerConfiguration struct {
	Image      *string
	Name       *string
	Hostname   *string
	User       *string
	WorkingDir *string
	// Entrypoint and Command are argv values: a later setting replaces
	// an earlier one as a whole.
	Entrypoint []string
	Command    []string

	Env          map[string]string
	Labels       map[string]string
	ExposedPorts []nat.Port
	// PortBindings maps a container port to a fixed host port. Exposed ports
	// without a binding get an ephemeral host port.
	PortBindings map[nat.Port]string
	Mounts       []domain.Mount
	Files        []domain.File
	Networks     []domain.NetworkAttachment
	DependsOn    []Dependency

	Wait             wait.Strategy
	StartupCallbacks []StartupCallback
	OutputConsumer   out.OutputConsumer

	AutoRemove     *bool
	PullPolicy     *domain.PullPolicy
	Privileged     *bool
	Healthcheck    *domain.Healthcheck
	StartupTimeout *time.Duration
	StopTimeout    *time.Duration
}

// Merge returns c overlaid with next: scalars set in next win, maps and
// keyed lists are unioned with next winning per key, callbacks accumulate.
func (c ContainerConfiguration) Merge(next ContainerConfiguration) ContainerConfiguration {
	merged := ContainerConfiguration{
		Image:      domain.MergeScalar(c.Image, next.Image),
		Name:       domain.MergeScalar(c.Name, next.Name),
		Hostname:   domain.MergeScalar(c.Hostname, next.Hostname),
		User:       domain.MergeScalar(c.User, next.User),
		WorkingDir: domain.MergeScalar(c.WorkingDir, next.WorkingDir),
		Entrypoint: domain.MergeList(c.Entrypoint, next.Entrypoint),
		Command:    domain.MergeList(c.Command, next.Command),

		Env:          domain.MergeMap(c.Env, next.Env),
		Labels:       domain.MergeMap(c.Labels, next.Labels),
		ExposedPorts: domain.MergeKeyed(c.ExposedPorts, next.ExposedPorts, func(p nat.Port) nat.Port { return p }),
		PortBindings: domain.MergeMap(c.PortBindings, next.PortBindings),
		Mounts:       domain.MergeKeyed(c.Mounts, next.Mounts, func(m domain.Mount) string { return m.Target }),
		Files:        domain.MergeKeyed(c.Files, next.Files, func(f domain.File) string { return f.Target }),
		Networks:     domain.MergeKeyed(c.Networks, next.Networks, func(n domain.NetworkAttachment) string { return n.Network }),
		DependsOn:    domain.MergeKeyed(c.DependsOn, next.DependsOn, func(d Dependency) string { return d.Identity() }),

		Wait:           c.Wait,
		OutputConsumer: c.OutputConsumer,

		AutoRemove:     domain.MergeScalar(c.AutoRemove, next.AutoRemove),
		PullPolicy:     domain.MergeScalar(c.PullPolicy, next.PullPolicy),
		Privileged:     domain.MergeScalar(c.Privileged, next.Privileged),
		Healthcheck:    domain.MergeScalar(c.Healthcheck, next.Healthcheck),
		StartupTimeout: domain.MergeScalar(c.StartupTimeout, next.StartupTimeout),
		StopTimeout:    domain.MergeScalar(c.StopTimeout, next.StopTimeout),
	}
	if next.Wait != nil {
		merged.Wait = next.Wait
	}
	if next.OutputConsumer != nil {
		merged.OutputConsumer = next.OutputConsumer
	}
	if len(c.StartupCallbacks)+len(next.StartupCallbacks) > 0 {
		merged.StartupCallbacks = make([]StartupCallback, 0, len(c.StartupCallbacks)+len(next.StartupCallbacks))
		merged.StartupCallbacks = append(merged.StartupCallbacks, c.StartupCallbacks...)
		merged.StartupCallbacks = append(merged.StartupCallbacks, next.StartupCallbacks...)
	}
	return merged
}

// Validate reports every problem that would make creation fail.
func (c ContainerConfiguration) Validate() error {
	v := domain.NewValidator(domain.KindContainer)

	v.Check(c.Image != nil && strings.TrimSpace(*c.Image) != "", "image must be set")

	exposed := make(map[nat.Port]bool, len(c.ExposedPorts))
	for _, p := range c.ExposedPorts {
		_, err := nat.ParsePort(p.Port())
		v.Check(err == nil && (p.Proto() == "tcp" || p.Proto() == "udp" || p.Proto() == "sctp"), "invalid exposed port %q", p)
		exposed[p] = true
	}
	for p, hostPort := range c.PortBindings {
		v.Check(exposed[p], "port binding for %s requires the port to be exposed", p)
		if hostPort != "" {
			_, err := nat.ParsePort(hostPort)
			v.Check(err == nil, "invalid host port %q for %s", hostPort, p)
		}
	}
	if c.Wait != nil {
		for _, p := range wait.RequiredPorts(c.Wait) {
			v.Check(exposed[p], "wait strategy %s requires port %s to be exposed", c.Wait, p)
		}
	}

	for _, m := range c.Mounts {
		v.Check(path.IsAbs(m.Target), "mount target %q must be absolute", m.Target)
		switch m.Type {
		case domain.MountBind, domain.MountVolume:
			v.Check(m.Source != "", "%s mount at %q needs a source", m.Type, m.Target)
		case domain.MountTmpfs:
		default:
			v.Check(false, "unknown mount type %q at %q", m.Type, m.Target)
		}
	}
	for _, f := range c.Files {
		v.Check(path.IsAbs(f.Target), "file target %q must be absolute", f.Target)
	}
	for _, n := range c.Networks {
		v.Check(n.Network != "", "network attachment needs a network name")
	}
	for key := range c.Labels {
		v.Check(!domain.IsReserved(key), "label %q uses the reserved %s namespace", key, domain.LabelPrefix)
	}
	for key := range c.Env {
		v.Check(key != "" && !strings.Contains(key, "="), "invalid environment variable name %q", key)
	}
	if c.PullPolicy != nil {
		v.Check(c.PullPolicy.Valid(), "unknown pull policy %q", *c.PullPolicy)
	}
	if c.StartupTimeout != nil {
		v.Check(*c.StartupTimeout > 0, "startup timeout must be positive")
	}
	if c.StopTimeout != nil {
		v.Check(*c.StopTimeout >= 0, "stop timeout must not be negative")
	}

	return v.Err()
}

// Summary names the configuration in errors and logs.
func (c ContainerConfiguration) Summary() string {
	image := deref(c.Image, "<no image>")
	if c.Name != nil && *c.Name != "" {
		return fmt.Sprintf("%s (%s)", *c.Name, image)
	}
	return image
}

// spec renders the engine request. labels are the session labels, applied
// over the user labels.
func (c ContainerConfiguration) spec(labels map[string]string) *domain.ContainerSpec {
	s := &domain.ContainerSpec{
		Name:        deref(c.Name, ""),
		Hostname:    deref(c.Hostname, ""),
		Image:       deref(c.Image, ""),
		User:        deref(c.User, ""),
		WorkingDir:  deref(c.WorkingDir, ""),
		Entrypoint:  c.Entrypoint,
		Cmd:         c.Command,
		Labels:      domain.MergeMap(c.Labels, labels),
		Mounts:      c.Mounts,
		Networks:    c.Networks,
		Privileged:  deref(c.Privileged, false),
		Healthcheck: c.Healthcheck,
	}

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Env = append(s.Env, k+"="+c.Env[k])
	}

	if len(c.ExposedPorts) > 0 {
		s.ExposedPorts = make(nat.PortSet, len(c.ExposedPorts))
		s.PortBindings = make(nat.PortMap, len(c.ExposedPorts))
		for _, p := range c.ExposedPorts {
			s.ExposedPorts[p] = struct{}{}
			s.PortBindings[p] = []nat.PortBinding{{HostPort: c.PortBindings[p]}}
		}
	}
	return s
}

func deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

// NetworkConfiguration describes a network.
type NetworkConfiguration struct {
	Name       *string
	Driver     *string
	Internal   *bool
	Attachable *bool
	Labels     map[string]string
	Options    map[string]string
}

// Merge returns c overlaid with next.
func (c NetworkConfiguration) Merge(next NetworkConfiguration) NetworkConfiguration {
	return NetworkConfiguration{
		Name:       domain.MergeScalar(c.Name, next.Name),
		Driver:     domain.MergeScalar(c.Driver, next.Driver),
		Internal:   domain.MergeScalar(c.Internal, next.Internal),
		Attachable: domain.MergeScalar(c.Attachable, next.Attachable),
		Labels:     domain.MergeMap(c.Labels, next.Labels),
		Options:    domain.MergeMap(c.Options, next.Options),
	}
}

// Validate checks the configuration.
func (c NetworkConfiguration) Validate() error {
	v := domain.NewValidator(domain.KindNetwork)
	if c.Name != nil {
		v.Check(strings.TrimSpace(*c.Name) != "", "network name must not be blank")
	}
	for key := range c.Labels {
		v.Check(!domain.IsReserved(key), "label %q uses the reserved %s namespace", key, domain.LabelPrefix)
	}
	return v.Err()
}

// VolumeConfiguration describes a named volume.
type VolumeConfiguration struct {
	Name   *string
	Driver *string
	Labels map[string]string
}

// Merge returns c overlaid with next.
func (c VolumeConfiguration) Merge(next VolumeConfiguration) VolumeConfiguration {
	return VolumeConfiguration{
		Name:   domain.MergeScalar(c.Name, next.Name),
		Driver: domain.MergeScalar(c.Driver, next.Driver),
		Labels: domain.MergeMap(c.Labels, next.Labels),
	}
}

// Validate checks the configuration.
func (c VolumeConfiguration) Validate() error {
	v := domain.NewValidator(domain.KindVolume)
	if c.Name != nil {
		v.Check(strings.TrimSpace(*c.Name) != "", "volume name must not be blank")
	}
	for key := range c.Labels {
		v.Check(!domain.IsReserved(key), "label %q uses the reserved %s namespace", key, domain.LabelPrefix)
	}
	return v.Err()
}

// ImageConfiguration describes an image built from a local context.
type ImageConfiguration struct {
	ContextDir *string
	Dockerfile *string
	Tag        *string
	BuildArgs  map[string]string
	Labels     map[string]string
	NoCache    *bool
	Pull       *bool
}

// Merge returns c overlaid with next.
func (c ImageConfiguration) Merge(next ImageConfiguration) ImageConfiguration {
	return ImageConfiguration{
		ContextDir: domain.MergeScalar(c.ContextDir, next.ContextDir),
		Dockerfile: domain.MergeScalar(c.Dockerfile, next.Dockerfile),
		Tag:        domain.MergeScalar(c.Tag, next.Tag),
		BuildArgs:  domain.MergeMap(c.BuildArgs, next.BuildArgs),
		Labels:     domain.MergeMap(c.Labels, next.Labels),
		NoCache:    domain.MergeScalar(c.NoCache, next.NoCache),
		Pull:       domain.MergeScalar(c.Pull, next.Pull),
	}
}

// Validate checks the configuration.
func (c ImageConfiguration) Validate() error {
	v := domain.NewValidator(domain.KindImage)
	v.Check(c.ContextDir != nil && *c.ContextDir != "", "build context directory must be set")
	for key := range c.Labels {
		v.Check(!domain.IsReserved(key), "label %q uses the reserved %s namespace", key, domain.LabelPrefix)
	}
	return v.Err()
}
