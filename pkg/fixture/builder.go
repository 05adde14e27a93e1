// Package fixture is the public API for disposable test resources: immutable
// builders describe containers, networks, volumes and images, and a Provider
// turns them into handles bound to an engine and a cleanup session.
//
//	p, err := fixture.NewProvider(ctx)
//	...
//	c, err := p.Run(ctx, fixture.NewBuilder("redis:7").
//		WithExposedPorts("6379/tcp").
//		WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
package fixture

import (
	"context"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/pkg/wait"
)

// Builder accumulates a container configuration. Every With method returns a
// new Builder; the receiver never changes, so a Builder can be shared and
// extended from several places.
type Builder struct {
	cfg Configuration
}

// NewBuilder returns a builder for image. An empty image leaves it unset.
func NewBuilder(image string) *Builder {
	b := &Builder{}
	if image == "" {
		return b
	}
	return b.WithImage(image)
}

// With merges cfg over the accumulated configuration.
func (b *Builder) With(cfg Configuration) *Builder {
	return &Builder{cfg: b.cfg.Merge(cfg)}
}

// Configuration returns the accumulated configuration.
func (b *Builder) Configuration() Configuration { return b.cfg }

// Build validates the accumulated configuration.
func (b *Builder) Build() (Configuration, error) {
	if err := b.cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return b.cfg, nil
}

func (b *Builder) WithImage(image string) *Builder {
	return b.With(Configuration{Image: &image})
}

// WithImageBuild runs the container from img and builds img first.
func (b *Builder) WithImageBuild(img *Image) *Builder {
	ref := img.Ref()
	never := domain.PullNever
	return b.With(Configuration{Image: &ref, PullPolicy: &never, DependsOn: []Dependency{img}})
}

func (b *Builder) WithName(name string) *Builder {
	return b.With(Configuration{Name: &name})
}

func (b *Builder) WithHostname(hostname string) *Builder {
	return b.With(Configuration{Hostname: &hostname})
}

func (b *Builder) WithUser(user string) *Builder {
	return b.With(Configuration{User: &user})
}

func (b *Builder) WithWorkingDir(dir string) *Builder {
	return b.With(Configuration{WorkingDir: &dir})
}

// WithEntrypoint replaces the entrypoint.
func (b *Builder) WithEntrypoint(entrypoint ...string) *Builder {
	return b.With(Configuration{Entrypoint: append([]string{}, entrypoint...)})
}

// WithCommand replaces the command.
func (b *Builder) WithCommand(cmd ...string) *Builder {
	return b.With(Configuration{Command: append([]string{}, cmd...)})
}

func (b *Builder) WithEnv(key, value string) *Builder {
	return b.With(Configuration{Env: map[string]string{key: value}})
}

// WithEnvMap sets several environment variables.
func (b *Builder) WithEnvMap(env map[string]string) *Builder {
	return b.With(Configuration{Env: copyMap(env)})
}

func (b *Builder) WithLabel(key, value string) *Builder {
	return b.With(Configuration{Labels: map[string]string{key: value}})
}

// WithExposedPorts exposes container ports. A bare number means TCP.
func (b *Builder) WithExposedPorts(ports ...string) *Builder {
	exposed := make([]nat.Port, 0, len(ports))
	for _, p := range ports {
		exposed = append(exposed, normalizePort(p))
	}
	return b.With(Configuration{ExposedPorts: exposed})
}

// WithPortBinding exposes containerPort and publishes it on hostPort. An
// empty or "0" host port asks for an ephemeral one.
func (b *Builder) WithPortBinding(containerPort, hostPort string) *Builder {
	p := normalizePort(containerPort)
	if hostPort == "0" {
		hostPort = ""
	}
	return b.With(Configuration{
		ExposedPorts: []nat.Port{p},
		PortBindings: map[nat.Port]string{p: hostPort},
	})
}

func (b *Builder) WithBindMount(source, target string, readOnly bool) *Builder {
	return b.With(Configuration{Mounts: []Mount{{Type: domain.MountBind, Source: source, Target: target, ReadOnly: readOnly}}})
}

func (b *Builder) WithTmpfs(target string) *Builder {
	return b.With(Configuration{Mounts: []Mount{{Type: domain.MountTmpfs, Target: target}}})
}

// WithVolumeMount mounts vol at target and makes the container depend on it.
func (b *Builder) WithVolumeMount(vol *Volume, target string, readOnly bool) *Builder {
	return b.With(Configuration{
		Mounts:    []Mount{vol.Mount(target, readOnly)},
		DependsOn: []Dependency{vol},
	})
}

// WithNetwork attaches the container to n under aliases and makes it depend
// on n.
func (b *Builder) WithNetwork(n *Network, aliases ...string) *Builder {
	return b.With(Configuration{
		Networks:  []domain.NetworkAttachment{n.Attachment(aliases...)},
		DependsOn: []Dependency{n},
	})
}

// WithNetworkName attaches the container to an existing network that is not
// managed here.
func (b *Builder) WithNetworkName(name string, aliases ...string) *Builder {
	return b.With(Configuration{Networks: []domain.NetworkAttachment{{Network: name, Aliases: aliases}}})
}

// WithFile copies content to target after create and before start. A zero
// mode means 0644.
func (b *Builder) WithFile(target string, content []byte, mode int64) *Builder {
	return b.With(Configuration{Files: []File{{Target: target, Content: append([]byte(nil), content...), Mode: mode}}})
}

// WithWaitStrategy replaces the readiness check.
func (b *Builder) WithWaitStrategy(s wait.Strategy) *Builder {
	return b.With(Configuration{Wait: s})
}

// WithStartupTimeout bounds the readiness check when the strategy sets no
// timeout of its own.
func (b *Builder) WithStartupTimeout(d time.Duration) *Builder {
	return b.With(Configuration{StartupTimeout: &d})
}

func (b *Builder) WithStopTimeout(d time.Duration) *Builder {
	return b.With(Configuration{StopTimeout: &d})
}

// WithStartupCallback adds fn to the callbacks run after the start call.
func (b *Builder) WithStartupCallback(fn func(ctx context.Context, c *Container) error) *Builder {
	return b.With(Configuration{StartupCallbacks: []StartupCallback{fn}})
}

func (b *Builder) WithOutputConsumer(c OutputConsumer) *Builder {
	return b.With(Configuration{OutputConsumer: c})
}

// WithAutoRemove controls whether disposal removes the container or only
// stops it. The default is to remove.
func (b *Builder) WithAutoRemove(enabled bool) *Builder {
	return b.With(Configuration{AutoRemove: &enabled})
}

func (b *Builder) WithPullPolicy(p PullPolicy) *Builder {
	return b.With(Configuration{PullPolicy: &p})
}

func (b *Builder) WithPrivileged(enabled bool) *Builder {
	return b.With(Configuration{Privileged: &enabled})
}

func (b *Builder) WithHealthcheck(hc Healthcheck) *Builder {
	return b.With(Configuration{Healthcheck: &hc})
}

// DependsOn delays creation until every dependency is ready.
func (b *Builder) DependsOn(deps ...Dependency) *Builder {
	return b.With(Configuration{DependsOn: append([]Dependency{}, deps...)})
}

func normalizePort(port string) nat.Port {
	proto, number := nat.SplitProtoPort(port)
	p, err := nat.NewPort(proto, number)
	if err != nil {
		return nat.Port(port)
	}
	return p
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
