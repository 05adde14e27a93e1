// Package lifecycle implements the resource lifecycle controller: it turns
// configurations into engine resources, drives them to readiness and
// removes them again.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
	"github.com/bnema/testbay/pkg/version"
	"github.com/bnema/testbay/pkg/wait"
)

// TracerName scopes the spans emitted by the controller.
const TracerName = "github.com/bnema/testbay/lifecycle"

// Session is the cleanup scope resources are labeled with.
type Session interface {
	ID() string
	// Labels returns the labels that let the reaper find session resources.
	Labels() map[string]string
	// Arm ensures the reaper backstop is listening. It is called before every
	// create and must be cheap once armed.
	Arm(ctx context.Context) error
}

// OutputFactory supplies an output consumer for a container that has none.
type OutputFactory func(ctx context.Context, name string) out.OutputConsumer

// Options configures a Controller.
type Options struct {
	// Session labels every resource and arms the reaper. Nil disables both.
	Session Session
	// Version is recorded in the version label.
	Version      string
	WaitTimeout  time.Duration
	PollInterval time.Duration
	StopTimeout  time.Duration
	Output       OutputFactory
	// ReleaseOutput closes what Output opened for name once the container
	// is removed. Nil means there is nothing to release.
	ReleaseOutput func(name string) error
	// Metrics receives lifecycle measurements. Nil discards them.
	Metrics out.Metrics
	// Tracer spans container starts. Nil uses the global tracer provider.
	Tracer trace.Tracer
}

// Controller creates resource handles bound to one engine and session.
type Controller struct {
	engine  out.Engine
	opts    Options
	warnMu  sync.Mutex
	warned  bool
	session Session
}

// NewController creates a Controller. Zero durations take package defaults.
func NewController(engine out.Engine, opts Options) *Controller {
	if opts.Version == "" {
		opts.Version = version.Version()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = wait.DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = wait.DefaultPollInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = out.NopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(TracerName)
	}
	if opts.StopTimeout < 0 {
		opts.StopTimeout = 0
	} else if opts.StopTimeout == 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Controller{engine: engine, opts: opts, session: opts.Session}
}

// Engine returns the engine gateway.
func (c *Controller) Engine() out.Engine { return c.engine }

// SessionID returns the session id, empty when cleanup is disabled.
func (c *Controller) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID()
}

// labels returns the managed labels for a new resource, arming the reaper
// on the way. An unreachable reaper only produces a warning.
func (c *Controller) labels(ctx context.Context) map[string]string {
	labels := domain.ManagedLabels(c.SessionID(), c.opts.Version)
	if c.session == nil {
		return labels
	}
	for k, v := range c.session.Labels() {
		labels[k] = v
	}

	if err := c.session.Arm(ctx); err != nil {
		c.warnMu.Lock()
		defer c.warnMu.Unlock()
		if !c.warned {
			log := logging.FromCtx(ctx)
			log.Warn().Err(err).Msg("reaper unavailable, relying on explicit disposal")
			c.warned = true
		}
	}
	return labels
}

func (c *Controller) waitOptions(startupTimeout *time.Duration) []wait.Option {
	timeout := c.opts.WaitTimeout
	if startupTimeout != nil {
		timeout = *startupTimeout
	}
	return []wait.Option{wait.WithDefaultTimeout(timeout), wait.WithPollInterval(c.opts.PollInterval)}
}

// NewContainer validates cfg and returns an unrealized handle. No engine call
// is made.
func (c *Controller) NewContainer(cfg ContainerConfiguration) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newContainer(c, cfg), nil
}

// NewNetwork validates cfg and returns an unrealized handle. An unnamed
// network gets a generated name so containers can refer to it before it
// exists.
func (c *Controller) NewNetwork(cfg NetworkConfiguration) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == nil {
		name := "testbay-net-" + shortUUID()
		cfg.Name = &name
	}
	return newNetwork(c, cfg), nil
}

// NewVolume validates cfg and returns an unrealized handle.
func (c *Controller) NewVolume(cfg VolumeConfiguration) (*Volume, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == nil {
		name := "testbay-vol-" + shortUUID()
		cfg.Name = &name
	}
	return newVolume(c, cfg), nil
}

// NewImage validates cfg and returns an unrealized handle. An untagged build
// gets a generated tag so dependents know its reference in advance.
func (c *Controller) NewImage(cfg ImageConfiguration) (*Image, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Tag == nil {
		tag := "testbay-build-" + shortUUID() + ":latest"
		cfg.Tag = &tag
	}
	return newImage(c, cfg), nil
}

func shortUUID() string {
	return uuid.NewString()[:8]
}

// ResourceError reports a failed lifecycle operation on one resource.
type ResourceError struct {
	Kind    domain.ResourceKind
	ID      string
	Summary string
	Op      string
	Err     error
}

func (e *ResourceError) Error() string {
	id := e.ID
	if len(id) > 12 {
		id = id[:12]
	}
	if id == "" {
		return fmt.Sprintf("%s %s %s: %v", e.Op, e.Kind, e.Summary, e.Err)
	}
	return fmt.Sprintf("%s %s %s [%s]: %v", e.Op, e.Kind, e.Summary, id, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// transitionLock serializes lifecycle transitions of one handle. Unlike a
// sync.Mutex, acquiring it honors context cancellation.
type transitionLock chan struct{}

func newTransitionLock() transitionLock { return make(transitionLock, 1) }

func (l transitionLock) acquire(ctx context.Context) (func(), error) {
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for a concurrent transition: %w", domain.ErrCanceled, ctx.Err())
	}
}

// canceled marks err as a cancellation when ctx is done.
func canceled(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil || errors.Is(err, domain.ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrCanceled, err)
}
