package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
	"github.com/bnema/testbay/pkg/wait"
)

// Container is the handle of one container. Transitions are serialized;
// queries read the snapshot cached when the container became ready.
type Container struct {
	ctrl       *Controller
	cfg        ContainerConfiguration
	transition transitionLock

	mu       sync.RWMutex
	id       string
	state    domain.State
	snapshot *domain.ContainerDetails

	streamCancel context.CancelFunc
	streamDone   chan struct{}
	// outputName is set while a factory-made consumer is open.
	outputName string
}

func newContainer(ctrl *Controller, cfg ContainerConfiguration) *Container {
	return &Container{
		ctrl:       ctrl,
		cfg:        cfg,
		transition: newTransitionLock(),
		state:      domain.StateUnrealized,
	}
}

// ID returns the engine id, empty before creation.
func (c *Container) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// State returns the current lifecycle state.
func (c *Container) State() domain.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Configuration returns the configuration the handle was built from.
func (c *Container) Configuration() ContainerConfiguration { return c.cfg }

// Identity implements Dependency.
func (c *Container) Identity() string { return fmt.Sprintf("container:%p", c) }

// Ready implements Dependency by starting the container.
func (c *Container) Ready(ctx context.Context) error { return c.Start(ctx) }

func (c *Container) setState(s domain.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Container) logCtx(ctx context.Context, action string) context.Context {
	return logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:        "usecase",
		logging.FieldUseCase:      "lifecycle",
		logging.FieldAction:       action,
		logging.FieldResourceKind: domain.KindContainer,
		logging.FieldEntityID:     c.ID(),
		logging.FieldSessionID:    c.ctrl.SessionID(),
		"image":                   deref(c.cfg.Image, ""),
	})
}

func (c *Container) fail(op string, err error) error {
	return &ResourceError{Kind: domain.KindContainer, ID: c.ID(), Summary: c.cfg.Summary(), Op: op, Err: err}
}

// Create issues the engine create call once every dependency is ready. It is
// a no-op for a handle that already exists.
func (c *Container) Create(ctx context.Context) error {
	unlock, err := c.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	switch c.State() {
	case domain.StateUnrealized:
		return c.create(c.logCtx(ctx, "Create"))
	case domain.StateRemoved:
		return domain.ErrResourceRemoved
	}
	return nil
}

func (c *Container) create(ctx context.Context) error {
	log := logging.FromCtx(ctx)

	if err := c.awaitDependencies(ctx); err != nil {
		return c.fail("create", canceled(ctx, err))
	}
	if err := c.ensureImage(ctx); err != nil {
		return c.fail("create", canceled(ctx, fmt.Errorf("%w: %w", domain.ErrCreateFailed, err)))
	}

	id, err := c.ctrl.engine.CreateContainer(ctx, c.cfg.spec(c.ctrl.labels(ctx)))
	if err != nil {
		return c.fail("create", canceled(ctx, fmt.Errorf("%w: %w", domain.ErrCreateFailed, err)))
	}
	c.mu.Lock()
	c.id = id
	c.state = domain.StateCreated
	c.mu.Unlock()
	c.ctrl.opts.Metrics.ResourceCreated(ctx, domain.KindContainer)

	for _, f := range c.cfg.Files {
		if err := c.ctrl.engine.CopyToContainer(ctx, id, f); err != nil {
			cleanupErr := c.ctrl.engine.RemoveContainer(context.WithoutCancel(ctx), id)
			if cleanupErr == nil {
				c.setState(domain.StateRemoved)
				c.ctrl.opts.Metrics.ResourceRemoved(ctx, domain.KindContainer)
			}
			return c.fail("create", multierr.Append(fmt.Errorf("%w: copy %s: %w", domain.ErrCreateFailed, f.Target, err), cleanupErr))
		}
	}

	log.Info().Str(logging.FieldEntityID, id).Msg("container created")
	return nil
}

// awaitDependencies readies every dependency concurrently.
func (c *Container) awaitDependencies(ctx context.Context) error {
	if len(c.cfg.DependsOn) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, dep := range c.cfg.DependsOn {
		g.Go(func() error {
			if err := dep.Ready(gctx); err != nil {
				return fmt.Errorf("%w: %s: %w", domain.ErrDependencyFailed, dep.Identity(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Container) ensureImage(ctx context.Context) error {
	ref := deref(c.cfg.Image, "")
	switch deref(c.cfg.PullPolicy, domain.PullMissing) {
	case domain.PullNever:
		return nil
	case domain.PullAlways:
		return c.ctrl.engine.PullImage(ctx, ref)
	}
	exists, err := c.ctrl.engine.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.ctrl.engine.PullImage(ctx, ref)
}

// Start creates the container if needed, starts it and blocks until the wait
// strategy succeeds. On failure the container is stopped and, unless auto
// removal is disabled, removed before the error is returned.
func (c *Container) Start(ctx context.Context) error {
	unlock, err := c.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ctx = c.logCtx(ctx, "Start")

	switch c.State() {
	case domain.StateRemoved:
		return domain.ErrResourceRemoved
	case domain.StateReady, domain.StateRunning:
		return nil
	}

	image := deref(c.cfg.Image, "")
	ctx, span := c.ctrl.opts.Tracer.Start(ctx, "container.start",
		trace.WithAttributes(attribute.String("container.image", image)))
	defer span.End()

	began := time.Now()
	err = c.createAndStart(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		c.ctrl.opts.Metrics.StartFailed(ctx, image, err)
		return err
	}
	span.SetAttributes(attribute.String("container.id", c.ID()))
	c.ctrl.opts.Metrics.ContainerStarted(ctx, image, time.Since(began))
	return nil
}

func (c *Container) createAndStart(ctx context.Context) error {
	if c.State() == domain.StateUnrealized {
		if err := c.create(ctx); err != nil {
			return err
		}
	}
	return c.start(ctx)
}

func (c *Container) start(ctx context.Context) error {
	log := logging.FromCtx(ctx)
	id := c.ID()
	c.setState(domain.StateStarting)

	started := make(chan struct{})
	callbacksDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.ctrl.engine.StartContainer(gctx, id); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrStartFailed, err)
		}
		close(started)
		c.streamOutput(ctx, id)

		for i, cb := range c.cfg.StartupCallbacks {
			if err := cb(gctx, c); err != nil {
				return fmt.Errorf("startup callback %d: %w", i, err)
			}
		}
		close(callbacksDone)
		return nil
	})
	g.Go(func() error {
		select {
		case <-started:
		case <-gctx.Done():
			return nil
		}
		if c.cfg.Wait != nil {
			target := &waitTarget{engine: c.ctrl.engine, id: id}
			if err := wait.Evaluate(gctx, c.cfg.Wait, target, c.ctrl.waitOptions(c.cfg.StartupTimeout)...); err != nil {
				return err
			}
		}
		select {
		case <-callbacksDone:
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return c.abortStart(ctx, canceled(ctx, err))
	}
	c.setState(domain.StateReady)

	snapshot, err := c.ctrl.engine.InspectContainer(ctx, id)
	if err != nil {
		return c.abortStart(ctx, canceled(ctx, fmt.Errorf("%w: inspect after ready: %w", domain.ErrStartFailed, err)))
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.state = domain.StateRunning
	c.mu.Unlock()

	log.Info().Msg("container running")
	return nil
}

// abortStart drives a failed start to a clean terminal state.
func (c *Container) abortStart(ctx context.Context, cause error) error {
	log := logging.FromCtx(ctx)
	log.Warn().Err(cause).Msg("start failed, cleaning up")

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.stopTimeout()+30*time.Second)
	defer cancel()

	err := cause
	c.stopStreaming()
	if stopErr := c.ctrl.engine.StopContainer(cleanupCtx, c.ID(), 0); stopErr != nil {
		err = multierr.Append(err, fmt.Errorf("cleanup stop: %w", stopErr))
	}
	c.setState(domain.StateStopped)

	if c.autoRemove() {
		if rmErr := c.ctrl.engine.RemoveContainer(cleanupCtx, c.ID()); rmErr != nil {
			err = multierr.Append(err, fmt.Errorf("cleanup remove: %w", rmErr))
		} else {
			c.setState(domain.StateRemoved)
			c.ctrl.opts.Metrics.ResourceRemoved(ctx, domain.KindContainer)
			c.releaseOutput(ctx)
		}
	}
	return c.fail("start", err)
}

// streamOutput follows the container output into the configured consumer
// until the container stops or the handle is stopped.
func (c *Container) streamOutput(ctx context.Context, id string) {
	consumer := c.cfg.OutputConsumer
	if consumer == nil && c.ctrl.opts.Output != nil {
		name := deref(c.cfg.Name, "")
		if name == "" {
			name = id
			if len(name) > 12 {
				name = name[:12]
			}
		}
		consumer = c.ctrl.opts.Output(ctx, name)
		if consumer != nil {
			c.mu.Lock()
			c.outputName = name
			c.mu.Unlock()
		}
	}
	if consumer == nil {
		return
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.mu.Lock()
	c.streamCancel = cancel
	c.streamDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.ctrl.engine.StreamLogs(streamCtx, id, domain.LogOptions{Follow: true}, consumer.Stdout(), consumer.Stderr())
		if err != nil && streamCtx.Err() == nil {
			log := logging.FromCtx(ctx)
			log.Warn().Err(err).Msg("output streaming ended with error")
		}
	}()
}

func (c *Container) stopStreaming() {
	c.mu.Lock()
	cancel, done := c.streamCancel, c.streamDone
	c.streamCancel, c.streamDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// releaseOutput hands a factory-made consumer back. Streaming must have
// stopped already.
func (c *Container) releaseOutput(ctx context.Context) {
	c.mu.Lock()
	name := c.outputName
	c.outputName = ""
	c.mu.Unlock()
	if name == "" || c.ctrl.opts.ReleaseOutput == nil {
		return
	}
	if err := c.ctrl.opts.ReleaseOutput(name); err != nil {
		log := logging.FromCtx(ctx)
		log.Warn().Err(err).Str("output", name).Msg("failed to release output")
	}
}

func (c *Container) stopTimeout() time.Duration {
	return deref(c.cfg.StopTimeout, c.ctrl.opts.StopTimeout)
}

func (c *Container) autoRemove() bool {
	return deref(c.cfg.AutoRemove, true)
}

// Stop stops the container. Stopping a stopped or never-started container
// succeeds; stopping a removed one fails.
func (c *Container) Stop(ctx context.Context) error {
	unlock, err := c.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ctx = c.logCtx(ctx, "Stop")
	switch c.State() {
	case domain.StateRemoved:
		return domain.ErrResourceRemoved
	case domain.StateUnrealized, domain.StateCreated, domain.StateStopped:
		return nil
	}

	c.stopStreaming()
	if err := c.ctrl.engine.StopContainer(ctx, c.ID(), c.stopTimeout()); err != nil {
		return c.fail("stop", err)
	}
	c.mu.Lock()
	c.state = domain.StateStopped
	c.snapshot = nil
	c.mu.Unlock()

	log := logging.FromCtx(ctx)
	log.Info().Msg("container stopped")
	return nil
}

// Remove force-removes the container. Removing twice succeeds.
func (c *Container) Remove(ctx context.Context) error {
	unlock, err := c.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ctx = c.logCtx(ctx, "Remove")
	switch c.State() {
	case domain.StateRemoved:
		return nil
	case domain.StateUnrealized:
		c.setState(domain.StateRemoved)
		return nil
	}

	c.stopStreaming()
	if err := c.ctrl.engine.RemoveContainer(ctx, c.ID()); err != nil {
		return c.fail("remove", err)
	}
	c.mu.Lock()
	c.state = domain.StateRemoved
	c.snapshot = nil
	c.mu.Unlock()
	c.ctrl.opts.Metrics.ResourceRemoved(ctx, domain.KindContainer)
	c.releaseOutput(ctx)

	log := logging.FromCtx(ctx)
	log.Info().Msg("container removed")
	return nil
}

// Dispose applies the cleanup policy: remove when auto removal is on (the
// default), stop and keep the container for inspection otherwise.
func (c *Container) Dispose(ctx context.Context) error {
	if c.autoRemove() {
		return c.Remove(ctx)
	}
	return c.Stop(ctx)
}

// running returns the cached snapshot, or the error a query on a handle in
// the current state deserves.
func (c *Container) running() (*domain.ContainerDetails, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.state == domain.StateRemoved:
		return nil, domain.ErrResourceRemoved
	case c.snapshot == nil:
		return nil, fmt.Errorf("%w: container is %s", domain.ErrInvalidTransition, c.state)
	}
	return c.snapshot, nil
}

// Details returns the snapshot cached when the container became ready.
func (c *Container) Details() (*domain.ContainerDetails, error) {
	return c.running()
}

// MappedPort returns the host port bound to a container port.
func (c *Container) MappedPort(port nat.Port) (nat.Port, error) {
	snapshot, err := c.running()
	if err != nil {
		return "", err
	}
	proto, number := nat.SplitProtoPort(string(port))
	port, err = nat.NewPort(proto, number)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidConfiguration, err)
	}
	hostPort, ok := snapshot.HostPort(port)
	if !ok {
		return "", fmt.Errorf("%w: port %s is not published", domain.ErrResourceNotFound, port)
	}
	return nat.NewPort(proto, hostPort)
}

// Host returns the host under which mapped ports are reachable.
func (c *Container) Host() (string, error) {
	if _, err := c.running(); err != nil {
		return "", err
	}
	return c.ctrl.engine.Host(), nil
}

// Endpoint returns "host:port" for a container port.
func (c *Container) Endpoint(port nat.Port) (string, error) {
	host, err := c.Host()
	if err != nil {
		return "", err
	}
	mapped, err := c.MappedPort(port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, mapped.Port()), nil
}

// IPAddress returns the container address on network.
func (c *Container) IPAddress(network string) (string, error) {
	snapshot, err := c.running()
	if err != nil {
		return "", err
	}
	ip, ok := snapshot.Networks[network]
	if !ok || ip == "" {
		return "", fmt.Errorf("%w: container is not attached to network %s", domain.ErrResourceNotFound, network)
	}
	return ip, nil
}

// live returns the id of a container that exists on the engine.
func (c *Container) live(needRunning bool) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case domain.StateRemoved:
		return "", domain.ErrResourceRemoved
	case domain.StateUnrealized:
		return "", fmt.Errorf("%w: container is not created", domain.ErrInvalidTransition)
	case domain.StateCreated, domain.StateStopped:
		if needRunning {
			return "", fmt.Errorf("%w: container is %s", domain.ErrInvalidTransition, c.state)
		}
	}
	return c.id, nil
}

// Exec runs cmd inside the running container.
func (c *Container) Exec(ctx context.Context, cmd []string) (*domain.ExecResult, error) {
	id, err := c.live(true)
	if err != nil {
		return nil, err
	}
	return c.ctrl.engine.ExecInContainer(ctx, id, cmd)
}

// CopyFile writes a file into the container.
func (c *Container) CopyFile(ctx context.Context, file domain.File) error {
	id, err := c.live(false)
	if err != nil {
		return err
	}
	return c.ctrl.engine.CopyToContainer(ctx, id, file)
}

// Logs returns the container output so far.
func (c *Container) Logs(ctx context.Context) (string, error) {
	id, err := c.live(false)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w := &lockedWriter{w: &buf}
	if err := c.ctrl.engine.StreamLogs(ctx, id, domain.LogOptions{}, w, w); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// waitTarget exposes a starting container to wait strategies. It reads the
// engine directly because no snapshot exists before readiness.
type waitTarget struct {
	engine out.Engine
	id     string
}

func (t *waitTarget) Host(context.Context) (string, error) { return t.engine.Host(), nil }

func (t *waitTarget) Inspect(ctx context.Context) (*domain.ContainerDetails, error) {
	return t.engine.InspectContainer(ctx, t.id)
}

func (t *waitTarget) Logs(ctx context.Context) (io.ReadCloser, error) {
	var buf bytes.Buffer
	w := &lockedWriter{w: &buf}
	if err := t.engine.StreamLogs(ctx, t.id, domain.LogOptions{}, w, w); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (t *waitTarget) Exec(ctx context.Context, cmd []string) (*domain.ExecResult, error) {
	return t.engine.ExecInContainer(ctx, t.id, cmd)
}

// lockedWriter lets stdout and stderr share one buffer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
