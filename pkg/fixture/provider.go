package fixture

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/bnema/testbay/internal/adapters/out/docker"
	"github.com/bnema/testbay/internal/adapters/out/logwriter"
	"github.com/bnema/testbay/internal/adapters/out/telemetry"
	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/config"
	"github.com/bnema/testbay/internal/logging"
	"github.com/bnema/testbay/internal/usecase/lifecycle"
	"github.com/bnema/testbay/internal/usecase/reaper"
	"github.com/bnema/testbay/pkg/version"
)

// Config is the process configuration read by NewProvider.
type Config = config.Config

// Provider binds builders to an engine and a cleanup session.
type Provider struct {
	cfg     *config.Config
	engine  out.Engine
	ctrl    *lifecycle.Controller
	session *reaper.Session
	output  *logwriter.LogWriter

	shutdownTelemetry func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// ProviderOption configures NewProvider.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	cfgFile  string
	cfg      *config.Config
	engine   out.Engine
	setupLog bool
}

// WithConfigFile reads configuration from path instead of the search path.
func WithConfigFile(path string) ProviderOption {
	return func(o *providerOptions) { o.cfgFile = path }
}

// WithConfig uses cfg as is instead of loading configuration.
func WithConfig(cfg *Config) ProviderOption {
	return func(o *providerOptions) { o.cfg = cfg }
}

// WithoutLogSetup leaves the process logger alone.
func WithoutLogSetup() ProviderOption {
	return func(o *providerOptions) { o.setupLog = false }
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config { return config.Default() }

// NewProvider loads configuration, connects to the engine and prepares the
// cleanup session. The reaper is contacted lazily on first create.
func NewProvider(ctx context.Context, opts ...ProviderOption) (*Provider, error) {
	o := providerOptions{setupLog: true}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		var err error
		if cfg, err = config.Load(o.cfgFile); err != nil {
			return nil, err
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.setupLog {
		logging.Setup(cfg.Log)
	}

	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:  "fixture",
		logging.FieldAction: "NewProvider",
	})
	log := logging.FromCtx(ctx)

	engine := o.engine
	if engine == nil {
		dockerEngine, err := docker.NewEngine(docker.Options{Host: cfg.Engine.Host, APIVersion: cfg.Engine.APIVersion})
		if err != nil {
			return nil, err
		}
		if err := dockerEngine.Ping(ctx); err != nil {
			_ = dockerEngine.Close()
			return nil, fmt.Errorf("engine unreachable: %w", err)
		}
		engine = dockerEngine
	}

	p := &Provider{cfg: cfg, engine: engine}

	_, shutdown, err := telemetry.NewProvider(ctx, cfg.Telemetry, "testbay", version.Version())
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	p.shutdownTelemetry = shutdown
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	ctrlOpts := lifecycle.Options{
		WaitTimeout:  cfg.Wait.Timeout,
		PollInterval: cfg.Wait.PollInterval,
		StopTimeout:  cfg.Cleanup.StopTimeout,
		Metrics:      metrics,
	}

	if cfg.Reaper.Enabled {
		p.session = reaper.NewSession(engine, reaper.SessionOptions{
			ID:             cfg.Reaper.SessionID,
			Address:        cfg.Reaper.Address,
			Image:          cfg.Reaper.Image,
			GracePeriod:    cfg.Reaper.GracePeriod,
			ConnectTimeout: cfg.Reaper.ConnectTimeout,
			Privileged:     cfg.Reaper.Privileged,
			Version:        version.Version(),
		})
		ctrlOpts.Session = p.session
	} else {
		log.Warn().Msg("reaper disabled, resources survive a crashed process")
	}

	if cfg.Output.Dir != "" {
		lw, err := logwriter.New(logwriter.Config{
			Dir:        cfg.Output.Dir,
			MaxSize:    cfg.Output.MaxSize,
			MaxBackups: cfg.Output.MaxBackups,
			MaxAge:     cfg.Output.MaxAge,
		})
		if err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("failed to prepare output directory: %w", err)
		}
		p.output = lw
		ctrlOpts.Output = func(ctx context.Context, name string) out.OutputConsumer {
			return lw.Consumer(ctx, name)
		}
		ctrlOpts.ReleaseOutput = lw.Release
	}

	p.ctrl = lifecycle.NewController(engine, ctrlOpts)
	log.Debug().Str(logging.FieldSessionID, p.SessionID()).Msg("provider ready")
	return p, nil
}

// SessionID returns the cleanup session id, empty when the reaper is off.
func (p *Provider) SessionID() string { return p.ctrl.SessionID() }

// Host returns the host under which mapped ports are reachable.
func (p *Provider) Host() string { return p.engine.Host() }

// NewContainer validates b and returns an unrealized container handle.
func (p *Provider) NewContainer(b *Builder) (*Container, error) {
	cfg, err := b.Build()
	if err != nil {
		return nil, err
	}
	return p.ctrl.NewContainer(cfg)
}

// Run creates and starts a container and waits until it is ready. On a
// start failure the returned handle reflects the cleaned-up state.
func (p *Provider) Run(ctx context.Context, b *Builder) (*Container, error) {
	c, err := p.NewContainer(b)
	if err != nil {
		return nil, err
	}
	return c, c.Start(ctx)
}

// NewNetwork validates b and returns an unrealized network handle.
func (p *Provider) NewNetwork(b *NetworkBuilder) (*Network, error) {
	cfg, err := b.Build()
	if err != nil {
		return nil, err
	}
	return p.ctrl.NewNetwork(cfg)
}

// CreateNetwork creates a network now.
func (p *Provider) CreateNetwork(ctx context.Context, b *NetworkBuilder) (*Network, error) {
	n, err := p.NewNetwork(b)
	if err != nil {
		return nil, err
	}
	return n, n.Create(ctx)
}

// NewVolume validates b and returns an unrealized volume handle.
func (p *Provider) NewVolume(b *VolumeBuilder) (*Volume, error) {
	cfg, err := b.Build()
	if err != nil {
		return nil, err
	}
	return p.ctrl.NewVolume(cfg)
}

// CreateVolume creates a volume now.
func (p *Provider) CreateVolume(ctx context.Context, b *VolumeBuilder) (*Volume, error) {
	v, err := p.NewVolume(b)
	if err != nil {
		return nil, err
	}
	return v, v.Create(ctx)
}

// NewImage validates b and returns an unbuilt image handle.
func (p *Provider) NewImage(b *ImageBuilder) (*Image, error) {
	cfg, err := b.Build()
	if err != nil {
		return nil, err
	}
	return p.ctrl.NewImage(cfg)
}

// BuildImage builds an image now.
func (p *Provider) BuildImage(ctx context.Context, b *ImageBuilder) (*Image, error) {
	img, err := p.NewImage(b)
	if err != nil {
		return nil, err
	}
	return img, img.Build(ctx)
}

// Close drops the reaper heartbeat, closes output files and the engine
// client. Resources not disposed of by then are left to the reaper.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		if p.session != nil {
			p.closeErr = multierr.Append(p.closeErr, p.session.Close())
		}
		if p.output != nil {
			if open := p.output.Open(); len(open) > 0 {
				log := logging.FromCtx(context.Background())
				log.Debug().Strs("outputs", open).Msg("closing output of containers still present")
			}
			p.closeErr = multierr.Append(p.closeErr, p.output.Close())
		}
		p.closeErr = multierr.Append(p.closeErr, p.engine.Close())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.closeErr = multierr.Append(p.closeErr, p.shutdownTelemetry(ctx))
	})
	return p.closeErr
}

// Removable is a handle that can be removed.
type Removable interface {
	Remove(ctx context.Context) error
}

// CleanupTimeout bounds the disposal registered by Cleanup.
var CleanupTimeout = time.Minute

// Cleanup disposes of r when tb finishes. Containers follow their auto
// removal setting; other resources are removed.
func Cleanup(tb testing.TB, r Removable) {
	tb.Helper()
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), CleanupTimeout)
		defer cancel()

		var err error
		if c, ok := r.(*Container); ok {
			err = c.Dispose(ctx)
		} else {
			err = r.Remove(ctx)
		}
		if err != nil {
			tb.Errorf("cleanup: %v", err)
		}
	})
}
