package reaper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// AgentPort is the container port the sidecar listens on.
const AgentPort nat.Port = "8080/tcp"

const (
	defaultDockerSocket = "/var/run/docker.sock"
	dialAttemptTimeout  = 2 * time.Second
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// ID reuses an existing session, e.g. one shared by several processes.
	// Empty generates a new one.
	ID string
	// Address attaches to an agent that is already running. Empty starts a
	// sidecar container from Image.
	Address        string
	Image          string
	GracePeriod    time.Duration
	ConnectTimeout time.Duration
	Privileged     bool
	// DockerSocket is the engine socket bind-mounted into the sidecar.
	DockerSocket string
	Version      string
}

// Session labels resources with its id and keeps the agent's heartbeat
// connection open. It is safe for concurrent use.
type Session struct {
	engine out.Engine
	opts   SessionOptions
	id     string

	mu      sync.Mutex
	conn    net.Conn
	armErr  error
	sidecar string
}

// NewSession creates a session. Nothing is contacted until Arm.
func NewSession(engine out.Engine, opts SessionOptions) *Session {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.DockerSocket == "" {
		opts.DockerSocket = defaultDockerSocket
	}
	return &Session{engine: engine, opts: opts, id: opts.ID}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Labels returns the label every session resource carries.
func (s *Session) Labels() map[string]string {
	return map[string]string{domain.LabelSessionID: s.id}
}

// Filter selects every resource of the session.
func (s *Session) Filter() domain.Filters {
	return domain.LabelFilter(domain.LabelSessionID, s.id)
}

// SidecarID returns the id of the sidecar container this session started or
// joined, empty when attached by address.
func (s *Session) SidecarID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sidecar
}

// Arm connects to the agent and registers the session filter. Once armed, or
// once the agent proved unreachable, later calls return immediately with the
// same outcome. Failures caused by ctx ending are not remembered.
func (s *Session) Arm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	if s.armErr != nil {
		return s.armErr
	}

	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:     "usecase",
		logging.FieldUseCase:   "reaper",
		logging.FieldAction:    "Arm",
		logging.FieldSessionID: s.id,
	})
	log := logging.FromCtx(ctx)

	conn, err := s.arm(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrReaperUnavailable, err)
		// A caller giving up says nothing about the agent; the next Arm retries.
		if ctx.Err() == nil {
			s.armErr = err
		}
		return err
	}
	s.conn = conn
	log.Info().Str("agent", conn.RemoteAddr().String()).Msg("reaper armed")
	return nil
}

func (s *Session) arm(ctx context.Context) (net.Conn, error) {
	addr := s.opts.Address
	if addr == "" {
		var err error
		if addr, err = s.ensureSidecar(ctx); err != nil {
			return nil, err
		}
	}

	var conn net.Conn
	backoff := retry.WithMaxDuration(s.opts.ConnectTimeout, retry.NewConstant(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := s.register(ctx, addr)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register with agent at %s: %w", addr, err)
	}
	return conn, nil
}

// register dials addr, sends the session filter and waits for the ACK.
func (s *Session) register(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialAttemptTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(dialAttemptTimeout))
	if _, err := fmt.Fprintf(conn, "%s\n", FormatFilter(s.Filter())); err != nil {
		_ = conn.Close()
		return nil, err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read acknowledgement: %w", err)
	}
	if reply = strings.TrimSpace(reply); reply != Ack {
		_ = conn.Close()
		return nil, fmt.Errorf("agent refused filter: %s", reply)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// ensureSidecar joins the session's sidecar or starts one, and returns the
// address it listens on.
func (s *Session) ensureSidecar(ctx context.Context) (string, error) {
	log := logging.FromCtx(ctx)

	id, err := s.findSidecar(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		if id, err = s.startSidecar(ctx); errors.Is(err, domain.ErrResourceInUse) {
			// Another process of the same session won the race.
			id, err = s.findSidecar(ctx)
			if err == nil && id == "" {
				err = fmt.Errorf("sidecar vanished after name conflict")
			}
		}
		if err != nil {
			return "", err
		}
	}
	s.sidecar = id

	details, err := s.engine.InspectContainer(ctx, id)
	if err != nil {
		return "", err
	}
	port, ok := details.HostPort(AgentPort)
	if !ok {
		return "", fmt.Errorf("sidecar %s publishes no port for %s", details.Name, AgentPort)
	}
	addr := net.JoinHostPort(s.engine.Host(), port)
	log.Debug().Str("sidecar", details.Name).Str("agent", addr).Msg("using reaper sidecar")
	return addr, nil
}

func (s *Session) sidecarFilter() domain.Filters {
	return domain.Filters{"label": {
		domain.LabelReaper + "=true",
		domain.LabelReaperSession + "=" + s.id,
	}}
}

func (s *Session) findSidecar(ctx context.Context) (string, error) {
	ids, err := s.engine.ListContainers(ctx, s.sidecarFilter())
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		details, err := s.engine.InspectContainer(ctx, id)
		if err != nil {
			continue
		}
		if details.Running {
			return id, nil
		}
	}
	return "", nil
}

func (s *Session) startSidecar(ctx context.Context) (string, error) {
	if s.opts.Image == "" {
		return "", fmt.Errorf("no reaper image configured")
	}
	exists, err := s.engine.ImageExists(ctx, s.opts.Image)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := s.engine.PullImage(ctx, s.opts.Image); err != nil {
			return "", err
		}
	}

	labels := map[string]string{
		domain.LabelReaper:        "true",
		domain.LabelReaperSession: s.id,
		domain.LabelManaged:       "true",
	}
	if s.opts.Version != "" {
		labels[domain.LabelVersion] = s.opts.Version
	}
	id, err := s.engine.CreateContainer(ctx, &domain.ContainerSpec{
		Name:   "testbay-reaper-" + s.id,
		Image:  s.opts.Image,
		Labels: labels,
		Env: []string{
			"RYUK_CONNECTION_TIMEOUT=" + s.opts.ConnectTimeout.String(),
			"RYUK_RECONNECTION_TIMEOUT=" + s.opts.GracePeriod.String(),
			"RYUK_PORT=" + AgentPort.Port(),
		},
		ExposedPorts: nat.PortSet{AgentPort: {}},
		PortBindings: nat.PortMap{AgentPort: {{HostPort: ""}}},
		Mounts: []domain.Mount{{
			Type:     domain.MountBind,
			Source:   s.opts.DockerSocket,
			Target:   defaultDockerSocket,
			ReadOnly: true,
		}},
		Privileged: s.opts.Privileged,
		AutoRemove: true,
	})
	if err != nil {
		return "", err
	}
	if err := s.engine.StartContainer(ctx, id); err != nil {
		_ = s.engine.RemoveContainer(context.WithoutCancel(ctx), id)
		return "", err
	}
	return id, nil
}

// Close drops the heartbeat connection. The agent reaps the session's
// remaining resources once its grace period passes.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
