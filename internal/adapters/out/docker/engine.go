// Package docker implements the engine gateway using the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// Engine implements out.Engine on the Docker API.
type Engine struct {
	client *client.Client
	host   string
}

// Options selects the daemon endpoint.
type Options struct {
	// Host overrides DOCKER_HOST, e.g. "unix:///var/run/docker.sock".
	Host string
	// APIVersion pins the API version; empty negotiates.
	APIVersion string
}

// NewEngine creates an Engine from the environment and opts.
func NewEngine(opts Options) (*Engine, error) {
	clientOpts := []client.Opt{client.FromEnv}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewEngineWithClient(cli), nil
}

// NewEngineWithClient creates an Engine with a custom client (for testing).
func NewEngineWithClient(cli *client.Client) *Engine {
	return &Engine{
		client: cli,
		host:   hostFromDaemon(cli.DaemonHost()),
	}
}

// Host returns the host name under which mapped ports are reachable from
// this process.
func (e *Engine) Host() string {
	return e.host
}

// Ping checks that the daemon answers.
func (e *Engine) Ping(ctx context.Context) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "Ping",
	})
	log := logging.FromCtx(ctx)

	if _, err := e.client.Ping(ctx); err != nil {
		return log.WrapErr(err, "Docker ping failed")
	}
	return nil
}

// Close releases the client transport.
func (e *Engine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// hostFromDaemon maps a daemon address to a host reachable from this process.
// Local sockets publish ports on the loopback interface.
func hostFromDaemon(daemon string) string {
	u, err := url.Parse(daemon)
	if err != nil {
		return "localhost"
	}
	switch u.Scheme {
	case "tcp", "http", "https":
		if h := u.Hostname(); h != "" {
			return h
		}
	}
	return "localhost"
}

// labelArgs converts domain filters into Docker filter arguments.
func labelArgs(f domain.Filters) filters.Args {
	args := filters.NewArgs()
	for key, values := range f {
		for _, v := range values {
			args.Add(key, v)
		}
	}
	return args
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// StreamLogs copies a container's output to stdout and stderr.
func (e *Engine) StreamLogs(ctx context.Context, containerID string, opts domain.LogOptions, stdout, stderr io.Writer) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "docker",
		logging.FieldAction:   "StreamLogs",
		logging.FieldEntityID: containerID,
		"follow":              opts.Follow,
	})
	log := logging.FromCtx(ctx)

	reader, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Since:      formatTime(opts.Since),
		Until:      formatTime(opts.Until),
	})
	if err != nil {
		return log.WrapErr(classify(err), "failed to get container logs")
	}
	defer reader.Close()

	if _, err := demux(stdout, stderr, reader); err != nil && ctx.Err() == nil {
		return log.WrapErr(err, "failed to read container logs")
	}
	return nil
}

// shortID trims an engine id for log messages.
func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
