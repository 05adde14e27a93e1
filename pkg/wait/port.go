package wait

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/docker/go-connections/nat"
)

const dialTimeout = time.Second

// PortStrategy waits until a container port is published and accepts TCP
// connections from this process.
type PortStrategy struct {
	base
	port nat.Port
}

// ForListeningPort waits for port, e.g. "5432/tcp". A bare number means TCP.
func ForListeningPort(port nat.Port) PortStrategy {
	return PortStrategy{port: normalizePort(port)}
}

// WithStartupTimeout returns a copy bounded by d.
func (s PortStrategy) WithStartupTimeout(d time.Duration) PortStrategy {
	s.timeout = d
	return s
}

// Port returns the awaited container port.
func (s PortStrategy) Port() nat.Port { return s.port }

func (s PortStrategy) String() string { return "port " + string(s.port) }

func (s PortStrategy) poll(ctx context.Context, target Target) (string, bool, error) {
	details, err := target.Inspect(ctx)
	if err != nil {
		return "inspect failed: " + err.Error(), false, nil
	}
	hostPort, ok := details.HostPort(s.port)
	if !ok {
		return fmt.Sprintf("no host binding for %s", s.port), false, nil
	}
	// UDP has no handshake; a published binding is all that can be observed.
	if s.port.Proto() == "udp" {
		return "", true, nil
	}

	host, err := target.Host(ctx)
	if err != nil {
		return "host lookup failed: " + err.Error(), false, nil
	}

	addr := net.JoinHostPort(host, hostPort)
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Sprintf("dial %s: %v", addr, err), false, nil
	}
	_ = conn.Close()
	return "", true, nil
}

func normalizePort(port nat.Port) nat.Port {
	proto, number := nat.SplitProtoPort(string(port))
	p, err := nat.NewPort(proto, number)
	if err != nil {
		return port
	}
	return p
}

// RequiredPorts lists the container ports s needs to be exposed.
func RequiredPorts(s Strategy) []nat.Port {
	switch v := s.(type) {
	case PortStrategy:
		return []nat.Port{v.port}
	case HTTPStrategy:
		if v.port != "" {
			return []nat.Port{v.port}
		}
	case All:
		var ports []nat.Port
		for _, member := range v.strategies {
			ports = append(ports, RequiredPorts(member)...)
		}
		return ports
	}
	return nil
}
