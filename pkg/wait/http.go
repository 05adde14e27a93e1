package wait

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/bnema/testbay/internal/adapters/out/httpprober"
)

// HTTPStrategy waits until an HTTP endpoint on a published port answers with
// an accepted status code. Connection failures and other status codes are
// retried until the deadline.
type HTTPStrategy struct {
	base
	path        string
	port        nat.Port
	method      string
	useTLS      bool
	headers     map[string]string
	statusMatch func(int) bool
	statusDesc  string
}

// ForHTTP probes path on the lowest published port unless WithPort is used.
func ForHTTP(path string) HTTPStrategy {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return HTTPStrategy{
		path:        path,
		method:      http.MethodGet,
		statusMatch: func(code int) bool { return code == http.StatusOK },
		statusDesc:  "200",
	}
}

// WithPort selects the container port to probe.
func (s HTTPStrategy) WithPort(port nat.Port) HTTPStrategy {
	s.port = normalizePort(port)
	return s
}

// WithStatus accepts exactly code.
func (s HTTPStrategy) WithStatus(code int) HTTPStrategy {
	s.statusMatch = func(got int) bool { return got == code }
	s.statusDesc = fmt.Sprint(code)
	return s
}

// WithStatusMatcher accepts any status for which match returns true. A nil
// match restores the default of 200 only.
func (s HTTPStrategy) WithStatusMatcher(match func(int) bool) HTTPStrategy {
	if match == nil {
		return s.WithStatus(http.StatusOK)
	}
	s.statusMatch = match
	s.statusDesc = "custom"
	return s
}

// WithMethod sets the request method.
func (s HTTPStrategy) WithMethod(method string) HTTPStrategy {
	s.method = method
	return s
}

// WithTLS probes over https. Certificates are not verified.
func (s HTTPStrategy) WithTLS(enabled bool) HTTPStrategy {
	s.useTLS = enabled
	return s
}

// WithHeader adds a request header.
func (s HTTPStrategy) WithHeader(key, value string) HTTPStrategy {
	headers := make(map[string]string, len(s.headers)+1)
	for k, v := range s.headers {
		headers[k] = v
	}
	headers[key] = value
	s.headers = headers
	return s
}

// WithStartupTimeout returns a copy bounded by d.
func (s HTTPStrategy) WithStartupTimeout(d time.Duration) HTTPStrategy {
	s.timeout = d
	return s
}

// Port returns the configured port, empty when unset.
func (s HTTPStrategy) Port() nat.Port { return s.port }

func (s HTTPStrategy) String() string {
	port := string(s.port)
	if port == "" {
		port = "first port"
	}
	return fmt.Sprintf("http %s %s%s expecting %s", s.method, port, s.path, s.statusDesc)
}

func (s HTTPStrategy) poll(ctx context.Context, target Target) (string, bool, error) {
	details, err := target.Inspect(ctx)
	if err != nil {
		return "inspect failed: " + err.Error(), false, nil
	}

	port := s.port
	if port == "" {
		for _, p := range details.ExposedPorts() {
			if _, ok := details.HostPort(p); ok && p.Proto() == "tcp" {
				port = p
				break
			}
		}
		if port == "" {
			return "no published tcp port", false, nil
		}
	}
	hostPort, ok := details.HostPort(port)
	if !ok {
		return fmt.Sprintf("no host binding for %s", port), false, nil
	}

	host, err := target.Host(ctx)
	if err != nil {
		return "host lookup failed: " + err.Error(), false, nil
	}

	scheme := "http"
	if s.useTLS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, hostPort), s.path)

	header := make(http.Header, len(s.headers))
	for k, v := range s.headers {
		header.Set(k, v)
	}
	res, err := httpprober.New().Probe(ctx, httpprober.Request{URL: url, Method: s.method, Header: header})
	if err != nil {
		return err.Error(), false, nil
	}
	if !s.statusMatch(res.Status) {
		if res.Excerpt != "" {
			return fmt.Sprintf("%s answered %d: %s", url, res.Status, res.Excerpt), false, nil
		}
		return fmt.Sprintf("%s answered %d", url, res.Status), false, nil
	}
	return "", true, nil
}
