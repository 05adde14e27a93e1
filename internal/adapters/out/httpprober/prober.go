// Package httpprober issues single HTTP requests for readiness checks.
package httpprober

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds one probe, connect included.
	DefaultTimeout = 5 * time.Second

	userAgent  = "testbay-wait/1.0"
	excerptMax = 256
	drainMax   = 64 << 10
)

// Request describes one probe. An empty Method means GET.
type Request struct {
	URL    string
	Method string
	Header http.Header
}

// Result is what came back from a probe that reached the server.
type Result struct {
	Status  int
	Elapsed time.Duration
	// Excerpt holds the leading bytes of the body, whitespace trimmed.
	Excerpt string
}

// Prober sends readiness probes. It is safe for concurrent use.
type Prober struct {
	client *http.Client
}

// Option configures the Prober.
type Option func(*http.Client)

// WithTimeout caps each probe.
func WithTimeout(timeout time.Duration) Option {
	return func(c *http.Client) { c.Timeout = timeout }
}

// WithTransport swaps the round tripper, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *http.Client) { c.Transport = rt }
}

// New returns a prober that skips certificate checks and never follows
// redirects, so a 3xx is reported as is.
func New(opts ...Option) *Prober {
	client := &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			// #nosec G402 fixtures routinely serve self-signed certificates.
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return &Prober{client: client}
}

// Probe sends req once. Any response, whatever its status, is a Result; only
// transport failures are errors.
func (p *Prober) Probe(ctx context.Context, req Request) (Result, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to build probe for %s: %w", req.URL, err)
	}
	for key, values := range req.Header {
		httpReq.Header[key] = append([]string(nil), values...)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", userAgent)
	}

	began := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{Elapsed: time.Since(began)}, fmt.Errorf("probe %s %s: %w", method, req.URL, err)
	}
	defer resp.Body.Close()

	head := make([]byte, excerptMax)
	n, _ := io.ReadFull(resp.Body, head)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainMax))

	return Result{
		Status:  resp.StatusCode,
		Elapsed: time.Since(began),
		Excerpt: string(bytes.TrimSpace(head[:n])),
	}, nil
}
