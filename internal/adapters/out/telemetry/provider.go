// Package telemetry exports testbay traces and metrics over OTLP/HTTP.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"path"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/multierr"

	"github.com/bnema/testbay/internal/config"
)

// Provider exposes the SDK providers that were installed globally. Either
// field is nil when that signal is not exported.
type Provider struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
}

// collector is the parsed OTLP/HTTP target shared by both exporters.
type collector struct {
	host   string
	prefix string
	plain  bool
	authz  string
}

func (c collector) headers() map[string]string {
	if c.authz == "" {
		return nil
	}
	return map[string]string{"Authorization": c.authz}
}

func (c collector) signalPath(signal string) string {
	return path.Join("/", c.prefix, "v1", signal)
}

func (c collector) traceExporter(ctx context.Context) (trace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(c.host),
		otlptracehttp.WithURLPath(c.signalPath("traces")),
	}
	if h := c.headers(); h != nil {
		opts = append(opts, otlptracehttp.WithHeaders(h))
	}
	if c.plain {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func (c collector) metricExporter(ctx context.Context) (metric.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(c.host),
		otlpmetrichttp.WithURLPath(c.signalPath("metrics")),
	}
	if h := c.headers(); h != nil {
		opts = append(opts, otlpmetrichttp.WithHeaders(h))
	}
	if c.plain {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, opts...)
}

// shutdownChain flushes providers in registration order, collecting errors.
type shutdownChain []func(context.Context) error

func (s shutdownChain) run(ctx context.Context) error {
	var err error
	for _, fn := range s {
		err = multierr.Append(err, fn(ctx))
	}
	return err
}

// NewProvider installs global trace and meter providers exporting to the
// configured collector and returns a function that flushes them. With
// telemetry disabled nothing is installed and the flush is a no-op.
func NewProvider(ctx context.Context, cfg config.TelemetryConfig, serviceName, version string) (*Provider, func(context.Context) error, error) {
	var chain shutdownChain
	p := &Provider{}
	if !cfg.Enabled || cfg.Endpoint == "" {
		return p, chain.run, nil
	}

	target, err := parseEndpoint(cfg)
	if err != nil {
		return nil, chain.run, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, chain.run, fmt.Errorf("describe telemetry resource: %w", err)
	}

	if cfg.Traces {
		exp, err := target.traceExporter(ctx)
		if err != nil {
			return nil, chain.run, fmt.Errorf("trace exporter for %s: %w", target.host, err)
		}
		p.TracerProvider = trace.NewTracerProvider(
			trace.WithBatcher(exp),
			trace.WithResource(res),
			trace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		otel.SetTracerProvider(p.TracerProvider)
		chain = append(chain, p.TracerProvider.Shutdown)
	}

	if cfg.Metrics {
		exp, err := target.metricExporter(ctx)
		if err != nil {
			return nil, chain.run, multierr.Append(
				fmt.Errorf("metric exporter for %s: %w", target.host, err),
				chain.run(ctx),
			)
		}
		p.MeterProvider = metric.NewMeterProvider(
			metric.WithReader(metric.NewPeriodicReader(exp)),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(p.MeterProvider)
		chain = append(chain, p.MeterProvider.Shutdown)
	}

	return p, chain.run, nil
}

// parseEndpoint reads an http(s) collector URL. Plain http disables TLS and
// any path becomes a prefix for the per-signal paths.
func parseEndpoint(cfg config.TelemetryConfig) (collector, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return collector{}, fmt.Errorf("telemetry endpoint: %w", err)
	}
	if u.Host == "" {
		return collector{}, fmt.Errorf("telemetry endpoint %q has no host", cfg.Endpoint)
	}
	c := collector{
		host:   u.Host,
		prefix: path.Clean("/" + u.Path),
		plain:  u.Scheme == "http",
	}
	if c.prefix == "/" {
		c.prefix = ""
	}
	if cfg.AuthToken != "" {
		c.authz = "Basic " + cfg.AuthToken
	}
	return c, nil
}

// sampler maps a rate onto a sampler: 0 never, (0,1) ratio, >= 1 always.
func sampler(rate float64) trace.Sampler {
	switch {
	case rate <= 0:
		return trace.NeverSample()
	case rate < 1:
		return trace.TraceIDRatioBased(rate)
	}
	return trace.AlwaysSample()
}
