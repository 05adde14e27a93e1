package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/bnema/testbay/internal/config"
	"github.com/bnema/testbay/internal/domain"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, data metricdata.Aggregation, key, value string) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	return m, reader
}

func TestMetrics_ManagedResources(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.ResourceCreated(ctx, domain.KindContainer)
	m.ResourceCreated(ctx, domain.KindContainer)
	m.ResourceCreated(ctx, domain.KindNetwork)
	m.ResourceRemoved(ctx, domain.KindContainer)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, data["testbay.resource.created"], "kind", "container"))
	assert.Equal(t, int64(1), sumFor(t, data["testbay.resource.removed"], "kind", "container"))
	assert.Equal(t, int64(1), sumFor(t, data["testbay.resource.managed"], "kind", "container"))
	assert.Equal(t, int64(1), sumFor(t, data["testbay.resource.managed"], "kind", "network"))
}

func TestMetrics_StartOutcomes(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.ContainerStarted(ctx, "redis:7", 1500*time.Millisecond)
	m.StartFailed(ctx, "redis:7", fmt.Errorf("start: %w", domain.ErrReadinessTimeout))

	data := collect(t, reader)
	hist, ok := data["testbay.container.start.duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 1.5, hist.DataPoints[0].Sum, 0.001)

	assert.Equal(t, int64(1), sumFor(t, data["testbay.container.start.failures"], "reason", "timeout"))
}

func TestMetrics_SweptSkipsZero(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.Swept(ctx, domain.KindVolume, 3)
	m.Swept(ctx, domain.KindImage, 0)

	data := collect(t, reader)
	assert.Equal(t, int64(3), sumFor(t, data["testbay.reaper.removed"], "kind", "volume"))
	assert.Equal(t, int64(0), sumFor(t, data["testbay.reaper.removed"], "kind", "image"))
}

func TestNewMetrics_GlobalProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.ResourceCreated(context.Background(), domain.KindContainer) })
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: domain.ErrReadinessTimeout, want: "timeout"},
		{err: fmt.Errorf("wrapped: %w", domain.ErrResourceExited), want: "exited"},
		{err: domain.ErrUnhealthy, want: "unhealthy"},
		{err: domain.ErrCanceled, want: "canceled"},
		{err: domain.ErrDependencyFailed, want: "dependency"},
		{err: domain.ErrCreateFailed, want: "create"},
		{err: domain.ErrStartFailed, want: "start"},
		{err: errors.New("boom"), want: "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureReason(tt.err), tt.err.Error())
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, shutdown, err := NewProvider(context.Background(), config.TelemetryConfig{Endpoint: "http://localhost:4318"}, "testbay", "test")
	require.NoError(t, err)
	assert.Nil(t, p.TracerProvider)
	assert.Nil(t, p.MeterProvider)
	assert.NoError(t, shutdown(context.Background()))
}

func TestParseEndpoint(t *testing.T) {
	c, err := parseEndpoint(config.TelemetryConfig{Endpoint: "http://collector:4318/otlp/", AuthToken: "dXNlcjpwYXNz"})
	require.NoError(t, err)
	assert.Equal(t, "collector:4318", c.host)
	assert.True(t, c.plain)
	assert.Equal(t, "/otlp/v1/traces", c.signalPath("traces"))
	assert.Equal(t, "Basic dXNlcjpwYXNz", c.headers()["Authorization"])

	c, err = parseEndpoint(config.TelemetryConfig{Endpoint: "https://otel.example.com"})
	require.NoError(t, err)
	assert.False(t, c.plain)
	assert.Equal(t, "/v1/metrics", c.signalPath("metrics"))
	assert.Nil(t, c.headers())

	_, err = parseEndpoint(config.TelemetryConfig{Endpoint: "collector"})
	assert.Error(t, err)
}

func TestShutdownChain_CollectsErrors(t *testing.T) {
	var order []int
	chain := shutdownChain{
		func(context.Context) error { order = append(order, 1); return errors.New("first") },
		func(context.Context) error { order = append(order, 2); return nil },
		func(context.Context) error { order = append(order, 3); return errors.New("third") },
	}

	err := chain.run(context.Background())

	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "third")
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Equal(t, "TraceIDRatioBased{0.5}", sampler(0.5).Description())
}
