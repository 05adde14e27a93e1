package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bnema/testbay/internal/domain"
)

// InstrumentationName scopes the meters and tracers of this module.
const InstrumentationName = "github.com/bnema/testbay"

// Metrics implements out.Metrics on OpenTelemetry instruments.
type Metrics struct {
	ResourcesCreated metric.Int64Counter
	ResourcesRemoved metric.Int64Counter
	ManagedResources metric.Int64UpDownCounter

	StartDuration metric.Float64Histogram
	StartFailures metric.Int64Counter

	ReaperRemoved metric.Int64Counter
}

// NewMetrics creates the instruments on mp, or on the global meter provider
// when mp is nil. Without a configured provider the instruments are no-ops.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)
	m := &Metrics{}
	var err error

	if m.ResourcesCreated, err = meter.Int64Counter("testbay.resource.created",
		metric.WithDescription("Resources created")); err != nil {
		return nil, err
	}
	if m.ResourcesRemoved, err = meter.Int64Counter("testbay.resource.removed",
		metric.WithDescription("Resources removed by their owner")); err != nil {
		return nil, err
	}
	if m.ManagedResources, err = meter.Int64UpDownCounter("testbay.resource.managed",
		metric.WithDescription("Resources currently held by this process")); err != nil {
		return nil, err
	}
	if m.StartDuration, err = meter.Float64Histogram("testbay.container.start.duration_seconds",
		metric.WithDescription("Time from start request to readiness"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120)); err != nil {
		return nil, err
	}
	if m.StartFailures, err = meter.Int64Counter("testbay.container.start.failures",
		metric.WithDescription("Container starts that failed")); err != nil {
		return nil, err
	}
	if m.ReaperRemoved, err = meter.Int64Counter("testbay.reaper.removed",
		metric.WithDescription("Resources removed by reaper sweeps")); err != nil {
		return nil, err
	}

	return m, nil
}

func kindAttr(kind domain.ResourceKind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", string(kind)))
}

func (m *Metrics) ResourceCreated(ctx context.Context, kind domain.ResourceKind) {
	m.ResourcesCreated.Add(ctx, 1, kindAttr(kind))
	m.ManagedResources.Add(ctx, 1, kindAttr(kind))
}

func (m *Metrics) ResourceRemoved(ctx context.Context, kind domain.ResourceKind) {
	m.ResourcesRemoved.Add(ctx, 1, kindAttr(kind))
	m.ManagedResources.Add(ctx, -1, kindAttr(kind))
}

func (m *Metrics) ContainerStarted(ctx context.Context, image string, took time.Duration) {
	m.StartDuration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.String("image", image)))
}

func (m *Metrics) StartFailed(ctx context.Context, image string, cause error) {
	m.StartFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("image", image),
		attribute.String("reason", FailureReason(cause)),
	))
}

func (m *Metrics) Swept(ctx context.Context, kind domain.ResourceKind, removed int) {
	if removed > 0 {
		m.ReaperRemoved.Add(ctx, int64(removed), kindAttr(kind))
	}
}

// FailureReason maps a start error onto a low-cardinality label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrReadinessTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrResourceExited):
		return "exited"
	case errors.Is(err, domain.ErrUnhealthy):
		return "unhealthy"
	case errors.Is(err, domain.ErrCanceled):
		return "canceled"
	case errors.Is(err, domain.ErrDependencyFailed):
		return "dependency"
	case errors.Is(err, domain.ErrCreateFailed):
		return "create"
	case errors.Is(err, domain.ErrStartFailed):
		return "start"
	}
	return "other"
}
