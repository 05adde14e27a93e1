package out

import (
	"context"
	"time"

	"github.com/bnema/testbay/internal/domain"
)

// Metrics records resource lifecycle measurements.
type Metrics interface {
	// ResourceCreated counts an engine resource created by this process.
	ResourceCreated(ctx context.Context, kind domain.ResourceKind)
	// ResourceRemoved counts a resource this process removed again.
	ResourceRemoved(ctx context.Context, kind domain.ResourceKind)
	// ContainerStarted records how long a container took to become ready.
	ContainerStarted(ctx context.Context, image string, took time.Duration)
	// StartFailed counts a start that ended in cleanup.
	StartFailed(ctx context.Context, image string, cause error)
	// Swept counts resources removed by a reaper sweep.
	Swept(ctx context.Context, kind domain.ResourceKind, removed int)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) ResourceCreated(context.Context, domain.ResourceKind) {}
func (NopMetrics) ResourceRemoved(context.Context, domain.ResourceKind) {}
func (NopMetrics) ContainerStarted(context.Context, string, time.Duration) {}
func (NopMetrics) StartFailed(context.Context, string, error) {}
func (NopMetrics) Swept(context.Context, domain.ResourceKind, int) {}
