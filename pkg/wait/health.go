package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/testbay/internal/domain"
)

// Health statuses reported by the engine.
const (
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// HealthStrategy waits for the engine-reported health status.
type HealthStrategy struct {
	base
	status string
}

// ForHealthCheck waits until the resource reports healthy.
func ForHealthCheck() HealthStrategy {
	return HealthStrategy{status: HealthHealthy}
}

// WithStatus waits for status instead of healthy.
func (s HealthStrategy) WithStatus(status string) HealthStrategy {
	s.status = status
	return s
}

// WithStartupTimeout returns a copy bounded by d.
func (s HealthStrategy) WithStartupTimeout(d time.Duration) HealthStrategy {
	s.timeout = d
	return s
}

func (s HealthStrategy) String() string { return "health " + s.status }

func (s HealthStrategy) poll(ctx context.Context, target Target) (string, bool, error) {
	details, err := target.Inspect(ctx)
	if err != nil {
		return "inspect failed: " + err.Error(), false, nil
	}

	switch details.Health {
	case s.status:
		return "", true, nil
	case "":
		return "no health status reported", false, nil
	case HealthUnhealthy:
		return HealthUnhealthy, false, fmt.Errorf("%w: engine reports %s", domain.ErrUnhealthy, HealthUnhealthy)
	}
	return details.Health, false, nil
}
