package wait

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// All succeeds once every member strategy has succeeded. Members run
// concurrently against one shared deadline; the first failure cancels the
// rest.
type All struct {
	base
	strategies []Strategy
}

// ForAll combines strategies.
func ForAll(strategies ...Strategy) All {
	return All{strategies: append([]Strategy(nil), strategies...)}
}

// WithStartupTimeout sets the shared deadline.
func (s All) WithStartupTimeout(d time.Duration) All {
	s.timeout = d
	return s
}

// Strategies returns the members.
func (s All) Strategies() []Strategy {
	return append([]Strategy(nil), s.strategies...)
}

func (s All) String() string {
	names := make([]string, len(s.strategies))
	for i, member := range s.strategies {
		names[i] = member.String()
	}
	return "all(" + strings.Join(names, ", ") + ")"
}

func (s All) poll(context.Context, Target) (string, bool, error) {
	return "", false, fmt.Errorf("composite strategy cannot be polled directly")
}

func (s All) evaluate(ctx context.Context, target Target, deadline time.Time, interval time.Duration) error {
	timeout := time.Until(deadline)
	g, gctx := errgroup.WithContext(ctx)
	for _, member := range s.strategies {
		g.Go(func() error {
			return evaluateUntil(gctx, member, target, deadline, timeout, interval)
		})
	}
	return g.Wait()
}
