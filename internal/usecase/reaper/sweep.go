package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

const (
	defaultInUseRetry    = 10 * time.Second
	defaultRetryInterval = 250 * time.Millisecond
	sweepParallelism     = 8
)

// Report counts the resources a sweep removed.
type Report struct {
	Containers int
	Networks   int
	Volumes    int
	Images     int
}

// Total returns the number of removed resources.
func (r Report) Total() int {
	return r.Containers + r.Networks + r.Volumes + r.Images
}

// SweepOptions tunes retries of removals that race with the engine
// releasing a resource.
type SweepOptions struct {
	// InUseRetry bounds how long a network or volume still reported in use
	// is retried.
	InUseRetry    time.Duration
	RetryInterval time.Duration
	// Metrics counts removed resources. Nil discards the counts.
	Metrics out.Metrics
}

func (o SweepOptions) withDefaults() SweepOptions {
	if o.InUseRetry <= 0 {
		o.InUseRetry = defaultInUseRetry
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.Metrics == nil {
		o.Metrics = out.NopMetrics{}
	}
	return o
}

type kindOps struct {
	kind   domain.ResourceKind
	list   func(context.Context, domain.Filters) ([]string, error)
	remove func(context.Context, string) error
	// retryInUse retries removals rejected because a dependent still exists.
	retryInUse bool
}

// Sweep removes every resource matching any of filters: containers first,
// then networks, volumes and images. A failure on one resource does not stop
// the others; all failures are returned together.
func Sweep(ctx context.Context, engine out.Engine, filters []domain.Filters, opts SweepOptions) (Report, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "usecase",
		logging.FieldUseCase: "reaper",
		logging.FieldAction:  "Sweep",
	})
	log := logging.FromCtx(ctx)
	opts = opts.withDefaults()

	var report Report
	if len(filters) == 0 {
		return report, nil
	}

	phases := []kindOps{
		{kind: domain.KindContainer, list: engine.ListContainers, remove: engine.RemoveContainer},
		{kind: domain.KindNetwork, list: engine.ListNetworks, remove: engine.RemoveNetwork, retryInUse: true},
		{kind: domain.KindVolume, list: engine.ListVolumes, remove: engine.RemoveVolume, retryInUse: true},
		{kind: domain.KindImage, list: engine.ListImages, remove: engine.RemoveImage},
	}
	counts := []*int{&report.Containers, &report.Networks, &report.Volumes, &report.Images}

	var errs error
	for i, phase := range phases {
		removed, err := sweepKind(ctx, phase, filters, opts)
		*counts[i] = removed
		opts.Metrics.Swept(ctx, phase.kind, removed)
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}

	log.Info().
		Int("containers", report.Containers).
		Int("networks", report.Networks).
		Int("volumes", report.Volumes).
		Int("images", report.Images).
		Msg("sweep finished")
	return report, errs
}

func sweepKind(ctx context.Context, ops kindOps, filters []domain.Filters, opts SweepOptions) (int, error) {
	log := logging.FromCtx(ctx)

	ids := make(map[string]struct{})
	var errs error
	for _, f := range filters {
		found, err := ops.list(ctx, f)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list %ss: %w", ops.kind, err))
			continue
		}
		for _, id := range found {
			ids[id] = struct{}{}
		}
	}

	var (
		mu      sync.Mutex
		removed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for id := range ids {
		g.Go(func() error {
			err := removeOne(gctx, ops, id, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str(logging.FieldResourceKind, string(ops.kind)).Str(logging.FieldEntityID, id).Msg("failed to reap resource")
				errs = multierr.Append(errs, fmt.Errorf("remove %s %s: %w", ops.kind, id, err))
				return nil
			}
			removed++
			return nil
		})
	}
	_ = g.Wait()
	return removed, errs
}

func removeOne(ctx context.Context, ops kindOps, id string, opts SweepOptions) error {
	if !ops.retryInUse {
		return ops.remove(ctx, id)
	}
	backoff := retry.WithMaxDuration(opts.InUseRetry, retry.NewConstant(opts.RetryInterval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := ops.remove(ctx, id)
		if errors.Is(err, domain.ErrResourceInUse) {
			return retry.RetryableError(err)
		}
		return err
	})
}
