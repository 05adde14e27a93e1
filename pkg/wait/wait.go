// Package wait decides when a started resource is ready for use.
//
// A Strategy is one of a closed set of readiness predicates (listening port,
// log pattern, HTTP probe, command exit code, health status, or all of
// several). Evaluate drives any of them with one polling loop bounded by a
// deadline and the caller's context.
package wait

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

const (
	// DefaultTimeout bounds a strategy that does not set its own timeout.
	DefaultTimeout = 60 * time.Second
	// DefaultPollInterval separates two predicate invocations.
	DefaultPollInterval = 50 * time.Millisecond
)

// Sentinel errors, shared with the lifecycle controller.
var (
	ErrReadinessTimeout = domain.ErrReadinessTimeout
	ErrCanceled         = domain.ErrCanceled
	ErrResourceExited   = domain.ErrResourceExited
	ErrUnhealthy        = domain.ErrUnhealthy
)

// Target is the view of a starting resource that predicates observe.
type Target interface {
	// Host is the address under which mapped ports are reachable.
	Host(ctx context.Context) (string, error)
	// Inspect returns a fresh engine snapshot.
	Inspect(ctx context.Context) (*domain.ContainerDetails, error)
	// Logs returns the combined output since the resource started.
	Logs(ctx context.Context) (io.ReadCloser, error)
	// Exec runs cmd inside the resource.
	Exec(ctx context.Context, cmd []string) (*domain.ExecResult, error)
}

// Strategy is a readiness predicate. The set of implementations is closed.
type Strategy interface {
	fmt.Stringer

	// startupTimeout is the strategy's own bound; zero defers to the default.
	startupTimeout() time.Duration
	// poll evaluates the predicate once. A nil error with ready=false means
	// "not yet"; a non-nil error aborts the wait.
	poll(ctx context.Context, target Target) (state string, ready bool, err error)
}

// errNotYet marks a retryable poll outcome.
var errNotYet = errors.New("not ready")

// TimeoutError reports a strategy that did not succeed before its deadline.
type TimeoutError struct {
	Strategy  string
	Timeout   time.Duration
	LastState string
}

func (e *TimeoutError) Error() string {
	if e.LastState == "" {
		return fmt.Sprintf("%s not ready after %s", e.Strategy, e.Timeout)
	}
	return fmt.Sprintf("%s not ready after %s (last state: %s)", e.Strategy, e.Timeout, e.LastState)
}

func (e *TimeoutError) Unwrap() error { return domain.ErrReadinessTimeout }

// Option tunes Evaluate.
type Option func(*options)

type options struct {
	timeout  time.Duration
	interval time.Duration
}

// WithDefaultTimeout sets the timeout for strategies that have none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPollInterval sets the delay between two predicate invocations.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// Evaluate blocks until s succeeds against target, fails fast, times out or
// ctx is canceled. Timeouts wrap ErrReadinessTimeout, cancellation wraps
// ErrCanceled.
func Evaluate(ctx context.Context, s Strategy, target Target, opts ...Option) error {
	o := options{timeout: DefaultTimeout, interval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := o.timeout
	if t := s.startupTimeout(); t > 0 {
		timeout = t
	}

	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:  "wait",
		logging.FieldAction: "Evaluate",
		"strategy":          s.String(),
		"timeout":           timeout.String(),
	})
	log := logging.FromCtx(ctx)

	start := time.Now()
	err := evaluateUntil(ctx, s, target, start.Add(timeout), timeout, o.interval)
	if err != nil {
		log.Debug().Err(err).Dur("elapsed", time.Since(start)).Msg("wait failed")
		return err
	}
	log.Debug().Dur("elapsed", time.Since(start)).Msg("wait succeeded")
	return nil
}

// evaluateUntil runs the polling loop for a single strategy, or fans out for
// a composite, against an absolute deadline.
func evaluateUntil(ctx context.Context, s Strategy, target Target, deadline time.Time, timeout, interval time.Duration) error {
	if all, ok := s.(All); ok {
		return all.evaluate(ctx, target, deadline, interval)
	}

	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastState string
	backoff := retry.WithMaxDuration(time.Until(deadline), retry.NewConstant(interval))
	err := retry.Do(pollCtx, backoff, func(ctx context.Context) error {
		state, ready, err := s.poll(ctx, target)
		if state != "" {
			lastState = state
		}
		switch {
		case err != nil:
			return err
		case !ready:
			return retry.RetryableError(errNotYet)
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w: waiting for %s: %w", domain.ErrCanceled, s, ctx.Err())
	case errors.Is(err, errNotYet), pollCtx.Err() != nil:
		return &TimeoutError{Strategy: s.String(), Timeout: timeout, LastState: lastState}
	}
	return fmt.Errorf("%s: %w", s, err)
}

// base carries the options every single-predicate strategy shares.
type base struct {
	timeout time.Duration
}

func (b base) startupTimeout() time.Duration { return b.timeout }
