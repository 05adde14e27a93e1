package reaper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// AgentOptions configures an Agent.
type AgentOptions struct {
	// GracePeriod is how long the agent waits for a reconnection after the
	// last connection closed before it sweeps.
	GracePeriod time.Duration
	// ConnectTimeout bounds the wait for the first connection.
	ConnectTimeout time.Duration
	Sweep          SweepOptions
}

// Agent is the sidecar side of the protocol. It collects filters from its
// clients and, once every client has been gone for the grace period, removes
// the matching resources and returns.
type Agent struct {
	engine out.Engine
	ledger out.LedgerStore
	opts   AgentOptions

	mu      sync.Mutex
	filters map[string]domain.Filters
	conns   map[net.Conn]struct{}
	closed  bool
}

// NewAgent creates an Agent. ledger may be nil to keep filters in memory only.
func NewAgent(engine out.Engine, ledger out.LedgerStore, opts AgentOptions) *Agent {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	return &Agent{
		engine:  engine,
		ledger:  ledger,
		opts:    opts,
		filters: make(map[string]domain.Filters),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Filters returns the registered filters in protocol form, sorted.
func (a *Agent) Filters() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.filters))
	for k := range a.filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type connEvent int

const (
	connOpened connEvent = iota
	connClosed
)

// Serve accepts clients on ln until the sweep ran. Filters persisted in the
// ledger by an earlier run are enforced as well. Canceling ctx stops the
// agent without sweeping; registered filters stay in the ledger.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) (Report, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "usecase",
		logging.FieldUseCase: "reaper",
		logging.FieldAction:  "Serve",
		"listen":             ln.Addr().String(),
	})
	log := logging.FromCtx(ctx)

	if err := a.restore(ctx); err != nil {
		_ = ln.Close()
		return Report{}, err
	}

	a.mu.Lock()
	a.closed = false
	a.mu.Unlock()

	events := make(chan connEvent)
	acceptErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	defer a.closeAll()
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			if !a.track(conn) {
				return
			}
			select {
			case events <- connOpened:
			case <-done:
				a.untrack(conn)
				return
			}
			go func() {
				a.handle(ctx, conn)
				select {
				case events <- connClosed:
				case <-done:
				}
			}()
		}
	}()

	log.Info().Dur("connect_timeout", a.opts.ConnectTimeout).Dur("grace_period", a.opts.GracePeriod).Msg("reaper listening")

	timer := time.NewTimer(a.opts.ConnectTimeout)
	defer timer.Stop()
	active := 0

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reaper stopped before sweeping")
			return Report{}, ctx.Err()

		case err := <-acceptErr:
			return Report{}, log.WrapErr(err, "failed to accept connection")

		case ev := <-events:
			switch ev {
			case connOpened:
				active++
				if active == 1 {
					timer.Stop()
				}
			case connClosed:
				active--
				if active == 0 {
					log.Debug().Msg("last client disconnected, grace period started")
					timer.Reset(a.opts.GracePeriod)
				}
			}

		case <-timer.C:
			if len(a.Filters()) == 0 {
				log.Info().Msg("no filters registered, nothing to reap")
			}
			return a.sweep(ctx)
		}
	}
}

// restore loads filters persisted by a previous run.
func (a *Agent) restore(ctx context.Context) error {
	if a.ledger == nil {
		return nil
	}
	saved, err := a.ledger.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load reaper ledger: %w", err)
	}
	a.mu.Lock()
	for key, f := range saved {
		a.filters[key] = f
	}
	a.mu.Unlock()
	if len(saved) > 0 {
		log := logging.FromCtx(ctx)
		log.Info().Int("filters", len(saved)).Msg("restored filters from ledger")
	}
	return nil
}

func (a *Agent) sweep(ctx context.Context) (Report, error) {
	a.mu.Lock()
	keys := make([]string, 0, len(a.filters))
	filters := make([]domain.Filters, 0, len(a.filters))
	for key, f := range a.filters {
		keys = append(keys, key)
		filters = append(filters, f)
	}
	a.mu.Unlock()

	report, err := Sweep(ctx, a.engine, filters, a.opts.Sweep)
	if err != nil || a.ledger == nil {
		return report, err
	}
	for _, key := range keys {
		if delErr := a.ledger.Delete(ctx, key); delErr != nil {
			log := logging.FromCtx(ctx)
			log.Warn().Err(delErr).Str("filter", key).Msg("failed to clear ledger entry")
		}
	}
	return report, nil
}

// handle answers every filter line of one client until it disconnects.
func (a *Agent) handle(ctx context.Context, conn net.Conn) {
	log := logging.FromCtx(ctx).With().Str("remote", conn.RemoteAddr().String()).Logger()
	defer a.untrack(conn)

	log.Debug().Msg("client connected")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		f, err := ParseFilter(line)
		if err != nil {
			log.Warn().Err(err).Msg("rejected filter")
			if _, err := fmt.Fprintf(conn, "ERR %v\n", err); err != nil {
				return
			}
			continue
		}

		key := FormatFilter(f)
		a.mu.Lock()
		a.filters[key] = f
		a.mu.Unlock()
		if a.ledger != nil {
			if err := a.ledger.Save(ctx, key, f); err != nil {
				log.Warn().Err(err).Str("filter", key).Msg("failed to persist filter")
			}
		}

		if _, err := fmt.Fprintf(conn, "%s\n", Ack); err != nil {
			return
		}
		log.Info().Str("filter", key).Msg("filter registered")
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Msg("client read ended")
	}
	log.Debug().Msg("client disconnected")
}

// track registers conn so closeAll reaches it. Once closeAll ran, conn is
// closed instead and track reports false.
func (a *Agent) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		_ = conn.Close()
		return false
	}
	a.conns[conn] = struct{}{}
	return true
}

func (a *Agent) untrack(conn net.Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
	_ = conn.Close()
}

func (a *Agent) closeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for conn := range a.conns {
		_ = conn.Close()
	}
}
