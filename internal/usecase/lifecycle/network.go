package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// Network is the handle of one network. Its name is fixed at construction so
// containers can attach to it before it exists.
type Network struct {
	ctrl       *Controller
	cfg        NetworkConfiguration
	transition transitionLock

	mu    sync.RWMutex
	id    string
	state domain.State
}

func newNetwork(ctrl *Controller, cfg NetworkConfiguration) *Network {
	return &Network{ctrl: ctrl, cfg: cfg, transition: newTransitionLock(), state: domain.StateUnrealized}
}

// Name returns the network name.
func (n *Network) Name() string { return deref(n.cfg.Name, "") }

// ID returns the engine id, empty before creation.
func (n *Network) ID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.id
}

// State returns the current lifecycle state.
func (n *Network) State() domain.State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Identity implements Dependency.
func (n *Network) Identity() string { return "network:" + n.Name() }

// Ready implements Dependency by creating the network.
func (n *Network) Ready(ctx context.Context) error { return n.Create(ctx) }

// Attachment returns the attachment joining a container to n under aliases.
func (n *Network) Attachment(aliases ...string) domain.NetworkAttachment {
	return domain.NetworkAttachment{Network: n.Name(), Aliases: aliases}
}

func (n *Network) logCtx(ctx context.Context, action string) context.Context {
	return logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:        "usecase",
		logging.FieldUseCase:      "lifecycle",
		logging.FieldAction:       action,
		logging.FieldResourceKind: domain.KindNetwork,
		logging.FieldSessionID:    n.ctrl.SessionID(),
		"network":                 n.Name(),
	})
}

// Create creates the network. Creating a created network succeeds.
func (n *Network) Create(ctx context.Context) error {
	unlock, err := n.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	switch n.State() {
	case domain.StateRemoved:
		return domain.ErrResourceRemoved
	case domain.StateReady:
		return nil
	}

	ctx = n.logCtx(ctx, "Create")
	id, err := n.ctrl.engine.CreateNetwork(ctx, &domain.NetworkSpec{
		Name:       n.Name(),
		Driver:     deref(n.cfg.Driver, ""),
		Internal:   deref(n.cfg.Internal, false),
		Attachable: deref(n.cfg.Attachable, false),
		Labels:     domain.MergeMap(n.cfg.Labels, n.ctrl.labels(ctx)),
		Options:    n.cfg.Options,
	})
	if err != nil {
		return &ResourceError{Kind: domain.KindNetwork, Summary: n.Name(), Op: "create",
			Err: canceled(ctx, fmt.Errorf("%w: %w", domain.ErrCreateFailed, err))}
	}

	n.mu.Lock()
	n.id = id
	n.state = domain.StateReady
	n.mu.Unlock()

	n.ctrl.opts.Metrics.ResourceCreated(ctx, domain.KindNetwork)
	log := logging.FromCtx(ctx)
	log.Info().Str(logging.FieldEntityID, id).Msg("network created")
	return nil
}

// Remove removes the network. It fails with ErrResourceInUse while
// containers are attached; removing twice succeeds.
func (n *Network) Remove(ctx context.Context) error {
	unlock, err := n.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	switch n.State() {
	case domain.StateRemoved:
		return nil
	case domain.StateUnrealized:
		n.mu.Lock()
		n.state = domain.StateRemoved
		n.mu.Unlock()
		return nil
	}

	ctx = n.logCtx(ctx, "Remove")
	if err := n.ctrl.engine.RemoveNetwork(ctx, n.ID()); err != nil {
		return &ResourceError{Kind: domain.KindNetwork, ID: n.ID(), Summary: n.Name(), Op: "remove", Err: err}
	}

	n.mu.Lock()
	n.state = domain.StateRemoved
	n.mu.Unlock()

	n.ctrl.opts.Metrics.ResourceRemoved(ctx, domain.KindNetwork)
	log := logging.FromCtx(ctx)
	log.Info().Msg("network removed")
	return nil
}
