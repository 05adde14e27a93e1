package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// Volume is the handle of one named volume.
type Volume struct {
	ctrl       *Controller
	cfg        VolumeConfiguration
	transition transitionLock

	mu    sync.RWMutex
	state domain.State
}

func newVolume(ctrl *Controller, cfg VolumeConfiguration) *Volume {
	return &Volume{ctrl: ctrl, cfg: cfg, transition: newTransitionLock(), state: domain.StateUnrealized}
}

// Name returns the volume name, which is also its engine id.
func (v *Volume) Name() string { return deref(v.cfg.Name, "") }

// State returns the current lifecycle state.
func (v *Volume) State() domain.State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Identity implements Dependency.
func (v *Volume) Identity() string { return "volume:" + v.Name() }

// Ready implements Dependency by creating the volume.
func (v *Volume) Ready(ctx context.Context) error { return v.Create(ctx) }

// Mount returns a mount of v at target.
func (v *Volume) Mount(target string, readOnly bool) domain.Mount {
	return domain.Mount{Type: domain.MountVolume, Source: v.Name(), Target: target, ReadOnly: readOnly}
}

func (v *Volume) setState(s domain.State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

func (v *Volume) logCtx(ctx context.Context, action string) context.Context {
	return logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:        "usecase",
		logging.FieldUseCase:      "lifecycle",
		logging.FieldAction:       action,
		logging.FieldResourceKind: domain.KindVolume,
		logging.FieldSessionID:    v.ctrl.SessionID(),
		"volume":                  v.Name(),
	})
}

// Create creates the volume. Creating a created volume succeeds.
func (v *Volume) Create(ctx context.Context) error {
	unlock, err := v.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	switch v.State() {
	case domain.StateRemoved:
		return domain.ErrResourceRemoved
	case domain.StateReady:
		return nil
	}

	ctx = v.logCtx(ctx, "Create")
	if _, err := v.ctrl.engine.CreateVolume(ctx, &domain.VolumeSpec{
		Name:   v.Name(),
		Driver: deref(v.cfg.Driver, ""),
		Labels: domain.MergeMap(v.cfg.Labels, v.ctrl.labels(ctx)),
	}); err != nil {
		return &ResourceError{Kind: domain.KindVolume, Summary: v.Name(), Op: "create",
			Err: canceled(ctx, fmt.Errorf("%w: %w", domain.ErrCreateFailed, err))}
	}
	v.setState(domain.StateReady)

	v.ctrl.opts.Metrics.ResourceCreated(ctx, domain.KindVolume)
	log := logging.FromCtx(ctx)
	log.Info().Msg("volume created")
	return nil
}

// Remove removes the volume. It fails with ErrResourceInUse while a
// container uses it; removing twice succeeds.
func (v *Volume) Remove(ctx context.Context) error {
	unlock, err := v.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	switch v.State() {
	case domain.StateRemoved:
		return nil
	case domain.StateUnrealized:
		v.setState(domain.StateRemoved)
		return nil
	}

	ctx = v.logCtx(ctx, "Remove")
	if err := v.ctrl.engine.RemoveVolume(ctx, v.Name()); err != nil {
		return &ResourceError{Kind: domain.KindVolume, ID: v.Name(), Summary: v.Name(), Op: "remove", Err: err}
	}
	v.setState(domain.StateRemoved)

	v.ctrl.opts.Metrics.ResourceRemoved(ctx, domain.KindVolume)
	log := logging.FromCtx(ctx)
	log.Info().Msg("volume removed")
	return nil
}
