package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// Image is the handle of an image built from a local context. Its reference
// is fixed at construction so containers can name it before it is built.
type Image struct {
	ctrl       *Controller
	cfg        ImageConfiguration
	transition transitionLock

	mu    sync.RWMutex
	id    string
	state domain.State
}

func newImage(ctrl *Controller, cfg ImageConfiguration) *Image {
	return &Image{ctrl: ctrl, cfg: cfg, transition: newTransitionLock(), state: domain.StateUnrealized}
}

// Ref returns the tag the image is built under.
func (i *Image) Ref() string { return deref(i.cfg.Tag, "") }

// ID returns the engine image id, empty before the build.
func (i *Image) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.id
}

// State returns the current lifecycle state.
func (i *Image) State() domain.State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Identity implements Dependency.
func (i *Image) Identity() string { return "image:" + i.Ref() }

// Ready implements Dependency by building the image.
func (i *Image) Ready(ctx context.Context) error { return i.Build(ctx) }

func (i *Image) logCtx(ctx context.Context, action string) context.Context {
	return logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:        "usecase",
		logging.FieldUseCase:      "lifecycle",
		logging.FieldAction:       action,
		logging.FieldResourceKind: domain.KindImage,
		logging.FieldSessionID:    i.ctrl.SessionID(),
		"image":                   i.Ref(),
	})
}

// Build builds the image. Building a built image succeeds.
func (i *Image) Build(ctx context.Context) error {
	unlock, err := i.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	switch i.State() {
	case domain.StateRemoved:
		return domain.ErrResourceRemoved
	case domain.StateReady:
		return nil
	}

	ctx = i.logCtx(ctx, "Build")
	id, err := i.ctrl.engine.BuildImage(ctx, &domain.ImageBuildSpec{
		ContextDir: deref(i.cfg.ContextDir, ""),
		Dockerfile: deref(i.cfg.Dockerfile, ""),
		Tags:       []string{i.Ref()},
		BuildArgs:  i.cfg.BuildArgs,
		Labels:     domain.MergeMap(i.cfg.Labels, i.ctrl.labels(ctx)),
		NoCache:    deref(i.cfg.NoCache, false),
		Pull:       deref(i.cfg.Pull, false),
	})
	if err != nil {
		return &ResourceError{Kind: domain.KindImage, Summary: i.Ref(), Op: "build",
			Err: canceled(ctx, fmt.Errorf("%w: %w", domain.ErrCreateFailed, err))}
	}

	i.mu.Lock()
	i.id = id
	i.state = domain.StateReady
	i.mu.Unlock()

	i.ctrl.opts.Metrics.ResourceCreated(ctx, domain.KindImage)
	log := logging.FromCtx(ctx)
	log.Info().Msg("image built")
	return nil
}

// Remove removes the built image. Removing twice succeeds.
func (i *Image) Remove(ctx context.Context) error {
	unlock, err := i.transition.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	switch i.State() {
	case domain.StateRemoved:
		return nil
	case domain.StateUnrealized:
		i.mu.Lock()
		i.state = domain.StateRemoved
		i.mu.Unlock()
		return nil
	}

	ctx = i.logCtx(ctx, "Remove")
	if err := i.ctrl.engine.RemoveImage(ctx, i.Ref()); err != nil {
		return &ResourceError{Kind: domain.KindImage, ID: i.ID(), Summary: i.Ref(), Op: "remove", Err: err}
	}

	i.mu.Lock()
	i.state = domain.StateRemoved
	i.mu.Unlock()

	i.ctrl.opts.Metrics.ResourceRemoved(ctx, domain.KindImage)
	log := logging.FromCtx(ctx)
	log.Info().Msg("image removed")
	return nil
}
