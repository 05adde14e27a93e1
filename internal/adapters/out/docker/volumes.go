package docker

import (
	"context"

	"github.com/docker/docker/api/types/volume"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// CreateVolume creates a named volume and returns its name.
func (e *Engine) CreateVolume(ctx context.Context, spec *domain.VolumeSpec) (string, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "CreateVolume",
		"volume":             spec.Name,
	})
	log := logging.FromCtx(ctx)

	vol, err := e.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   spec.Name,
		Driver: spec.Driver,
		Labels: spec.Labels,
	})
	if err != nil {
		return "", log.WrapErr(classify(err), "failed to create volume")
	}

	log.Info().Str("volume", vol.Name).Msg("volume created")
	return vol.Name, nil
}

// RemoveVolume force-removes a volume.
func (e *Engine) RemoveVolume(ctx context.Context, name string) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "docker",
		logging.FieldAction:   "RemoveVolume",
		logging.FieldEntityID: name,
	})
	log := logging.FromCtx(ctx)

	err := e.client.VolumeRemove(ctx, name, true)
	if err != nil {
		if ignoreNotFound(err) == nil {
			log.Debug().Msg("volume not found, already removed")
			return nil
		}
		return log.WrapErr(classify(err), "failed to remove volume")
	}

	log.Info().Msg("volume removed")
	return nil
}

// ListVolumes returns the names of volumes matching filters.
func (e *Engine) ListVolumes(ctx context.Context, f domain.Filters) ([]string, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "ListVolumes",
	})
	log := logging.FromCtx(ctx)

	resp, err := e.client.VolumeList(ctx, volume.ListOptions{Filters: labelArgs(f)})
	if err != nil {
		return nil, log.WrapErr(err, "failed to list volumes")
	}

	names := make([]string, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v != nil {
			names = append(names, v.Name)
		}
	}
	return names, nil
}
