package docker

import (
	"context"

	"github.com/docker/docker/api/types/network"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// CreateNetwork creates a network and returns its id.
func (e *Engine) CreateNetwork(ctx context.Context, spec *domain.NetworkSpec) (string, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "CreateNetwork",
		"network":            spec.Name,
	})
	log := logging.FromCtx(ctx)

	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}

	resp, err := e.client.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver:     driver,
		Internal:   spec.Internal,
		Attachable: spec.Attachable,
		Labels:     spec.Labels,
		Options:    spec.Options,
	})
	if err != nil {
		return "", log.WrapErr(classify(err), "failed to create network")
	}
	if resp.Warning != "" {
		log.Warn().Str("warning", resp.Warning).Msg("engine warning on network create")
	}

	log.Info().Str("driver", driver).Str(logging.FieldEntityID, shortID(resp.ID)).Msg("network created")
	return resp.ID, nil
}

// RemoveNetwork removes a network by id or name.
func (e *Engine) RemoveNetwork(ctx context.Context, networkID string) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "docker",
		logging.FieldAction:   "RemoveNetwork",
		logging.FieldEntityID: shortID(networkID),
	})
	log := logging.FromCtx(ctx)

	err := e.client.NetworkRemove(ctx, networkID)
	if err != nil {
		if ignoreNotFound(err) == nil {
			log.Debug().Msg("network not found, already removed")
			return nil
		}
		return log.WrapErr(classify(err), "failed to remove network")
	}

	log.Info().Msg("network removed")
	return nil
}

// ListNetworks returns the ids of networks matching filters.
func (e *Engine) ListNetworks(ctx context.Context, f domain.Filters) ([]string, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "ListNetworks",
	})
	log := logging.FromCtx(ctx)

	networks, err := e.client.NetworkList(ctx, network.ListOptions{Filters: labelArgs(f)})
	if err != nil {
		return nil, log.WrapErr(err, "failed to list networks")
	}

	ids := make([]string, 0, len(networks))
	for _, n := range networks {
		ids = append(ids, n.ID)
	}
	return ids, nil
}
