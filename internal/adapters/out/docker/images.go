package docker

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// PullImage pulls ref and blocks until the pull completes.
func (e *Engine) PullImage(ctx context.Context, ref string) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "PullImage",
		"image":              ref,
	})
	log := logging.FromCtx(ctx)

	log.Info().Msg("pulling image")

	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return log.WrapErr(classify(err), "failed to pull image")
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained; errors
	// reported inside the stream surface here.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return log.WrapErr(err, "failed to read pull response")
	}

	log.Info().Msg("image pulled successfully")
	return nil
}

// ImageExists reports whether ref is present locally.
func (e *Engine) ImageExists(ctx context.Context, ref string) (bool, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "ImageExists",
		"image":              ref,
	})
	log := logging.FromCtx(ctx)

	if _, err := e.client.ImageInspect(ctx, ref); err != nil {
		if ignoreNotFound(err) == nil {
			return false, nil
		}
		return false, log.WrapErr(err, "failed to inspect image")
	}
	return true, nil
}

// BuildImage builds an image from a local context directory. It returns the
// first tag, or the image id when untagged.
func (e *Engine) BuildImage(ctx context.Context, spec *domain.ImageBuildSpec) (string, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "BuildImage",
		"context_dir":        spec.ContextDir,
		"tags":               spec.Tags,
	})
	log := logging.FromCtx(ctx)

	buildCtx, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", log.WrapErr(err, "failed to archive build context")
	}
	defer buildCtx.Close()

	buildArgs := make(map[string]*string, len(spec.BuildArgs))
	for k, v := range spec.BuildArgs {
		buildArgs[k] = &v
	}

	resp, err := e.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        spec.Tags,
		Dockerfile:  spec.Dockerfile,
		BuildArgs:   buildArgs,
		Labels:      spec.Labels,
		NoCache:     spec.NoCache,
		PullParent:  spec.Pull,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", log.WrapErr(classify(err), "failed to build image")
	}
	defer resp.Body.Close()

	var imageID string
	aux := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var result struct {
			ID string `json:"ID"`
		}
		if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
			imageID = result.ID
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, aux); err != nil {
		return "", log.WrapErr(err, "image build failed")
	}

	if len(spec.Tags) > 0 {
		log.Info().Msg("image built")
		return spec.Tags[0], nil
	}
	if imageID == "" {
		return "", log.WrapErr(errors.New("build produced no image id"), "image build failed")
	}
	log.Info().Str(logging.FieldEntityID, shortID(imageID)).Msg("image built")
	return imageID, nil
}

// RemoveImage force-removes an image and its untagged parents.
func (e *Engine) RemoveImage(ctx context.Context, ref string) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "RemoveImage",
		"image":              ref,
	})
	log := logging.FromCtx(ctx)

	_, err := e.client.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	if err = ignoreNotFound(err); err != nil {
		return log.WrapErr(classify(err), "failed to remove image")
	}

	log.Info().Msg("image removed")
	return nil
}

// ListImages returns the ids of images matching filters.
func (e *Engine) ListImages(ctx context.Context, f domain.Filters) ([]string, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "ListImages",
	})
	log := logging.FromCtx(ctx)

	images, err := e.client.ImageList(ctx, image.ListOptions{All: true, Filters: labelArgs(f)})
	if err != nil {
		return nil, log.WrapErr(err, "failed to list images")
	}

	ids := make([]string, 0, len(images))
	for _, img := range images {
		ids = append(ids, img.ID)
	}
	return ids, nil
}
