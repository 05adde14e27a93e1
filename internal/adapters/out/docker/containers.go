package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/logging"
)

// CreateContainer creates a container from a merged spec.
func (e *Engine) CreateContainer(ctx context.Context, spec *domain.ContainerSpec) (string, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "CreateContainer",
		"container_name":     spec.Name,
		"image":              spec.Image,
	})
	log := logging.FromCtx(ctx)

	containerConfig := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		User:         spec.User,
		Env:          spec.Env,
		Entrypoint:   spec.Entrypoint,
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		ExposedPorts: spec.ExposedPorts,
	}
	if hc := spec.Healthcheck; hc != nil {
		containerConfig.Healthcheck = &container.HealthConfig{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			StartPeriod: hc.StartPeriod,
			Retries:     hc.Retries,
		}
	}

	hostConfig := &container.HostConfig{
		PortBindings: spec.PortBindings,
		Privileged:   spec.Privileged,
		AutoRemove:   spec.AutoRemove,
	}
	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, toMount(m))
	}

	// The first network becomes the primary network mode; the rest are
	// declared as endpoints so they are joined atomically at create time.
	var networkConfig *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(spec.Networks[0].Network)
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: make(map[string]*network.EndpointSettings, len(spec.Networks)),
		}
		for _, attachment := range spec.Networks {
			networkConfig.EndpointsConfig[attachment.Network] = &network.EndpointSettings{
				Aliases: attachment.Aliases,
			}
		}
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		return "", log.WrapErr(classify(err), "failed to create container")
	}
	for _, warning := range resp.Warnings {
		log.Warn().Str("warning", warning).Msg("engine warning on create")
	}

	log.Info().Str(logging.FieldEntityID, shortID(resp.ID)).Msg("container created")
	return resp.ID, nil
}

func toMount(m domain.Mount) mount.Mount {
	out := mount.Mount{
		Source:   m.Source,
		Target:   m.Target,
		ReadOnly: m.ReadOnly,
	}
	switch m.Type {
	case domain.MountBind:
		out.Type = mount.TypeBind
	case domain.MountTmpfs:
		out.Type = mount.TypeTmpfs
		out.Source = ""
	default:
		out.Type = mount.TypeVolume
	}
	return out
}

// StartContainer starts a created container.
func (e *Engine) StartContainer(ctx context.Context, containerID string) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "docker",
		logging.FieldAction:   "StartContainer",
		logging.FieldEntityID: shortID(containerID),
	})
	log := logging.FromCtx(ctx)

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return log.WrapErr(classify(err), "failed to start container")
	}

	log.Info().Msg("container started")
	return nil
}

// StopContainer stops a container. Stopping a stopped or already removed
// container succeeds.
func (e *Engine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "docker",
		logging.FieldAction:   "StopContainer",
		logging.FieldEntityID: shortID(containerID),
	})
	log := logging.FromCtx(ctx)

	seconds := int(timeout.Round(time.Second) / time.Second)
	err := e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err = ignoreNotFound(err); err != nil {
		return log.WrapErr(classify(err), "failed to stop container")
	}

	log.Info().Msg("container stopped")
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (e *Engine) RemoveContainer(ctx context.Context, containerID string) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "docker",
		logging.FieldAction:   "RemoveContainer",
		logging.FieldEntityID: shortID(containerID),
	})
	log := logging.FromCtx(ctx)

	err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err = ignoreNotFound(err); err != nil {
		return log.WrapErr(classify(err), "failed to remove container")
	}

	log.Info().Msg("container removed")
	return nil
}

// InspectContainer returns a snapshot of a container.
func (e *Engine) InspectContainer(ctx context.Context, containerID string) (*domain.ContainerDetails, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "docker",
		logging.FieldAction:   "InspectContainer",
		logging.FieldEntityID: shortID(containerID),
	})
	log := logging.FromCtx(ctx)

	resp, err := e.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, log.WrapErr(classify(err), "failed to inspect container")
	}

	details := &domain.ContainerDetails{
		ID:       resp.ID,
		Name:     strings.TrimPrefix(resp.Name, "/"),
		Networks: make(map[string]string),
	}
	if resp.Config != nil {
		details.Image = resp.Config.Image
		details.Hostname = resp.Config.Hostname
		details.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		details.Status = resp.State.Status
		details.Running = resp.State.Running
		details.ExitCode = resp.State.ExitCode
		if resp.State.Health != nil {
			details.Health = resp.State.Health.Status
		}
	}
	if resp.NetworkSettings != nil {
		details.Ports = resp.NetworkSettings.Ports
		for name, settings := range resp.NetworkSettings.Networks {
			if settings != nil {
				details.Networks[name] = settings.IPAddress
			}
		}
	}
	return details, nil
}

// ExecInContainer runs cmd in a running container and collects its output.
func (e *Engine) ExecInContainer(ctx context.Context, containerID string, cmd []string) (*domain.ExecResult, error) {
	if len(cmd) == 0 {
		return nil, errors.New("exec command must not be empty")
	}

	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "docker",
		logging.FieldAction:   "ExecInContainer",
		logging.FieldEntityID: shortID(containerID),
	})
	log := logging.FromCtx(ctx)

	created, err := e.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, log.WrapErr(classify(err), "failed to create exec")
	}

	attached, err := e.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, log.WrapErr(classify(err), "failed to attach exec")
	}
	defer attached.Close()

	stdout, stderr, err := parseExecOutput(attached.Reader)
	if err != nil {
		return nil, log.WrapErr(err, "failed to read exec output")
	}

	// The output stream closes slightly before the engine records the exit code.
	for {
		inspect, err := e.client.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return nil, log.WrapErr(classify(err), "failed to inspect exec")
		}
		if !inspect.Running {
			log.Debug().Strs("cmd", cmd).Int("exit_code", inspect.ExitCode).Msg("exec finished")
			return &domain.ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout, Stderr: stderr}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// CopyToContainer writes file into the container filesystem, creating
// parent directories as needed.
func (e *Engine) CopyToContainer(ctx context.Context, containerID string, file domain.File) error {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:    "adapter",
		logging.FieldAdapter:  "docker",
		logging.FieldAction:   "CopyToContainer",
		logging.FieldEntityID: shortID(containerID),
		"target":              file.Target,
	})
	log := logging.FromCtx(ctx)

	archive, err := tarFile(file)
	if err != nil {
		return log.WrapErr(err, "failed to archive file")
	}

	if err := e.client.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return log.WrapErr(classify(err), "failed to copy file to container")
	}

	log.Debug().Int("bytes", len(file.Content)).Msg("file copied to container")
	return nil
}

// tarFile wraps a single file in a tar stream rooted at "/".
func tarFile(file domain.File) (*bytes.Buffer, error) {
	mode := file.Mode
	if mode == 0 {
		mode = 0o644
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name:    strings.TrimPrefix(file.Target, "/"),
		Mode:    mode,
		Size:    int64(len(file.Content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(file.Content); err != nil {
		return nil, fmt.Errorf("failed to write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar: %w", err)
	}
	return &buf, nil
}

// ListContainers returns the ids of all containers matching filters.
func (e *Engine) ListContainers(ctx context.Context, f domain.Filters) ([]string, error) {
	ctx = logging.CtxWithFields(ctx, map[string]any{
		logging.FieldLayer:   "adapter",
		logging.FieldAdapter: "docker",
		logging.FieldAction:  "ListContainers",
	})
	log := logging.FromCtx(ctx)

	containers, err := e.client.ContainerList(ctx, container.ListOptions{All: true, Filters: labelArgs(f)})
	if err != nil {
		return nil, log.WrapErr(err, "failed to list containers")
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
