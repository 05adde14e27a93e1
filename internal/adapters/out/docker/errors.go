package docker

import (
	"bytes"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bnema/testbay/internal/domain"
)

// classify attaches the matching domain sentinel to an engine error.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %w", domain.ErrResourceNotFound, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%w: %w", domain.ErrResourceInUse, err)
	}
	return err
}

// ignoreNotFound turns "already gone" into success so removal is idempotent.
func ignoreNotFound(err error) error {
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// demux splits a multiplexed Docker stream.
func demux(stdout, stderr io.Writer, stream io.Reader) (int64, error) {
	return stdcopy.StdCopy(stdout, stderr, stream)
}

// parseExecOutput reads a multiplexed exec stream to completion.
func parseExecOutput(stream io.Reader) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	if _, err := demux(&stdout, &stderr, stream); err != nil {
		return nil, nil, err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}
