package fixture

import (
	"io"
	"sync"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/usecase/lifecycle"
)

// Handles and configurations.
type (
	Container            = lifecycle.Container
	Network              = lifecycle.Network
	Volume               = lifecycle.Volume
	Image                = lifecycle.Image
	Configuration        = lifecycle.ContainerConfiguration
	NetworkConfiguration = lifecycle.NetworkConfiguration
	VolumeConfiguration  = lifecycle.VolumeConfiguration
	ImageConfiguration   = lifecycle.ImageConfiguration
	Dependency           = lifecycle.Dependency
	StartupCallback      = lifecycle.StartupCallback
	OutputConsumer       = out.OutputConsumer
	ExecResult           = domain.ExecResult
	File                 = domain.File
	Mount                = domain.Mount
	Healthcheck          = domain.Healthcheck
	PullPolicy           = domain.PullPolicy
	State                = domain.State
)

// Pull policies.
const (
	PullMissing = domain.PullMissing
	PullAlways  = domain.PullAlways
	PullNever   = domain.PullNever
)

// Lifecycle states.
const (
	StateUnrealized = domain.StateUnrealized
	StateCreated    = domain.StateCreated
	StateStarting   = domain.StateStarting
	StateReady      = domain.StateReady
	StateRunning    = domain.StateRunning
	StateStopped    = domain.StateStopped
	StateRemoved    = domain.StateRemoved
)

type writerConsumer struct {
	stdout, stderr io.Writer
}

func (w writerConsumer) Stdout() io.Writer { return w.stdout }
func (w writerConsumer) Stderr() io.Writer { return w.stderr }

// syncWriter serializes writes from both streams into one destination.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// OutputTo sends both output streams to w.
func OutputTo(w io.Writer) OutputConsumer {
	sw := &syncWriter{w: w}
	return writerConsumer{stdout: sw, stderr: sw}
}

// OutputSplit sends stdout and stderr to separate writers.
func OutputSplit(stdout, stderr io.Writer) OutputConsumer {
	return writerConsumer{stdout: stdout, stderr: stderr}
}
