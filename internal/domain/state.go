package domain

// ResourceKind names a managed resource type.
type ResourceKind string

const (
	KindContainer ResourceKind = "container"
	KindNetwork   ResourceKind = "network"
	KindVolume    ResourceKind = "volume"
	KindImage     ResourceKind = "image"
)

// State is the lifecycle position of a resource handle.
type State string

const (
	StateUnrealized State = "unrealized"
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateRemoved    State = "removed"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateRemoved
}

// PullPolicy controls when an image is pulled before container creation.
type PullPolicy string

const (
	PullMissing PullPolicy = "missing"
	PullAlways  PullPolicy = "always"
	PullNever   PullPolicy = "never"
)

// Valid reports whether p is a known policy.
func (p PullPolicy) Valid() bool {
	switch p {
	case PullMissing, PullAlways, PullNever:
		return true
	}
	return false
}
