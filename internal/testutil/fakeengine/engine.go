// Package fakeengine is an in-memory out.Engine for unit tests. It records
// every call in order and can publish real loopback listeners for exposed
// ports so readiness checks that dial succeed.
package fakeengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/domain"
)

// Behavior scripts how containers of one image act.
type Behavior struct {
	// Logs is written to stdout once the container starts.
	Logs string
	// Health is the health status reported while running.
	Health string
	// ExitOnStart makes the container exit immediately with ExitCode.
	ExitOnStart bool
	ExitCode    int
	// ExecExitCode is returned by every exec.
	ExecExitCode int
	CreateErr    error
	StartErr     error
	// StartDelay blocks StartContainer.
	StartDelay time.Duration
}

// Container is a snapshot of a fake container.
type Container struct {
	ID      string
	Spec    domain.ContainerSpec
	Status  string
	Health  string
	Files   map[string][]byte
	Execs   [][]string
	Created time.Time
}

type container struct {
	Container
	behavior  Behavior
	ports     nat.PortMap
	listeners []net.Listener
	logs      strings.Builder
	stopped   chan struct{}
}

type resource struct {
	id     string
	name   string
	labels map[string]string
}

// Engine implements out.Engine in memory.
type Engine struct {
	mu         sync.Mutex
	listen     bool
	behaviors  map[string]Behavior
	containers map[string]*container
	networks   map[string]*resource
	volumes    map[string]*resource
	images     map[string]*resource
	failures   map[string]error
	calls      []string
	seq        int
	nextPort   int
}

var _ out.Engine = (*Engine)(nil)

// Option configures a fake Engine.
type Option func(*Engine)

// WithListeners binds a real 127.0.0.1 listener for each exposed TCP port
// while the container runs.
func WithListeners() Option {
	return func(e *Engine) { e.listen = true }
}

// WithImages marks refs as already present locally.
func WithImages(refs ...string) Option {
	return func(e *Engine) {
		for _, ref := range refs {
			e.images[ref] = &resource{id: ref, name: ref}
		}
	}
}

// WithBehavior scripts containers created from image.
func WithBehavior(image string, b Behavior) Option {
	return func(e *Engine) { e.behaviors[image] = b }
}

// New creates an empty fake engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		behaviors:  make(map[string]Behavior),
		containers: make(map[string]*container),
		networks:   make(map[string]*resource),
		volumes:    make(map[string]*resource),
		images:     make(map[string]*resource),
		failures:   make(map[string]error),
		nextPort:   49152,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fail makes every subsequent call of method return err; nil clears it.
func (e *Engine) Fail(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, method)
		return
	}
	e.failures[method] = err
}

// Calls returns the recorded calls as "Method:subject".
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// CallIndex returns the position of the first call equal to call, or -1.
func (e *Engine) CallIndex(call string) int {
	for i, c := range e.Calls() {
		if c == call {
			return i
		}
	}
	return -1
}

// Container returns a snapshot of container id.
func (e *Engine) Container(id string) (Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return Container{}, false
	}
	snapshot := c.Container
	snapshot.Files = make(map[string][]byte, len(c.Files))
	for k, v := range c.Files {
		snapshot.Files[k] = v
	}
	snapshot.Execs = append([][]string(nil), c.Execs...)
	return snapshot, true
}

// ContainerIDs returns the ids of every container that exists.
func (e *Engine) ContainerIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.containers))
	for id := range e.containers {
		ids = append(ids, id)
	}
	return ids
}

// HasNetwork reports whether a network with id or name exists.
func (e *Engine) HasNetwork(idOrName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lookup(e.networks, idOrName) != nil
}

// HasVolume reports whether a volume exists.
func (e *Engine) HasVolume(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lookup(e.volumes, name) != nil
}

// HasImage reports whether an image exists.
func (e *Engine) HasImage(ref string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lookup(e.images, ref) != nil
}

// SetHealth changes the reported health of a container.
func (e *Engine) SetHealth(id, health string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		c.Health = health
	}
}

// AppendLogs adds output to a container.
func (e *Engine) AppendLogs(id, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		c.logs.WriteString(text)
	}
}

// Seed registers a labeled resource as if another process had created it.
func (e *Engine) Seed(kind domain.ResourceKind, name string, labels map[string]string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case domain.KindContainer:
		id := e.nextID("c")
		e.containers[id] = &container{
			Container: Container{ID: id, Spec: domain.ContainerSpec{Name: name, Labels: labels}, Status: "running", Files: map[string][]byte{}},
			stopped:   make(chan struct{}),
		}
		return id
	case domain.KindNetwork:
		id := e.nextID("n")
		e.networks[id] = &resource{id: id, name: name, labels: labels}
		return id
	case domain.KindVolume:
		e.volumes[name] = &resource{id: name, name: name, labels: labels}
		return name
	default:
		id := e.nextID("sha256:i")
		e.images[id] = &resource{id: id, name: name, labels: labels}
		return id
	}
}

func (e *Engine) record(method, subject string) error {
	e.calls = append(e.calls, method+":"+subject)
	return e.failures[method]
}

func (e *Engine) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s%011d", prefix, e.seq)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: no such %s: %s", domain.ErrResourceNotFound, kind, id)
}

func lookup(m map[string]*resource, idOrName string) *resource {
	if r, ok := m[idOrName]; ok {
		return r
	}
	for _, r := range m {
		if r.name == idOrName {
			return r
		}
	}
	return nil
}

func matches(labels map[string]string, f domain.Filters) bool {
	for _, expr := range f["label"] {
		key, value, hasValue := strings.Cut(expr, "=")
		got, ok := labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	return true
}

// CreateContainer implements out.Engine.
func (e *Engine) CreateContainer(_ context.Context, spec *domain.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subject := spec.Name
	if subject == "" {
		subject = spec.Image
	}
	if err := e.record("CreateContainer", subject); err != nil {
		return "", err
	}
	b := e.behaviors[spec.Image]
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	if lookup(e.images, spec.Image) == nil {
		return "", fmt.Errorf("%w: no such image: %s", domain.ErrResourceNotFound, spec.Image)
	}
	for _, c := range e.containers {
		if spec.Name != "" && c.Spec.Name == spec.Name {
			return "", fmt.Errorf("%w: container name %q is already in use", domain.ErrResourceInUse, spec.Name)
		}
	}
	for _, attachment := range spec.Networks {
		if lookup(e.networks, attachment.Network) == nil {
			return "", notFound("network", attachment.Network)
		}
	}
	for _, m := range spec.Mounts {
		if m.Type == domain.MountVolume && lookup(e.volumes, m.Source) == nil {
			return "", notFound("volume", m.Source)
		}
	}

	id := e.nextID("c")
	e.containers[id] = &container{
		Container: Container{
			ID:      id,
			Spec:    *spec,
			Status:  "created",
			Files:   make(map[string][]byte),
			Created: time.Now(),
		},
		behavior: b,
		stopped:  make(chan struct{}),
	}
	return id, nil
}

// StartContainer implements out.Engine.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	err := e.record("StartContainer", id)
	c, ok := e.containers[id]
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return notFound("container", id)
	}
	if d := c.behavior.StartDelay; d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	if c.behavior.StartErr != nil {
		return c.behavior.StartErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c.ports = make(nat.PortMap)
	for port := range c.Spec.ExposedPorts {
		hostPort := ""
		for _, binding := range c.Spec.PortBindings[port] {
			if binding.HostPort != "" && binding.HostPort != "0" {
				hostPort = binding.HostPort
			}
		}
		if hostPort == "" && e.listen && port.Proto() == "tcp" {
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			c.listeners = append(c.listeners, l)
			go acceptAll(l)
			_, hostPort, _ = net.SplitHostPort(l.Addr().String())
		}
		if hostPort == "" {
			hostPort = strconv.Itoa(e.nextPort)
			e.nextPort++
		}
		c.ports[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}

	c.logs.WriteString(c.behavior.Logs)
	c.Health = c.behavior.Health
	if c.behavior.ExitOnStart {
		c.Status = "exited"
		c.stop()
	} else {
		c.Status = "running"
	}
	return nil
}

func acceptAll(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}
}

func (c *container) stop() {
	for _, l := range c.listeners {
		_ = l.Close()
	}
	c.listeners = nil
	select {
	case <-c.stopped:
	default:
		close(c.stopped)
	}
}

// StopContainer implements out.Engine.
func (e *Engine) StopContainer(_ context.Context, id string, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("StopContainer", id); err != nil {
		return err
	}
	c, ok := e.containers[id]
	if !ok {
		return nil
	}
	if c.Status == "running" {
		c.Status = "exited"
	}
	c.stop()
	return nil
}

// RemoveContainer implements out.Engine.
func (e *Engine) RemoveContainer(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("RemoveContainer", id); err != nil {
		return err
	}
	if c, ok := e.containers[id]; ok {
		c.stop()
		delete(e.containers, id)
	}
	return nil
}

// InspectContainer implements out.Engine.
func (e *Engine) InspectContainer(_ context.Context, id string) (*domain.ContainerDetails, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures["InspectContainer"]; err != nil {
		return nil, err
	}
	c, ok := e.containers[id]
	if !ok {
		return nil, notFound("container", id)
	}

	details := &domain.ContainerDetails{
		ID:       c.ID,
		Name:     c.Spec.Name,
		Image:    c.Spec.Image,
		Hostname: c.Spec.Hostname,
		Status:   c.Status,
		Running:  c.Status == "running",
		Health:   c.Health,
		Ports:    make(nat.PortMap, len(c.ports)),
		Networks: make(map[string]string),
		Labels:   c.Spec.Labels,
	}
	if c.Status == "exited" {
		details.ExitCode = c.behavior.ExitCode
	}
	for port, bindings := range c.ports {
		details.Ports[port] = append([]nat.PortBinding(nil), bindings...)
	}
	for i, attachment := range c.Spec.Networks {
		details.Networks[attachment.Network] = fmt.Sprintf("172.30.0.%d", i+2)
	}
	return details, nil
}

// StreamLogs implements out.Engine.
func (e *Engine) StreamLogs(ctx context.Context, id string, opts domain.LogOptions, stdout, _ io.Writer) error {
	e.mu.Lock()
	c, ok := e.containers[id]
	var text string
	if ok {
		text = c.logs.String()
	}
	e.mu.Unlock()

	if !ok {
		return notFound("container", id)
	}
	if _, err := io.WriteString(stdout, text); err != nil {
		return err
	}
	if !opts.Follow {
		return nil
	}

	written := len(text)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopped:
			_, err := e.flushLogs(c, stdout, written)
			return err
		case <-ticker.C:
			n, err := e.flushLogs(c, stdout, written)
			if err != nil {
				return err
			}
			written = n
		}
	}
}

// flushLogs writes output added after offset from and returns the new offset.
func (e *Engine) flushLogs(c *container, w io.Writer, from int) (int, error) {
	e.mu.Lock()
	text := c.logs.String()
	e.mu.Unlock()
	if len(text) <= from {
		return from, nil
	}
	_, err := io.WriteString(w, text[from:])
	return len(text), err
}

// ExecInContainer implements out.Engine.
func (e *Engine) ExecInContainer(_ context.Context, id string, cmd []string) (*domain.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ExecInContainer", id); err != nil {
		return nil, err
	}
	c, ok := e.containers[id]
	if !ok {
		return nil, notFound("container", id)
	}
	if c.Status != "running" {
		return nil, fmt.Errorf("%w: container %s is not running", domain.ErrResourceInUse, id)
	}
	c.Execs = append(c.Execs, append([]string(nil), cmd...))
	return &domain.ExecResult{ExitCode: c.behavior.ExecExitCode, Stdout: []byte(strings.Join(cmd, " "))}, nil
}

// CopyToContainer implements out.Engine.
func (e *Engine) CopyToContainer(_ context.Context, id string, file domain.File) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("CopyToContainer", id); err != nil {
		return err
	}
	c, ok := e.containers[id]
	if !ok {
		return notFound("container", id)
	}
	c.Files[file.Target] = append([]byte(nil), file.Content...)
	return nil
}

// ListContainers implements out.Engine.
func (e *Engine) ListContainers(_ context.Context, f domain.Filters) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListContainers", ""); err != nil {
		return nil, err
	}
	var ids []string
	for id, c := range e.containers {
		if matches(c.Spec.Labels, f) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CreateNetwork implements out.Engine.
func (e *Engine) CreateNetwork(_ context.Context, spec *domain.NetworkSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("CreateNetwork", spec.Name); err != nil {
		return "", err
	}
	if lookup(e.networks, spec.Name) != nil {
		return "", fmt.Errorf("%w: network with name %s already exists", domain.ErrResourceInUse, spec.Name)
	}
	id := e.nextID("n")
	e.networks[id] = &resource{id: id, name: spec.Name, labels: spec.Labels}
	return id, nil
}

// RemoveNetwork implements out.Engine. A network with attached containers
// is in use.
func (e *Engine) RemoveNetwork(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("RemoveNetwork", id); err != nil {
		return err
	}
	n := lookup(e.networks, id)
	if n == nil {
		return nil
	}
	for _, c := range e.containers {
		for _, attachment := range c.Spec.Networks {
			if attachment.Network == n.id || attachment.Network == n.name {
				return fmt.Errorf("%w: network %s has active endpoints", domain.ErrResourceInUse, n.name)
			}
		}
	}
	delete(e.networks, n.id)
	return nil
}

// ListNetworks implements out.Engine.
func (e *Engine) ListNetworks(_ context.Context, f domain.Filters) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListNetworks", ""); err != nil {
		return nil, err
	}
	return listMatching(e.networks, f), nil
}

// CreateVolume implements out.Engine.
func (e *Engine) CreateVolume(_ context.Context, spec *domain.VolumeSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("CreateVolume", spec.Name); err != nil {
		return "", err
	}
	name := spec.Name
	if name == "" {
		name = e.nextID("v")
	}
	e.volumes[name] = &resource{id: name, name: name, labels: spec.Labels}
	return name, nil
}

// RemoveVolume implements out.Engine.
func (e *Engine) RemoveVolume(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("RemoveVolume", name); err != nil {
		return err
	}
	for _, c := range e.containers {
		for _, m := range c.Spec.Mounts {
			if m.Type == domain.MountVolume && m.Source == name {
				return fmt.Errorf("%w: volume %s is in use", domain.ErrResourceInUse, name)
			}
		}
	}
	delete(e.volumes, name)
	return nil
}

// ListVolumes implements out.Engine.
func (e *Engine) ListVolumes(_ context.Context, f domain.Filters) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListVolumes", ""); err != nil {
		return nil, err
	}
	return listMatching(e.volumes, f), nil
}

// PullImage implements out.Engine.
func (e *Engine) PullImage(_ context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("PullImage", ref); err != nil {
		return err
	}
	e.images[ref] = &resource{id: ref, name: ref}
	return nil
}

// ImageExists implements out.Engine.
func (e *Engine) ImageExists(_ context.Context, ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ImageExists", ref); err != nil {
		return false, err
	}
	return lookup(e.images, ref) != nil, nil
}

// BuildImage implements out.Engine.
func (e *Engine) BuildImage(_ context.Context, spec *domain.ImageBuildSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("BuildImage", spec.ContextDir); err != nil {
		return "", err
	}
	id := e.nextID("sha256:b")
	ref := id
	if len(spec.Tags) > 0 {
		ref = spec.Tags[0]
	}
	e.images[ref] = &resource{id: ref, name: ref, labels: spec.Labels}
	return ref, nil
}

// RemoveImage implements out.Engine.
func (e *Engine) RemoveImage(_ context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("RemoveImage", ref); err != nil {
		return err
	}
	if r := lookup(e.images, ref); r != nil {
		delete(e.images, r.id)
	}
	return nil
}

// ListImages implements out.Engine.
func (e *Engine) ListImages(_ context.Context, f domain.Filters) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("ListImages", ""); err != nil {
		return nil, err
	}
	return listMatching(e.images, f), nil
}

func listMatching(m map[string]*resource, f domain.Filters) []string {
	var ids []string
	for id, r := range m {
		if matches(r.labels, f) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Ping implements out.Engine.
func (e *Engine) Ping(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures["Ping"]
}

// Host implements out.Engine.
func (e *Engine) Host() string { return "127.0.0.1" }

// Close implements out.Engine.
func (e *Engine) Close() error { return nil }
