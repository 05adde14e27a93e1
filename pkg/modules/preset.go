package modules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"

	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/pkg/fixture"
	"github.com/bnema/testbay/pkg/wait"
)

// Preset is a preset described as data.
//
//	image: postgres:16-alpine
//	env:
//	  POSTGRES_PASSWORD: postgres
//	ports: ["5432"]
//	wait:
//	  timeout: 45s
//	  log: database system is ready to accept connections
//	  occurrence: 2
//	  port: "5432"
type Preset struct {
	Name    string            `yaml:"name"`
	Image   string            `yaml:"image"`
	Env     map[string]string `yaml:"env"`
	Labels  map[string]string `yaml:"labels"`
	Ports   []string          `yaml:"ports"`
	Command []string          `yaml:"command"`
	Wait    *PresetWait       `yaml:"wait"`
}

// PresetWait lists readiness checks. Every check that is set must pass.
type PresetWait struct {
	Timeout    time.Duration `yaml:"timeout"`
	Port       string        `yaml:"port"`
	Log        string        `yaml:"log"`
	Occurrence int           `yaml:"occurrence"`
	HTTP       *PresetHTTP   `yaml:"http"`
	Exec       []string      `yaml:"exec"`
	Health     bool          `yaml:"health"`
}

// PresetHTTP is an HTTP readiness check.
type PresetHTTP struct {
	Path   string `yaml:"path"`
	Port   string `yaml:"port"`
	Status int    `yaml:"status"`
	TLS    bool   `yaml:"tls"`
}

// LoadPreset decodes a YAML preset. Unknown keys are rejected.
func LoadPreset(data []byte) (*Preset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Preset
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty preset", domain.ErrInvalidConfiguration)
		}
		return nil, fmt.Errorf("%w: failed to decode preset: %w", domain.ErrInvalidConfiguration, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPresetFile reads and decodes the preset at path.
func LoadPresetFile(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset %s: %w", path, err)
	}
	return LoadPreset(data)
}

func (p *Preset) validate() error {
	v := domain.NewValidator(domain.KindContainer)
	v.Check(p.Image != "", "image: required")
	if w := p.Wait; w != nil {
		v.Check(w.Occurrence >= 0, "wait.occurrence: must not be negative")
		v.Check(w.Occurrence == 0 || w.Log != "", "wait.occurrence: requires wait.log")
		v.Check(w.Timeout >= 0, "wait.timeout: must not be negative")
		v.Check(w.HTTP == nil || w.HTTP.Status >= 0, "wait.http.status: must not be negative")
	}
	return v.Err()
}

// Init applies the preset to b.
func (p *Preset) Init(b *fixture.Builder) *fixture.Builder {
	b = b.WithImage(p.Image)
	if len(p.Env) > 0 {
		b = b.WithEnvMap(p.Env)
	}
	for k, v := range p.Labels {
		b = b.WithLabel(k, v)
	}
	if len(p.Ports) > 0 {
		b = b.WithExposedPorts(p.Ports...)
	}
	if len(p.Command) > 0 {
		b = b.WithCommand(p.Command...)
	}
	if s := p.strategy(); s != nil {
		b = b.WithWaitStrategy(s)
	}
	if p.Wait != nil && p.Wait.Timeout > 0 {
		b = b.WithStartupTimeout(p.Wait.Timeout)
	}
	return b
}

func (p *Preset) strategy() wait.Strategy {
	w := p.Wait
	if w == nil {
		return nil
	}

	var strategies []wait.Strategy
	if w.Log != "" {
		s := wait.ForLog(w.Log)
		if w.Occurrence > 0 {
			s = s.WithOccurrence(w.Occurrence)
		}
		strategies = append(strategies, s)
	}
	if w.Port != "" {
		strategies = append(strategies, wait.ForListeningPort(nat.Port(w.Port)))
	}
	if h := w.HTTP; h != nil {
		s := wait.ForHTTP(h.Path).WithTLS(h.TLS)
		if h.Port != "" {
			s = s.WithPort(nat.Port(h.Port))
		}
		if h.Status != 0 {
			s = s.WithStatus(h.Status)
		}
		strategies = append(strategies, s)
	}
	if len(w.Exec) > 0 {
		strategies = append(strategies, wait.ForExec(w.Exec...))
	}
	if w.Health {
		strategies = append(strategies, wait.ForHealthCheck())
	}

	switch len(strategies) {
	case 0:
		return nil
	case 1:
		return strategies[0]
	}
	return wait.ForAll(strategies...)
}
