// Package config loads process-wide testbay settings from a config file, the
// environment and an optional dotenv file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TESTBAY"

// DotEnvFile is loaded into the environment, when present, before viper reads it.
const DotEnvFile = ".testbay.env"

// Config is the complete process configuration.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Wait      WaitConfig      `mapstructure:"wait"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Log       LogConfig       `mapstructure:"log"`
	Output    OutputConfig    `mapstructure:"output"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// EngineConfig selects the remote engine endpoint.
type EngineConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"api_version"`
}

// WaitConfig holds the process-wide wait defaults.
type WaitConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ReaperConfig controls the cleanup session and its sidecar agent.
type ReaperConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Image          string        `mapstructure:"image"`
	Address        string        `mapstructure:"address"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	SessionID      string        `mapstructure:"session_id"`
	LedgerPath     string        `mapstructure:"ledger_path"`
	Privileged     bool          `mapstructure:"privileged"`
}

// CleanupConfig controls explicit disposal.
type CleanupConfig struct {
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OutputConfig controls file capture of container output.
type OutputConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// TelemetryConfig controls OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Endpoint        string  `mapstructure:"endpoint"`   // OTLP HTTP endpoint, e.g. "http://localhost:4318"
	AuthToken       string  `mapstructure:"auth_token"` // base64 user:pass for basic auth
	Traces          bool    `mapstructure:"traces"`
	Metrics         bool    `mapstructure:"metrics"`
	TraceSampleRate float64 `mapstructure:"trace_sample_rate"`
}

// DefaultReaperImage speaks the line-oriented reaper protocol.
const DefaultReaperImage = "testcontainers/ryuk:0.11.0"

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Wait: WaitConfig{
			Timeout:      60 * time.Second,
			PollInterval: 50 * time.Millisecond,
		},
		Reaper: ReaperConfig{
			Enabled:        true,
			Image:          DefaultReaperImage,
			GracePeriod:    10 * time.Second,
			ConnectTimeout: 60 * time.Second,
		},
		Cleanup:   CleanupConfig{StopTimeout: 10 * time.Second},
		Log:       LogConfig{Level: "info", Format: "console"},
		Output:    OutputConfig{MaxSize: 10, MaxBackups: 3, MaxAge: 7},
		Telemetry: TelemetryConfig{Traces: true, Metrics: true, TraceSampleRate: 1.0},
	}
}

// Load reads configuration from cfgFile (or the standard search path when
// empty), the TESTBAY_* environment and .testbay.env.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	return LoadWith(v, cfgFile)
}

// LoadWith is Load on a caller-provided viper instance.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", DotEnvFile, err)
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("testbay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "testbay"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".testbay"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("engine.host", d.Engine.Host)
	v.SetDefault("engine.api_version", d.Engine.APIVersion)
	v.SetDefault("wait.timeout", d.Wait.Timeout)
	v.SetDefault("wait.poll_interval", d.Wait.PollInterval)
	v.SetDefault("reaper.enabled", d.Reaper.Enabled)
	v.SetDefault("reaper.image", d.Reaper.Image)
	v.SetDefault("reaper.address", d.Reaper.Address)
	v.SetDefault("reaper.grace_period", d.Reaper.GracePeriod)
	v.SetDefault("reaper.connect_timeout", d.Reaper.ConnectTimeout)
	v.SetDefault("reaper.session_id", d.Reaper.SessionID)
	v.SetDefault("reaper.ledger_path", d.Reaper.LedgerPath)
	v.SetDefault("reaper.privileged", d.Reaper.Privileged)
	v.SetDefault("cleanup.stop_timeout", d.Cleanup.StopTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.max_size", d.Output.MaxSize)
	v.SetDefault("output.max_backups", d.Output.MaxBackups)
	v.SetDefault("output.max_age", d.Output.MaxAge)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.auth_token", d.Telemetry.AuthToken)
	v.SetDefault("telemetry.traces", d.Telemetry.Traces)
	v.SetDefault("telemetry.metrics", d.Telemetry.Metrics)
	v.SetDefault("telemetry.trace_sample_rate", d.Telemetry.TraceSampleRate)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Wait.Timeout <= 0 {
		return fmt.Errorf("wait.timeout must be positive, got %s", c.Wait.Timeout)
	}
	if c.Wait.PollInterval <= 0 {
		return fmt.Errorf("wait.poll_interval must be positive, got %s", c.Wait.PollInterval)
	}
	if c.Wait.PollInterval >= c.Wait.Timeout {
		return fmt.Errorf("wait.poll_interval (%s) must be shorter than wait.timeout (%s)", c.Wait.PollInterval, c.Wait.Timeout)
	}
	if c.Reaper.Enabled {
		if c.Reaper.GracePeriod <= 0 {
			return fmt.Errorf("reaper.grace_period must be positive, got %s", c.Reaper.GracePeriod)
		}
		if c.Reaper.ConnectTimeout <= 0 {
			return fmt.Errorf("reaper.connect_timeout must be positive, got %s", c.Reaper.ConnectTimeout)
		}
		if c.Reaper.Image == "" && c.Reaper.Address == "" {
			return fmt.Errorf("reaper.image or reaper.address is required when the reaper is enabled")
		}
	}
	if c.Cleanup.StopTimeout < 0 {
		return fmt.Errorf("cleanup.stop_timeout must not be negative, got %s", c.Cleanup.StopTimeout)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if r := c.Telemetry.TraceSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0 and 1, got %v", r)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be one of: console, json")
	}
	return nil
}
