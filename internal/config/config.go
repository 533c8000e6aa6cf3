// Package config loads beamhost configuration: built-in defaults, then an
// optional YAML or TOML file, then BEAMHOST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"beamhost/pkg/protocol"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BEAMHOST"

// Duration is a time.Duration written as "2.5s" in files and the
// environment.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full host configuration.
type Config struct {
	// Home is the state directory (event log, pid files). Default ~/.beamhost.
	Home string `yaml:"home" toml:"home" split_words:"true"`

	// WorkerDir holds the worker executables. Default: "backend" next to
	// the beamhost binary.
	WorkerDir string `yaml:"worker_dir" toml:"worker_dir" split_words:"true"`
	// ServerMode makes the primary worker listen on all interfaces.
	ServerMode    bool     `yaml:"server_mode" toml:"server_mode" split_words:"true"`
	Debug         bool     `yaml:"debug" toml:"debug" split_words:"true"`
	RecoveryDelay Duration `yaml:"recovery_delay" toml:"recovery_delay" split_words:"true"`

	CloseTimeout   Duration `yaml:"close_timeout" toml:"close_timeout" split_words:"true"`
	MaxSurfaces    int      `yaml:"max_surfaces" toml:"max_surfaces" split_words:"true"`
	ChromeHeight   int      `yaml:"chrome_height" toml:"chrome_height" split_words:"true"`
	SurfaceCommand string   `yaml:"surface_command" toml:"surface_command" split_words:"true"`
	SurfaceArgs    []string `yaml:"surface_args" toml:"surface_args" split_words:"true"`
	WindowWidth    int      `yaml:"window_width" toml:"window_width" split_words:"true"`
	WindowHeight   int      `yaml:"window_height" toml:"window_height" split_words:"true"`

	// MetricsAddr serves /metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr" split_words:"true"`
	LogLevel    string `yaml:"log_level" toml:"log_level" split_words:"true"`
	LogFile     string `yaml:"log_file" toml:"log_file" split_words:"true"`
}

// Default returns the built-in configuration. ChromeHeight 0 means the
// platform default.
func Default() *Config {
	return &Config{
		RecoveryDelay: Duration{2500 * time.Millisecond},
		CloseTimeout:  Duration{10 * time.Second},
		WindowWidth:   1280,
		WindowHeight:  800,
		LogLevel:      "info",
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	//nolint:gosec // path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.RecoveryDelay.Duration <= 0 {
		errs = append(errs, errors.New("recovery_delay must be positive"))
	}
	if c.CloseTimeout.Duration <= 0 {
		errs = append(errs, errors.New("close_timeout must be positive"))
	}
	if c.MaxSurfaces < 0 {
		errs = append(errs, errors.New("max_surfaces must not be negative"))
	}
	if c.ChromeHeight < 0 {
		errs = append(errs, errors.New("chrome_height must not be negative"))
	}
	if c.WindowWidth <= 0 || c.WindowHeight <= 0 {
		errs = append(errs, errors.New("window size must be positive"))
	}
	return errors.Join(errs...)
}

// Paths holds resolved state file locations.
type Paths struct {
	Home       string
	EventDB    string
	PrimaryPID string
	MonitorPID string
}

// Paths resolves state file locations under Home, defaulting Home to
// ~/.beamhost.
func (c *Config) Paths() (Paths, error) {
	home := c.Home
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("get home dir: %w", err)
		}
		home = filepath.Join(userHome, protocol.StateDir)
	}
	return Paths{
		Home:       home,
		EventDB:    filepath.Join(home, protocol.EventDBName),
		PrimaryPID: filepath.Join(home, "primary.pid"),
		MonitorPID: filepath.Join(home, "monitor.pid"),
	}, nil
}

// DefaultFile returns the first config file found in home, or "".
func DefaultFile(home string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(home, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}
