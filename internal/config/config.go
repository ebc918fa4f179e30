// Package config builds the immutable process configuration of the load generator.
package config

import (
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v9"
	"gopkg.in/yaml.v2"
)

// Environment variables consulted for the per-request defaults.
const (
	EnvCPULoadSeconds = "CPU_LOAD_SECONDS"
	EnvMemoryLoadMB   = "MEMORY_LOAD_MB"
	EnvDelaySeconds   = "DELAY_SECONDS"
)

const (
	DefaultBindAddress     = "0.0.0.0"
	DefaultPort            = 8000
	DefaultShutdownTimeout = 5 * time.Second
)

// MaxParam is the largest load parameter accepted anywhere: seconds stay
// convertible to time.Duration and megabytes to a byte count.
const MaxParam = math.MaxInt64 / int64(time.Second)

// ErrInvalidConfig is the cause of every validation failure returned by Load.
var ErrInvalidConfig = errors.New("invalid config")

// Defaults are the load parameters applied when a request omits them.
type Defaults struct {
	CPULoadSeconds int     `yaml:"cpu_load_seconds" validate:"min=0"`
	MemoryLoadMB   int     `yaml:"memory_load_mb" validate:"min=0"`
	DelaySeconds   float64 `yaml:"delay_seconds" validate:"min=0"`
}

// ServerConfig is read once at startup and never mutated afterwards.
type ServerConfig struct {
	BindAddress     string        `yaml:"bind" validate:"required"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
	Defaults        Defaults      `yaml:"defaults"`
}

// Addr is the host:port the server listens on.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// Default returns the built-in configuration.
func Default() ServerConfig {
	return ServerConfig{
		BindAddress:     DefaultBindAddress,
		Port:            DefaultPort,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Option overrides a field after file and environment have been applied.
type Option func(*ServerConfig)

func WithBindAddress(addr string) Option {
	return func(c *ServerConfig) {
		c.BindAddress = addr
	}
}

func WithPort(port int) Option {
	return func(c *ServerConfig) {
		c.Port = port
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(c *ServerConfig) {
		c.ShutdownTimeout = d
	}
}

// Load builds the configuration. Precedence, lowest first: built-in defaults,
// the YAML file at path (skipped when empty), the environment, opts.
// A nil lookup means os.LookupEnv.
func Load(path string, lookup LookupFunc, opts ...Option) (ServerConfig, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return ServerConfig{}, err
		}
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.Defaults.fromEnv(lookup); err != nil {
		return ServerConfig{}, err
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c *ServerConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

func (d *Defaults) fromEnv(lookup LookupFunc) error {
	if v, ok := lookup(EnvCPULoadSeconds); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q is not an integer", EnvCPULoadSeconds, v)
		}
		d.CPULoadSeconds = n
	}
	if v, ok := lookup(EnvMemoryLoadMB); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q is not an integer", EnvMemoryLoadMB, v)
		}
		d.MemoryLoadMB = n
	}
	if v, ok := lookup(EnvDelaySeconds); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s=%q is not a number", EnvDelaySeconds, v)
		}
		d.DelaySeconds = f
	}
	return nil
}

var validate = validator.New()

// Validate checks ranges. Negative defaults are rejected, not clamped.
func (c ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return c.Defaults.validate()
}

func (d Defaults) validate() error {
	if math.IsNaN(d.DelaySeconds) || math.IsInf(d.DelaySeconds, 0) {
		return errors.Wrapf(ErrInvalidConfig, "delay_seconds must be finite, got %v", d.DelaySeconds)
	}
	if int64(d.CPULoadSeconds) > MaxParam {
		return errors.Wrapf(ErrInvalidConfig, "cpu_load_seconds %d out of range", d.CPULoadSeconds)
	}
	if int64(d.MemoryLoadMB) > MaxParam {
		return errors.Wrapf(ErrInvalidConfig, "memory_load_mb %d out of range", d.MemoryLoadMB)
	}
	if d.DelaySeconds > float64(MaxParam) {
		return errors.Wrapf(ErrInvalidConfig, "delay_seconds %v out of range", d.DelaySeconds)
	}
	return nil
}
