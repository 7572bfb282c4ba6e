// Package config loads the siftcl configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cwbudde/siftcl/internal/compute"
	"github.com/cwbudde/siftcl/internal/compute/host"
	"github.com/cwbudde/siftcl/internal/device"
	"github.com/cwbudde/siftcl/internal/sift"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML file.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	Server   ServerConfig   `yaml:"server"`
}

// DeviceConfig selects the compute backend and device.
type DeviceConfig struct {
	Backend string `yaml:"backend"`
	Kind    string `yaml:"kind"`
	// Platform and Device pin an explicit device. Both must be set.
	Platform  *int        `yaml:"platform,omitempty"`
	Device    *int        `yaml:"device,omitempty"`
	KernelDir string      `yaml:"kernelDir"`
	Host      host.Config `yaml:"host"`
}

// PipelineConfig holds the pipeline sizing knobs and detection constants.
type PipelineConfig struct {
	PixPerKP         int         `yaml:"pixPerKP"`
	MaxWorkgroupSize int         `yaml:"maxWorkgroupSize"`
	InitSigma        float32     `yaml:"initSigma"`
	Profile          bool        `yaml:"profile"`
	Params           sift.Params `yaml:"params"`
}

// StoreConfig configures result persistence.
type StoreConfig struct {
	Dir string `yaml:"dir"`
	// Index keeps a SQLite index of stored results next to the payloads.
	Index bool `yaml:"index"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	QueueSize       int           `yaml:"queueSize"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Backend: string(compute.BackendHost),
			Kind:    string(device.KindAny),
			Host:    host.DefaultConfig(),
		},
		Pipeline: PipelineConfig{
			PixPerKP:         10,
			MaxWorkgroupSize: 128,
			InitSigma:        1.6,
			Params:           sift.DefaultParams(),
		},
		Store: StoreConfig{
			Dir:   "./data",
			Index: true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			QueueSize:       16,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that are not validated by the pipeline itself.
func (c Config) Validate() error {
	switch compute.NormalizeBackend(c.Device.Backend) {
	case compute.BackendHost, compute.BackendOpenCL:
	default:
		return fmt.Errorf("%w: %q", compute.ErrUnknownBackend, c.Device.Backend)
	}
	if _, err := device.ParseKind(c.Device.Kind); err != nil {
		return err
	}
	if (c.Device.Platform == nil) != (c.Device.Device == nil) {
		return errors.New("device.platform and device.device must be set together")
	}
	if c.Pipeline.PixPerKP < 0 {
		return fmt.Errorf("pipeline.pixPerKP must not be negative, got %d", c.Pipeline.PixPerKP)
	}
	if c.Pipeline.MaxWorkgroupSize < 0 {
		return fmt.Errorf("pipeline.maxWorkgroupSize must not be negative, got %d", c.Pipeline.MaxWorkgroupSize)
	}
	if err := c.Pipeline.Params.Validate(); err != nil {
		return fmt.Errorf("pipeline.params: %w", err)
	}
	if c.Store.Dir == "" {
		return errors.New("store.dir must not be empty")
	}
	if c.Server.QueueSize <= 0 {
		return fmt.Errorf("server.queueSize must be positive, got %d", c.Server.QueueSize)
	}
	return nil
}

// DeviceSelection returns the explicit device, or nil for kind-based
// selection.
func (c Config) DeviceSelection() *device.Selection {
	if c.Device.Platform == nil || c.Device.Device == nil {
		return nil
	}
	return &device.Selection{Platform: *c.Device.Platform, Device: *c.Device.Device}
}

// Inventory returns the devices visible to the configured backend. The host
// backend reports only its emulated device.
func (c Config) Inventory() *device.Inventory {
	if compute.NormalizeBackend(c.Device.Backend) == compute.BackendHost {
		return device.Probe(c.Device.Host.Prober())
	}
	return device.Default()
}

// SiftConfig builds the pipeline configuration for images of the given
// shape and type.
func (c Config) SiftConfig(shape sift.Shape, typ sift.ImageType) sift.Config {
	kind, _ := device.ParseKind(c.Device.Kind)
	return sift.Config{
		Shape:            shape,
		Type:             typ,
		Backend:          compute.NormalizeBackend(c.Device.Backend),
		DeviceKind:       kind,
		DeviceID:         c.DeviceSelection(),
		KernelDir:        c.Device.KernelDir,
		Host:             c.Device.Host,
		PixPerKP:         c.Pipeline.PixPerKP,
		MaxWorkgroupSize: c.Pipeline.MaxWorkgroupSize,
		InitSigma:        c.Pipeline.InitSigma,
		Profile:          c.Pipeline.Profile,
		Params:           c.Pipeline.Params,
	}
}
