// Package config provides configuration loading and management for tomorecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"tomorecon/pkg/geometry"
)

// ErrInvalid is returned by Validate for unusable settings
var ErrInvalid = errors.New("config: invalid value")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reconstruction parameters
	Reconstruction struct {
		// Size is the requested output volume size (x, y, z) in voxels
		Size [3]int `yaml:"size"`

		// PaddingFactor scales the CTF image relative to the output size
		PaddingFactor int `yaml:"paddingFactor"`

		// HalfGrid stores only the Hermitian half of each CTF image
		HalfGrid bool `yaml:"halfGrid"`

		// SquaredCTF inserts CTF^2 instead of the signed CTF
		SquaredCTF bool `yaml:"squaredCTF"`

		// SliceHalfWidth is the half-width R of the inserted slice in voxels
		SliceHalfWidth float64 `yaml:"sliceHalfWidth"`

		// WeightNorm divides every plane-distance weight
		WeightNorm float64 `yaml:"weightNorm"`

		// Bindings is the number of tilts bound and accumulated concurrently
		Bindings int `yaml:"bindings"`
	} `yaml:"reconstruction"`

	// Device parameters
	Device struct {
		// Workers bounds the slabs executed concurrently by one kernel launch
		Workers int `yaml:"workers"`

		// MemoryMB limits device allocations, 0 for no limit
		MemoryMB int `yaml:"memoryMB"`
	} `yaml:"device"`

	// Scheduler parameters for planning reconstruction workers
	Scheduler struct {
		GPUs             int   `yaml:"gpus"`
		GPUMemoryMB      int   `yaml:"gpuMemoryMB"`
		CalcSize         int   `yaml:"calcSize"`
		Interpolated     bool  `yaml:"interpolated"`
		AvailableWorkers int   `yaml:"availableWorkers"`
		BytesPerVoxel    int64 `yaml:"bytesPerVoxel"`
	} `yaml:"scheduler"`

	// Loader parameters for the binned image cache
	Loader struct {
		// CacheDir holds binned copies of input images
		CacheDir string `yaml:"cacheDir"`

		// BinFactor is the default binning factor
		BinFactor int `yaml:"binFactor"`

		// RetryUnitMS is the backoff unit between load attempts
		RetryUnitMS int `yaml:"retryUnitMS"`
	} `yaml:"loader"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// PreviewDir receives PNG previews of the accumulated volumes
		PreviewDir string `yaml:"previewDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Reconstruction.Size = [3]int{64, 64, 64}
	cfg.Reconstruction.PaddingFactor = 1
	cfg.Reconstruction.HalfGrid = false
	cfg.Reconstruction.SquaredCTF = true
	cfg.Reconstruction.SliceHalfWidth = geometry.DefaultSliceHalfWidth
	cfg.Reconstruction.WeightNorm = 1
	cfg.Reconstruction.Bindings = 1

	cfg.Device.Workers = runtime.NumCPU()
	cfg.Device.MemoryMB = 0

	cfg.Scheduler.GPUs = 1
	cfg.Scheduler.GPUMemoryMB = 16384
	cfg.Scheduler.CalcSize = 256
	cfg.Scheduler.Interpolated = false
	cfg.Scheduler.AvailableWorkers = runtime.NumCPU()
	cfg.Scheduler.BytesPerVoxel = 32

	cfg.Loader.CacheDir = "cache"
	cfg.Loader.BinFactor = 1
	cfg.Loader.RetryUnitMS = 1000

	cfg.Output.Verbose = false
	cfg.Output.PreviewDir = ""

	return cfg
}

// Validate reports the first unusable setting
func (c *Config) Validate() error {
	r := c.Reconstruction
	for i, n := range r.Size {
		if n <= 0 {
			return fmt.Errorf("%w: reconstruction.size[%d] = %d", ErrInvalid, i, n)
		}
	}
	if r.PaddingFactor < 1 {
		return fmt.Errorf("%w: reconstruction.paddingFactor = %d", ErrInvalid, r.PaddingFactor)
	}
	if r.SliceHalfWidth <= 0 {
		return fmt.Errorf("%w: reconstruction.sliceHalfWidth = %v", ErrInvalid, r.SliceHalfWidth)
	}
	if r.WeightNorm <= 0 {
		return fmt.Errorf("%w: reconstruction.weightNorm = %v", ErrInvalid, r.WeightNorm)
	}
	if r.Bindings < 1 {
		return fmt.Errorf("%w: reconstruction.bindings = %d", ErrInvalid, r.Bindings)
	}
	if c.Device.Workers < 0 || c.Device.MemoryMB < 0 {
		return fmt.Errorf("%w: device settings must not be negative", ErrInvalid)
	}
	if c.Loader.BinFactor < 1 {
		return fmt.Errorf("%w: loader.binFactor = %d", ErrInvalid, c.Loader.BinFactor)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
