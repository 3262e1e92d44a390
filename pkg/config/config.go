// Package config provides configuration loading and management for the
// deeprad tools. It handles loading configuration from YAML files and
// provides default values; command-line flags override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"deeprad/pkg/augment"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many subjects are converted concurrently.
		NumCores int `yaml:"numCores"`

		// AugFactor is how many augmented passes are generated per subject.
		AugFactor int `yaml:"augFactor"`

		// AugRetries bounds how often a degenerate transform is redrawn
		// before falling back to the identity.
		AugRetries int `yaml:"augRetries"`

		// GridX and GridY partition the in-plane axes into tiles. 1x1
		// emits one tile per slice.
		GridX int `yaml:"gridX"`
		GridY int `yaml:"gridY"`
	} `yaml:"processing"`

	// Augmentation bounds; the zero value disables augmentation.
	Augmentation augment.Bounds `yaml:"augmentation"`

	// Normalization parameters for the deeprad_normalize pass.
	Normalization struct {
		// Method is one of minmax, zscore, percentile, custom.
		Method string `yaml:"method"`

		// CropBelow and CropAbove are the percentile bounds used by the
		// percentile method.
		CropBelow float64 `yaml:"cropBelow"`
		CropAbove float64 `yaml:"cropAbove"`
	} `yaml:"normalization"`

	// Output parameters
	Output struct {
		// Force allows writing into an existing, non-empty output folder.
		Force bool `yaml:"force"`

		// YCategorical marks the target tiles as label data, switching
		// their augmentation resampling to nearest-neighbor.
		YCategorical bool `yaml:"yCategorical"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.AugFactor = 1
	cfg.Processing.AugRetries = 3
	cfg.Processing.GridX = 1
	cfg.Processing.GridY = 1

	cfg.Normalization.Method = "percentile"
	cfg.Normalization.CropBelow = 0.0
	cfg.Normalization.CropAbove = 100.0

	cfg.Output.Force = false
	cfg.Output.YCategorical = false

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
