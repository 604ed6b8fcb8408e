// Package config provides configuration loading and management for histonorm.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"histonorm/pkg/stainnorm"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Stain normalization parameters
	Normalization struct {
		// Io is the transmitted-light intensity of a stain-free pixel
		Io float64 `yaml:"io"`

		// Beta is the optical-density threshold separating tissue from background
		Beta float64 `yaml:"beta"`

		// Alpha is the robust percentile for the angular stain extremes
		Alpha float64 `yaml:"alpha"`

		// IntensityNorm matches stain strength to the target, not just stain color
		IntensityNorm bool `yaml:"intensityNorm"`
	} `yaml:"normalization"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Format is the encoding of the written files: png, jpg, tif or bmp
		Format string `yaml:"format"`

		// JPEGQuality is the encoder quality used for jpg output
		JPEGQuality int `yaml:"jpegQuality"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default normalization parameters
	p := stainnorm.DefaultParams()
	cfg.Normalization.Io = p.Io
	cfg.Normalization.Beta = p.Beta
	cfg.Normalization.Alpha = p.Alpha
	cfg.Normalization.IntensityNorm = p.IntensityNorm

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default output parameters
	cfg.Output.Format = "png"
	cfg.Output.JPEGQuality = 95

	return cfg
}

// NormParams converts the normalization section into the parameter struct
// the stain normalizer consumes
func (cfg *Config) NormParams() stainnorm.Params {
	return stainnorm.Params{
		Io:            cfg.Normalization.Io,
		Beta:          cfg.Normalization.Beta,
		Alpha:         cfg.Normalization.Alpha,
		IntensityNorm: cfg.Normalization.IntensityNorm,
	}
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
