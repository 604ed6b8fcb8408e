package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Normalization.Io != 255 {
		t.Errorf("Expected default io 255, got %g", cfg.Normalization.Io)
	}
	if cfg.Normalization.Beta != 0.15 {
		t.Errorf("Expected default beta 0.15, got %g", cfg.Normalization.Beta)
	}
	if cfg.Normalization.Alpha != 1 {
		t.Errorf("Expected default alpha 1, got %g", cfg.Normalization.Alpha)
	}
	if !cfg.Normalization.IntensityNorm {
		t.Error("Expected intensity normalization to default to enabled")
	}
	if cfg.Processing.NumCores < 1 {
		t.Errorf("Expected at least one core, got %d", cfg.Processing.NumCores)
	}
	if cfg.Output.Format != "png" {
		t.Errorf("Expected default format png, got %s", cfg.Output.Format)
	}
	if cfg.Output.JPEGQuality != 95 {
		t.Errorf("Expected default JPEG quality 95, got %d", cfg.Output.JPEGQuality)
	}
}

func TestNormParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Normalization.Beta = 0.2
	cfg.Normalization.Alpha = 2.5
	cfg.Normalization.IntensityNorm = false

	p := cfg.NormParams()
	if p.Io != 255 || p.Beta != 0.2 || p.Alpha != 2.5 || p.IntensityNorm {
		t.Errorf("Expected params to mirror the config section, got %+v", p)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults for a missing file, got error: %v", err)
	}
	if cfg.Normalization.Io != 255 {
		t.Errorf("Expected default io 255, got %g", cfg.Normalization.Io)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "histonorm.yaml")

	cfg := DefaultConfig()
	cfg.Normalization.Alpha = 5
	cfg.Processing.NumCores = 2
	cfg.Output.Format = "tif"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if loaded.Normalization.Alpha != 5 {
		t.Errorf("Expected alpha 5, got %g", loaded.Normalization.Alpha)
	}
	if loaded.Processing.NumCores != 2 {
		t.Errorf("Expected 2 cores, got %d", loaded.Processing.NumCores)
	}
	if loaded.Output.Format != "tif" {
		t.Errorf("Expected format tif, got %s", loaded.Output.Format)
	}
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	partial := "normalization:\n  beta: 0.25\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Normalization.Beta != 0.25 {
		t.Errorf("Expected beta 0.25 from the file, got %g", cfg.Normalization.Beta)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Normalization.Io != 255 {
		t.Errorf("Expected default io 255, got %g", cfg.Normalization.Io)
	}
	if !cfg.Normalization.IntensityNorm {
		t.Error("Expected intensity normalization to stay enabled")
	}
	if cfg.Output.Format != "png" {
		t.Errorf("Expected default format png, got %s", cfg.Output.Format)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("normalization: ["), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected an error for malformed YAML")
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")

	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("Failed to create default config file: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load created config: %v", err)
	}
	if loaded.Normalization.Beta != 0.15 {
		t.Errorf("Expected default beta 0.15, got %g", loaded.Normalization.Beta)
	}
}
