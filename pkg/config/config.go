// Package config loads wcdbg's optional YAML configuration file, grounded
// on delve's pkg/config.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDirName  = ".wcdbg"
	configFileName = "config.yml"
)

// Config holds every option settable through the config file.
type Config struct {
	// ListenAddr is the default HTTP listen address for `wcdbg serve`
	// when --listen is not given.
	ListenAddr string `yaml:"listen-addr"`

	// SourceDirs lists source search roots. It is loaded and saved with
	// the file; no other part of wcdbg reads it, so source paths are
	// resolved from DW_AT_comp_dir alone.
	SourceDirs []string `yaml:"source-dirs"`

	// DebugInfoDirectories lists directories for split debug-info files.
	// It is loaded and saved with the file; no other part of wcdbg reads
	// it, so only debug info carried by the PE image itself is used.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`

	// LogFields is the default value for --log-fields when --log is
	// passed without an explicit selection.
	LogFields string `yaml:"log-fields"`
}

// Default returns the zero-value configuration used when no config file
// exists.
func Default() *Config {
	return &Config{ListenAddr: "localhost:9541"}
}

// Load reads the config file at path, or the default
// ~/.wcdbg/config.yml if path is empty. A missing file is not an error:
// Load returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Default(), nil
		}
		path = filepath.Join(home, configDirName, configFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path (or the default location if path is empty),
// creating the containing directory if necessary.
func Save(cfg *Config, path string) error {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir := filepath.Join(home, configDirName)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		path = filepath.Join(dir, configFileName)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
