// Package config parses casfsd's layered configuration: a YAML file
// supplies defaults, command-line flags override it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the flag surface documented for cmd/casfsd.
type Config struct {
	Sidecar      string   `yaml:"sidecar"`
	Mount        string   `yaml:"mount"`
	StoreDir     string   `yaml:"store_dir"`
	ScratchDir   string   `yaml:"scratch_dir"`
	Anonymity    int      `yaml:"anonymity"`
	Priority     int      `yaml:"priority"`
	ShowURIFiles bool     `yaml:"show_uri_files"`
	LogFile      string   `yaml:"log_file"`
	FuseOptions  []string `yaml:"fuse_options"`
}

// Default returns the zero configuration with its non-zero defaults
// filled in.
func Default() Config {
	return Config{
		Anonymity: 1,
		Priority:  0,
	}
}

// Load reads a YAML config file at path, if it exists, merging its
// values over base. A missing file is not an error: it simply means
// every value comes from flags.
func Load(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return base, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return merge(base, fromFile), nil
}

// merge overlays non-zero fields of override onto base.
func merge(base, override Config) Config {
	out := base
	if override.Sidecar != "" {
		out.Sidecar = override.Sidecar
	}
	if override.Mount != "" {
		out.Mount = override.Mount
	}
	if override.StoreDir != "" {
		out.StoreDir = override.StoreDir
	}
	if override.ScratchDir != "" {
		out.ScratchDir = override.ScratchDir
	}
	if override.Anonymity != 0 {
		out.Anonymity = override.Anonymity
	}
	if override.Priority != 0 {
		out.Priority = override.Priority
	}
	if override.ShowURIFiles {
		out.ShowURIFiles = true
	}
	if override.LogFile != "" {
		out.LogFile = override.LogFile
	}
	if len(override.FuseOptions) > 0 {
		out.FuseOptions = override.FuseOptions
	}
	return out
}

// Validate reports whether the configuration has enough to mount.
func (c Config) Validate() error {
	if c.Sidecar == "" {
		return fmt.Errorf("config: sidecar path is required")
	}
	if c.Mount == "" {
		return fmt.Errorf("config: mount point is required")
	}
	if c.StoreDir == "" {
		return fmt.Errorf("config: store directory is required")
	}
	return nil
}
