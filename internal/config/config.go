// Package config loads the optional TOML configuration file and digs
// settings out of the target cluster's own configuration.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional pgrewind configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. Pointers distinguish
// "not set" from an explicit false.
type DefaultsConfig struct {
	Progress         *bool   `toml:"progress"`
	NoSync           *bool   `toml:"no_sync"`
	RestoreTargetWal *bool   `toml:"restore_target_wal"`
	Verify           *bool   `toml:"verify"`
	BWLimit          *string `toml:"bwlimit"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "pgrewind", "config.toml")
}

// Load reads the config file at path, or at the XDG path when path is
// empty. A missing default file is not an error; the config is always
// optional. A missing explicitly named file is.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = Path()
		if path == "" {
			return Config{}, nil
		}
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
