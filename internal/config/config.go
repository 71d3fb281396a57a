// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultSnapshotPath    = "/var/lib/bmc-cache/persistent_cache"
	DefaultPersistenceType = "file"
)

// Config defines the global configuration structure
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache"`
	Entities []EntityConfig `mapstructure:"entities"`
	Log      LogConfig      `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// CacheConfig defines the persistent property cache
type CacheConfig struct {
	Persistence PersistenceConfig `mapstructure:"persistence"`
	// Entity types whose cached properties are written to the snapshot.
	PersistEntityTypes []uint16 `mapstructure:"persist_entity_types"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // Snapshot file for "file/mmap", database file for "sql"
}

// EntityConfig maps one object path to its entity identity
type EntityConfig struct {
	Path      string `mapstructure:"path"`
	Type      uint16 `mapstructure:"type"`
	Instance  uint16 `mapstructure:"instance"`
	Container uint16 `mapstructure:"container"`
}

// LoadConfig loads configuration from file. A missing config file is not an
// error when no explicit path was given; defaults apply.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/bmc-cache/")
		v.AddConfigPath("$HOME/.bmc-cache")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("cache.persistence.type", DefaultPersistenceType)
	v.SetDefault("cache.persistence.path", DefaultSnapshotPath)

	v.SetEnvPrefix("BMC_CACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.fixup(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) fixup() error {
	c.Log.Level = strings.ToLower(c.Log.Level)

	p := &c.Cache.Persistence
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	switch p.Type {
	case "":
		p.Type = DefaultPersistenceType
	case "file", "mmap", "sql", "memory":
	default:
		return fmt.Errorf("unknown persistence type %q", p.Type)
	}
	if p.Type != "memory" {
		if strings.TrimSpace(p.Path) == "" {
			return fmt.Errorf("persistence path is required for type %q", p.Type)
		}
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			return fmt.Errorf("failed to resolve persistence path: %w", err)
		}
		p.Path = abs
	}

	seen := make(map[string]struct{}, len(c.Entities))
	for i, e := range c.Entities {
		if e.Path == "" {
			return fmt.Errorf("entity %d has no path", i)
		}
		if _, dup := seen[e.Path]; dup {
			return fmt.Errorf("entity path %q configured twice", e.Path)
		}
		seen[e.Path] = struct{}{}
	}
	return nil
}
