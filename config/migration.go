package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/daniellavrushin/b4tun/log"
)

type MigrationFunc func(*Config) error

// CurrentConfigVersion must equal len(migrationRegistry).
const (
	CurrentConfigVersion = 2
	MinSupportedVersion  = 0
)

var migrationRegistry = map[int]MigrationFunc{
	0: migrateV0to1, // relay timeouts and limits
	1: migrateV1to2, // randomized delay bounds
}

// Migration: v0 -> v1 (relay section did not exist)
func migrateV0to1(c *Config) error {
	log.Tracef("Migration v0->v1: Adding relay timeouts and limits")
	c.Relay = DefaultConfig.Relay
	return nil
}

// Migration: v1 -> v2 (single delay became a [min,max] range)
func migrateV1to2(c *Config) error {
	log.Tracef("Migration v1->v2: Adding delay upper bound")
	if c.Bypass.DelayMaxMs < c.Bypass.DelayMinMs {
		c.Bypass.DelayMaxMs = c.Bypass.DelayMinMs
	}
	return nil
}

// LoadWithMigration loads path and upgrades older files in place.
func (c *Config) LoadWithMigration(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return log.Errorf("failed to read config file: %v", err)
	}

	if !isYAML(path) {
		var probe struct {
			Version *int `json:"version"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return log.Errorf("failed to parse config file: %v", err)
		}
		if probe.Version == nil {
			// unversioned files predate the relay section
			c.Version = 0
		}
	}

	if err := c.LoadFromFile(path); err != nil {
		return err
	}

	if c.Version < MinSupportedVersion {
		return fmt.Errorf("config version %d is not supported", c.Version)
	}

	for v := c.Version; v < CurrentConfigVersion; v++ {
		fn, ok := migrationRegistry[v]
		if !ok {
			return fmt.Errorf("no migration from config version %d", v)
		}
		if err := fn(c); err != nil {
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}
	}
	c.Version = CurrentConfigVersion
	return nil
}
