// Package config loads the fabric's operating parameters from the
// environment, mirroring the teacher's env+godotenv convention.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/adred-codev/meshpubsub/internal/errs"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	// Identity
	Name     string `env:"MESH_NAME" envDefault:"default"`
	NodeName string `env:"MESH_NODE" envDefault:"node1"`

	// Adapter / broadcast plane
	PoolSize          int `env:"MESH_POOL_SIZE" envDefault:"4"`
	BroadcastPoolSize int `env:"MESH_BROADCAST_POOL_SIZE" envDefault:"4"`

	// Registry
	RegistrySize int `env:"MESH_REGISTRY_SIZE" envDefault:"4"`

	// Tracker
	TrackerPoolSize int           `env:"MESH_TRACKER_POOL_SIZE" envDefault:"1"`
	BroadcastPeriod time.Duration `env:"MESH_BROADCAST_PERIOD" envDefault:"1500ms"`
	PermdownPeriod  time.Duration `env:"MESH_PERMDOWN_PERIOD" envDefault:"25s"`
	DownPeriod      time.Duration `env:"MESH_DOWN_PERIOD" envDefault:"6s"`

	// Logging
	LogLevel  string `env:"MESH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MESH_LOG_FORMAT" envDefault:"json"`

	// Ambient / domain stack
	MetricsNamespace     string        `env:"MESH_METRICS_NAMESPACE" envDefault:"meshpubsub"`
	HealthSampleInterval time.Duration `env:"MESH_HEALTH_SAMPLE_INTERVAL" envDefault:"5s"`
}

// Load reads Config from the environment, optionally seeded by a local
// .env file (missing .env is not an error — same policy as the teacher).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the cross-field invariants spec.md calls out explicitly,
// in particular broadcast_pool_size <= pool_size (§4.H).
func (c *Config) Validate() error {
	if c.Name == "" {
		return errs.New(errs.ConfigInvalid, "name is required")
	}
	if c.NodeName == "" {
		return errs.New(errs.ConfigInvalid, "node name is required")
	}
	if c.PoolSize < 1 {
		return errs.New(errs.ConfigInvalid, "pool_size must be > 0")
	}
	if c.BroadcastPoolSize < 1 || c.BroadcastPoolSize > c.PoolSize {
		return errs.New(errs.ConfigInvalid, fmt.Sprintf(
			"broadcast_pool_size (%d) must be in [1, pool_size=%d]", c.BroadcastPoolSize, c.PoolSize))
	}
	if c.RegistrySize < 1 {
		return errs.New(errs.ConfigInvalid, "registry_size must be > 0")
	}
	if c.TrackerPoolSize < 1 {
		return errs.New(errs.ConfigInvalid, "tracker_pool_size must be > 0")
	}
	if c.PermdownPeriod <= c.BroadcastPeriod {
		return errs.New(errs.ConfigInvalid, "permdown_period must be greater than broadcast_period")
	}
	return nil
}
