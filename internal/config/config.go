// Package config loads coordinatord's YAML configuration, in the style
// of the teacher's agents.LoadTeamsConfig (os.ReadFile + yaml.Unmarshal
// into a plain struct).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coordinatord/coordinatord/internal/notify"
	"github.com/coordinatord/coordinatord/internal/ratelimit"
)

// StoreConfig selects and configures the State Store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path,omitempty"`
}

// NATSConfig configures the optional cross-process event mirror.
type NATSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Embedded bool   `yaml:"embedded"`
	URL      string `yaml:"url,omitempty"`
	Port     int    `yaml:"port,omitempty"`
}

// NotifyConfig configures the external notification sinks.
type NotifyConfig struct {
	Slack   *notify.WebhookConfig `yaml:"slack,omitempty"`
	Discord *notify.WebhookConfig `yaml:"discord,omitempty"`
	Webhook *notify.WebhookConfig `yaml:"webhook,omitempty"`
}

// Config is coordinatord's top-level configuration, loaded once at
// startup by the coordinator container.
type Config struct {
	HTTPAddr  string              `yaml:"http_addr"`
	Store     StoreConfig         `yaml:"store"`
	NATS      NATSConfig          `yaml:"nats"`
	Notify    NotifyConfig        `yaml:"notify"`
	RateLimit ratelimit.Config    `yaml:"rate_limit"`
}

// Default returns the configuration used when no file is supplied: an
// in-memory store, no NATS mirror, no notification sinks, a permissive
// default rate limit.
func Default() Config {
	return Config{
		HTTPAddr: ":8090",
		Store:    StoreConfig{Backend: "memory"},
		RateLimit: ratelimit.Config{
			DefaultPerMin: 120,
			ExcludedPaths: []string{"/health", "/metrics"},
		},
	}
}

// Load reads and parses a YAML configuration file at path, layered
// over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
