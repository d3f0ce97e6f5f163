// Package config loads the gate's YAML configuration, overlaying it on
// built-in defaults so a missing or partial file still yields a usable
// setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luisfsill/abusegate/internal/classify"
	"github.com/luisfsill/abusegate/internal/domain"
)

// PolicyConfig is the wire form of a rate-limit policy. Durations are
// milliseconds, matching what call sites supply.
type PolicyConfig struct {
	MaxAttempts     int   `yaml:"max_attempts"`
	WindowMs        int64 `yaml:"window_ms"`
	BlockDurationMs int64 `yaml:"block_duration_ms"`
}

// StorageConfig selects and parametrises the ledger backend.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // memory | file | redis
	FilePath  string `yaml:"file_path"`
	RedisAddr string `yaml:"redis_addr"`
}

// ClassifierConfig carries the heuristic tuning knobs.
type ClassifierConfig struct {
	BotThreshold    int              `yaml:"bot_threshold"`
	Weights         classify.Weights `yaml:"weights"`
	BannedCountries []string         `yaml:"banned_countries"`
	GeoIPPath       string           `yaml:"geoip_path"`
}

// ThrottleConfig is the per-IP request limiter on the API surface.
type ThrottleConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AlertConfig enables the optional push notification channel.
type AlertConfig struct {
	PushoverToken     string `yaml:"pushover_token"`
	PushoverRecipient string `yaml:"pushover_recipient"`
}

// Config is the full service configuration.
type Config struct {
	Listen     string                  `yaml:"listen"`
	SecretKey  string                  `yaml:"secret_key"`
	Storage    StorageConfig           `yaml:"storage"`
	Policies   map[string]PolicyConfig `yaml:"policies"`
	Classifier ClassifierConfig        `yaml:"classifier"`
	Throttle   ThrottleConfig          `yaml:"throttle"`
	Alerts     AlertConfig             `yaml:"alerts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	policies := make(map[string]PolicyConfig)
	for action, p := range domain.DefaultPolicies() {
		policies[action] = PolicyConfig{
			MaxAttempts:     p.MaxAttempts,
			WindowMs:        p.Window.Milliseconds(),
			BlockDurationMs: p.BlockDuration.Milliseconds(),
		}
	}
	return &Config{
		Listen:    ":8080",
		SecretKey: "change-me-in-production",
		Storage:   StorageConfig{Backend: "memory", FilePath: "data/gate.db"},
		Policies:  policies,
		Classifier: ClassifierConfig{
			BotThreshold: classify.DefaultBotThreshold,
			Weights:      classify.DefaultWeights(),
		},
		Throttle: ThrottleConfig{RPS: 20, Burst: 40},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DomainPolicies converts the wire policies into their runtime form.
func (c *Config) DomainPolicies() map[string]domain.Policy {
	out := make(map[string]domain.Policy, len(c.Policies))
	for action, p := range c.Policies {
		out[action] = domain.Policy{
			MaxAttempts:   p.MaxAttempts,
			Window:        time.Duration(p.WindowMs) * time.Millisecond,
			BlockDuration: time.Duration(p.BlockDurationMs) * time.Millisecond,
		}
	}
	return out
}
