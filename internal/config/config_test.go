package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/luisfsill/abusegate/internal/config"
	"github.com/luisfsill/abusegate/internal/domain"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Classifier.BotThreshold != 50 {
		t.Errorf("bot threshold = %d", cfg.Classifier.BotThreshold)
	}
	if _, ok := cfg.Policies[domain.ActionLogin]; !ok {
		t.Error("default policies missing login action")
	}
}

func TestLoad_OverlaysPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
listen: ":9090"
storage:
  backend: file
  file_path: /tmp/gate-test.db
policies:
  login:
    max_attempts: 3
    window_ms: 60000
    block_duration_ms: 120000
classifier:
  bot_threshold: 70
  banned_countries: [KP, IR]
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.FilePath != "/tmp/gate-test.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Classifier.BotThreshold != 70 {
		t.Errorf("bot threshold = %d", cfg.Classifier.BotThreshold)
	}
	if len(cfg.Classifier.BannedCountries) != 2 {
		t.Errorf("banned countries = %v", cfg.Classifier.BannedCountries)
	}
	// Untouched sections keep their defaults.
	if cfg.SecretKey != "change-me-in-production" {
		t.Errorf("secret = %q", cfg.SecretKey)
	}
	if cfg.Throttle.RPS != 20 {
		t.Errorf("throttle rps = %v", cfg.Throttle.RPS)
	}
}

func TestDomainPolicies_ConvertsMilliseconds(t *testing.T) {
	cfg := config.Default()
	cfg.Policies["login"] = config.PolicyConfig{
		MaxAttempts:     3,
		WindowMs:        60000,
		BlockDurationMs: 120000,
	}

	policies := cfg.DomainPolicies()
	p := policies["login"]
	if p.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", p.MaxAttempts)
	}
	if p.Window != time.Minute {
		t.Errorf("window = %v", p.Window)
	}
	if p.BlockDuration != 2*time.Minute {
		t.Errorf("block duration = %v", p.BlockDuration)
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Error("expected a parse error")
	}
}
