package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bookingsync/internal/models"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("UPSTREAM_READ_TOKEN", "read-token")

	yamlContent := `
database:
  path: "test.db"
upstream:
  base_url: "https://api.example.com/v2"
  read_token: "${UPSTREAM_READ_TOKEN}"
webhook:
  quiet_period: 30s
queue:
  backend: memory
  concurrency: 2
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Upstream.ReadToken != "read-token" {
		t.Errorf("expected read token to be expanded from env, got %q", cfg.Upstream.ReadToken)
	}
	if cfg.Webhook.QuietPeriod != 30*time.Second {
		t.Errorf("expected quiet period 30s, got %s", cfg.Webhook.QuietPeriod)
	}
	if cfg.Queue.Concurrency != 2 {
		t.Errorf("expected concurrency 2, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Queue.MaxAttempts != models.DefaultMaxAttempts {
		t.Errorf("expected default max attempts, got %d", cfg.Queue.MaxAttempts)
	}
}

func TestLoadConfig_ShippedSample(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("UPSTREAM_READ_TOKEN", "read-token")
	t.Setenv("ADMIN_API_KEY", "ops-key")

	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("failed to load shipped config: %v", err)
	}
	if cfg.Webhook.Mode != WebhookModeDebounce {
		t.Errorf("shipped config must coalesce bursts with debounce, got %q", cfg.Webhook.Mode)
	}
	if cfg.Webhook.QuietPeriod != models.DefaultQuietPeriod {
		t.Errorf("expected quiet period %s, got %s", models.DefaultQuietPeriod, cfg.Webhook.QuietPeriod)
	}
	if cfg.Queue.JobTimeout != models.DefaultJobTimeout {
		t.Errorf("expected job timeout %s, got %s", models.DefaultJobTimeout, cfg.Queue.JobTimeout)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() Config {
	cfg := Config{
		Database: DatabaseConfig{Path: "path"},
		Upstream: UpstreamConfig{BaseURL: "https://api.example.com"},
		Queue:    QueueConfig{Backend: "memory"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.Upstream.BaseURL = "" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "oracle" }, wantErr: true},
		{name: "postgres without host", mutate: func(c *Config) { c.Database.Driver = "postgres" }, wantErr: true},
		{name: "provisioning without invite", mutate: func(c *Config) { c.Upstream.AllowProvisioning = true }, wantErr: true},
		{name: "redis backend without address", mutate: func(c *Config) { c.Queue.Backend = "redis" }, wantErr: true},
		{name: "unknown webhook mode", mutate: func(c *Config) { c.Webhook.Mode = "instant" }, wantErr: true},
		{name: "margin longer than burst", mutate: func(c *Config) { c.Upstream.RenewalMargin = 10 * time.Minute }, wantErr: true},
		{name: "telegram without chat", mutate: func(c *Config) {
			c.Notify.Telegram.Enabled = true
			c.Notify.Telegram.BotToken = "t"
		}, wantErr: true},
		{name: "duplicate api key", mutate: func(c *Config) {
			c.API.Auth.APIKeys = []APIClientKey{{Key: "k", Name: "a"}, {Key: "k", Name: "b"}}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Webhook.QuietPeriod != models.DefaultQuietPeriod {
		t.Errorf("expected default quiet period %s, got %s", models.DefaultQuietPeriod, cfg.Webhook.QuietPeriod)
	}
	if cfg.Webhook.Mode != WebhookModeDebounce {
		t.Errorf("expected debounce mode, got %s", cfg.Webhook.Mode)
	}
	if cfg.Queue.BackoffBase != 5*time.Second || cfg.Queue.BackoffFactor != 2 {
		t.Errorf("unexpected backoff defaults: %s x%.0f", cfg.Queue.BackoffBase, cfg.Queue.BackoffFactor)
	}
	if cfg.Upstream.RefreshSecretTTL != 25*24*time.Hour {
		t.Errorf("expected 25 day refresh secret ttl, got %s", cfg.Upstream.RefreshSecretTTL)
	}
	if cfg.API.Auth.HeaderAPIKey != "x-api-key" {
		t.Errorf("expected default api key header, got %s", cfg.API.Auth.HeaderAPIKey)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected sqlite3 driver, got %s", cfg.Database.Driver)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "sync", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=sync sslmode=disable"
	if got := p.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
