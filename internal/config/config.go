package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"bookingsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Notify     NotifyConfig     `yaml:"notify"`
	Backup     BackupConfig     `yaml:"backup"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Driver          string         `yaml:"driver"`
	Path            string         `yaml:"path"`
	Postgres        PostgresConfig `yaml:"postgres"`
	MaxOpenConns    int            `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration  `yaml:"conn_max_lifetime"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN builds a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type UpstreamConfig struct {
	BaseURL           string        `yaml:"base_url"`
	ReadToken         string        `yaml:"read_token"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	InviteCode        string        `yaml:"invite_code"`
	DeviceName        string        `yaml:"device_name"`
	AllowProvisioning bool          `yaml:"allow_provisioning"`
	RefreshSecretTTL  time.Duration `yaml:"refresh_secret_ttl"`
	TokenBurstWindow  time.Duration `yaml:"token_burst_window"`
	RenewalMargin     time.Duration `yaml:"renewal_margin"`
}

const (
	WebhookModeDebounce   = "debounce"
	WebhookModeQueueDelay = "queue_delay"
)

type WebhookConfig struct {
	Mode        string        `yaml:"mode"`
	QuietPeriod time.Duration `yaml:"quiet_period"`
}

type QueueConfig struct {
	Backend             string        `yaml:"backend"`
	Concurrency         int           `yaml:"concurrency"`
	RatePerSecond       float64       `yaml:"rate_per_second"`
	MaxAttempts         int           `yaml:"max_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	JobTimeout          time.Duration `yaml:"job_timeout"`
	CompletedRetention  time.Duration `yaml:"completed_retention"`
	FailedRetention     time.Duration `yaml:"failed_retention"`
	DeadLetterRetention time.Duration `yaml:"dead_letter_retention"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
}

type WorkerConfig struct {
	LocalRetries int           `yaml:"local_retries"`
	LocalBackoff time.Duration `yaml:"local_backoff"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
	Webhook   APIWebhookConfig   `yaml:"webhook"`
}

type APIHTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type APIWebhookConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.DBName == "" {
			return errors.New("postgres host and dbname are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Upstream.BaseURL == "" {
		return errors.New("upstream base_url is required")
	}
	if c.Upstream.AllowProvisioning && c.Upstream.InviteCode == "" {
		return errors.New("upstream invite_code is required when allow_provisioning is set")
	}
	if c.Upstream.RenewalMargin >= c.Upstream.TokenBurstWindow && c.Upstream.TokenBurstWindow > 0 {
		// a token could never be reused
		return errors.New("upstream renewal_margin must be shorter than token_burst_window")
	}

	switch c.Webhook.Mode {
	case WebhookModeDebounce, WebhookModeQueueDelay:
	default:
		return fmt.Errorf("unsupported webhook mode %q", c.Webhook.Mode)
	}
	if c.Webhook.QuietPeriod <= 0 {
		return errors.New("webhook quiet_period must be positive")
	}

	switch c.Queue.Backend {
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address is required for the redis queue backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue max_attempts must be at least 1")
	}
	if c.Queue.BackoffFactor < 1 {
		return errors.New("queue backoff_factor must be >= 1")
	}

	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == 0) {
		return errors.New("telegram bot_token and chat_id are required when notifications are enabled")
	}

	seen := make(map[string]bool)
	for _, k := range c.API.Auth.APIKeys {
		if k.Key == "" {
			return fmt.Errorf("api key %q is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for %q", k.Name)
		}
		seen[k.Key] = true
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "bookingsync"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Driver == "sqlite3" && c.Database.Path == "" {
		c.Database.Path = "data/bookings.db"
	}
	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}
	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}

	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "bookingsync"
	}

	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	if c.Upstream.RequestsPerMinute == 0 {
		c.Upstream.RequestsPerMinute = models.DefaultUpstreamRequestsPerMinute
	}
	if c.Upstream.DeviceName == "" {
		c.Upstream.DeviceName = "bookingsync"
	}
	if c.Upstream.RefreshSecretTTL == 0 {
		c.Upstream.RefreshSecretTTL = models.DefaultRefreshSecretTTL
	}
	if c.Upstream.TokenBurstWindow == 0 {
		c.Upstream.TokenBurstWindow = models.DefaultTokenBurstWindow
	}
	if c.Upstream.RenewalMargin == 0 {
		c.Upstream.RenewalMargin = models.DefaultRenewalMargin
	}

	if c.Webhook.Mode == "" {
		c.Webhook.Mode = WebhookModeDebounce
	}
	if c.Webhook.QuietPeriod == 0 {
		c.Webhook.QuietPeriod = models.DefaultQuietPeriod
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "redis"
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = models.DefaultConcurrency
	}
	if c.Queue.RatePerSecond == 0 {
		c.Queue.RatePerSecond = models.DefaultJobsPerSecond
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = models.DefaultMaxAttempts
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = models.DefaultBackoffBase
	}
	if c.Queue.BackoffFactor == 0 {
		c.Queue.BackoffFactor = 2
	}
	if c.Queue.BackoffMax == 0 {
		c.Queue.BackoffMax = 5 * time.Minute
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.JobTimeout == 0 {
		c.Queue.JobTimeout = models.DefaultJobTimeout
	}
	if c.Queue.CompletedRetention == 0 {
		c.Queue.CompletedRetention = models.DefaultCompletedRetention
	}
	if c.Queue.FailedRetention == 0 {
		c.Queue.FailedRetention = models.DefaultFailedRetention
	}
	if c.Queue.DeadLetterRetention == 0 {
		c.Queue.DeadLetterRetention = models.DefaultDeadLetterRetention
	}
	if c.Queue.CleanupInterval == 0 {
		c.Queue.CleanupInterval = time.Hour
	}

	if c.Worker.LocalRetries == 0 {
		c.Worker.LocalRetries = 3
	}
	if c.Worker.LocalBackoff == 0 {
		c.Worker.LocalBackoff = 2 * time.Second
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.HTTP.ShutdownTimeout == 0 {
		c.API.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 5
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 10
	}
	if c.API.Webhook.MaxBodyBytes == 0 {
		c.API.Webhook.MaxBodyBytes = 1 << 20
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
}
