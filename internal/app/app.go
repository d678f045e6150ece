// Package app builds the runtime graph shared by syncd and syncctl.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"bookingsync/internal/auth"
	"bookingsync/internal/config"
	"bookingsync/internal/domain"
	"bookingsync/internal/logging"
	"bookingsync/internal/queue"
	"bookingsync/internal/repository"
	"bookingsync/internal/upstream"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"

	defaultConfigPath = "configs/config.yaml"
)

var ErrRedisRequired = errors.New("redis is required for the redis queue backend")

// ConfigPath resolves the config file: explicit flag, then CONFIG_PATH, then
// the default location.
func ConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return defaultConfigPath
}

func LoadConfigAndLogger(path, component string) (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(baseLogger, component), closer, nil
}

// InitRedis connects when an address is configured. A failed ping is fatal
// only when the queue lives in redis; otherwise the service runs without it.
func InitRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, error) {
	if cfg.Redis.Address == "" {
		if cfg.Queue.Backend == BackendRedis {
			return nil, ErrRedisRequired
		}
		return nil, nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		_ = repository.Close(client)
		if cfg.Queue.Backend == BackendRedis {
			return nil, fmt.Errorf("%w: %v", ErrRedisRequired, err)
		}
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		return nil, nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client, nil
}

func NewQueueStore(cfg *config.Config, client *redis.Client) (queue.Store, error) {
	switch cfg.Queue.Backend {
	case BackendRedis:
		if client == nil {
			return nil, ErrRedisRequired
		}
		return queue.NewRedisStore(client, cfg.Redis.KeyPrefix), nil
	case BackendMemory:
		return queue.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

func QueueOptions(cfg *config.Config, clock clockwork.Clock, bus domain.EventPublisher, logger *zerolog.Logger) queue.Options {
	return queue.Options{
		Concurrency:   cfg.Queue.Concurrency,
		RatePerSecond: cfg.Queue.RatePerSecond,
		Retry: queue.RetryPolicy{
			MaxAttempts:   cfg.Queue.MaxAttempts,
			InitialDelay:  cfg.Queue.BackoffBase,
			MaxDelay:      cfg.Queue.BackoffMax,
			BackoffFactor: cfg.Queue.BackoffFactor,
		},
		PollInterval:        cfg.Queue.PollInterval,
		JobTimeout:          cfg.Queue.JobTimeout,
		CompletedRetention:  cfg.Queue.CompletedRetention,
		FailedRetention:     cfg.Queue.FailedRetention,
		DeadLetterRetention: cfg.Queue.DeadLetterRetention,
		CleanupInterval:     cfg.Queue.CleanupInterval,
		Clock:               clock,
		Bus:                 bus,
		Logger:              logger,
	}
}

// NewSecretCache prefers redis and falls back to process memory while redis
// is unreachable. Without redis the secret only lives as long as the process.
func NewSecretCache(cfg *config.Config, client *redis.Client, clock clockwork.Clock, logger *zerolog.Logger) domain.SecretCache {
	memory := repository.NewMemorySecretCache(clock)
	if client == nil {
		logger.Warn().Msg("no redis configured, refresh secret will not survive restarts")
		return memory
	}
	primary := repository.NewRedisSecretCache(client, cfg.Redis.KeyPrefix)
	return repository.NewFailoverSecretCache(primary, memory, clock, logger)
}

func NewCredentials(cfg *config.Config, cache domain.SecretCache, clock clockwork.Clock, logger *zerolog.Logger) (*auth.Manager, error) {
	authClient, err := upstream.NewAuthClient(cfg.Upstream, logger)
	if err != nil {
		return nil, fmt.Errorf("upstream auth client: %w", err)
	}
	return auth.NewManager(cache, authClient, auth.Options{
		InviteCode:        cfg.Upstream.InviteCode,
		DeviceName:        cfg.Upstream.DeviceName,
		AllowProvisioning: cfg.Upstream.AllowProvisioning,
		RefreshSecretTTL:  cfg.Upstream.RefreshSecretTTL,
		TokenBurstWindow:  cfg.Upstream.TokenBurstWindow,
		RenewalMargin:     cfg.Upstream.RenewalMargin,
		IsTransient:       upstream.IsTransient,
		Clock:             clock,
		Logger:            logger,
	}), nil
}
