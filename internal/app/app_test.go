package app

import (
	"context"
	"testing"
	"time"

	"bookingsync/internal/auth"
	"bookingsync/internal/config"
	"bookingsync/internal/queue"
	"bookingsync/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(backend, redisAddr string) *config.Config {
	return &config.Config{
		Redis: config.RedisConfig{Address: redisAddr, KeyPrefix: "bookingsync"},
		Upstream: config.UpstreamConfig{
			BaseURL:          "http://upstream.invalid/v2",
			Timeout:          time.Second,
			RefreshSecretTTL: time.Hour,
			TokenBurstWindow: 5 * time.Minute,
		},
		Queue: config.QueueConfig{
			Backend:       backend,
			Concurrency:   2,
			RatePerSecond: 4,
			MaxAttempts:   3,
			BackoffBase:   5 * time.Second,
			BackoffFactor: 2,
			BackoffMax:    time.Minute,
		},
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, defaultConfigPath, ConfigPath(""))

	t.Setenv("CONFIG_PATH", "/etc/bookingsync.yaml")
	assert.Equal(t, "/etc/bookingsync.yaml", ConfigPath(""))
	assert.Equal(t, "local.yaml", ConfigPath("local.yaml"))
}

func TestInitRedis(t *testing.T) {
	logger := zerolog.Nop()
	ctx := context.Background()

	client, err := InitRedis(ctx, testConfig(BackendMemory, ""), &logger)
	require.NoError(t, err)
	assert.Nil(t, client)

	_, err = InitRedis(ctx, testConfig(BackendRedis, ""), &logger)
	assert.ErrorIs(t, err, ErrRedisRequired)

	_, err = InitRedis(ctx, testConfig(BackendRedis, "127.0.0.1:1"), &logger)
	assert.ErrorIs(t, err, ErrRedisRequired)

	client, err = InitRedis(ctx, testConfig(BackendMemory, "127.0.0.1:1"), &logger)
	require.NoError(t, err, "memory backend tolerates a dead redis")
	assert.Nil(t, client)

	s := miniredis.RunT(t)
	client, err = InitRedis(ctx, testConfig(BackendRedis, s.Addr()), &logger)
	require.NoError(t, err)
	require.NotNil(t, client)
	_ = client.Close()
}

func TestNewQueueStore(t *testing.T) {
	store, err := NewQueueStore(testConfig(BackendMemory, ""), nil)
	require.NoError(t, err)
	assert.IsType(t, &queue.MemoryStore{}, store)

	_, err = NewQueueStore(testConfig(BackendRedis, ""), nil)
	assert.ErrorIs(t, err, ErrRedisRequired)

	_, err = NewQueueStore(testConfig("kafka", ""), nil)
	assert.Error(t, err)

	s := miniredis.RunT(t)
	logger := zerolog.Nop()
	client, err := InitRedis(context.Background(), testConfig(BackendRedis, s.Addr()), &logger)
	require.NoError(t, err)
	defer client.Close()

	store, err = NewQueueStore(testConfig(BackendRedis, s.Addr()), client)
	require.NoError(t, err)
	assert.IsType(t, &queue.RedisStore{}, store)
}

func TestQueueOptions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	opts := QueueOptions(testConfig(BackendMemory, ""), clock, nil, nil)

	assert.Equal(t, 2, opts.Concurrency)
	assert.Equal(t, 4.0, opts.RatePerSecond)
	assert.Equal(t, 3, opts.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, opts.Retry.NextDelay(1))
	assert.Equal(t, 10*time.Second, opts.Retry.NextDelay(2))
	assert.Equal(t, clock, opts.Clock)
}

func TestNewSecretCache(t *testing.T) {
	logger := zerolog.Nop()
	cfg := testConfig(BackendMemory, "")

	cache := NewSecretCache(cfg, nil, nil, &logger)
	assert.IsType(t, &repository.MemorySecretCache{}, cache)

	s := miniredis.RunT(t)
	client, err := InitRedis(context.Background(), testConfig(BackendRedis, s.Addr()), &logger)
	require.NoError(t, err)
	defer client.Close()

	cache = NewSecretCache(cfg, client, nil, &logger)
	require.IsType(t, &repository.FailoverSecretCache{}, cache)
	require.NoError(t, cache.Set(context.Background(), "k", "v", time.Minute))
	assert.True(t, s.Exists("bookingsync:secret:k"))
}

func TestNewCredentials_NotConfiguredWithoutSecret(t *testing.T) {
	logger := zerolog.Nop()
	cfg := testConfig(BackendMemory, "")
	cache := repository.NewMemorySecretCache(nil)

	mgr, err := NewCredentials(cfg, cache, clockwork.NewFakeClock(), &logger)
	require.NoError(t, err)

	err = mgr.Init(context.Background())
	assert.ErrorIs(t, err, auth.ErrNotConfigured)
	assert.Equal(t, string(auth.StateUninitialized), mgr.Snapshot().State)
	assert.False(t, mgr.Snapshot().ProvisioningAllowed)
	assert.Equal(t, auth.ErrNotConfigured.Error(), mgr.Snapshot().LastError)
}
