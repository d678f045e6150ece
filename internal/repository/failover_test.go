package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *mockCache) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func TestFailoverSecretCache(t *testing.T) {
	primary := new(mockCache)
	clock := clockwork.NewFakeClock()
	fallback := NewMemorySecretCache(clock)
	logger := zerolog.New(io.Discard)
	cache := NewFailoverSecretCache(primary, fallback, clock, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccessCopiesToFallback", func(t *testing.T) {
		primary.On("Set", ctx, "refresh", "s1", time.Hour).Return(nil).Once()
		require.NoError(t, cache.Set(ctx, "refresh", "s1", time.Hour))

		got, ok, err := fallback.Get(ctx, "refresh")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "s1", got)
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailServesFallback", func(t *testing.T) {
		primary.On("Get", ctx, "refresh").Return("", false, errors.New("connection refused")).Once()

		got, ok, err := cache.Get(ctx, "refresh")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "s1", got)
		assert.True(t, cache.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("NoProbeBeforeRecoveryInterval", func(t *testing.T) {
		_, _, err := cache.Get(ctx, "refresh")
		require.NoError(t, err)
		assert.True(t, cache.Degraded())
	})

	t.Run("Recovery", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		primary.On("Get", ctx, "refresh").Return("s1", true, nil).Once()

		got, ok, err := cache.Get(ctx, "refresh")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "s1", got)
		assert.False(t, cache.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("DeleteAlwaysClearsFallback", func(t *testing.T) {
		primary.On("Delete", ctx, "refresh").Return(errors.New("down")).Once()
		require.NoError(t, cache.Delete(ctx, "refresh"))
		_, ok, _ := fallback.Get(ctx, "refresh")
		assert.False(t, ok)
	})
}
