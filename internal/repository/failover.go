package repository

import (
	"context"
	"sync"
	"time"

	"bookingsync/internal/domain"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverSecretCache reads and writes through a primary cache and switches
// to the fallback while the primary is failing. The primary is probed again
// once recoveryInterval has passed.
type FailoverSecretCache struct {
	primary  domain.SecretCache
	fallback domain.SecretCache
	logger   zerolog.Logger
	clock    clockwork.Clock

	mu        sync.Mutex
	down      bool
	lastCheck time.Time
}

func NewFailoverSecretCache(primary, fallback domain.SecretCache, clock clockwork.Clock, logger *zerolog.Logger) *FailoverSecretCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "secret_cache").Logger()
	}
	return &FailoverSecretCache{primary: primary, fallback: fallback, clock: clock, logger: l}
}

// usePrimary reports whether the primary should be tried for this call.
func (c *FailoverSecretCache) usePrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.down {
		return true
	}
	if c.clock.Since(c.lastCheck) > recoveryInterval {
		c.lastCheck = c.clock.Now()
		return true
	}
	return false
}

func (c *FailoverSecretCache) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.down {
		c.logger.Error().Err(err).Msg("primary secret cache failed, falling back to memory")
	}
	c.down = true
	c.lastCheck = c.clock.Now()
}

func (c *FailoverSecretCache) markUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		c.logger.Info().Msg("primary secret cache recovered")
	}
	c.down = false
}

// Degraded reports whether calls are currently served by the fallback.
func (c *FailoverSecretCache) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

func (c *FailoverSecretCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c.usePrimary() {
		val, ok, err := c.primary.Get(ctx, key)
		if err == nil {
			c.markUp()
			return val, ok, nil
		}
		c.markDown(err)
	}
	return c.fallback.Get(ctx, key)
}

func (c *FailoverSecretCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.usePrimary() {
		err := c.primary.Set(ctx, key, value, ttl)
		if err == nil {
			c.markUp()
			// keep a copy so an outage does not lose the secret
			return c.fallback.Set(ctx, key, value, ttl)
		}
		c.markDown(err)
	}
	return c.fallback.Set(ctx, key, value, ttl)
}

func (c *FailoverSecretCache) Delete(ctx context.Context, key string) error {
	if c.usePrimary() {
		if err := c.primary.Delete(ctx, key); err != nil {
			c.markDown(err)
		} else {
			c.markUp()
		}
	}
	return c.fallback.Delete(ctx, key)
}
