package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var (
	// ErrNotConfigured means there is no refresh secret and provisioning is not allowed.
	ErrNotConfigured = errors.New("auth: no refresh secret cached and provisioning disabled")

	// ErrCredentialFailed is returned until an operator reprovisions the credential.
	ErrCredentialFailed = errors.New("auth: credential failed, reprovisioning required")
)

// RefreshSecretKey is the cache key of the long-lived refresh secret.
const RefreshSecretKey = "upstream:refresh_secret"

// State is the lifecycle position of the credential.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateCached        State = "CACHED"
	StateActive        State = "ACTIVE"
	StateFailed        State = "FAILED"
)

// Exchanger performs the upstream authentication calls.
type Exchanger interface {
	Setup(ctx context.Context, inviteCode, deviceName string) (models.TokenGrant, error)
	Refresh(ctx context.Context, refreshSecret string) (models.TokenGrant, error)
}

// TransientFunc decides whether an exchange error is worth retrying later.
type TransientFunc func(error) bool

type Options struct {
	InviteCode        string
	DeviceName        string
	AllowProvisioning bool
	RefreshSecretTTL  time.Duration
	// TokenBurstWindow bounds how long an access token is reused across writes.
	TokenBurstWindow time.Duration
	// RenewalMargin forces a new exchange when the token is this close to expiry.
	RenewalMargin time.Duration
	IsTransient   TransientFunc
	Clock         clockwork.Clock
	Logger        *zerolog.Logger
}

// Manager owns the write credential. Reads never go through it.
type Manager struct {
	cache     domain.SecretCache
	exchanger Exchanger
	opts      Options
	clock     clockwork.Clock
	logger    zerolog.Logger

	// exchangeMu serializes exchanges and is held across upstream calls.
	// mu guards the fields below; writers hold both.
	exchangeMu sync.Mutex
	mu         sync.RWMutex
	state      State
	credential models.Credential
	issuedAt   time.Time
	lastError  error
}

func NewManager(cache domain.SecretCache, exchanger Exchanger, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RefreshSecretTTL <= 0 {
		opts.RefreshSecretTTL = models.DefaultRefreshSecretTTL
	}
	if opts.TokenBurstWindow <= 0 {
		opts.TokenBurstWindow = models.DefaultTokenBurstWindow
	}
	if opts.RenewalMargin < 0 {
		opts.RenewalMargin = 0
	}
	if opts.IsTransient == nil {
		opts.IsTransient = func(error) bool { return false }
	}
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = opts.Logger.With().Str("component", "credentials").Logger()
	}
	return &Manager{
		cache:     cache,
		exchanger: exchanger,
		opts:      opts,
		clock:     opts.Clock,
		logger:    l,
		state:     StateUninitialized,
	}
}

// Init loads the refresh secret, provisioning a new one when allowed.
func (m *Manager) Init(ctx context.Context) error {
	m.exchangeMu.Lock()
	defer m.exchangeMu.Unlock()
	return m.initLocked(ctx)
}

// update applies a state change. The caller holds exchangeMu.
func (m *Manager) update(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *Manager) setError(err error) {
	m.update(func() { m.lastError = err })
}

func (m *Manager) initLocked(ctx context.Context) error {
	switch m.state {
	case StateCached, StateActive:
		return nil
	case StateFailed:
		return m.failedErr()
	}

	secret, ok, err := m.cache.Get(ctx, RefreshSecretKey)
	if err != nil {
		return fmt.Errorf("load refresh secret: %w", err)
	}
	if ok && secret != "" {
		m.update(func() {
			m.credential = models.Credential{RefreshSecret: secret}
			m.state = StateCached
		})
		m.logger.Info().Msg("refresh secret loaded from cache")
		return nil
	}

	if !m.opts.AllowProvisioning || m.opts.InviteCode == "" {
		m.setError(ErrNotConfigured)
		return ErrNotConfigured
	}
	return m.provisionLocked(ctx, m.opts.InviteCode)
}

// provisionLocked exchanges an invite code for a new refresh secret and persists it.
func (m *Manager) provisionLocked(ctx context.Context, inviteCode string) error {
	grant, err := m.exchanger.Setup(ctx, inviteCode, m.opts.DeviceName)
	if err != nil {
		metrics.IncCredential("provision", "error")
		m.setError(err)
		return fmt.Errorf("provision refresh secret: %w", err)
	}
	if err := m.cache.Set(ctx, RefreshSecretKey, grant.RefreshToken, m.opts.RefreshSecretTTL); err != nil {
		metrics.IncCredential("provision", "error")
		m.setError(err)
		return fmt.Errorf("persist refresh secret: %w", err)
	}
	metrics.IncCredential("provision", "ok")

	now := m.clock.Now()
	m.update(func() {
		m.credential = models.Credential{RefreshSecret: grant.RefreshToken}
		m.state = StateCached
		if grant.Token != "" {
			m.credential.AccessToken = grant.Token
			m.credential.ExpiresAt = grant.ExpiresAt(now)
			m.issuedAt = now
			m.state = StateActive
		}
		m.lastError = nil
	})
	m.logger.Info().Dur("ttl", m.opts.RefreshSecretTTL).Msg("refresh secret provisioned")
	return nil
}

// AccessToken returns a write credential. A token is reused only inside the
// burst window and outside the renewal margin; otherwise the refresh secret
// is exchanged again. Concurrent callers share one exchange.
func (m *Manager) AccessToken(ctx context.Context) (*oauth2.Token, error) {
	m.exchangeMu.Lock()
	defer m.exchangeMu.Unlock()

	if err := m.initLocked(ctx); err != nil {
		return nil, err
	}

	if m.state == StateActive && m.reusableLocked() {
		return m.tokenLocked(), nil
	}

	grant, err := m.exchanger.Refresh(ctx, m.credential.RefreshSecret)
	if err == nil {
		metrics.IncCredential("refresh", "ok")
		m.activateLocked(grant)
		return m.tokenLocked(), nil
	}

	if m.opts.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		metrics.IncCredential("refresh", "transient")
		m.setError(err)
		m.logger.Warn().Err(err).Msg("access token exchange failed, will retry on next write")
		return nil, fmt.Errorf("exchange refresh secret: %w", err)
	}

	metrics.IncCredential("refresh", "rejected")
	m.logger.Error().Err(err).Msg("refresh secret rejected")

	if !m.opts.AllowProvisioning || m.opts.InviteCode == "" {
		return nil, m.failLocked(err)
	}

	// the secret is dead; try once to provision a fresh one
	_ = m.cache.Delete(ctx, RefreshSecretKey)
	m.update(func() { m.state = StateUninitialized })
	if perr := m.provisionLocked(ctx, m.opts.InviteCode); perr != nil {
		return nil, m.failLocked(perr)
	}
	if m.state != StateActive {
		grant, rerr := m.exchanger.Refresh(ctx, m.credential.RefreshSecret)
		if rerr != nil {
			return nil, m.failLocked(rerr)
		}
		m.activateLocked(grant)
	}
	return m.tokenLocked(), nil
}

func (m *Manager) reusableLocked() bool {
	now := m.clock.Now()
	if now.Sub(m.issuedAt) >= m.opts.TokenBurstWindow {
		return false
	}
	return m.credential.ExpiresAt.Sub(now) > m.opts.RenewalMargin
}

func (m *Manager) activateLocked(grant models.TokenGrant) {
	now := m.clock.Now()
	expires := grant.ExpiresAt(now)
	if grant.ExpiresIn <= 0 {
		// unknown lifetime: trust it for one burst only
		expires = now.Add(m.opts.TokenBurstWindow + m.opts.RenewalMargin)
	}
	m.update(func() {
		m.credential.AccessToken = grant.Token
		m.credential.ExpiresAt = expires
		m.issuedAt = now
		m.state = StateActive
		m.lastError = nil
	})
}

func (m *Manager) failLocked(err error) error {
	m.update(func() {
		m.state = StateFailed
		m.lastError = err
		m.credential.AccessToken = ""
	})
	m.logger.Error().Err(err).Msg("credential failed; writes are disabled until reprovisioned")
	return fmt.Errorf("%w: %v", ErrCredentialFailed, err)
}

func (m *Manager) failedErr() error {
	if m.lastError != nil {
		return fmt.Errorf("%w: %v", ErrCredentialFailed, m.lastError)
	}
	return ErrCredentialFailed
}

func (m *Manager) tokenLocked() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: m.credential.AccessToken,
		TokenType:   "token",
		Expiry:      m.credential.ExpiresAt,
	}
}

// Reprovision replaces the refresh secret using a new invite code. It is the
// only way out of the FAILED state.
func (m *Manager) Reprovision(ctx context.Context, inviteCode string) error {
	if inviteCode == "" {
		inviteCode = m.opts.InviteCode
	}
	if inviteCode == "" {
		return errors.New("auth: invite code is required")
	}

	m.exchangeMu.Lock()
	defer m.exchangeMu.Unlock()

	prev := m.state
	m.update(func() { m.state = StateUninitialized })
	if err := m.provisionLocked(ctx, inviteCode); err != nil {
		m.update(func() { m.state = prev })
		return err
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot describes the manager without exposing secrets.
func (m *Manager) Snapshot() models.CredentialSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := models.CredentialSnapshot{
		State:               string(m.state),
		HasRefreshSecret:    m.credential.RefreshSecret != "",
		ProvisioningAllowed: m.opts.AllowProvisioning,
	}
	if m.state == StateActive {
		exp := m.credential.ExpiresAt
		issued := m.issuedAt
		s.AccessTokenExpiresAt = &exp
		s.LastExchangeAt = &issued
	}
	if m.lastError != nil {
		s.LastError = m.lastError.Error()
	}
	return s
}
