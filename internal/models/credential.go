package models

import "time"

// Credential is the write credential held by the credential manager.
type Credential struct {
	AccessToken   string    `json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
	RefreshSecret string    `json:"-"`
}

// TokenGrant is an upstream authentication response.
type TokenGrant struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn"`
}

// ExpiresAt converts the relative lifetime of the grant into a deadline.
func (g TokenGrant) ExpiresAt(issued time.Time) time.Time {
	return issued.Add(time.Duration(g.ExpiresIn) * time.Second)
}

// CredentialSnapshot is the operator view of the credential manager. It
// never carries secret material.
type CredentialSnapshot struct {
	State                string     `json:"state"`
	HasRefreshSecret     bool       `json:"has_refresh_secret"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`
	LastExchangeAt       *time.Time `json:"last_exchange_at,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	ProvisioningAllowed  bool       `json:"provisioning_allowed"`
}
