package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"bookingsync/internal/config"
	"bookingsync/internal/models"

	"github.com/rs/zerolog"
)

// AuthClient talks to the upstream authentication endpoints.
type AuthClient struct {
	*transport
}

func NewAuthClient(cfg config.UpstreamConfig, logger *zerolog.Logger) (*AuthClient, error) {
	t, err := newTransport(cfg, logger, "upstream_auth")
	if err != nil {
		return nil, err
	}
	return &AuthClient{transport: t}, nil
}

// Setup exchanges a one-time invite code for a refresh secret.
func (c *AuthClient) Setup(ctx context.Context, inviteCode, deviceName string) (models.TokenGrant, error) {
	headers := map[string]string{"code": inviteCode}
	if deviceName != "" {
		headers["deviceName"] = deviceName
	}
	grant, err := c.grant(ctx, "auth_setup", http.MethodGet, "/authentication/setup", headers)
	if err != nil {
		return grant, err
	}
	if grant.RefreshToken == "" {
		return grant, &APIError{Op: "auth_setup", StatusCode: http.StatusOK, Message: "response carried no refresh token"}
	}
	return grant, nil
}

// Refresh exchanges a refresh secret for a short-lived access token.
func (c *AuthClient) Refresh(ctx context.Context, refreshSecret string) (models.TokenGrant, error) {
	return c.grant(ctx, "auth_refresh", http.MethodGet, "/authentication/token", map[string]string{"refreshToken": refreshSecret})
}

// Revoke invalidates a refresh secret upstream.
func (c *AuthClient) Revoke(ctx context.Context, refreshSecret string) error {
	_, err := c.do(ctx, "auth_revoke", http.MethodDelete, "/authentication/token", nil, map[string]string{"refreshToken": refreshSecret}, nil)
	return err
}

// TokenDetails describes a token as reported by the upstream.
type TokenDetails struct {
	ValidToken bool `json:"validToken"`
	Token      struct {
		Scopes     []string `json:"scopes"`
		OwnerID    string   `json:"ownerId"`
		DeviceName string   `json:"deviceName"`
		Created    string   `json:"created"`
		Expires    string   `json:"expires"`
	} `json:"token"`
}

func (c *AuthClient) Details(ctx context.Context, token string) (TokenDetails, error) {
	var details TokenDetails
	data, err := c.do(ctx, "auth_details", http.MethodGet, "/authentication/details", nil, map[string]string{"token": token}, nil)
	if err != nil {
		return details, err
	}
	if err := json.Unmarshal(data, &details); err != nil {
		return details, fmt.Errorf("upstream auth_details: decode response: %w", err)
	}
	return details, nil
}

func (c *AuthClient) grant(ctx context.Context, op, method, path string, headers map[string]string) (models.TokenGrant, error) {
	var grant models.TokenGrant
	data, err := c.do(ctx, op, method, path, nil, headers, nil)
	if err != nil {
		return grant, err
	}
	if err := json.Unmarshal(data, &grant); err != nil {
		return grant, fmt.Errorf("upstream %s: decode response: %w", op, err)
	}
	if grant.Token == "" {
		return grant, &APIError{Op: op, StatusCode: http.StatusOK, Message: "response carried no token"}
	}
	c.logger.Info().Str("op", op).Int("expires_in", grant.ExpiresIn).Bool("refresh_token", grant.RefreshToken != "").Msg("upstream token issued")
	return grant, nil
}
