package cli

import (
	"context"
	"errors"
	"fmt"

	"bookingsync/internal/auth"
	"bookingsync/internal/models"
	"bookingsync/internal/upstream"

	"github.com/spf13/cobra"
)

func newAuthCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Inspect and provision the upstream write credential",
	}
	cmd.AddCommand(newAuthStatusCmd(o))
	cmd.AddCommand(newAuthCheckCmd(o))
	cmd.AddCommand(newAuthProvisionCmd(o))
	return cmd
}

type authStatus struct {
	RefreshSecretCached bool                      `json:"refresh_secret_cached"`
	ProvisioningAllowed bool                      `json:"provisioning_allowed"`
	Credential          models.CredentialSnapshot `json:"credential"`
}

func newAuthStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a refresh secret is cached, without contacting the upstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				secret, ok, err := e.secrets.Get(ctx, auth.RefreshSecretKey)
				if err != nil {
					return fmt.Errorf("read refresh secret: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), authStatus{
					RefreshSecretCached: ok && secret != "",
					ProvisioningAllowed: e.cfg.Upstream.AllowProvisioning,
					Credential:          e.credentials.Snapshot(),
				})
			})
		},
	}
}

type authCheck struct {
	Credential   models.CredentialSnapshot `json:"credential"`
	Token        *upstream.TokenDetails    `json:"token,omitempty"`
	DetailsError string                    `json:"details_error,omitempty"`
}

func newAuthCheckCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Obtain an access token, ask the upstream what it grants and report the credential state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				if err := e.credentials.Init(ctx); err != nil && !errors.Is(err, auth.ErrNotConfigured) {
					return err
				}
				tok, tokenErr := e.credentials.AccessToken(ctx)
				report := authCheck{}
				if tokenErr == nil && e.authClient != nil {
					details, err := e.authClient.Details(ctx, tok.AccessToken)
					if err != nil {
						report.DetailsError = err.Error()
					} else {
						report.Token = &details
					}
				}
				report.Credential = e.credentials.Snapshot()
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				return tokenErr
			})
		},
	}
}

func newAuthProvisionCmd(o *rootOptions) *cobra.Command {
	var inviteCode string
	c := &cobra.Command{
		Use:   "provision",
		Short: "Exchange an invite code for a new refresh secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				code := inviteCode
				if code == "" {
					code = e.cfg.Upstream.InviteCode
				}
				if code == "" {
					return errors.New("an invite code is required: pass --invite-code or set upstream.invite_code")
				}
				if err := e.credentials.Reprovision(ctx, code); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credential provisioned, state %s\n", e.credentials.State())
				return nil
			})
		},
	}
	c.Flags().StringVar(&inviteCode, "invite-code", "", "one-time invite code (defaults to upstream.invite_code)")
	return c
}
