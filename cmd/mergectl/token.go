package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fieldforce/internal/config"
	appctx "fieldforce/internal/core/context"
	"fieldforce/internal/domain/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		roles  []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			jwtConfig := auth.DefaultJWTConfig(cfg.JWT.Secret)
			jwtConfig.Issuer = cfg.JWT.Issuer
			jwtConfig.AccessTokenTTL = ttl

			token, expiresAt, err := auth.NewJWTService(jwtConfig).GenerateAccessToken(&appctx.UserContext{
				UserID: userID,
				Email:  email,
				Roles:  roles,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"token":     token,
				"expiresAt": expiresAt,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id (token subject)")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringSliceVar(&roles, "role", []string{appctx.RoleAdmin}, "Roles to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
