package main

import (
	"fmt"
	"time"

	"persona-chat/backend/pkg/config"
	"persona-chat/backend/pkg/jwt"
	"persona-chat/backend/pkg/secrets"

	"github.com/spf13/cobra"
)

type tokenFlags struct {
	userID string
	name   string
	expiry time.Duration
}

func init() {
	f := &tokenFlags{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if cfg.IsProduction() {
				return fmt.Errorf("refusing to mint tokens with APP_ENV=production")
			}
			secret := secrets.GetWithDefault(cmd.Context(), secrets.EnvManager{}, "jwt-secret", cfg.JWT.Secret)

			token, err := jwt.NewService(secret, cfg.JWT.Issuer, f.expiry).GenerateToken(f.userID, f.name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.userID, "user", "dev-user", "subject of the token")
	cmd.Flags().StringVar(&f.name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&f.expiry, "expiry", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(cmd)
}
