package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"nadfeud/internal/auth"
	"nadfeud/internal/config"
	"nadfeud/internal/domain"
)

// NewTokenCmd mints a session token for local testing against a running server.
func NewTokenCmd(configPath *string) *cobra.Command {
	var (
		session domain.AuthSession
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed session token for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret not configured")
			}
			token, err := auth.NewVerifier(cfg.Auth.JWTSecret, ttl).Issue(session)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&session.UserID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&session.Username, "name", "", "display name")
	cmd.Flags().StringSliceVar(&session.Roles, "role", nil, "role tags")
	cmd.Flags().BoolVar(&session.IsAdmin, "admin", false, "grant admin access")
	cmd.Flags().BoolVar(&session.CanVote, "can-vote", true, "grant voting permission")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
