package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"soulqueue/internal/config"
	apphttp "soulqueue/internal/http"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		secret  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the soulqueue API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" || !cmd.Flags().Changed("ttl") {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if secret == "" {
					secret = cfg.Auth.JWTSecret
				}
				if !cmd.Flags().Changed("ttl") {
					ttl = time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute
				}
			}
			if secret == "" {
				return fmt.Errorf("no jwt secret: set SOULQUEUE_AUTH_JWTSECRET or pass --secret")
			}
			token, err := apphttp.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, 0 for no expiry (defaults to auth.tokenttlminutes)")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (defaults to auth.jwtsecret)")
	return cmd
}
