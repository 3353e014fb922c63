package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/driftline/internal/auth"
	"github.com/hyperengineering/driftline/internal/config"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <owner-id>",
	Short: "Issue a bearer token for an owner",
	Long:  "Sign an access token for owner-id with DRIFTLINE_JWT_SECRET. The token is printed to stdout.",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0,
		"Token lifetime (default: auth.token_ttl)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		if !config.DevMode() {
			return errors.New("DRIFTLINE_JWT_SECRET is required")
		}
		secret = devSecret
	}

	ttl := tokenTTL
	if ttl == 0 {
		ttl = time.Duration(cfg.Auth.TokenTTL)
	}

	token, err := auth.NewSigner(secret).Issue(args[0], ttl)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"owner_id":   args[0],
			"token":      token,
			"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
