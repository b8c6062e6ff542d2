package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/treepeck/pulse/internal/app"
	"github.com/treepeck/pulse/internal/auth"
)

var tokenTTL time.Duration

// tokenCmd mints development credentials with the configured secret.
var tokenCmd = &cobra.Command{
	Use:   "token <userId>",
	Short: "Issue a signed credential for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := load()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return app.ErrNoSecret
		}

		token, err := auth.NewVerifier(cfg.Auth.JWTSecret).Sign(args[0], tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "credential lifetime")
}
