package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sciffer/sandboxgate/pkg/auth"
)

var tokenExpiry time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}
		if cfg.Auth.Secret == "" {
			return fmt.Errorf("auth.secret must be set to issue tokens")
		}

		token, expiresAt, err := auth.NewService(cfg.Auth.Secret, true, log.Logger).GenerateToken(args[0], tokenExpiry)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 24*time.Hour, "token lifetime")
}
