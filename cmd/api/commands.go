package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/happy-geeks/wiser-sub008/internal/auth"
	"github.com/happy-geeks/wiser-sub008/internal/config"
)

// newRootCommand serves the API by default; issue-token mints bearer tokens
// with the configured secret.
func newRootCommand(cfg config.Config, log zerolog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "wiser-api",
		Short:         "Wiser versioning and environment promotion API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, log)
		},
	}
	root.AddCommand(newIssueTokenCommand(cfg))
	return root
}

func newIssueTokenCommand(cfg config.Config) *cobra.Command {
	var (
		userID string
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "print a bearer token for one user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}
			if name == "" {
				name = userID
			}
			token, err := auth.IssueFor([]byte(cfg.JWTSecret), userID, name, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id carried as the token subject")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the user id)")
	cmd.Flags().DurationVar(&ttl, "ttl", cfg.TokenTTL, "token lifetime")
	return cmd
}
