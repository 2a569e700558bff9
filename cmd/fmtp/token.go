package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aridsondez/fmtp/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		queues  []string
		admin   bool
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a server running with AUTH_MODE=jwt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("please provide a signing secret (--secret or JWT_SECRET)")
			}
			if subject == "" {
				return errors.New("please provide a subject (--subject)")
			}
			token, err := auth.GenerateToken([]byte(secret), subject, queues, admin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HMAC signing secret")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "queue the token may access (repeatable, * for all)")
	cmd.Flags().BoolVar(&admin, "admin", false, "allow admin inspect and gc")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
