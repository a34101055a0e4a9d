package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/heymex/MeshyMcMapface/internal/httpapi"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "token",
		Short:       "Manage bearer credentials",
		Annotations: map[string]string{offline: "true"},
	}
	cmd.AddCommand(newTokenIssueCommand())
	return cmd
}

func newTokenIssueCommand() *cobra.Command {
	var (
		secret string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue SUBJECT",
		Short: "Issue an agent or operator token",
		Long: `Issue a token signed with the collector's secret. For agent tokens the
subject is the agent id; the collector only accepts ingestion from an agent
token whose id matches the submitted batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("a signing secret is required (--secret or MMM_JWT_SECRET)")
			}
			tok, expires, err := httpapi.NewJWTAuth(secret).GenerateToken(args[0], role, ttl)
			if err != nil {
				return err
			}
			if ok, err := printJSON(cmd, map[string]any{"token": tok, "role": role, "subject": args[0], "expiresAt": expires}); ok {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s token for %s, expires %s\n", role, args[0], expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("MMM_JWT_SECRET"), "collector signing secret")
	cmd.Flags().StringVar(&role, "role", httpapi.RoleAgent, "agent or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", httpapi.DefaultTokenTTL, "token lifetime")
	return cmd
}
