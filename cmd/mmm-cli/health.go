package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check collector health",
		Long:  "Check the health status of the collector and its topology store",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	health, err := client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if ok, err := printJSON(cmd, health); ok {
		return err
	}

	out := cmd.OutOrStdout()
	if health.Healthy {
		fmt.Fprintf(out, "✅ %s is %s\n", serverURL, good("healthy"))
	} else {
		fmt.Fprintf(out, "❌ %s is %s\n", serverURL, bad(health.Status))
	}
	fmt.Fprintf(out, "Version: %s\n", health.Version)
	fmt.Fprintf(out, "Uptime: %s\n", health.Uptime)
	fmt.Fprintf(out, "Store: %t\n", health.Store)
	return nil
}
