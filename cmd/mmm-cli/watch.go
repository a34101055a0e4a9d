package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heymex/MeshyMcMapface/pkg/api"
	"github.com/heymex/MeshyMcMapface/pkg/meshclient"
)

func newWatchCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live collector notifications",
		Long: `Stream agent registrations, event batches and resolved routes as the
collector receives them. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many notifications (0 = forever)")
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, count int) error {
	w, err := client.Watch(ctx, meshclient.WatchConfig{})
	if err != nil {
		return fmt.Errorf("failed to watch: %w", err)
	}
	defer w.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(cmd.ErrOrStderr(), "👀 Watching %s\n", serverURL)
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Done():
			return nil
		case err := <-w.Errors():
			fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  %v\n", err)
		case n := <-w.Notifications():
			if jsonOut {
				if err := json.NewEncoder(out).Encode(n); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, describe(n))
			}
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		}
	}
}

func describe(n api.Notification) string {
	ts := n.Timestamp.Format(time.TimeOnly)
	switch n.Kind {
	case api.NotifyAgent:
		return fmt.Sprintf("%s agent %s registered", ts, n.AgentID)
	case api.NotifyEvents:
		return fmt.Sprintf("%s %s sent %d events (%d observations, %d connections)", ts, n.AgentID, n.Count, n.Observations, n.Connections)
	case api.NotifyRoute:
		if n.Route == nil {
			return fmt.Sprintf("%s %s resolved a route", ts, n.AgentID)
		}
		result := good("ok")
		if !n.Route.Success {
			result = bad("failed")
		}
		return fmt.Sprintf("%s %s route %s -> %s %s", ts, n.AgentID, n.Route.SourceNodeID, n.Route.TargetNodeID, result)
	default:
		return fmt.Sprintf("%s %s %s", ts, n.Kind, n.AgentID)
	}
}
