package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/heymex/MeshyMcMapface/pkg/meshclient"
)

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.Agents(ctx)
			if err != nil {
				return fmt.Errorf("failed to list agents: %w", err)
			}
			if ok, err := printJSON(cmd, resp); ok {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "AGENT", "LOCATION", "NODE", "EVENTS", "LAST SEEN", "LAST HEALTH")
			for _, a := range resp.Agents {
				health := "never"
				if a.LastHealth != nil {
					health = since(*a.LastHealth)
				}
				row(tw, a.AgentID, a.LocationName, a.LocalNodeID, a.EventCount, since(a.LastSeen), health)
			}
			return tw.Flush()
		},
	}
}

func newTopologyCommand() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Show current node observations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.Topology(ctx, agentID)
			if err != nil {
				return fmt.Errorf("failed to get topology: %w", err)
			}
			if ok, err := printJSON(cmd, resp); ok {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "NODE", "AGENT", "HOPS", "RSSI", "SNR", "LAST HEARD")
			for _, o := range resp.Observations {
				row(tw, o.NodeID, o.AgentID, o.HopDistance, optInt(o.RSSI), optFloat(o.SNR), since(o.LastHeard))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only observations from this agent")
	return cmd
}

func newConnectionsCommand() *cobra.Command {
	var windowHours float64
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List direct radio links seen recently",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.Connections(ctx, windowHours)
			if err != nil {
				return fmt.Errorf("failed to list connections: %w", err)
			}
			if ok, err := printJSON(cmd, resp); ok {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "FROM", "TO", "AGENT", "QUALITY", "PACKETS", "SNR", "LAST SEEN")
			for _, c := range resp.Connections {
				row(tw, c.FromNode, c.ToNode, c.AgentID, c.Quality, c.PacketCount, optFloat(c.SNR), since(c.LastSeen))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Float64Var(&windowHours, "window-hours", 24, "look-back window in hours")
	return cmd
}

func newRoutesCommand() *cobra.Command {
	var (
		f     meshclient.RouteFilter
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List resolved routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			resp, err := client.Routes(ctx, f)
			if err != nil {
				return fmt.Errorf("failed to list routes: %w", err)
			}
			if ok, err := printJSON(cmd, resp); ok {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "DISCOVERY", "AGENT", "RESULT", "HOPS", "PATH", "DISCOVERED")
			for _, r := range resp.Routes {
				result := good("ok")
				if !r.Success {
					result = bad("failed")
				}
				row(tw, r.DiscoveryID, r.AgentID, result, r.HopCount, strings.Join(r.Path, " > "), r.DiscoveryTimestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.Source, "source", "", "source node")
	cmd.Flags().StringVar(&f.Target, "target", "", "target node")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "discovering agent")
	cmd.Flags().DurationVar(&since, "since", 0, "only routes discovered within this duration")
	cmd.Flags().BoolVar(&f.SuccessfulOnly, "successful", false, "only successful routes")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum routes to return")
	return cmd
}

func newReachabilityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reachability NODE",
		Short: "Summarise how a node is heard across agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.Reachability(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get reachability: %w", err)
			}
			if ok, err := printJSON(cmd, resp); ok {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Node: %s\n", resp.NodeID)
			fmt.Fprintf(out, "Hops: min %d, max %d, avg %.1f\n", resp.MinHops, resp.MaxHops, resp.AvgHops)
			fmt.Fprintf(out, "Agents: %s\n", strings.Join(resp.Agents, ", "))
			fmt.Fprintf(out, "Last heard: %s\n", since(resp.LastHeard))
			return nil
		},
	}
}

func newPathCommand() *cobra.Command {
	var maxHops int
	cmd := &cobra.Command{
		Use:   "path SOURCE TARGET",
		Short: "Find the shortest known path between two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.ShortestPath(ctx, args[0], args[1], maxHops)
			if err != nil {
				return fmt.Errorf("failed to find path: %w", err)
			}
			if ok, err := printJSON(cmd, resp); ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d hops)\n", strings.Join(resp.Path, " > "), resp.HopCount)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxHops, "max-hops", 0, "hop bound (collector default when zero)")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		agentID   string
		eventType string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent events received by the collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.Events(ctx, agentID, eventType, limit)
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}
			if ok, err := printJSON(cmd, resp); ok {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "OFFSET", "AGENT", "TYPE", "FROM", "HOPS", "RECEIVED")
			for _, e := range resp.Events {
				row(tw, e.Offset, e.AgentID, e.Event.Type, e.Event.FromNode, optInt(e.Event.HopsAway), e.ReceivedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only events from this agent")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to return")
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show collector statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			if ok, err := printJSON(cmd, resp); ok {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "📊 Collector statistics (up %s)\n", resp.Uptime)
			fmt.Fprintf(out, "   Agents: %d\n", resp.Store.Agents)
			fmt.Fprintf(out, "   Nodes: %d\n", resp.Store.Nodes)
			fmt.Fprintf(out, "   Observations: %d\n", resp.Store.Observations)
			fmt.Fprintf(out, "   Connections: %d\n", resp.Store.Connections)
			fmt.Fprintf(out, "   Routes: %d (%d successful)\n", resp.Store.Routes, resp.Store.SuccessfulRoutes)
			fmt.Fprintf(out, "   Recent events: %d\n", resp.Events)
			fmt.Fprintf(out, "   Stream clients: %d\n", resp.StreamClients)
			return nil
		},
	}
}
