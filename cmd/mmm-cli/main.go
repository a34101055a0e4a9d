package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/heymex/MeshyMcMapface/pkg/meshclient"
)

var (
	// Global flags
	serverURL string
	token     string
	timeout   time.Duration
	jsonOut   bool

	// Global client instance
	client *meshclient.Client
)

// offline marks commands that never talk to a collector.
const offline = "offline"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mmm-cli",
		Short: "MeshyMcMapface collector command line interface",
		Long: `mmm-cli queries a MeshyMcMapface collector: agents, topology, direct
connections, resolved routes and live notifications. It can also issue
credentials and inspect an agent's local delivery queue offline.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("MMM_SERVER_URL", "http://localhost:8080"), "collector URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("MMM_TOKEN"), "bearer token (operator or agent)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON")

	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newTopologyCommand())
	rootCmd.AddCommand(newConnectionsCommand())
	rootCmd.AddCommand(newRoutesCommand())
	rootCmd.AddCommand(newReachabilityCommand())
	rootCmd.AddCommand(newPathCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newQueueCommand())

	return rootCmd
}

// initializeClient sets up the collector client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip client initialization for help and offline commands
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[offline]; ok {
			return nil
		}
	}

	var err error
	client, err = meshclient.NewClient(meshclient.Config{
		ServerURL: serverURL,
		Token:     token,
		Timeout:   timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
