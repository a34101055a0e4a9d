package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heymex/MeshyMcMapface/internal/config"
	"github.com/heymex/MeshyMcMapface/internal/health"
	"github.com/heymex/MeshyMcMapface/internal/localdb"
	"github.com/heymex/MeshyMcMapface/internal/queue"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "queue",
		Short:       "Inspect an agent's local delivery queue",
		Annotations: map[string]string{offline: "true"},
	}
	cmd.AddCommand(newQueueInspectCommand())
	return cmd
}

func newQueueInspectCommand() *cobra.Command {
	var (
		configPath string
		dbPath     string
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show per-destination queue counters and health",
		Long: `Open the agent's SQLite database and print queue depth, delivery
counters and persisted destination health. The agent's configuration
supplies the destination list. Safe to run while the agent is running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.DatabasePath
			}
			return runQueueInspect(cmd, cfg.Destinations, dbPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "agent.yaml", "agent configuration file")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (defaults to the configured one)")
	return cmd
}

type queueReport struct {
	Queue  []delivery.QueueStats            `json:"queue"`
	Health map[string]delivery.HealthRecord `json:"health"`
}

func runQueueInspect(cmd *cobra.Command, destinations []delivery.Destination, dbPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := localdb.Open(ctx, localdb.Config{Path: dbPath, PoolSize: 1})
	if err != nil {
		return err
	}
	defer db.Close()

	q, err := queue.NewSQLite(ctx, db, destinations, queue.Options{})
	if err != nil {
		return err
	}
	defer q.Close()

	report := queueReport{}
	if report.Queue, err = q.Stats(ctx); err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	if report.Health, err = health.NewSQLiteStore(db).LoadHealth(ctx); err != nil {
		return fmt.Errorf("load health: %w", err)
	}
	if ok, err := printJSON(cmd, report); ok {
		return err
	}

	tw := newTable(cmd.OutOrStdout(), "DESTINATION", "STATE", "DEPTH", "READY", "ENQUEUED", "DELIVERED", "REQUEUED", "DEAD-LETTERED", "DROPPED", "CORRUPT", "FAILURES")
	for _, s := range report.Queue {
		state, failures := "healthy", 0
		if rec, ok := report.Health[s.Destination]; ok {
			state, failures = rec.State.String(), rec.ConsecutiveFailures
		}
		row(tw, s.Destination, stateColor(state), s.Depth, s.Ready, s.Enqueued, s.Delivered, s.Requeued, s.DeadLetteredOut, s.Dropped, s.Corrupt, failures)
	}
	return tw.Flush()
}
