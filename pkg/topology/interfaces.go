package topology

import (
	"context"
	"io"
	"time"
)

// Store is the collector's topology and route store.
//
// Upserts are last-write-wins per key: an incoming observation older than the
// stored one is ignored. Reads see whole rows only.
type Store interface {
	io.Closer

	UpsertObservation(ctx context.Context, obs Observation) error
	UpsertConnection(ctx context.Context, conn DirectConnection) error
	// RecordRoute stores a resolved route keyed by discovery id. A
	// successful route also refreshes a connection for each path segment.
	RecordRoute(ctx context.Context, route ResolvedRoute) error

	RegisterAgent(ctx context.Context, agent Agent) error
	// TouchAgent marks the agent seen at t and adds events to its count.
	// Unknown agents are created.
	TouchAgent(ctx context.Context, agentID string, t time.Time, events int, health bool) error
	Agents(ctx context.Context) ([]Agent, error)

	// CurrentTopology lists observations, optionally for one agent.
	CurrentTopology(ctx context.Context, agentID string) ([]Observation, error)
	// ActiveConnections lists connections seen within the last window.
	ActiveConnections(ctx context.Context, window time.Duration, now time.Time) ([]DirectConnection, error)
	Reachability(ctx context.Context, nodeID string) (Reachability, error)
	Routes(ctx context.Context, q RouteQuery) ([]ResolvedRoute, error)
	// ShortestPath returns the fewest-hop path between two nodes over
	// direct connections, bounded by maxHops.
	ShortestPath(ctx context.Context, source, target string, maxHops int) ([]string, error)

	Stats(ctx context.Context) (Stats, error)
	// Prune removes rows last updated before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (PruneResult, error)
}
