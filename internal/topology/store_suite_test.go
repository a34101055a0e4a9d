package topology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

// runStoreSuite exercises behaviour every topology.Store must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) topology.Store) {
	ctx := context.Background()

	t.Run("observation_last_write_wins", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertObservation(ctx, topology.Observation{NodeID: "!n1", AgentID: "a1", HopDistance: 2, LastHeard: t0}))
		// older row is ignored
		require.NoError(t, s.UpsertObservation(ctx, topology.Observation{NodeID: "!n1", AgentID: "a1", HopDistance: 5, LastHeard: t0.Add(-time.Minute)}))
		obs, err := s.CurrentTopology(ctx, "")
		require.NoError(t, err)
		require.Len(t, obs, 1)
		assert.Equal(t, 2, obs[0].HopDistance)

		// equal timestamp replaces
		require.NoError(t, s.UpsertObservation(ctx, topology.Observation{NodeID: "!n1", AgentID: "a1", HopDistance: 1, LastHeard: t0}))
		obs, err = s.CurrentTopology(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, obs[0].HopDistance)

		err = s.UpsertObservation(ctx, topology.Observation{NodeID: "!n1", AgentID: "a1", HopDistance: -1, LastHeard: t0})
		assert.ErrorIs(t, err, topology.ErrInvalidObservation)
	})

	t.Run("topology_filtered_by_agent", func(t *testing.T) {
		s := newStore(t)
		for _, o := range []topology.Observation{
			{NodeID: "!n2", AgentID: "a1", HopDistance: 1, LastHeard: t0},
			{NodeID: "!n1", AgentID: "a2", HopDistance: 3, LastHeard: t0},
			{NodeID: "!n1", AgentID: "a1", HopDistance: 0, RSSI: intp(-70), SNR: floatp(6.5), LastHeard: t0},
		} {
			require.NoError(t, s.UpsertObservation(ctx, o))
		}
		all, err := s.CurrentTopology(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"!n1/a1", "!n1/a2", "!n2/a1"}, obsKeys(all))
		require.NotNil(t, all[0].RSSI)
		assert.Equal(t, -70, *all[0].RSSI)

		a1, err := s.CurrentTopology(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, []string{"!n1/a1", "!n2/a1"}, obsKeys(a1))
	})

	t.Run("connection_merge", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertConnection(ctx, topology.DirectConnection{FromNode: "!a", ToNode: "!b", AgentID: "a1", SNR: floatp(8), FirstSeen: t0, LastSeen: t0}))
		require.NoError(t, s.UpsertConnection(ctx, topology.DirectConnection{FromNode: "!a", ToNode: "!b", AgentID: "a1", SNR: floatp(-3), PacketCount: 2, LastSeen: t0.Add(time.Hour)}))
		// a late, older sighting widens the window but keeps the newest signal
		require.NoError(t, s.UpsertConnection(ctx, topology.DirectConnection{FromNode: "!a", ToNode: "!b", AgentID: "a1", SNR: floatp(9), LastSeen: t0.Add(-time.Hour)}))

		conns, err := s.ActiveConnections(ctx, 0, t0)
		require.NoError(t, err)
		require.Len(t, conns, 1)
		c := conns[0]
		assert.EqualValues(t, 4, c.PacketCount)
		assert.True(t, c.FirstSeen.Equal(t0.Add(-time.Hour)))
		assert.True(t, c.LastSeen.Equal(t0.Add(time.Hour)))
		require.NotNil(t, c.SNR)
		assert.InDelta(t, -3, *c.SNR, 1e-9)
		assert.Equal(t, topology.QualityWeak, c.Quality)

		err = s.UpsertConnection(ctx, topology.DirectConnection{FromNode: "!a", ToNode: "!a", AgentID: "a1", LastSeen: t0})
		assert.ErrorIs(t, err, topology.ErrInvalidObservation)
	})

	t.Run("active_connections_window", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertConnection(ctx, topology.DirectConnection{FromNode: "!a", ToNode: "!b", AgentID: "a1", LastSeen: t0.Add(-30 * time.Minute)}))
		require.NoError(t, s.UpsertConnection(ctx, topology.DirectConnection{FromNode: "!c", ToNode: "!d", AgentID: "a1", LastSeen: t0.Add(-3 * time.Hour)}))

		recent, err := s.ActiveConnections(ctx, time.Hour, t0)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "!a", recent[0].FromNode)

		all, err := s.ActiveConnections(ctx, 24*time.Hour, t0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("reachability", func(t *testing.T) {
		s := newStore(t)
		for _, o := range []topology.Observation{
			{NodeID: "!n", AgentID: "a2", HopDistance: 3, LastHeard: t0},
			{NodeID: "!n", AgentID: "a1", HopDistance: 1, LastHeard: t0.Add(time.Minute)},
			{NodeID: "!m", AgentID: "a1", HopDistance: 6, LastHeard: t0},
		} {
			require.NoError(t, s.UpsertObservation(ctx, o))
		}
		r, err := s.Reachability(ctx, "!n")
		require.NoError(t, err)
		assert.Equal(t, 1, r.MinHops)
		assert.Equal(t, 3, r.MaxHops)
		assert.InDelta(t, 2.0, r.AvgHops, 1e-9)
		assert.Equal(t, []string{"a1", "a2"}, r.Agents)
		assert.True(t, r.LastHeard.Equal(t0.Add(time.Minute)))

		_, err = s.Reachability(ctx, "!unknown")
		assert.ErrorIs(t, err, topology.ErrNotFound)
	})

	t.Run("shortest_path", func(t *testing.T) {
		s := newStore(t)
		for _, l := range [][2]string{{"A", "B"}, {"B", "C"}, {"A", "D"}, {"D", "C"}, {"C", "E"}} {
			require.NoError(t, s.UpsertConnection(ctx, topology.DirectConnection{FromNode: l[0], ToNode: l[1], AgentID: "a1", LastSeen: t0}))
		}

		tests := []struct {
			name    string
			src     string
			dst     string
			maxHops int
			want    []string
			wantErr error
		}{
			{"direct_link_beats_detour", "A", "B", 8, []string{"A", "B"}, nil},
			{"two_hops_lowest_id_first", "A", "C", 7, []string{"A", "B", "C"}, nil},
			{"undirected", "E", "A", 7, []string{"E", "C", "B", "A"}, nil},
			{"same_node", "A", "A", 7, []string{"A"}, nil},
			{"beyond_hop_bound", "A", "E", 2, nil, topology.ErrNoPath},
			{"unknown_node", "A", "Z", 7, nil, topology.ErrNoPath},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ShortestPath(ctx, tt.src, tt.dst, tt.maxHops)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	})

	t.Run("record_route", func(t *testing.T) {
		s := newStore(t)
		ok := topology.ResolvedRoute{
			DiscoveryID: "d1", AgentID: "a1", SourceNodeID: "!s", TargetNodeID: "!t",
			Path: []string{"!s", "!m", "!t"}, HopCount: 2, SNRTowards: []float64{4.5, 2},
			DiscoveryTimestamp: t0, ResponseTimestamp: t0.Add(2 * time.Second), Success: true,
		}
		failed := topology.ResolvedRoute{
			DiscoveryID: "d2", AgentID: "a1", SourceNodeID: "!s", TargetNodeID: "!x",
			DiscoveryTimestamp: t0.Add(time.Minute), ResponseTimestamp: t0.Add(time.Minute + 30*time.Second),
		}
		require.NoError(t, s.RecordRoute(ctx, ok))
		require.NoError(t, s.RecordRoute(ctx, ok), "replay is a no-op")
		require.NoError(t, s.RecordRoute(ctx, failed))

		conns, err := s.ActiveConnections(ctx, 0, t0)
		require.NoError(t, err)
		require.Len(t, conns, 2, "one link per path segment of the successful route")
		assert.EqualValues(t, 1, conns[0].PacketCount)

		path, err := s.ShortestPath(ctx, "!t", "!s", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"!t", "!m", "!s"}, path)

		routes, err := s.Routes(ctx, topology.RouteQuery{})
		require.NoError(t, err)
		require.Len(t, routes, 2)
		assert.Equal(t, "d2", routes[0].DiscoveryID, "newest first")
		assert.Equal(t, []float64{4.5, 2}, routes[1].SNRTowards)

		routes, err = s.Routes(ctx, topology.RouteQuery{SuccessfulOnly: true})
		require.NoError(t, err)
		require.Len(t, routes, 1)
		assert.Equal(t, "d1", routes[0].DiscoveryID)

		routes, err = s.Routes(ctx, topology.RouteQuery{Target: "!x", Limit: 5})
		require.NoError(t, err)
		require.Len(t, routes, 1)
		assert.False(t, routes[0].Success)
		assert.Empty(t, routes[0].Path)

		routes, err = s.Routes(ctx, topology.RouteQuery{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, routes, 1)

		err = s.RecordRoute(ctx, topology.ResolvedRoute{DiscoveryID: "d3", SourceNodeID: "!s", TargetNodeID: "!t", Path: []string{"!s"}, Success: true})
		assert.ErrorIs(t, err, topology.ErrInvalidObservation)
		err = s.RecordRoute(ctx, topology.ResolvedRoute{DiscoveryID: "d4", SourceNodeID: "!s", TargetNodeID: "!t", Path: []string{"!s", "!t"}})
		assert.ErrorIs(t, err, topology.ErrInvalidObservation, "failed routes carry no path")
	})

	t.Run("agents", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.RegisterAgent(ctx, topology.Agent{AgentID: "a2", LocationName: "Hill", Latitude: 1.5, Longitude: -2, RegisteredAt: t0}))
		require.NoError(t, s.TouchAgent(ctx, "a2", t0.Add(time.Minute), 5, false))
		require.NoError(t, s.TouchAgent(ctx, "a2", t0.Add(2*time.Minute), 1, true))
		require.NoError(t, s.TouchAgent(ctx, "a1", t0, 3, false))
		// re-registration keeps counters
		require.NoError(t, s.RegisterAgent(ctx, topology.Agent{AgentID: "a2", LocationName: "Valley", RegisteredAt: t0.Add(3 * time.Minute)}))

		agents, err := s.Agents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, "a1", agents[0].AgentID)
		assert.EqualValues(t, 3, agents[0].EventCount)
		assert.Nil(t, agents[0].LastHealth)

		a2 := agents[1]
		assert.Equal(t, "Valley", a2.LocationName)
		assert.EqualValues(t, 6, a2.EventCount)
		require.NotNil(t, a2.LastHealth)
		assert.True(t, a2.LastHealth.Equal(t0.Add(2*time.Minute)))
		assert.True(t, a2.LastSeen.Equal(t0.Add(3*time.Minute)))
	})

	t.Run("stats_and_prune", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.TouchAgent(ctx, "a1", t0, 1, false))
		require.NoError(t, s.UpsertObservation(ctx, topology.Observation{NodeID: "!old", AgentID: "a1", HopDistance: 1, LastHeard: t0.Add(-48 * time.Hour)}))
		require.NoError(t, s.UpsertObservation(ctx, topology.Observation{NodeID: "!new", AgentID: "a1", HopDistance: 1, LastHeard: t0}))
		require.NoError(t, s.UpsertConnection(ctx, topology.DirectConnection{FromNode: "!old", ToNode: "!new", AgentID: "a1", LastSeen: t0.Add(-48 * time.Hour)}))
		require.NoError(t, s.RecordRoute(ctx, topology.ResolvedRoute{
			DiscoveryID: "d1", AgentID: "a1", SourceNodeID: "!s", TargetNodeID: "!old",
			Path: []string{"!s", "!old"}, DiscoveryTimestamp: t0.Add(-48 * time.Hour), ResponseTimestamp: t0.Add(-48 * time.Hour),
		}))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, topology.Stats{Agents: 1, Nodes: 2, Observations: 2, Connections: 1, Routes: 1}, st)

		res, err := s.Prune(ctx, t0.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, topology.PruneResult{Observations: 1, Connections: 1, Routes: 1}, res)

		_, err = s.ShortestPath(ctx, "!old", "!new", 3)
		assert.ErrorIs(t, err, topology.ErrNoPath, "pruned links leave the graph")

		st, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, topology.Stats{Agents: 1, Nodes: 1, Observations: 1}, st)
	})

	t.Run("closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		_, err := s.Stats(ctx)
		assert.ErrorIs(t, err, topology.ErrStoreClosed)
		err = s.UpsertObservation(ctx, topology.Observation{NodeID: "!n", AgentID: "a", LastHeard: t0})
		assert.ErrorIs(t, err, topology.ErrStoreClosed)
	})
}

func obsKeys(obs []topology.Observation) []string {
	out := make([]string, len(obs))
	for i, o := range obs {
		out[i] = o.NodeID + "/" + o.AgentID
	}
	return out
}
