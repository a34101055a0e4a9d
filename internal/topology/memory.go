// Package topology implements the collector's topology store.
//
// MemoryStore keeps everything in process behind sharded locks and maintains
// the link graph incrementally. PostgresStore persists the same model in
// PostgreSQL. Both satisfy topology.Store.
package topology

import (
	"cmp"
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

const shardCount = 16

type obsKey struct{ node, agent string }

type connKey struct{ from, to, agent string }

// shard holds the rows whose node (or link source) hashes to it.
type shard struct {
	mu    sync.RWMutex
	obs   map[obsKey]topology.Observation
	conns map[connKey]topology.DirectConnection
}

// MemoryStore implements topology.Store in memory. It is safe for concurrent
// use; writes to different nodes proceed in parallel.
type MemoryStore struct {
	shards [shardCount]*shard
	graph  *Graph

	routesMu sync.RWMutex
	routes   map[string]topology.ResolvedRoute

	agentsMu sync.RWMutex
	agents   map[string]topology.Agent

	closedMu sync.RWMutex
	closed   bool
}

var _ topology.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		graph:  NewGraph(),
		routes: make(map[string]topology.ResolvedRoute),
		agents: make(map[string]topology.Agent),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			obs:   make(map[obsKey]topology.Observation),
			conns: make(map[connKey]topology.DirectConnection),
		}
	}
	return s
}

func (s *MemoryStore) shardFor(node string) *shard {
	h := fnv.New32a()
	h.Write([]byte(node))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return topology.ErrStoreClosed
	}
	return nil
}

// UpsertObservation stores obs unless a newer row for the same node and
// agent is already present.
func (s *MemoryStore) UpsertObservation(ctx context.Context, obs topology.Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	sh := s.shardFor(obs.NodeID)
	key := obsKey{obs.NodeID, obs.AgentID}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.obs[key]; ok && cur.LastHeard.After(obs.LastHeard) {
		return nil
	}
	sh.obs[key] = obs
	return nil
}

// UpsertConnection merges conn into the stored link: packet counts add up,
// the seen window widens, and signal readings follow the latest sighting.
func (s *MemoryStore) UpsertConnection(ctx context.Context, conn topology.DirectConnection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	s.upsertConnection(conn)
	return nil
}

func (s *MemoryStore) upsertConnection(conn topology.DirectConnection) {
	normalizeConnection(&conn)

	sh := s.shardFor(conn.FromNode)
	key := connKey{conn.FromNode, conn.ToNode, conn.AgentID}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.conns[key]
	sh.conns[key] = mergeConnection(cur, ok, conn)
	if !ok {
		s.graph.AddEdge(conn.FromNode, conn.ToNode)
	}
}

func normalizeConnection(c *topology.DirectConnection) {
	if c.PacketCount <= 0 {
		c.PacketCount = 1
	}
	if c.FirstSeen.IsZero() || c.FirstSeen.After(c.LastSeen) {
		c.FirstSeen = c.LastSeen
	}
	if c.Quality == "" {
		c.Quality = topology.RateLink(c.RSSI, c.SNR)
	}
}

func mergeConnection(cur topology.DirectConnection, exists bool, in topology.DirectConnection) topology.DirectConnection {
	if !exists {
		return in
	}
	out := cur
	out.PacketCount += in.PacketCount
	if in.FirstSeen.Before(out.FirstSeen) {
		out.FirstSeen = in.FirstSeen
	}
	if !in.LastSeen.Before(cur.LastSeen) {
		out.LastSeen = in.LastSeen
		out.RSSI = in.RSSI
		out.SNR = in.SNR
		out.Quality = in.Quality
	}
	return out
}

// RecordRoute stores route by discovery id. A route already stored with the
// same or a later response time is left alone. New successful routes
// refresh one connection per path segment.
func (s *MemoryStore) RecordRoute(ctx context.Context, route topology.ResolvedRoute) error {
	if err := route.Validate(); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	s.routesMu.Lock()
	cur, exists := s.routes[route.DiscoveryID]
	if exists && !route.ResponseTimestamp.After(cur.ResponseTimestamp) {
		s.routesMu.Unlock()
		return nil
	}
	s.routes[route.DiscoveryID] = route
	s.routesMu.Unlock()

	if !exists {
		for _, c := range RouteConnections(route) {
			s.upsertConnection(c)
		}
	}
	return nil
}

// RouteConnections returns the direct links implied by a successful route.
func RouteConnections(route topology.ResolvedRoute) []topology.DirectConnection {
	if !route.Success || route.AgentID == "" {
		return nil
	}
	seen := route.ResponseTimestamp
	if seen.IsZero() {
		seen = route.DiscoveryTimestamp
	}
	conns := make([]topology.DirectConnection, 0, len(route.Path)-1)
	for i := 0; i+1 < len(route.Path); i++ {
		if route.Path[i] == route.Path[i+1] {
			continue
		}
		c := topology.DirectConnection{
			FromNode:    route.Path[i],
			ToNode:      route.Path[i+1],
			AgentID:     route.AgentID,
			PacketCount: 1,
			FirstSeen:   seen,
			LastSeen:    seen,
		}
		if i < len(route.SNRTowards) {
			snr := route.SNRTowards[i]
			c.SNR = &snr
		}
		conns = append(conns, c)
	}
	return conns
}

// RegisterAgent records an agent's registration, keeping its counters.
func (s *MemoryStore) RegisterAgent(ctx context.Context, agent topology.Agent) error {
	if agent.AgentID == "" {
		return topology.ErrInvalidObservation
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	if agent.LastSeen.IsZero() {
		agent.LastSeen = agent.RegisteredAt
	}

	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	if cur, ok := s.agents[agent.AgentID]; ok {
		agent.EventCount = cur.EventCount
		agent.LastHealth = cur.LastHealth
		if cur.LastSeen.After(agent.LastSeen) {
			agent.LastSeen = cur.LastSeen
		}
	}
	s.agents[agent.AgentID] = agent
	return nil
}

func (s *MemoryStore) TouchAgent(ctx context.Context, agentID string, t time.Time, events int, health bool) error {
	if agentID == "" {
		return topology.ErrInvalidObservation
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		a = topology.Agent{AgentID: agentID, RegisteredAt: t}
	}
	if t.After(a.LastSeen) {
		a.LastSeen = t
	}
	a.EventCount += int64(events)
	if health {
		ht := t
		a.LastHealth = &ht
	}
	s.agents[agentID] = a
	return nil
}

func (s *MemoryStore) Agents(ctx context.Context) ([]topology.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()

	out := make([]topology.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b topology.Agent) int { return cmp.Compare(a.AgentID, b.AgentID) })
	return out, nil
}

func (s *MemoryStore) CurrentTopology(ctx context.Context, agentID string) ([]topology.Observation, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []topology.Observation
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, o := range sh.obs {
			if agentID == "" || k.agent == agentID {
				out = append(out, o)
			}
		}
		sh.mu.RUnlock()
	}
	slices.SortFunc(out, compareObservations)
	return out, nil
}

func compareObservations(a, b topology.Observation) int {
	return cmp.Or(cmp.Compare(a.NodeID, b.NodeID), cmp.Compare(a.AgentID, b.AgentID))
}

// ActiveConnections lists links seen at or after now-window. A non-positive
// window lists every link.
func (s *MemoryStore) ActiveConnections(ctx context.Context, window time.Duration, now time.Time) ([]topology.DirectConnection, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	cutoff := now.Add(-window)
	var out []topology.DirectConnection
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, c := range sh.conns {
			if window <= 0 || !c.LastSeen.Before(cutoff) {
				out = append(out, c)
			}
		}
		sh.mu.RUnlock()
	}
	slices.SortFunc(out, compareConnections)
	return out, nil
}

func compareConnections(a, b topology.DirectConnection) int {
	return cmp.Or(
		cmp.Compare(a.FromNode, b.FromNode),
		cmp.Compare(a.ToNode, b.ToNode),
		cmp.Compare(a.AgentID, b.AgentID),
	)
}

func (s *MemoryStore) Reachability(ctx context.Context, nodeID string) (topology.Reachability, error) {
	if err := s.check(ctx); err != nil {
		return topology.Reachability{}, err
	}

	sh := s.shardFor(nodeID)
	sh.mu.RLock()
	var rows []topology.Observation
	for k, o := range sh.obs {
		if k.node == nodeID {
			rows = append(rows, o)
		}
	}
	sh.mu.RUnlock()

	return Summarize(nodeID, rows)
}

// Summarize aggregates a node's observations across agents.
func Summarize(nodeID string, rows []topology.Observation) (topology.Reachability, error) {
	if len(rows) == 0 {
		return topology.Reachability{}, topology.ErrNotFound
	}
	r := topology.Reachability{NodeID: nodeID, MinHops: rows[0].HopDistance, MaxHops: rows[0].HopDistance}
	total := 0
	for _, o := range rows {
		r.MinHops = min(r.MinHops, o.HopDistance)
		r.MaxHops = max(r.MaxHops, o.HopDistance)
		total += o.HopDistance
		r.Agents = append(r.Agents, o.AgentID)
		if o.LastHeard.After(r.LastHeard) {
			r.LastHeard = o.LastHeard
		}
	}
	r.AvgHops = float64(total) / float64(len(rows))
	slices.Sort(r.Agents)
	r.Agents = slices.Compact(r.Agents)
	return r, nil
}

// Routes returns matching routes, newest discovery first.
func (s *MemoryStore) Routes(ctx context.Context, q topology.RouteQuery) ([]topology.ResolvedRoute, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.routesMu.RLock()
	var out []topology.ResolvedRoute
	for _, r := range s.routes {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	s.routesMu.RUnlock()

	slices.SortFunc(out, func(a, b topology.ResolvedRoute) int {
		return cmp.Or(b.DiscoveryTimestamp.Compare(a.DiscoveryTimestamp), cmp.Compare(a.DiscoveryID, b.DiscoveryID))
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ShortestPath(ctx context.Context, source, target string, maxHops int) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.graph.Path(source, target, maxHops)
}

func (s *MemoryStore) Stats(ctx context.Context) (topology.Stats, error) {
	if err := s.check(ctx); err != nil {
		return topology.Stats{}, err
	}

	var st topology.Stats
	nodes := make(map[string]struct{})
	for _, sh := range s.shards {
		sh.mu.RLock()
		st.Observations += len(sh.obs)
		st.Connections += len(sh.conns)
		for k := range sh.obs {
			nodes[k.node] = struct{}{}
		}
		for k := range sh.conns {
			nodes[k.from] = struct{}{}
			nodes[k.to] = struct{}{}
		}
		sh.mu.RUnlock()
	}
	st.Nodes = len(nodes)

	s.routesMu.RLock()
	st.Routes = len(s.routes)
	for _, r := range s.routes {
		if r.Success {
			st.SuccessfulRoutes++
		}
	}
	s.routesMu.RUnlock()

	s.agentsMu.RLock()
	st.Agents = len(s.agents)
	s.agentsMu.RUnlock()
	return st, nil
}

// Prune drops observations, links and routes last updated before cutoff.
// Agents are kept.
func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (topology.PruneResult, error) {
	if err := s.check(ctx); err != nil {
		return topology.PruneResult{}, err
	}

	var res topology.PruneResult
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, o := range sh.obs {
			if o.LastHeard.Before(cutoff) {
				delete(sh.obs, k)
				res.Observations++
			}
		}
		for k, c := range sh.conns {
			if c.LastSeen.Before(cutoff) {
				delete(sh.conns, k)
				s.graph.RemoveEdge(k.from, k.to)
				res.Connections++
			}
		}
		sh.mu.Unlock()
	}

	s.routesMu.Lock()
	for id, r := range s.routes {
		if r.DiscoveryTimestamp.Before(cutoff) {
			delete(s.routes, id)
			res.Routes++
		}
	}
	s.routesMu.Unlock()
	return res, nil
}

// Close releases all rows. Further calls return topology.ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}
