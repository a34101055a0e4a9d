package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

// PostgresConfig configures OpenPostgres.
type PostgresConfig struct {
	URL      string `yaml:"url" json:"url"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
}

// PostgresStore implements topology.Store on PostgreSQL. Per-key upserts
// are single statements, so concurrent agents serialise on row locks.
type PostgresStore struct {
	pool *pgxpool.Pool

	closeOnce sync.Once
	closed    chan struct{}
}

var _ topology.Store = (*PostgresStore)(nil)

// OpenPostgres connects, pings and migrates the database.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	pcfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, closed: make(chan struct{})}, nil
}

// Ping checks the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) check() error {
	select {
	case <-s.closed:
		return topology.ErrStoreClosed
	default:
		return nil
	}
}

func (s *PostgresStore) UpsertObservation(ctx context.Context, obs topology.Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO observations (node_id, agent_id, hop_distance, rssi, snr, last_heard)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (node_id, agent_id) DO UPDATE SET
			hop_distance = EXCLUDED.hop_distance,
			rssi = EXCLUDED.rssi,
			snr = EXCLUDED.snr,
			last_heard = EXCLUDED.last_heard
		WHERE observations.last_heard <= EXCLUDED.last_heard`,
		obs.NodeID, obs.AgentID, obs.HopDistance, obs.RSSI, obs.SNR, obs.LastHeard)
	if err != nil {
		return fmt.Errorf("upsert observation: %w", err)
	}
	return nil
}

const upsertConnectionSQL = `
	INSERT INTO connections (from_node, to_node, agent_id, rssi, snr, quality, packet_count, first_seen, last_seen)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (from_node, to_node, agent_id) DO UPDATE SET
		packet_count = connections.packet_count + EXCLUDED.packet_count,
		first_seen = LEAST(connections.first_seen, EXCLUDED.first_seen),
		rssi = CASE WHEN EXCLUDED.last_seen >= connections.last_seen THEN EXCLUDED.rssi ELSE connections.rssi END,
		snr = CASE WHEN EXCLUDED.last_seen >= connections.last_seen THEN EXCLUDED.snr ELSE connections.snr END,
		quality = CASE WHEN EXCLUDED.last_seen >= connections.last_seen THEN EXCLUDED.quality ELSE connections.quality END,
		last_seen = GREATEST(connections.last_seen, EXCLUDED.last_seen)`

func (s *PostgresStore) UpsertConnection(ctx context.Context, conn topology.DirectConnection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}
	normalizeConnection(&conn)
	if _, err := s.pool.Exec(ctx, upsertConnectionSQL, connectionArgs(conn)...); err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

func connectionArgs(c topology.DirectConnection) []any {
	return []any{c.FromNode, c.ToNode, c.AgentID, c.RSSI, c.SNR, string(c.Quality), c.PacketCount, c.FirstSeen, c.LastSeen}
}

func (s *PostgresStore) RecordRoute(ctx context.Context, route topology.ResolvedRoute) error {
	if err := route.Validate(); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	path := route.Path
	if path == nil {
		path = []string{}
	}

	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO routes (discovery_id, agent_id, source_node, target_node, path, hop_count, total_time_ms,
			discovery_ts, response_ts, success, route_back, snr_towards, snr_back)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (discovery_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			path = EXCLUDED.path,
			hop_count = EXCLUDED.hop_count,
			total_time_ms = EXCLUDED.total_time_ms,
			response_ts = EXCLUDED.response_ts,
			success = EXCLUDED.success,
			route_back = EXCLUDED.route_back,
			snr_towards = EXCLUDED.snr_towards,
			snr_back = EXCLUDED.snr_back
		WHERE routes.response_ts < EXCLUDED.response_ts
		RETURNING (xmax = 0)`,
		route.DiscoveryID, route.AgentID, route.SourceNodeID, route.TargetNodeID, path, route.HopCount,
		route.TotalTimeMs, route.DiscoveryTimestamp, route.ResponseTimestamp, route.Success,
		route.RouteBack, route.SNRTowards, route.SNRBack,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record route: %w", err)
	}

	if inserted {
		for _, c := range RouteConnections(route) {
			normalizeConnection(&c)
			if _, err := tx.Exec(ctx, upsertConnectionSQL, connectionArgs(c)...); err != nil {
				return fmt.Errorf("route connection: %w", err)
			}
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RegisterAgent(ctx context.Context, agent topology.Agent) error {
	if agent.AgentID == "" {
		return topology.ErrInvalidObservation
	}
	if err := s.check(); err != nil {
		return err
	}
	if agent.LastSeen.IsZero() {
		agent.LastSeen = agent.RegisteredAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, location_name, latitude, longitude, local_node_id, registered_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			location_name = EXCLUDED.location_name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			local_node_id = EXCLUDED.local_node_id,
			registered_at = EXCLUDED.registered_at,
			last_seen = GREATEST(agents.last_seen, EXCLUDED.last_seen)`,
		agent.AgentID, agent.LocationName, agent.Latitude, agent.Longitude, agent.LocalNodeID, agent.RegisteredAt, agent.LastSeen)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchAgent(ctx context.Context, agentID string, t time.Time, events int, health bool) error {
	if agentID == "" {
		return topology.ErrInvalidObservation
	}
	if err := s.check(); err != nil {
		return err
	}
	var lastHealth *time.Time
	if health {
		lastHealth = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, registered_at, last_seen, event_count, last_health)
		VALUES ($1, $2, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			last_seen = GREATEST(agents.last_seen, EXCLUDED.last_seen),
			event_count = agents.event_count + EXCLUDED.event_count,
			last_health = COALESCE(EXCLUDED.last_health, agents.last_health)`,
		agentID, t, int64(events), lastHealth)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) Agents(ctx context.Context) ([]topology.Agent, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, location_name, latitude, longitude, local_node_id, registered_at, last_seen, event_count, last_health
		FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (topology.Agent, error) {
		var a topology.Agent
		err := row.Scan(&a.AgentID, &a.LocationName, &a.Latitude, &a.Longitude, &a.LocalNodeID,
			&a.RegisteredAt, &a.LastSeen, &a.EventCount, &a.LastHealth)
		return a, err
	})
}

func scanObservation(row pgx.CollectableRow) (topology.Observation, error) {
	var o topology.Observation
	err := row.Scan(&o.NodeID, &o.AgentID, &o.HopDistance, &o.RSSI, &o.SNR, &o.LastHeard)
	return o, err
}

func (s *PostgresStore) CurrentTopology(ctx context.Context, agentID string) ([]topology.Observation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, agent_id, hop_distance, rssi, snr, last_heard FROM observations
		WHERE $1 = '' OR agent_id = $1
		ORDER BY node_id, agent_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query topology: %w", err)
	}
	return pgx.CollectRows(rows, scanObservation)
}

func (s *PostgresStore) ActiveConnections(ctx context.Context, window time.Duration, now time.Time) ([]topology.DirectConnection, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT from_node, to_node, agent_id, rssi, snr, quality, packet_count, first_seen, last_seen
		FROM connections WHERE last_seen >= $1
		ORDER BY from_node, to_node, agent_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (topology.DirectConnection, error) {
		var c topology.DirectConnection
		var quality string
		err := row.Scan(&c.FromNode, &c.ToNode, &c.AgentID, &c.RSSI, &c.SNR, &quality, &c.PacketCount, &c.FirstSeen, &c.LastSeen)
		c.Quality = topology.LinkQuality(quality)
		return c, err
	})
}

func (s *PostgresStore) Reachability(ctx context.Context, nodeID string) (topology.Reachability, error) {
	if err := s.check(); err != nil {
		return topology.Reachability{}, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, agent_id, hop_distance, rssi, snr, last_heard FROM observations WHERE node_id = $1`, nodeID)
	if err != nil {
		return topology.Reachability{}, fmt.Errorf("query reachability: %w", err)
	}
	obs, err := pgx.CollectRows(rows, scanObservation)
	if err != nil {
		return topology.Reachability{}, fmt.Errorf("query reachability: %w", err)
	}
	return Summarize(nodeID, obs)
}

func (s *PostgresStore) Routes(ctx context.Context, q topology.RouteQuery) ([]topology.ResolvedRoute, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.Source != "" {
		add("source_node = $%d", q.Source)
	}
	if q.Target != "" {
		add("target_node = $%d", q.Target)
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if !q.Since.IsZero() {
		add("discovery_ts >= $%d", q.Since)
	}
	if q.SuccessfulOnly {
		where = append(where, "success")
	}

	sql := `SELECT discovery_id, agent_id, source_node, target_node, path, hop_count, total_time_ms,
		discovery_ts, response_ts, success, route_back, snr_towards, snr_back FROM routes`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY discovery_ts DESC, discovery_id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (topology.ResolvedRoute, error) {
		var r topology.ResolvedRoute
		err := row.Scan(&r.DiscoveryID, &r.AgentID, &r.SourceNodeID, &r.TargetNodeID, &r.Path, &r.HopCount,
			&r.TotalTimeMs, &r.DiscoveryTimestamp, &r.ResponseTimestamp, &r.Success, &r.RouteBack, &r.SNRTowards, &r.SNRBack)
		if len(r.Path) == 0 {
			r.Path = nil
		}
		return r, err
	})
}

// ShortestPath loads the link graph and searches it in process.
func (s *PostgresStore) ShortestPath(ctx context.Context, source, target string, maxHops int) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT from_node, to_node FROM connections`)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	g := NewGraph()
	var from, to string
	_, err = pgx.ForEachRow(rows, []any{&from, &to}, func() error {
		g.AddEdge(from, to)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	return g.Path(source, target, maxHops)
}

func (s *PostgresStore) Stats(ctx context.Context) (topology.Stats, error) {
	if err := s.check(); err != nil {
		return topology.Stats{}, err
	}
	var st topology.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM agents),
			(SELECT count(*) FROM (
				SELECT node_id FROM observations
				UNION SELECT from_node FROM connections
				UNION SELECT to_node FROM connections) n),
			(SELECT count(*) FROM observations),
			(SELECT count(*) FROM connections),
			(SELECT count(*) FROM routes),
			(SELECT count(*) FROM routes WHERE success)`,
	).Scan(&st.Agents, &st.Nodes, &st.Observations, &st.Connections, &st.Routes, &st.SuccessfulRoutes)
	if err != nil {
		return topology.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (topology.PruneResult, error) {
	if err := s.check(); err != nil {
		return topology.PruneResult{}, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return topology.PruneResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var res topology.PruneResult
	for _, step := range []struct {
		sql string
		n   *int
	}{
		{`DELETE FROM observations WHERE last_heard < $1`, &res.Observations},
		{`DELETE FROM connections WHERE last_seen < $1`, &res.Connections},
		{`DELETE FROM routes WHERE discovery_ts < $1`, &res.Routes},
	} {
		tag, err := tx.Exec(ctx, step.sql, cutoff)
		if err != nil {
			return topology.PruneResult{}, fmt.Errorf("prune: %w", err)
		}
		*step.n = int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return topology.PruneResult{}, fmt.Errorf("prune: %w", err)
	}
	return res, nil
}

// Close closes the pool. It is safe to call more than once.
func (s *PostgresStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.pool.Close()
	})
	return nil
}
