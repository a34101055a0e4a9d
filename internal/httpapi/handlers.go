package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/heymex/MeshyMcMapface/internal/clock"
	"github.com/heymex/MeshyMcMapface/internal/eventlog"
	topo "github.com/heymex/MeshyMcMapface/internal/topology"
	"github.com/heymex/MeshyMcMapface/pkg/api"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

const (
	defaultListLimit   = 100
	defaultWindowHours = 24
	claimLease         = time.Minute
)

// pinger is implemented by stores that can report reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains the HTTP request handlers
type Handlers struct {
	store     topology.Store
	events    *eventlog.Log
	hub       *Hub
	limiter   RateLimiter
	dedupe    Deduper
	dedupeTTL time.Duration
	noAuth    bool
	clock     clock.Clock
	logger    *slog.Logger
	version   string
	started   time.Time

	// agent id -> local radio node id, for link derivation
	nodesMu sync.RWMutex
	nodes   map[string]string
}

// Health handles GET /api/v1/health. It always answers 200; Healthy is
// false when the store is unreachable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	healthy := true
	if p, ok := h.store.(pinger); ok {
		healthy = p.Ping(r.Context()) == nil
	}
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, api.HealthResponse{
		Healthy:   healthy,
		Status:    status,
		Version:   h.version,
		Uptime:    now.Sub(h.started).Round(time.Second).String(),
		Store:     healthy,
		Timestamp: now,
	}, http.StatusOK)
}

// authorizeAgent checks the token belongs to agentID. In no-auth mode any
// agent id is accepted.
func (h *Handlers) authorizeAgent(w http.ResponseWriter, r *http.Request, agentID string) bool {
	if agentID == "" {
		writeError(w, "agentId is required", http.StatusBadRequest)
		return false
	}
	if h.noAuth {
		return true
	}
	claims := GetClaims(r)
	if claims == nil || claims.AgentID != agentID {
		writeError(w, "token does not match agent "+agentID, http.StatusForbidden)
		return false
	}
	return true
}

// throttle applies the per-agent rate limit. Limiter errors fail open.
func (h *Handlers) throttle(w http.ResponseWriter, r *http.Request, agentID string) bool {
	if h.limiter == nil {
		return true
	}
	ok, wait, err := h.limiter.Allow(r.Context(), agentID)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "agent", agentID, "error", err)
		return true
	}
	if ok {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// claimKey records the request's idempotency key. It returns false when the
// key was already seen, having answered the request as a duplicate, or when
// an earlier request with the key is still running.
func (h *Handlers) claimKey(w http.ResponseWriter, r *http.Request, accepted int) (key string, proceed bool) {
	key = r.Header.Get(api.HeaderIdempotencyKey)
	if key == "" || h.dedupe == nil {
		return "", true
	}
	state, err := h.dedupe.Claim(r.Context(), key, claimLease)
	if err != nil {
		h.logger.Warn("idempotency store unavailable", "error", err)
		return "", true
	}
	switch state {
	case ClaimDone:
		writeJSON(w, api.IngestResponse{Accepted: accepted, Duplicate: true}, http.StatusOK)
		return "", false
	case ClaimInFlight:
		w.Header().Set("Retry-After", "1")
		writeError(w, "delivery with this idempotency key is still being processed", http.StatusServiceUnavailable)
		return "", false
	}
	return key, true
}

// completeKey keeps an ingested request's key for the dedupe window.
func (h *Handlers) completeKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := h.dedupe.Complete(context.WithoutCancel(ctx), key, h.dedupeTTL); err != nil {
		h.logger.Warn("failed to complete idempotency key", "error", err)
	}
}

func (h *Handlers) releaseKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := h.dedupe.Release(context.WithoutCancel(ctx), key); err != nil {
		h.logger.Warn("failed to release idempotency key", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, "Invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// Register handles POST /api/v1/agent/register
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !decodeBody(w, r, &req) || !h.authorizeAgent(w, r, req.AgentID) {
		return
	}

	now := h.clock.Now()
	err := h.store.RegisterAgent(r.Context(), topology.Agent{
		AgentID:      req.AgentID,
		LocationName: req.LocationName,
		Latitude:     req.Coordinates[0],
		Longitude:    req.Coordinates[1],
		LocalNodeID:  req.LocalNodeID,
		RegisteredAt: now,
	})
	if err != nil {
		h.storeError(w, "register agent", err)
		return
	}

	h.nodesMu.Lock()
	h.nodes[req.AgentID] = req.LocalNodeID
	h.nodesMu.Unlock()

	h.logger.Info("agent registered", "agent", req.AgentID, "location", req.LocationName)
	h.hub.Broadcast(api.Notification{Kind: api.NotifyAgent, AgentID: req.AgentID, Timestamp: now})
	writeJSON(w, api.RegisterResponse{AgentID: req.AgentID, Registered: true, ServerTime: now}, http.StatusOK)
}

// localNode returns the agent's radio node id, consulting the store for
// agents registered before a restart.
func (h *Handlers) localNode(ctx context.Context, agentID string) string {
	h.nodesMu.RLock()
	node, ok := h.nodes[agentID]
	h.nodesMu.RUnlock()
	if ok {
		return node
	}

	agents, err := h.store.Agents(ctx)
	if err != nil {
		return ""
	}
	h.nodesMu.Lock()
	defer h.nodesMu.Unlock()
	for _, a := range agents {
		if _, ok := h.nodes[a.AgentID]; !ok {
			h.nodes[a.AgentID] = a.LocalNodeID
		}
	}
	return h.nodes[agentID]
}

// SubmitEvents handles POST /api/v1/agent/events
func (h *Handlers) SubmitEvents(w http.ResponseWriter, r *http.Request) {
	var batch api.EventBatch
	if !decodeBody(w, r, &batch) || !h.authorizeAgent(w, r, batch.AgentID) || !h.throttle(w, r, batch.AgentID) {
		return
	}
	key, proceed := h.claimKey(w, r, len(batch.Events))
	if !proceed {
		return
	}

	ctx := r.Context()
	now := h.clock.Now()
	res, err := topo.Ingest(ctx, h.store, batch.AgentID, h.localNode(ctx, batch.AgentID), batch.Events, now)
	if err != nil {
		h.releaseKey(ctx, key)
		h.storeError(w, "ingest events", err)
		return
	}

	health := false
	for _, e := range batch.Events {
		if e.Type == delivery.EventAgentHealth {
			health = true
			break
		}
	}
	if err := h.store.TouchAgent(ctx, batch.AgentID, now, len(batch.Events), health); err != nil {
		h.releaseKey(ctx, key)
		h.storeError(w, "touch agent", err)
		return
	}
	h.completeKey(ctx, key)
	if _, err := h.events.Append(ctx, batch.AgentID, now, batch.Events...); err != nil {
		h.logger.Warn("event log append failed", "agent", batch.AgentID, "error", err)
	}

	h.logger.Debug("events ingested",
		"agent", batch.AgentID,
		"events", len(batch.Events),
		"observations", res.Observations,
		"connections", res.Connections,
		"skipped", res.Skipped,
	)
	h.hub.Broadcast(api.Notification{
		Kind:         api.NotifyEvents,
		AgentID:      batch.AgentID,
		Count:        len(batch.Events),
		Observations: res.Observations,
		Connections:  res.Connections,
		Timestamp:    now,
	})
	writeJSON(w, api.IngestResponse{
		Accepted:     len(batch.Events),
		Observations: res.Observations,
		Connections:  res.Connections,
	}, http.StatusOK)
}

// SubmitRoutes handles POST /api/v1/agent/routes
func (h *Handlers) SubmitRoutes(w http.ResponseWriter, r *http.Request) {
	var batch api.RouteBatch
	if !decodeBody(w, r, &batch) || !h.authorizeAgent(w, r, batch.AgentID) || !h.throttle(w, r, batch.AgentID) {
		return
	}
	key, proceed := h.claimKey(w, r, len(batch.Routes))
	if !proceed {
		return
	}

	ctx := r.Context()
	now := h.clock.Now()
	accepted := 0
	for _, route := range batch.Routes {
		if route.AgentID == "" {
			route.AgentID = batch.AgentID
		}
		err := h.store.RecordRoute(ctx, route)
		if errors.Is(err, topology.ErrInvalidObservation) {
			h.logger.Warn("rejected route", "agent", batch.AgentID, "discovery", route.DiscoveryID, "error", err)
			continue
		}
		if err != nil {
			h.releaseKey(ctx, key)
			h.storeError(w, "record route", err)
			return
		}
		accepted++
		h.hub.Broadcast(api.Notification{Kind: api.NotifyRoute, AgentID: batch.AgentID, Route: &route, Timestamp: now})
	}

	h.completeKey(ctx, key)
	if err := h.store.TouchAgent(ctx, batch.AgentID, now, 0, false); err != nil {
		h.logger.Warn("touch agent failed", "agent", batch.AgentID, "error", err)
	}
	writeJSON(w, api.IngestResponse{Accepted: accepted}, http.StatusOK)
}

// Agents handles GET /api/v1/agents
func (h *Handlers) Agents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.Agents(r.Context())
	if err != nil {
		h.storeError(w, "list agents", err)
		return
	}
	writeJSON(w, api.AgentsResponse{Agents: nonNil(agents), Count: len(agents)}, http.StatusOK)
}

// Topology handles GET /api/v1/topology?agent=
func (h *Handlers) Topology(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	obs, err := h.store.CurrentTopology(r.Context(), agentID)
	if err != nil {
		h.storeError(w, "current topology", err)
		return
	}
	writeJSON(w, api.TopologyResponse{AgentID: agentID, Observations: nonNil(obs), Count: len(obs)}, http.StatusOK)
}

// Connections handles GET /api/v1/connections?window_hours=
func (h *Handlers) Connections(w http.ResponseWriter, r *http.Request) {
	hours := float64(defaultWindowHours)
	if v := r.URL.Query().Get("window_hours"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			writeError(w, "window_hours must be a positive number", http.StatusBadRequest)
			return
		}
		hours = f
	}

	window := time.Duration(hours * float64(time.Hour))
	conns, err := h.store.ActiveConnections(r.Context(), window, h.clock.Now())
	if err != nil {
		h.storeError(w, "active connections", err)
		return
	}
	writeJSON(w, api.ConnectionsResponse{WindowHours: hours, Connections: nonNil(conns), Count: len(conns)}, http.StatusOK)
}

// Routes handles GET /api/v1/routes
func (h *Handlers) Routes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rq := topology.RouteQuery{
		Source:  q.Get("source"),
		Target:  q.Get("target"),
		AgentID: q.Get("agent"),
		Limit:   defaultListLimit,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		rq.Since = t
	}
	if v := q.Get("successful"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "successful must be a boolean", http.StatusBadRequest)
			return
		}
		rq.SuccessfulOnly = b
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	if limit > 0 {
		rq.Limit = limit
	}

	routes, err := h.store.Routes(r.Context(), rq)
	if err != nil {
		h.storeError(w, "query routes", err)
		return
	}
	writeJSON(w, api.RoutesResponse{Routes: nonNil(routes), Count: len(routes)}, http.StatusOK)
}

// Reachability handles GET /api/v1/nodes/{id}/reachability
func (h *Handlers) Reachability(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	if nodeID == "" {
		writeError(w, "node id required", http.StatusBadRequest)
		return
	}
	reach, err := h.store.Reachability(r.Context(), nodeID)
	if err != nil {
		h.storeError(w, "reachability", err)
		return
	}
	writeJSON(w, api.ReachabilityResponse{Reachability: reach}, http.StatusOK)
}

// ShortestPath handles GET /api/v1/path?source=&target=&max_hops=
func (h *Handlers) ShortestPath(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source, target := q.Get("source"), q.Get("target")
	if source == "" || target == "" {
		writeError(w, "source and target are required", http.StatusBadRequest)
		return
	}
	maxHops := topo.DefaultMaxHops
	if v := q.Get("max_hops"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "max_hops must be a positive integer", http.StatusBadRequest)
			return
		}
		maxHops = n
	}

	path, err := h.store.ShortestPath(r.Context(), source, target, maxHops)
	if err != nil {
		h.storeError(w, "shortest path", err)
		return
	}
	writeJSON(w, api.PathResponse{Source: source, Target: target, Path: path, HopCount: len(path) - 1}, http.StatusOK)
}

// Events handles GET /api/v1/events?agent=&type=&limit=
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	events, err := h.events.Recent(r.Context(), eventlog.Query{
		AgentID: q.Get("agent"),
		Type:    delivery.EventType(q.Get("type")),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, api.EventsResponse{Events: events, Count: len(events)}, http.StatusOK)
}

// Stats handles GET /api/v1/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		h.storeError(w, "stats", err)
		return
	}
	writeJSON(w, api.StatsResponse{
		Store:         st,
		Events:        h.events.Len(),
		StreamClients: h.hub.Count(),
		Uptime:        h.clock.Now().Sub(h.started).Round(time.Second).String(),
	}, http.StatusOK)
}

func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// storeError maps store errors onto HTTP statuses.
func (h *Handlers) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, topology.ErrNotFound), errors.Is(err, topology.ErrNoPath):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, topology.ErrInvalidObservation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		h.logger.Error("store operation failed", "op", op, "error", err)
		writeError(w, fmt.Sprintf("%s failed", op), http.StatusInternalServerError)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
