// Package api holds the JSON contract spoken between agents, the collector
// and operator tooling.
package api

import (
	"time"

	"github.com/heymex/MeshyMcMapface/pkg/delivery"
	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

// Endpoint paths
const (
	PathHealth      = "/api/v1/health"
	PathRegister    = "/api/v1/agent/register"
	PathAgentEvents = "/api/v1/agent/events"
	PathAgentRoutes = "/api/v1/agent/routes"
	PathAgents      = "/api/v1/agents"
	PathTopology    = "/api/v1/topology"
	PathConnections = "/api/v1/connections"
	PathRoutes      = "/api/v1/routes"
	PathNodes       = "/api/v1/nodes/"
	PathPath        = "/api/v1/path"
	PathEvents      = "/api/v1/events"
	PathStats       = "/api/v1/stats"
	PathStream      = "/api/v1/stream"
)

// HeaderIdempotencyKey carries the envelope content key so replays are
// recognised.
const HeaderIdempotencyKey = "Idempotency-Key"

// RegisterRequest announces an agent and its location.
type RegisterRequest struct {
	AgentID      string     `json:"agentId"`
	LocationName string     `json:"locationName"`
	Coordinates  [2]float64 `json:"coordinates"`
	LocalNodeID  string     `json:"localNodeId,omitempty"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	AgentID    string    `json:"agentId"`
	Registered bool      `json:"registered"`
	ServerTime time.Time `json:"serverTime"`
}

// EventBatch is the body of POST /api/v1/agent/events.
type EventBatch struct {
	AgentID   string           `json:"agentId"`
	Timestamp time.Time        `json:"timestamp"`
	Events    []delivery.Event `json:"events"`
}

// RouteBatch is the body of POST /api/v1/agent/routes.
type RouteBatch struct {
	AgentID   string                   `json:"agentId"`
	Timestamp time.Time                `json:"timestamp"`
	Routes    []topology.ResolvedRoute `json:"routes"`
}

// IngestResponse acknowledges an event or route batch.
type IngestResponse struct {
	Accepted     int  `json:"accepted"`
	Duplicate    bool `json:"duplicate,omitempty"`
	Observations int  `json:"observations,omitempty"`
	Connections  int  `json:"connections,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Store     bool      `json:"store"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentsResponse lists registered agents.
type AgentsResponse struct {
	Agents []topology.Agent `json:"agents"`
	Count  int              `json:"count"`
}

// TopologyResponse lists current observations.
type TopologyResponse struct {
	AgentID      string                 `json:"agentId,omitempty"`
	Observations []topology.Observation `json:"observations"`
	Count        int                    `json:"count"`
}

// ConnectionsResponse lists active direct connections.
type ConnectionsResponse struct {
	WindowHours float64                     `json:"windowHours"`
	Connections []topology.DirectConnection `json:"connections"`
	Count       int                         `json:"count"`
}

// RoutesResponse lists resolved routes.
type RoutesResponse struct {
	Routes []topology.ResolvedRoute `json:"routes"`
	Count  int                      `json:"count"`
}

// PathResponse is a shortest path between two nodes.
type PathResponse struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Path     []string `json:"path"`
	HopCount int      `json:"hopCount"`
}

// StoredEvent is an event as retained by the collector.
type StoredEvent struct {
	Offset     int64          `json:"offset"`
	AgentID    string         `json:"agentId"`
	ReceivedAt time.Time      `json:"receivedAt"`
	Event      delivery.Event `json:"event"`
}

// EventsResponse lists recent events.
type EventsResponse struct {
	Events []StoredEvent `json:"events"`
	Count  int           `json:"count"`
}

// StatsResponse summarises the collector.
type StatsResponse struct {
	Store         topology.Stats `json:"store"`
	Events        int            `json:"events"`
	StreamClients int            `json:"streamClients"`
	Uptime        string         `json:"uptime"`
}

// Notification kinds sent on the stream
const (
	NotifyAgent  = "agent"
	NotifyEvents = "events"
	NotifyRoute  = "route"
)

// Notification is one message pushed on /api/v1/stream.
type Notification struct {
	Kind         string                  `json:"kind"`
	AgentID      string                  `json:"agentId"`
	Count        int                     `json:"count,omitempty"`
	Observations int                     `json:"observations,omitempty"`
	Connections  int                     `json:"connections,omitempty"`
	Route        *topology.ResolvedRoute `json:"route,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ReachabilityResponse wraps a node's reachability summary.
type ReachabilityResponse struct {
	topology.Reachability
}
