package topology

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a queried node or agent is unknown
	ErrNotFound = errors.New("not found")
	// ErrNoPath is returned when no path exists within the hop bound
	ErrNoPath = errors.New("no path")
	// ErrInvalidObservation is returned for rows missing their key or carrying negative hops
	ErrInvalidObservation = errors.New("invalid observation")
	// ErrStoreClosed is returned by store operations after Close
	ErrStoreClosed = errors.New("store is closed")
)

// Observation is the most recent view of a node from one agent.
type Observation struct {
	NodeID      string    `json:"nodeId"`
	AgentID     string    `json:"agentId"`
	HopDistance int       `json:"hopDistance"`
	RSSI        *int      `json:"rssi,omitempty"`
	SNR         *float64  `json:"snr,omitempty"`
	LastHeard   time.Time `json:"lastHeard"`
}

// Validate checks the key and hop distance.
func (o Observation) Validate() error {
	if o.NodeID == "" || o.AgentID == "" {
		return fmt.Errorf("%w: node and agent are required", ErrInvalidObservation)
	}
	if o.HopDistance < 0 {
		return fmt.Errorf("%w: negative hop distance %d", ErrInvalidObservation, o.HopDistance)
	}
	return nil
}

// LinkQuality is a coarse rating of a direct link's signal.
type LinkQuality string

const (
	QualityUnknown LinkQuality = "unknown"
	QualityGood    LinkQuality = "good"
	QualityWeak    LinkQuality = "weak"
)

// RateLink rates a link: good when snr > 5 dB or rssi > -80 dBm.
func RateLink(rssi *int, snr *float64) LinkQuality {
	if rssi == nil && snr == nil {
		return QualityUnknown
	}
	if (snr != nil && *snr > 5) || (rssi != nil && *rssi > -80) {
		return QualityGood
	}
	return QualityWeak
}

// DirectConnection is a one-hop link observed by an agent.
type DirectConnection struct {
	FromNode    string      `json:"fromNode"`
	ToNode      string      `json:"toNode"`
	AgentID     string      `json:"agentId"`
	RSSI        *int        `json:"rssi,omitempty"`
	SNR         *float64    `json:"snr,omitempty"`
	Quality     LinkQuality `json:"quality"`
	PacketCount int64       `json:"packetCount"`
	FirstSeen   time.Time   `json:"firstSeen"`
	LastSeen    time.Time   `json:"lastSeen"`
}

// Validate checks the connection key.
func (c DirectConnection) Validate() error {
	if c.FromNode == "" || c.ToNode == "" || c.AgentID == "" {
		return fmt.Errorf("%w: from, to and agent are required", ErrInvalidObservation)
	}
	if c.FromNode == c.ToNode {
		return fmt.Errorf("%w: self link %s", ErrInvalidObservation, c.FromNode)
	}
	return nil
}

// ResolvedRoute is the terminal outcome of a route discovery. A failed
// discovery has Success=false and only the requested source and target
// in Path.
type ResolvedRoute struct {
	DiscoveryID        string    `json:"discoveryId" cbor:"1,keyasint"`
	AgentID            string    `json:"agentId,omitempty" cbor:"2,keyasint,omitempty"`
	SourceNodeID       string    `json:"sourceNodeId" cbor:"3,keyasint"`
	TargetNodeID       string    `json:"targetNodeId" cbor:"4,keyasint"`
	Path               []string  `json:"path" cbor:"5,keyasint"`
	HopCount           int       `json:"hopCount" cbor:"6,keyasint"`
	TotalTimeMs        int64     `json:"totalTimeMs" cbor:"7,keyasint"`
	DiscoveryTimestamp time.Time `json:"discoveryTimestamp" cbor:"8,keyasint"`
	ResponseTimestamp  time.Time `json:"responseTimestamp" cbor:"9,keyasint"`
	Success            bool      `json:"success" cbor:"10,keyasint"`
	RouteBack          []string  `json:"routeBack,omitempty" cbor:"11,keyasint,omitempty"`
	SNRTowards         []float64 `json:"snrTowards,omitempty" cbor:"12,keyasint,omitempty"`
	SNRBack            []float64 `json:"snrBack,omitempty" cbor:"13,keyasint,omitempty"`
}

// Validate checks a route is internally consistent.
func (r ResolvedRoute) Validate() error {
	if r.DiscoveryID == "" || r.SourceNodeID == "" || r.TargetNodeID == "" {
		return fmt.Errorf("%w: discovery id, source and target are required", ErrInvalidObservation)
	}
	if !r.Success {
		if len(r.Path) > 0 || r.HopCount != 0 {
			return fmt.Errorf("%w: failed route must not carry a path", ErrInvalidObservation)
		}
		return nil
	}
	if len(r.Path) < 2 || r.Path[0] != r.SourceNodeID || r.Path[len(r.Path)-1] != r.TargetNodeID {
		return fmt.Errorf("%w: path must run from source to target", ErrInvalidObservation)
	}
	if r.HopCount != len(r.Path)-1 {
		return fmt.Errorf("%w: hop count %d does not match path length %d", ErrInvalidObservation, r.HopCount, len(r.Path))
	}
	return nil
}

// Agent is a registered reporting agent.
type Agent struct {
	AgentID      string     `json:"agentId"`
	LocationName string     `json:"locationName"`
	Latitude     float64    `json:"latitude"`
	Longitude    float64    `json:"longitude"`
	LocalNodeID  string     `json:"localNodeId,omitempty"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastSeen     time.Time  `json:"lastSeen"`
	EventCount   int64      `json:"eventCount"`
	LastHealth   *time.Time `json:"lastHealth,omitempty"`
}

// Reachability summarises how a node is heard across agents.
type Reachability struct {
	NodeID    string    `json:"nodeId"`
	MinHops   int       `json:"minHops"`
	MaxHops   int       `json:"maxHops"`
	AvgHops   float64   `json:"avgHops"`
	Agents    []string  `json:"agents"`
	LastHeard time.Time `json:"lastHeard"`
}

// RouteQuery filters resolved routes. Zero values mean no constraint.
type RouteQuery struct {
	Source         string
	Target         string
	AgentID        string
	Since          time.Time
	SuccessfulOnly bool
	Limit          int
}

// Matches reports whether r satisfies the query's filters (not Limit).
func (q RouteQuery) Matches(r ResolvedRoute) bool {
	if q.Source != "" && r.SourceNodeID != q.Source {
		return false
	}
	if q.Target != "" && r.TargetNodeID != q.Target {
		return false
	}
	if q.AgentID != "" && r.AgentID != q.AgentID {
		return false
	}
	if !q.Since.IsZero() && r.DiscoveryTimestamp.Before(q.Since) {
		return false
	}
	if q.SuccessfulOnly && !r.Success {
		return false
	}
	return true
}

// Stats are store-wide counts.
type Stats struct {
	Agents           int `json:"agents"`
	Nodes            int `json:"nodes"`
	Observations     int `json:"observations"`
	Connections      int `json:"connections"`
	Routes           int `json:"routes"`
	SuccessfulRoutes int `json:"successfulRoutes"`
}

// PruneResult counts rows removed by Prune.
type PruneResult struct {
	Observations int `json:"observations"`
	Connections  int `json:"connections"`
	Routes       int `json:"routes"`
}
