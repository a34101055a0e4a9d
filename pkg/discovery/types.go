package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

var (
	// ErrManagerClosed is returned after the manager has stopped
	ErrManagerClosed = errors.New("discovery manager is closed")
	// ErrEmptyNodeID is returned for operations on an empty node id
	ErrEmptyNodeID = errors.New("node id cannot be empty")
	// ErrProberUnavailable is returned by a Prober that cannot reach the radio
	ErrProberUnavailable = errors.New("radio prober unavailable")
)

// RequestState tracks a discovery request's lifecycle. Exactly one of the
// terminal states is ever reached.
type RequestState int

const (
	StatePending RequestState = iota
	StateResolved
	StateTimedOut
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s RequestState) Terminal() bool {
	return s != StatePending
}

// Tier is the refresh class of a target.
type Tier int

const (
	TierOrdinary Tier = iota
	TierPriority
)

func (t Tier) String() string {
	if t == TierPriority {
		return "priority"
	}
	return "ordinary"
}

// Request is one outstanding route discovery.
type Request struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	MaxHops  int       `json:"maxHops"`
	AgentID  string    `json:"agentId"`
	Tier     Tier      `json:"tier"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Response is a traceroute reply as reported by the radio. SNR values are
// in the radio's quarter-dB units.
type Response struct {
	DiscoveryID string    `json:"discoveryId"`
	Route       []string  `json:"route"`
	RouteBack   []string  `json:"routeBack,omitempty"`
	SNRTowards  []int     `json:"snrTowards,omitempty"`
	SNRBack     []int     `json:"snrBack,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// CacheEntry is the latest discovery outcome for a target.
type CacheEntry struct {
	Target    string                 `json:"target"`
	Route     topology.ResolvedRoute `json:"route"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// Fresh reports whether the entry is still valid at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Prober sends route discovery requests over the radio. Responses arrive
// asynchronously through the manager's HandleResponse.
type Prober interface {
	SendTraceroute(ctx context.Context, req Request) error
}

// Cache persists route cache entries and pending requests.
type Cache interface {
	Get(ctx context.Context, target string) (CacheEntry, bool, error)
	Put(ctx context.Context, entry CacheEntry) error
	Entries(ctx context.Context) ([]CacheEntry, error)

	SavePending(ctx context.Context, req Request) error
	DeletePending(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]Request, error)
	Close() error
}

// RouteSink receives every terminal discovery outcome.
type RouteSink interface {
	SubmitRoutes(routes ...topology.ResolvedRoute)
}

// RouteSinkFunc adapts a function to RouteSink.
type RouteSinkFunc func(routes ...topology.ResolvedRoute)

func (f RouteSinkFunc) SubmitRoutes(routes ...topology.ResolvedRoute) { f(routes...) }

// Stats are the manager's counters.
type Stats struct {
	Issued            int64 `json:"issued"`
	Resolved          int64 `json:"resolved"`
	Failed            int64 `json:"failed"`
	TimedOut          int64 `json:"timedOut"`
	IgnoredResponses  int64 `json:"ignoredResponses"`
	CacheHits         int64 `json:"cacheHits"`
	PriorityRefreshes int64 `json:"priorityRefreshes"`
	SeenRefreshes     int64 `json:"seenRefreshes"`
	ForcedRefreshes   int64 `json:"forcedRefreshes"`
	Pending           int   `json:"pending"`
	Due               int   `json:"due"`
	KnownNodes        int   `json:"knownNodes"`
	PriorityNodes     int   `json:"priorityNodes"`
}
