// Package discovery runs active route discovery from the agent's radio.
//
// The Manager keeps a TTL cache of resolved routes per target node and
// refreshes entries on two independent cadences: a short one for priority
// nodes and a long one for every other node the agent has heard. Requests
// are bounded: at most MaxPending are outstanding, they are spaced by
// RequestSpacing, and the rest wait in a due list. Every request ends in
// exactly one of resolved, failed or timed-out.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/heymex/MeshyMcMapface/internal/clock"
	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/pkg/discovery"
	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

// Config configures a Manager.
type Config struct {
	LocalNodeID string `yaml:"-" json:"-"`
	AgentID     string `yaml:"-" json:"-"`

	MaxHops          int           `yaml:"max_hops" json:"max_hops"`
	WaitWindow       time.Duration `yaml:"wait_window" json:"wait_window"`
	MaxPending       int           `yaml:"max_pending" json:"max_pending"`
	OrdinaryTTL      time.Duration `yaml:"ordinary_ttl" json:"ordinary_ttl"`
	PriorityTTL      time.Duration `yaml:"priority_ttl" json:"priority_ttl"`
	RetryTTL         time.Duration `yaml:"retry_ttl" json:"retry_ttl"`
	OrdinaryInterval time.Duration `yaml:"ordinary_interval" json:"ordinary_interval"`
	PriorityInterval time.Duration `yaml:"priority_interval" json:"priority_interval"`
	RequestSpacing   time.Duration `yaml:"request_spacing" json:"request_spacing"`
	SeenRefreshAfter time.Duration `yaml:"seen_refresh_after" json:"seen_refresh_after"`
	PriorityNodes    []string      `yaml:"priority_nodes" json:"priority_nodes"`
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	if c.MaxHops <= 0 {
		c.MaxHops = 7
	}
	if c.WaitWindow <= 0 {
		c.WaitWindow = 30 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 2
	}
	if c.OrdinaryTTL <= 0 {
		c.OrdinaryTTL = 24 * time.Hour
	}
	if c.PriorityTTL <= 0 {
		c.PriorityTTL = 12 * time.Hour
	}
	if c.RetryTTL <= 0 {
		c.RetryTTL = 15 * time.Minute
	}
	if c.OrdinaryInterval <= 0 {
		c.OrdinaryInterval = 60 * time.Minute
	}
	if c.PriorityInterval <= 0 {
		c.PriorityInterval = 5 * time.Minute
	}
	if c.RequestSpacing < 0 {
		c.RequestSpacing = 0
	} else if c.RequestSpacing == 0 {
		c.RequestSpacing = 3 * time.Second
	}
	if c.SeenRefreshAfter <= 0 {
		c.SeenRefreshAfter = 4 * time.Hour
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.LocalNodeID == "" {
		return fmt.Errorf("local node id: %w", discovery.ErrEmptyNodeID)
	}
	if c.RetryTTL > c.PriorityTTL || c.PriorityTTL > c.OrdinaryTTL {
		return errors.New("ttls must satisfy retry <= priority <= ordinary")
	}
	return nil
}

// Deps are the manager's collaborators. Sink, Clock and Logger are optional.
type Deps struct {
	Prober discovery.Prober
	Cache  discovery.Cache
	Sink   discovery.RouteSink
	Clock  clock.Clock
	Logger *slog.Logger
}

// pending is an outstanding request. done is closed on its terminal outcome.
type pending struct {
	req  discovery.Request
	done chan struct{}
}

type dueItem struct {
	target string
	forced bool
}

// Manager is the route discovery scheduler.
type Manager struct {
	cfg    Config
	prober discovery.Prober
	cache  discovery.Cache
	sink   discovery.RouteSink
	clock  clock.Clock
	logger *slog.Logger

	// waiters outlive a single Run; Close cancels them.
	waitCtx    context.Context
	waitCancel context.CancelFunc
	wg         sync.WaitGroup
	kick       chan struct{}

	mu          sync.Mutex
	closed      bool
	known       map[string]time.Time
	priority    map[string]bool
	entries     map[string]discovery.CacheEntry
	pending     map[string]*pending
	byTarget    map[string]string
	duePriority []dueItem
	dueOrdinary []dueItem
	dueSet      map[string]bool
	lastIssue   time.Time
	stats       discovery.Stats
}

// NewManager creates a manager. Call Recover before Run to reload the
// cache and settle requests left pending by a previous process.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery config: %w", err)
	}
	if deps.Prober == nil || deps.Cache == nil {
		return nil, errors.New("prober and cache are required")
	}
	sink := deps.Sink
	if sink == nil {
		sink = discovery.RouteSinkFunc(func(...topology.ResolvedRoute) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		prober:     deps.Prober,
		cache:      deps.Cache,
		sink:       sink,
		clock:      clock.OrReal(deps.Clock),
		logger:     logging.OrDiscard(deps.Logger).With("component", "discovery"),
		waitCtx:    ctx,
		waitCancel: cancel,
		kick:       make(chan struct{}, 1),
		known:      make(map[string]time.Time),
		priority:   make(map[string]bool),
		entries:    make(map[string]discovery.CacheEntry),
		pending:    make(map[string]*pending),
		byTarget:   make(map[string]string),
		dueSet:     make(map[string]bool),
	}
	for _, n := range cfg.PriorityNodes {
		if n != "" && n != cfg.LocalNodeID {
			m.priority[n] = true
		}
	}
	return m, nil
}

// Recover loads cached routes and resolves requests a previous process left
// pending: those past the wait window time out now, the rest keep waiting
// for the remainder of their window.
func (m *Manager) Recover(ctx context.Context) error {
	entries, err := m.cache.Entries(ctx)
	if err != nil {
		return fmt.Errorf("load route cache: %w", err)
	}
	reqs, err := m.cache.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load pending requests: %w", err)
	}

	now := m.clock.Now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return discovery.ErrManagerClosed
	}
	for _, e := range entries {
		m.entries[e.Target] = e
		m.known[e.Target] = e.Route.ResponseTimestamp
	}
	var expired []string
	for _, req := range reqs {
		p := &pending{req: req, done: make(chan struct{})}
		m.pending[req.ID] = p
		m.byTarget[req.Target] = req.ID
		if now.Sub(req.IssuedAt) >= m.cfg.WaitWindow {
			expired = append(expired, req.ID)
			continue
		}
		m.startWaiter(p)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.timeout(id)
	}
	m.logger.Info("route discovery state recovered",
		"cache_entries", len(entries),
		"pending", len(reqs)-len(expired),
		"expired", len(expired),
	)
	return nil
}

// Run schedules discovery until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.isClosed() {
		return discovery.ErrManagerClosed
	}
	prio := m.clock.NewTicker(m.cfg.PriorityInterval)
	defer prio.Stop()
	ord := m.clock.NewTicker(m.cfg.OrdinaryInterval)
	defer ord.Stop()

	m.scan(discovery.TierPriority)
	m.scan(discovery.TierOrdinary)

	var spacing <-chan time.Time
	for {
		spacing = nil
		if wait := m.issueDue(ctx); wait > 0 {
			spacing = m.clock.After(wait)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-prio.C():
			m.scan(discovery.TierPriority)
		case <-ord.C():
			m.scan(discovery.TierOrdinary)
		case <-m.kick:
		case <-spacing:
		}
	}
}

// Close cancels outstanding waits. Requests still pending stay in the cache
// for the next Recover.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.waitCancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) signal() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// scan queues every target of tier whose cache entry is missing or stale.
func (m *Manager) scan(tier discovery.Tier) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []string
	if tier == discovery.TierPriority {
		for n := range m.priority {
			targets = append(targets, n)
		}
	} else {
		for n := range m.known {
			if !m.priority[n] {
				targets = append(targets, n)
			}
		}
	}
	sort.Strings(targets)

	queued := 0
	for _, t := range targets {
		if e, ok := m.entries[t]; ok && e.Fresh(now) {
			continue
		}
		if m.queueLocked(t, tier, false) {
			queued++
		}
	}
	if tier == discovery.TierPriority {
		m.stats.PriorityRefreshes += int64(queued)
	}
	if queued > 0 {
		m.logger.Debug("targets due for discovery", "tier", tier.String(), "count", queued)
	}
}

// queueLocked adds target to the due list unless it is the local node,
// already due or already pending.
func (m *Manager) queueLocked(target string, tier discovery.Tier, forced bool) bool {
	if target == "" || target == m.cfg.LocalNodeID || m.dueSet[target] {
		return false
	}
	if _, ok := m.byTarget[target]; ok {
		return false
	}
	m.dueSet[target] = true
	item := dueItem{target: target, forced: forced}
	if tier == discovery.TierPriority || forced {
		m.duePriority = append(m.duePriority, item)
	} else {
		m.dueOrdinary = append(m.dueOrdinary, item)
	}
	return true
}

// popLocked takes the next due target, priority tier first.
func (m *Manager) popLocked() (dueItem, bool) {
	var item dueItem
	switch {
	case len(m.duePriority) > 0:
		item, m.duePriority = m.duePriority[0], m.duePriority[1:]
	case len(m.dueOrdinary) > 0:
		item, m.dueOrdinary = m.dueOrdinary[0], m.dueOrdinary[1:]
	default:
		return dueItem{}, false
	}
	delete(m.dueSet, item.target)
	return item, true
}

// issueDue sends as many due requests as the pending bound and spacing
// allow. It returns how long to wait before spacing permits the next one.
func (m *Manager) issueDue(ctx context.Context) time.Duration {
	for {
		now := m.clock.Now()
		m.mu.Lock()
		if m.closed || len(m.pending) >= m.cfg.MaxPending {
			m.mu.Unlock()
			return 0
		}
		if len(m.duePriority)+len(m.dueOrdinary) == 0 {
			m.mu.Unlock()
			return 0
		}
		if !m.lastIssue.IsZero() {
			if wait := m.lastIssue.Add(m.cfg.RequestSpacing).Sub(now); wait > 0 {
				m.mu.Unlock()
				return wait
			}
		}
		item, _ := m.popLocked()
		if e, ok := m.entries[item.target]; ok && e.Fresh(now) && !item.forced {
			m.stats.CacheHits++
			m.mu.Unlock()
			continue
		}

		tier := discovery.TierOrdinary
		if m.priority[item.target] {
			tier = discovery.TierPriority
		}
		req := discovery.Request{
			ID:       uuid.Must(uuid.NewV4()).String(),
			Source:   m.cfg.LocalNodeID,
			Target:   item.target,
			MaxHops:  m.cfg.MaxHops,
			AgentID:  m.cfg.AgentID,
			Tier:     tier,
			IssuedAt: now,
		}
		p := &pending{req: req, done: make(chan struct{})}
		m.pending[req.ID] = p
		m.byTarget[req.Target] = req.ID
		m.lastIssue = now
		m.stats.Issued++
		m.mu.Unlock()

		m.issue(ctx, p)
	}
}

func (m *Manager) issue(ctx context.Context, p *pending) {
	req := p.req
	if err := m.cache.SavePending(ctx, req); err != nil {
		m.logger.Error("failed to persist pending request", "discovery_id", req.ID, "error", err)
	}

	if err := m.prober.SendTraceroute(ctx, req); err != nil {
		m.logger.Warn("failed to send route discovery", "discovery_id", req.ID, "target", req.Target, "error", err)
		m.fail(req.ID, err)
		return
	}
	m.logger.Info("route discovery issued",
		"discovery_id", req.ID,
		"target", req.Target,
		"tier", req.Tier.String(),
		"max_hops", req.MaxHops,
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[req.ID]; ok && !m.closed {
		m.startWaiter(p)
	}
}

// startWaiter must be called with mu held.
func (m *Manager) startWaiter(p *pending) {
	deadline := p.req.IssuedAt.Add(m.cfg.WaitWindow)
	timer := m.clock.After(deadline.Sub(m.clock.Now()))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-p.done:
		case <-timer:
			m.timeout(p.req.ID)
		case <-m.waitCtx.Done():
		}
	}()
}

// take removes a pending request; only the first caller for an id wins.
func (m *Manager) take(id string) (*pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	delete(m.pending, id)
	delete(m.byTarget, p.req.Target)
	close(p.done)
	return p, true
}

// HandleResponse resolves the pending request matching resp. Responses
// for unknown or already settled ids are counted and ignored.
func (m *Manager) HandleResponse(resp discovery.Response) bool {
	p, ok := m.take(resp.DiscoveryID)
	if !ok {
		m.mu.Lock()
		m.stats.IgnoredResponses++
		m.mu.Unlock()
		m.logger.Debug("ignoring route response with no pending request", "discovery_id", resp.DiscoveryID)
		return false
	}

	now := m.clock.Now()
	if resp.ReceivedAt.IsZero() {
		resp.ReceivedAt = now
	}
	route := buildRoute(p.req, resp)
	if route.HopCount > p.req.MaxHops {
		failed := failedRoute(p.req, resp.ReceivedAt)
		m.settle(p.req, failed, discovery.StateFailed, fmt.Errorf("hop count %d exceeds bound %d", route.HopCount, p.req.MaxHops))
		return true
	}
	m.settle(p.req, route, discovery.StateResolved, nil)
	return true
}

func (m *Manager) timeout(id string) {
	p, ok := m.take(id)
	if !ok {
		return
	}
	m.settle(p.req, failedRoute(p.req, time.Time{}), discovery.StateTimedOut, nil)
}

func (m *Manager) fail(id string, err error) {
	p, ok := m.take(id)
	if !ok {
		return
	}
	m.settle(p.req, failedRoute(p.req, time.Time{}), discovery.StateFailed, err)
}

// settle records a terminal outcome: cache entry, persisted state, stats
// and the route handed to the sink.
func (m *Manager) settle(req discovery.Request, route topology.ResolvedRoute, state discovery.RequestState, cause error) {
	now := m.clock.Now()

	m.mu.Lock()
	ttl := m.cfg.RetryTTL
	if state == discovery.StateResolved {
		ttl = m.cfg.OrdinaryTTL
		if m.priority[req.Target] {
			ttl = m.cfg.PriorityTTL
		}
	}
	entry := discovery.CacheEntry{Target: req.Target, Route: route, ExpiresAt: now.Add(ttl)}
	m.entries[req.Target] = entry
	switch state {
	case discovery.StateResolved:
		m.stats.Resolved++
	case discovery.StateTimedOut:
		m.stats.TimedOut++
	default:
		m.stats.Failed++
	}
	m.mu.Unlock()

	// Persisting uses a fresh context; a terminal outcome is recorded even
	// while shutting down.
	ctx := context.Background()
	if err := m.cache.Put(ctx, entry); err != nil {
		m.logger.Error("failed to persist route cache entry", "target", req.Target, "error", err)
	}
	if err := m.cache.DeletePending(ctx, req.ID); err != nil {
		m.logger.Error("failed to clear pending request", "discovery_id", req.ID, "error", err)
	}

	attrs := []any{
		"discovery_id", req.ID,
		"target", req.Target,
		"state", state.String(),
		"hops", route.HopCount,
		"expires_at", entry.ExpiresAt,
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	m.logger.Info("route discovery finished", attrs...)

	m.sink.SubmitRoutes(route)
	m.signal()
}

// buildRoute turns a radio response into a resolved route. The radio lists
// intermediate hops only; the endpoints are added here.
func buildRoute(req discovery.Request, resp discovery.Response) topology.ResolvedRoute {
	path := withEndpoints(req.Source, resp.Route, req.Target)
	r := topology.ResolvedRoute{
		DiscoveryID:        req.ID,
		AgentID:            req.AgentID,
		SourceNodeID:       req.Source,
		TargetNodeID:       req.Target,
		Path:               path,
		HopCount:           len(path) - 1,
		TotalTimeMs:        resp.ReceivedAt.Sub(req.IssuedAt).Milliseconds(),
		DiscoveryTimestamp: req.IssuedAt,
		ResponseTimestamp:  resp.ReceivedAt,
		Success:            true,
		SNRTowards:         scaleSNR(resp.SNRTowards),
		SNRBack:            scaleSNR(resp.SNRBack),
	}
	if resp.RouteBack != nil {
		r.RouteBack = withEndpoints(req.Target, resp.RouteBack, req.Source)
	}
	return r
}

func withEndpoints(from string, hops []string, to string) []string {
	path := make([]string, 0, len(hops)+2)
	if len(hops) == 0 || hops[0] != from {
		path = append(path, from)
	}
	path = append(path, hops...)
	if path[len(path)-1] != to {
		path = append(path, to)
	}
	return path
}

// failedRoute records an unsuccessful discovery. It carries no path.
// respondedAt is zero when nothing came back.
func failedRoute(req discovery.Request, respondedAt time.Time) topology.ResolvedRoute {
	return topology.ResolvedRoute{
		DiscoveryID:        req.ID,
		AgentID:            req.AgentID,
		SourceNodeID:       req.Source,
		TargetNodeID:       req.Target,
		DiscoveryTimestamp: req.IssuedAt,
		ResponseTimestamp:  respondedAt,
		Success:            false,
	}
}

// scaleSNR converts quarter-dB radio units to dB.
func scaleSNR(raw []int) []float64 {
	if len(raw) == 0 {
		return nil
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v) / 4
	}
	return out
}

// NodeSeen records that node was heard. A priority node whose last
// successful route is older than SeenRefreshAfter is queued at once.
func (m *Manager) NodeSeen(node string) {
	if node == "" || node == m.cfg.LocalNodeID {
		return
	}
	now := m.clock.Now()
	m.mu.Lock()
	m.known[node] = now
	queued := false
	if m.priority[node] && m.staleForSeenLocked(node, now) {
		queued = m.queueLocked(node, discovery.TierPriority, false)
		if queued {
			m.stats.SeenRefreshes++
		}
	}
	m.mu.Unlock()

	if queued {
		m.logger.Debug("priority node heard with stale route", "node", node)
		m.signal()
	}
}

func (m *Manager) staleForSeenLocked(node string, now time.Time) bool {
	e, ok := m.entries[node]
	if !ok {
		return true
	}
	if !e.Route.Success {
		// Honour the retry window of a recent failure
		return !e.Fresh(now)
	}
	return now.Sub(e.Route.ResponseTimestamp) > m.cfg.SeenRefreshAfter
}

// SetPriorityNodes replaces the priority set.
func (m *Manager) SetPriorityNodes(nodes []string) {
	m.mu.Lock()
	m.priority = make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n != "" && n != m.cfg.LocalNodeID {
			m.priority[n] = true
		}
	}
	count := len(m.priority)
	m.mu.Unlock()

	m.logger.Info("priority nodes updated", "count", count)
	m.scan(discovery.TierPriority)
	m.signal()
}

// AddPriorityNode adds node to the priority set.
func (m *Manager) AddPriorityNode(node string) error {
	if node == "" {
		return discovery.ErrEmptyNodeID
	}
	m.mu.Lock()
	m.priority[node] = true
	m.mu.Unlock()
	m.scan(discovery.TierPriority)
	m.signal()
	return nil
}

// RemovePriorityNode drops node from the priority set. Its cache entry is
// kept and it falls back to the ordinary tier.
func (m *Manager) RemovePriorityNode(node string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.priority[node] {
		return false
	}
	delete(m.priority, node)
	if _, ok := m.known[node]; !ok {
		m.known[node] = time.Time{}
	}
	return true
}

// PriorityNodes returns the priority set, sorted.
func (m *Manager) PriorityNodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.priority))
	for n := range m.priority {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ForceRefresh queues node regardless of its cache entry.
func (m *Manager) ForceRefresh(node string) error {
	if node == "" {
		return discovery.ErrEmptyNodeID
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return discovery.ErrManagerClosed
	}
	if m.queueLocked(node, discovery.TierPriority, true) {
		m.stats.ForcedRefreshes++
	}
	m.mu.Unlock()
	m.signal()
	return nil
}

// ForceRefreshAll queues every known and priority node. It returns how
// many were queued.
func (m *Manager) ForceRefreshAll() (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, discovery.ErrManagerClosed
	}
	var targets []string
	for n := range m.priority {
		targets = append(targets, n)
	}
	for n := range m.known {
		if !m.priority[n] {
			targets = append(targets, n)
		}
	}
	sort.Strings(targets)
	queued := 0
	for _, n := range targets {
		if m.queueLocked(n, discovery.TierPriority, true) {
			queued++
		}
	}
	m.stats.ForcedRefreshes += int64(queued)
	m.mu.Unlock()
	m.signal()
	return queued, nil
}

// Pending lists outstanding requests, oldest first.
func (m *Manager) Pending() []discovery.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]discovery.Request, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	slices.SortFunc(out, func(a, b discovery.Request) int {
		return a.IssuedAt.Compare(b.IssuedAt)
	})
	return out
}

// Cached returns the cache entry for target.
func (m *Manager) Cached(target string) (discovery.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[target]
	return e, ok
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() discovery.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Pending = len(m.pending)
	s.Due = len(m.duePriority) + len(m.dueOrdinary)
	s.KnownNodes = len(m.known)
	s.PriorityNodes = len(m.priority)
	return s
}
