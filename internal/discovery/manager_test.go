package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymex/MeshyMcMapface/internal/clock"
	"github.com/heymex/MeshyMcMapface/internal/localdb"
	"github.com/heymex/MeshyMcMapface/pkg/discovery"
	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeProber struct {
	mu   sync.Mutex
	reqs []discovery.Request
	err  error
}

func (p *fakeProber) SendTraceroute(ctx context.Context, req discovery.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.reqs = append(p.reqs, req)
	return nil
}

func (p *fakeProber) sent() []discovery.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]discovery.Request(nil), p.reqs...)
}

type routeRecorder struct {
	mu     sync.Mutex
	routes []topology.ResolvedRoute
}

func (r *routeRecorder) SubmitRoutes(routes ...topology.ResolvedRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, routes...)
}

func (r *routeRecorder) all() []topology.ResolvedRoute {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]topology.ResolvedRoute(nil), r.routes...)
}

type harness struct {
	m      *Manager
	clock  *clock.Fake
	prober *fakeProber
	sink   *routeRecorder
	cache  discovery.Cache
}

func newHarness(t *testing.T, cfg Config, cache discovery.Cache) *harness {
	t.Helper()
	if cfg.LocalNodeID == "" {
		cfg.LocalNodeID = "!local"
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-1"
	}
	if cfg.RequestSpacing == 0 {
		cfg.RequestSpacing = -1
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	h := &harness{clock: clock.NewFake(t0), prober: &fakeProber{}, sink: &routeRecorder{}, cache: cache}
	m, err := NewManager(cfg, Deps{Prober: h.prober, Cache: cache, Sink: h.sink, Clock: h.clock})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	h.m = m
	return h
}

func TestManager_ResolvesPriorityNode(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!p"}}, nil)
	ctx := context.Background()

	h.m.scan(discovery.TierPriority)
	h.m.issueDue(ctx)

	sent := h.prober.sent()
	require.Len(t, sent, 1)
	req := sent[0]
	assert.Equal(t, "!local", req.Source)
	assert.Equal(t, "!p", req.Target)
	assert.Equal(t, 7, req.MaxHops)
	assert.Equal(t, discovery.TierPriority, req.Tier)
	require.Len(t, h.m.Pending(), 1)

	h.clock.Advance(1500 * time.Millisecond)
	ok := h.m.HandleResponse(discovery.Response{
		DiscoveryID: req.ID,
		Route:       []string{"!x"},
		RouteBack:   []string{"!y"},
		SNRTowards:  []int{24, 10},
		SNRBack:     []int{-8, 4},
	})
	require.True(t, ok)

	routes := h.sink.all()
	require.Len(t, routes, 1)
	r := routes[0]
	assert.True(t, r.Success)
	assert.Equal(t, []string{"!local", "!x", "!p"}, r.Path)
	assert.Equal(t, 2, r.HopCount)
	assert.Equal(t, int64(1500), r.TotalTimeMs)
	assert.Equal(t, []string{"!p", "!y", "!local"}, r.RouteBack)
	assert.Equal(t, []float64{6, 2.5}, r.SNRTowards)
	assert.Equal(t, []float64{-2, 1}, r.SNRBack)
	assert.Equal(t, "agent-1", r.AgentID)
	require.NoError(t, r.Validate())

	entry, ok := h.m.Cached("!p")
	require.True(t, ok)
	assert.Equal(t, h.clock.Now().Add(12*time.Hour), entry.ExpiresAt)
	assert.Empty(t, h.m.Pending())

	pending, err := h.cache.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats := h.m.Stats()
	assert.Equal(t, int64(1), stats.Issued)
	assert.Equal(t, int64(1), stats.Resolved)
	assert.Equal(t, int64(1), stats.PriorityRefreshes)

	// Fresh entry means nothing is due
	h.m.scan(discovery.TierPriority)
	assert.Zero(t, h.m.Stats().Due)
}

func TestManager_TimeoutIsTerminalOnce(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!p"}}, nil)
	ctx := context.Background()

	h.m.scan(discovery.TierPriority)
	h.m.issueDue(ctx)
	req := h.prober.sent()[0]

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(h.sink.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.m.Stats().TimedOut)

	routes := h.sink.all()
	require.Len(t, routes, 1)
	assert.False(t, routes[0].Success)
	assert.Equal(t, req.ID, routes[0].DiscoveryID)
	assert.Empty(t, routes[0].Path)
	assert.Zero(t, routes[0].HopCount)
	assert.NoError(t, routes[0].Validate())

	entry, ok := h.m.Cached("!p")
	require.True(t, ok)
	assert.Equal(t, t0.Add(30*time.Second+15*time.Minute), entry.ExpiresAt, "failure collapses ttl to the retry value")

	// A late response is stale
	assert.False(t, h.m.HandleResponse(discovery.Response{DiscoveryID: req.ID, Route: []string{}}))
	assert.Len(t, h.sink.all(), 1)
	assert.Equal(t, int64(1), h.m.Stats().IgnoredResponses)

	// Retried once the short ttl lapses
	h.clock.Advance(15 * time.Minute)
	h.m.scan(discovery.TierPriority)
	h.m.issueDue(ctx)
	assert.Len(t, h.prober.sent(), 2)
}

func TestManager_UnknownResponseIgnored(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	assert.False(t, h.m.HandleResponse(discovery.Response{DiscoveryID: "nope"}))
	assert.Equal(t, int64(1), h.m.Stats().IgnoredResponses)
	assert.Empty(t, h.sink.all())
}

func TestManager_BoundsPending(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!a", "!b", "!c"}, MaxPending: 2}, nil)
	ctx := context.Background()

	h.m.scan(discovery.TierPriority)
	h.m.issueDue(ctx)
	sent := h.prober.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "!a", sent[0].Target)
	assert.Equal(t, "!b", sent[1].Target)
	stats := h.m.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Due)

	require.True(t, h.m.HandleResponse(discovery.Response{DiscoveryID: sent[0].ID}))
	h.m.issueDue(ctx)
	sent = h.prober.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "!c", sent[2].Target)
}

func TestManager_RequestSpacing(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!a", "!b"}, RequestSpacing: 3 * time.Second}, nil)
	ctx := context.Background()

	h.m.scan(discovery.TierPriority)
	wait := h.m.issueDue(ctx)
	assert.Equal(t, 3*time.Second, wait)
	assert.Len(t, h.prober.sent(), 1)

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, time.Second, h.m.issueDue(ctx))

	h.clock.Advance(time.Second)
	assert.Zero(t, h.m.issueDue(ctx))
	assert.Len(t, h.prober.sent(), 2)
}

func TestManager_OrdinaryTier(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!p"}}, nil)
	ctx := context.Background()

	h.m.NodeSeen("!o")
	h.m.NodeSeen("!local")
	assert.Zero(t, h.m.Stats().Due, "ordinary nodes wait for the ordinary tick")

	h.m.scan(discovery.TierOrdinary)
	h.m.issueDue(ctx)
	sent := h.prober.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "!o", sent[0].Target)
	assert.Equal(t, discovery.TierOrdinary, sent[0].Tier)

	require.True(t, h.m.HandleResponse(discovery.Response{DiscoveryID: sent[0].ID, Route: []string{"!o"}}))
	entry, _ := h.m.Cached("!o")
	assert.Equal(t, []string{"!local", "!o"}, entry.Route.Path)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), entry.ExpiresAt)

	h.clock.Advance(23 * time.Hour)
	h.m.scan(discovery.TierOrdinary)
	assert.Zero(t, h.m.Stats().Due)

	h.clock.Advance(time.Hour)
	h.m.scan(discovery.TierOrdinary)
	assert.Equal(t, 1, h.m.Stats().Due)
}

func TestManager_HopBoundExceeded(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!p"}, MaxHops: 2}, nil)
	ctx := context.Background()

	h.m.scan(discovery.TierPriority)
	h.m.issueDue(ctx)
	req := h.prober.sent()[0]

	require.True(t, h.m.HandleResponse(discovery.Response{DiscoveryID: req.ID, Route: []string{"!x", "!y", "!z"}}))
	routes := h.sink.all()
	require.Len(t, routes, 1)
	assert.False(t, routes[0].Success)
	assert.Equal(t, int64(1), h.m.Stats().Failed)
}

func TestManager_ProberFailure(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!p"}}, nil)
	h.prober.err = discovery.ErrProberUnavailable

	h.m.scan(discovery.TierPriority)
	h.m.issueDue(context.Background())

	stats := h.m.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Pending)
	require.Len(t, h.sink.all(), 1)
	entry, ok := h.m.Cached("!p")
	require.True(t, ok)
	assert.Equal(t, t0.Add(15*time.Minute), entry.ExpiresAt)
}

func TestManager_NodeSeenRefreshesPriority(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!p"}}, nil)
	ctx := context.Background()

	h.m.NodeSeen("!p")
	assert.Equal(t, int64(1), h.m.Stats().SeenRefreshes)
	h.m.issueDue(ctx)
	req := h.prober.sent()[0]
	require.True(t, h.m.HandleResponse(discovery.Response{DiscoveryID: req.ID}))

	h.clock.Advance(time.Hour)
	h.m.NodeSeen("!p")
	assert.Zero(t, h.m.Stats().Due, "recently resolved")

	h.clock.Advance(4 * time.Hour)
	h.m.NodeSeen("!p")
	assert.Equal(t, 1, h.m.Stats().Due)
	assert.Equal(t, int64(2), h.m.Stats().SeenRefreshes)
}

func TestManager_ForceRefresh(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!p"}}, nil)
	ctx := context.Background()

	h.m.scan(discovery.TierPriority)
	h.m.issueDue(ctx)
	require.True(t, h.m.HandleResponse(discovery.Response{DiscoveryID: h.prober.sent()[0].ID}))

	require.NoError(t, h.m.ForceRefresh("!p"))
	h.m.issueDue(ctx)
	assert.Len(t, h.prober.sent(), 2)
	assert.ErrorIs(t, h.m.ForceRefresh(""), discovery.ErrEmptyNodeID)

	h.m.NodeSeen("!o")
	n, err := h.m.ForceRefreshAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "!p is already pending")
}

func TestManager_PriorityMembership(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!a"}}, nil)

	require.NoError(t, h.m.AddPriorityNode("!b"))
	assert.Equal(t, []string{"!a", "!b"}, h.m.PriorityNodes())
	assert.True(t, h.m.RemovePriorityNode("!a"))
	assert.False(t, h.m.RemovePriorityNode("!a"))

	h.m.SetPriorityNodes([]string{"!c", "!local", ""})
	assert.Equal(t, []string{"!c"}, h.m.PriorityNodes())
	assert.Equal(t, 1, h.m.Stats().PriorityNodes)
}

func TestManager_Recover(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, cache.SavePending(ctx, discovery.Request{ID: "old", Source: "!local", Target: "!a", MaxHops: 7, IssuedAt: t0.Add(-time.Minute)}))
	require.NoError(t, cache.SavePending(ctx, discovery.Request{ID: "young", Source: "!local", Target: "!b", MaxHops: 7, IssuedAt: t0.Add(-10 * time.Second)}))
	require.NoError(t, cache.Put(ctx, discovery.CacheEntry{Target: "!c", ExpiresAt: t0.Add(time.Hour)}))

	h := newHarness(t, Config{}, cache)
	require.NoError(t, h.m.Recover(ctx))

	routes := h.sink.all()
	require.Len(t, routes, 1)
	assert.Equal(t, "old", routes[0].DiscoveryID)
	assert.False(t, routes[0].Success)

	pending := h.m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "young", pending[0].ID)
	_, ok := h.m.Cached("!c")
	assert.True(t, ok)

	h.clock.Advance(20 * time.Second)
	require.Eventually(t, func() bool { return len(h.sink.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), h.m.Stats().TimedOut)
	stored, err := cache.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestManager_Run(t *testing.T) {
	h := newHarness(t, Config{PriorityNodes: []string{"!p"}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.prober.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.m.ForceRefresh("!q"))
	require.Eventually(t, func() bool { return len(h.prober.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Config{}, Deps{Prober: &fakeProber{}, Cache: NewMemoryCache()})
	assert.ErrorIs(t, err, discovery.ErrEmptyNodeID)

	_, err = NewManager(Config{LocalNodeID: "!l"}, Deps{})
	assert.Error(t, err)

	_, err = NewManager(Config{LocalNodeID: "!l", RetryTTL: 48 * time.Hour}, Deps{Prober: &fakeProber{}, Cache: NewMemoryCache()})
	assert.Error(t, err)
}

func TestSQLiteCache(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(ctx, localdb.Config{Path: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	defer db.Close()
	cache := NewSQLiteCache(db)

	_, ok, err := cache.Get(ctx, "!a")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := discovery.CacheEntry{
		Target: "!a",
		Route: topology.ResolvedRoute{
			DiscoveryID:  "d1",
			SourceNodeID: "!local",
			TargetNodeID: "!a",
			Path:         []string{"!local", "!a"},
			HopCount:     1,
			Success:      true,
		},
		ExpiresAt: t0.Add(time.Hour),
	}
	require.NoError(t, cache.Put(ctx, entry))
	entry.ExpiresAt = t0.Add(2 * time.Hour)
	require.NoError(t, cache.Put(ctx, entry))

	got, ok, err := cache.Get(ctx, "!a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.ExpiresAt.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, entry.Route.Path, got.Route.Path)

	entries, err := cache.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	req := discovery.Request{ID: "r1", Source: "!local", Target: "!b", Tier: discovery.TierPriority, IssuedAt: t0}
	require.NoError(t, cache.SavePending(ctx, req))
	pending, err := cache.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, discovery.TierPriority, pending[0].Tier)
	assert.True(t, pending[0].IssuedAt.Equal(t0))

	require.NoError(t, cache.DeletePending(ctx, "r1"))
	pending, err = cache.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManager_SurvivesRestartWithSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(ctx, localdb.Config{Path: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	defer db.Close()

	first := newHarness(t, Config{PriorityNodes: []string{"!p"}}, NewSQLiteCache(db))
	first.m.scan(discovery.TierPriority)
	first.m.issueDue(ctx)
	require.Len(t, first.prober.sent(), 1)
	require.NoError(t, first.m.Close())

	// The new process starts after the wait window
	second := newHarness(t, Config{PriorityNodes: []string{"!p"}}, NewSQLiteCache(db))
	second.clock.Set(t0.Add(time.Minute))
	require.NoError(t, second.m.Recover(ctx))

	routes := second.sink.all()
	require.Len(t, routes, 1)
	assert.Equal(t, first.prober.sent()[0].ID, routes[0].DiscoveryID)
	assert.False(t, routes[0].Success)
	assert.Equal(t, int64(1), second.m.Stats().TimedOut)
}

var errBoom = errors.New("boom")

func TestParseNodeList(t *testing.T) {
	nodes, err := ParseNodeList(stringsReader("# priority\n!a\n\n  !b  # gateway\n!a\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"!a", "!b"}, nodes)

	_, err = ParseNodeList(failingReader{})
	assert.ErrorIs(t, err, errBoom)
}
