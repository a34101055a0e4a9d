// Package fanout accepts locally observed events once and spreads them
// across every destination whose filter accepts them.
//
// Each enabled destination gets its own batcher. Batches are flushed into
// the outbound queue when they reach the destination's batch size or when
// its send interval elapses. Nothing here waits on a destination, so one
// collector being down never slows another.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/heymex/MeshyMcMapface/internal/clock"
	"github.com/heymex/MeshyMcMapface/internal/codec"
	"github.com/heymex/MeshyMcMapface/internal/health"
	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("coordinator is stopped")

// Config configures a Coordinator.
type Config struct {
	// AgentID is the originating agent for resolved routes.
	AgentID      string
	Destinations []delivery.Destination
	Queue        delivery.Queue

	// Monitors supplies health for Status, keyed by destination name.
	Monitors map[string]*health.Monitor

	Handlers []Handler
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Coordinator is the fan-out point between producers and the queue.
type Coordinator struct {
	cfg      Config
	batchers []*batcher
	handlers handlerSet
	clock    clock.Clock
	logger   *slog.Logger

	// mu is held shared while items are added to batchers, so Stop's
	// final flush sees everything accepted before it.
	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator. Disabled destinations are skipped.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	c := &Coordinator{
		cfg:      cfg,
		handlers: newHandlerSet(cfg.Handlers),
		clock:    clock.OrReal(cfg.Clock),
		logger:   logging.OrDiscard(cfg.Logger).With("component", "fanout"),
	}

	ds := append([]delivery.Destination(nil), cfg.Destinations...)
	for i := range ds {
		ds[i].SetDefaults()
	}
	delivery.SortByPriority(ds)
	for _, d := range ds {
		if !d.IsEnabled() {
			c.logger.Info("destination disabled, not fanning out", "destination", d.Name)
			continue
		}
		c.batchers = append(c.batchers, newBatcher(d, cfg.Queue, c.clock, c.logger))
	}
	return c, nil
}

// Start launches the interval flush loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.cancel != nil {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	for _, b := range c.batchers {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			b.run(ctx)
		}()
	}
	return nil
}

// Stop ends the flush loops and flushes every partial batch. Safe to call
// more than once.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return c.Flush(ctx)
}

// accept runs add unless the coordinator is stopped.
func (c *Coordinator) accept(add func()) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return false
	}
	add()
	return true
}

// Submit fans e out to every destination that accepts it and hands it to
// local handlers. Destination health never causes an error.
func (c *Coordinator) Submit(e delivery.Event, agentID string) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.clock.Now()
	}
	ok := c.accept(func() {
		for _, b := range c.batchers {
			if b.dest.Filter.AcceptEvent(e) {
				b.addEvent(agentID, e)
			}
		}
	})
	if !ok {
		return ErrStopped
	}

	ctx := context.Background()
	item := Item{AgentID: agentID, Event: &e}
	c.handlers.dispatch(ctx, CapEvents, item)
	if e.FromNode != "" {
		c.handlers.dispatch(ctx, CapNodes, item)
	}
	return nil
}

// SubmitRoutes fans resolved routes out like events. Routes from a
// stopped coordinator are logged and discarded.
func (c *Coordinator) SubmitRoutes(routes ...topology.ResolvedRoute) {
	routes = append([]topology.ResolvedRoute(nil), routes...)
	for i := range routes {
		if routes[i].AgentID == "" {
			routes[i].AgentID = c.cfg.AgentID
		}
	}
	ok := c.accept(func() {
		for _, r := range routes {
			for _, b := range c.batchers {
				if b.dest.Filter.AcceptRoute(r.TargetNodeID) {
					b.addRoute(r)
				}
			}
		}
	})
	if !ok {
		c.logger.Warn("coordinator stopped, discarding routes", "count", len(routes))
		return
	}
	ctx := context.Background()
	for _, r := range routes {
		c.handlers.dispatch(ctx, CapRoutes, Item{AgentID: r.AgentID, Route: &r})
	}
}

// Flush enqueues every partial batch now.
func (c *Coordinator) Flush(ctx context.Context) error {
	var errs []error
	for _, b := range c.batchers {
		if err := b.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DestinationStatus is the introspection view of one destination.
type DestinationStatus struct {
	Name                string    `json:"name"`
	Priority            int       `json:"priority"`
	Enabled             bool      `json:"enabled"`
	State               string    `json:"state"`
	Depth               int       `json:"depth"`
	Pending             int       `json:"pending"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastSuccess         time.Time `json:"lastSuccess,omitzero"`
	LastErrorKind       string    `json:"lastErrorKind,omitempty"`
	Misconfigured       bool      `json:"misconfigured,omitempty"`
	NeedsAttention      bool      `json:"needsAttention,omitempty"`
}

// Status lists every configured destination, healthy ones first, then by
// priority.
func (c *Coordinator) Status(ctx context.Context) []DestinationStatus {
	now := c.clock.Now()
	pending := make(map[string]int, len(c.batchers))
	for _, b := range c.batchers {
		pending[b.dest.Name] = b.pending()
	}

	out := make([]DestinationStatus, 0, len(c.cfg.Destinations))
	for _, d := range c.cfg.Destinations {
		d.SetDefaults()
		st := DestinationStatus{
			Name:     d.Name,
			Priority: d.Priority,
			Enabled:  d.IsEnabled(),
			State:    delivery.Healthy.String(),
			Pending:  pending[d.Name],
		}
		if depth, err := c.cfg.Queue.Depth(ctx, d.Name); err == nil {
			st.Depth = depth
		} else {
			c.logger.Debug("queue depth unavailable", "destination", d.Name, "error", err)
		}
		if m, ok := c.cfg.Monitors[d.Name]; ok {
			rec := m.Snapshot(now)
			st.State = rec.StateName
			st.ConsecutiveFailures = rec.ConsecutiveFailures
			st.LastSuccess = rec.LastSuccess
			st.LastErrorKind = rec.LastErrorKind
			st.Misconfigured = rec.Misconfigured
			st.NeedsAttention = rec.NeedsAttention
		}
		out = append(out, st)
	}

	sort.SliceStable(out, func(i, j int) bool {
		hi, hj := out[i].State == delivery.Healthy.String(), out[j].State == delivery.Healthy.String()
		if hi != hj {
			return hi
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// batcher accumulates items for one destination.
type batcher struct {
	dest   delivery.Destination
	queue  delivery.Queue
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	events map[string][]delivery.Event
	order  []string
	routes []topology.ResolvedRoute
}

func newBatcher(d delivery.Destination, q delivery.Queue, c clock.Clock, logger *slog.Logger) *batcher {
	return &batcher{
		dest:   d,
		queue:  q,
		clock:  c,
		logger: logger.With("destination", d.Name),
		events: make(map[string][]delivery.Event),
	}
}

func (b *batcher) addEvent(agentID string, e delivery.Event) {
	b.mu.Lock()
	if _, ok := b.events[agentID]; !ok {
		b.order = append(b.order, agentID)
	}
	b.events[agentID] = append(b.events[agentID], e)
	var full []delivery.Event
	if len(b.events[agentID]) >= b.dest.BatchSize {
		full = b.events[agentID]
		b.events[agentID] = nil
	}
	b.mu.Unlock()

	if full != nil {
		b.enqueue(context.Background(), &delivery.Envelope{Kind: delivery.KindEvents, AgentID: agentID, Events: full})
	}
}

func (b *batcher) addRoute(r topology.ResolvedRoute) {
	b.mu.Lock()
	b.routes = append(b.routes, r)
	var full []topology.ResolvedRoute
	if len(b.routes) >= b.dest.BatchSize {
		full = b.routes
		b.routes = nil
	}
	b.mu.Unlock()

	if full != nil {
		b.enqueue(context.Background(), &delivery.Envelope{Kind: delivery.KindRoutes, AgentID: full[0].AgentID, Routes: full})
	}
}

func (b *batcher) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.routes)
	for _, es := range b.events {
		n += len(es)
	}
	return n
}

// take empties the batcher, returning one envelope per agent plus one for
// routes.
func (b *batcher) take() []*delivery.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	var envs []*delivery.Envelope
	for _, agentID := range b.order {
		if es := b.events[agentID]; len(es) > 0 {
			envs = append(envs, &delivery.Envelope{Kind: delivery.KindEvents, AgentID: agentID, Events: es})
		}
	}
	b.events = make(map[string][]delivery.Event)
	b.order = nil

	if len(b.routes) > 0 {
		envs = append(envs, &delivery.Envelope{Kind: delivery.KindRoutes, AgentID: b.routes[0].AgentID, Routes: b.routes})
		b.routes = nil
	}
	return envs
}

func (b *batcher) flush(ctx context.Context) error {
	var errs []error
	for _, env := range b.take() {
		if err := b.enqueue(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *batcher) enqueue(ctx context.Context, env *delivery.Envelope) error {
	env.Destination = b.dest.Name
	env.CreatedAt = b.clock.Now()
	key, err := contentKey(env)
	if err != nil {
		b.logger.Warn("failed to compute envelope key", "error", err)
	}
	env.Key = key

	if err := b.queue.Enqueue(ctx, env); err != nil {
		b.logger.Error("failed to enqueue batch", "kind", string(env.Kind), "items", env.Len(), "error", err)
		return fmt.Errorf("enqueue for %s: %w", b.dest.Name, err)
	}
	b.logger.Debug("batch enqueued", "envelope", env.ID, "kind", string(env.Kind), "items", env.Len())
	return nil
}

func (b *batcher) run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.dest.SendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			// A flush that has taken items must finish even if Stop races it
			if err := b.flush(context.WithoutCancel(ctx)); err != nil {
				b.logger.Error("interval flush failed", "error", err)
			}
		}
	}
}

// contentKey identifies a batch by what it carries, so a replay of the same
// items yields the same key.
func contentKey(env *delivery.Envelope) (string, error) {
	return codec.ContentKey(struct {
		Kind    delivery.EnvelopeKind
		AgentID string
		Events  []delivery.Event
		Routes  []topology.ResolvedRoute
	}{env.Kind, env.AgentID, env.Events, env.Routes})
}
