package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymex/MeshyMcMapface/internal/clock"
	"github.com/heymex/MeshyMcMapface/internal/health"
	"github.com/heymex/MeshyMcMapface/internal/queue"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func disabled() *bool {
	f := false
	return &f
}

func testDestinations() []delivery.Destination {
	return []delivery.Destination{
		{Name: "backup", URL: "http://backup", Priority: 2, BatchSize: 2, SendInterval: time.Minute},
		{Name: "primary", URL: "http://primary", Priority: 1, BatchSize: 10, SendInterval: 30 * time.Second,
			Filter: delivery.Filter{EventTypes: []delivery.EventType{delivery.EventPosition, delivery.EventRoute}}},
		{Name: "off", URL: "http://off", Priority: 3, Enabled: disabled()},
	}
}

func newTestCoordinator(t *testing.T, handlers ...Handler) (*Coordinator, *queue.Memory, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(t0)
	q, err := queue.NewMemory(testDestinations(), queue.Options{Clock: fc})
	require.NoError(t, err)
	c, err := New(Config{
		AgentID:      "agent-1",
		Destinations: testDestinations(),
		Queue:        q,
		Handlers:     handlers,
		Clock:        fc,
	})
	require.NoError(t, err)
	return c, q, fc
}

func depth(t *testing.T, q delivery.Queue, dest string) int {
	t.Helper()
	n, err := q.Depth(context.Background(), dest)
	require.NoError(t, err)
	return n
}

func TestCoordinator_FiltersPerDestination(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Submit(delivery.Event{ID: "p1", Type: delivery.EventPosition, FromNode: "!a"}, "agent-1"))
	require.NoError(t, c.Submit(delivery.Event{ID: "t1", Type: delivery.EventText, FromNode: "!a"}, "agent-1"))

	// backup batches at two events, primary only took the position
	assert.Equal(t, 1, depth(t, q, "backup"))
	assert.Equal(t, 0, depth(t, q, "primary"))

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 1, depth(t, q, "primary"))
	assert.Equal(t, 0, depth(t, q, "off"))

	env, err := q.NextReady(ctx, t0, "primary")
	require.NoError(t, err)
	require.Len(t, env.Events, 1)
	assert.Equal(t, "p1", env.Events[0].ID)
	assert.NotEmpty(t, env.Key)
}

func TestCoordinator_PriorityOrder(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Submit(delivery.Event{ID: "p1", Type: delivery.EventPosition, FromNode: "!a"}, "agent-1"))
	require.NoError(t, c.Flush(ctx))

	first, err := q.NextReady(ctx, t0, "")
	require.NoError(t, err)
	assert.Equal(t, "primary", first.Destination)

	second, err := q.NextReady(ctx, t0, "")
	require.NoError(t, err)
	assert.Equal(t, "backup", second.Destination)
}

func TestCoordinator_IntervalFlush(t *testing.T) {
	c, q, fc := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	fc.BlockUntil(2)

	require.NoError(t, c.Submit(delivery.Event{ID: "p1", Type: delivery.EventPosition, FromNode: "!a"}, "agent-1"))
	assert.Equal(t, 0, depth(t, q, "primary"))

	fc.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return depth(t, q, "primary") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, depth(t, q, "backup"), "backup flushes on its own interval")

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, depth(t, q, "backup"), "stop flushes partial batches")

	assert.ErrorIs(t, c.Submit(delivery.Event{ID: "late"}, "agent-1"), ErrStopped)
	assert.NoError(t, c.Stop(ctx))
}

func TestCoordinator_Routes(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()

	c.SubmitRoutes(topology.ResolvedRoute{
		DiscoveryID:  "d1",
		SourceNodeID: "!local",
		TargetNodeID: "!b",
		Path:         []string{"!local", "!b"},
		HopCount:     1,
		Success:      true,
	})
	require.NoError(t, c.Flush(ctx))

	env, err := q.NextReady(ctx, t0, "primary")
	require.NoError(t, err)
	assert.Equal(t, delivery.KindRoutes, env.Kind)
	assert.Equal(t, "agent-1", env.AgentID)
	require.Len(t, env.Routes, 1)
	assert.Equal(t, "agent-1", env.Routes[0].AgentID)
	assert.Equal(t, 1, depth(t, q, "backup"))
}

func TestCoordinator_Handlers(t *testing.T) {
	var mu sync.Mutex
	seen := map[Capability][]string{}
	record := func(c Capability) func(context.Context, Item) {
		return func(_ context.Context, item Item) {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case item.Event != nil:
				seen[c] = append(seen[c], item.Event.ID)
			case item.Route != nil:
				seen[c] = append(seen[c], item.Route.DiscoveryID)
			}
		}
	}

	c, _, _ := newTestCoordinator(t,
		NewHandler("log", record(CapEvents), CapEvents),
		NewHandler("nodes", record(CapNodes), CapNodes),
		NewHandler("routes", record(CapRoutes), CapRoutes),
	)

	require.NoError(t, c.Submit(delivery.Event{ID: "e1", Type: delivery.EventText, FromNode: "!a"}, "agent-1"))
	require.NoError(t, c.Submit(delivery.Event{ID: "e2", Type: delivery.EventRouting}, "agent-1"))
	c.SubmitRoutes(topology.ResolvedRoute{DiscoveryID: "d1", TargetNodeID: "!b"})

	assert.Equal(t, []string{"e1", "e2"}, seen[CapEvents])
	assert.Equal(t, []string{"e1"}, seen[CapNodes])
	assert.Equal(t, []string{"d1"}, seen[CapRoutes])
}

func TestCoordinator_Status(t *testing.T) {
	fc := clock.NewFake(t0)
	q, err := queue.NewMemory(testDestinations(), queue.Options{Clock: fc})
	require.NoError(t, err)

	monitors := map[string]*health.Monitor{
		"primary": health.NewMonitor("primary", health.Config{FailureThreshold: 1}, nil),
		"backup":  health.NewMonitor("backup", health.Config{}, nil),
	}
	monitors["primary"].Report(delivery.Failed(delivery.KindTransport, errors.New("down")), t0)

	c, err := New(Config{Destinations: testDestinations(), Queue: q, Monitors: monitors, Clock: fc})
	require.NoError(t, err)

	status := c.Status(context.Background())
	require.Len(t, status, 3)
	assert.Equal(t, "backup", status[0].Name)
	assert.Equal(t, "off", status[1].Name)
	assert.False(t, status[1].Enabled)
	assert.Equal(t, "primary", status[2].Name)
	assert.Equal(t, "unhealthy", status[2].State)
	assert.Equal(t, 1, status[2].ConsecutiveFailures)
}

func TestCoordinator_SubmitRacingStopIsNotLost(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := c.Submit(delivery.Event{Type: delivery.EventPosition, FromNode: "!a"}, "agent-1")
				if errors.Is(err, ErrStopped) {
					return
				}
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	require.NoError(t, c.Stop(ctx))
	wg.Wait()

	queued := 0
	for {
		env, err := q.NextReady(ctx, t0.Add(time.Hour), "primary")
		if errors.Is(err, delivery.ErrNoReady) {
			break
		}
		require.NoError(t, err)
		queued += len(env.Events)
	}
	assert.Equal(t, accepted, queued, "every accepted event reaches the queue")
	assert.ErrorIs(t, c.Submit(delivery.Event{Type: delivery.EventPosition, FromNode: "!a"}, "agent-1"), ErrStopped)
}

func TestNew_RequiresQueue(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
