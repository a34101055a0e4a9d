package delivery

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
	"github.com/heymex/MeshyMcMapface/internal/health"
	"github.com/heymex/MeshyMcMapface/internal/localdb"
	"github.com/heymex/MeshyMcMapface/internal/queue"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// scriptedTransport returns queued results in order, then success.
type scriptedTransport struct {
	mu        sync.Mutex
	results   []delivery.Result
	delivered []*delivery.Envelope
	registers int
	probes    int
	probe     delivery.Result
}

func (s *scriptedTransport) Deliver(ctx context.Context, env *delivery.Envelope) delivery.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, env.Clone())
	if len(s.results) == 0 {
		return delivery.Succeeded()
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res
}

func (s *scriptedTransport) Register(ctx context.Context) delivery.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers++
	return delivery.Succeeded()
}

func (s *scriptedTransport) CheckHealth(ctx context.Context) delivery.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return s.probe
}

func (s *scriptedTransport) deliveries() []*delivery.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*delivery.Envelope(nil), s.delivered...)
}

type fixture struct {
	clock     *clock.Fake
	queue     *queue.Memory
	transport *scriptedTransport
	monitor   *health.Monitor
	client    *Client
}

func newFixture(t *testing.T, dest delivery.Destination) *fixture {
	t.Helper()
	fc := clock.NewFake(t0)
	q, err := queue.NewMemory([]delivery.Destination{dest}, queue.Options{Clock: fc})
	require.NoError(t, err)
	tr := &scriptedTransport{probe: delivery.Succeeded()}
	mon := health.NewMonitor(dest.Name, health.Config{FailureThreshold: 3}, nil)
	c, err := NewClient(Config{
		Destination: dest,
		Queue:       q,
		Transport:   tr,
		Monitor:     mon,
		Clock:       fc,
	})
	require.NoError(t, err)
	return &fixture{clock: fc, queue: q, transport: tr, monitor: mon, client: c}
}

func (f *fixture) enqueue(t *testing.T, events ...delivery.Event) {
	t.Helper()
	require.NoError(t, f.queue.Enqueue(context.Background(), &delivery.Envelope{
		Destination: f.client.Destination().Name,
		Kind:        delivery.KindEvents,
		AgentID:     "agent-1",
		Events:      events,
	}))
}

func event(id string, typ delivery.EventType, from string) delivery.Event {
	return delivery.Event{ID: id, Type: typ, FromNode: from, Timestamp: t0}
}

func TestClient_DeliversAndAcks(t *testing.T) {
	f := newFixture(t, delivery.Destination{Name: "primary", URL: "http://primary"})
	f.enqueue(t, event("e1", delivery.EventText, "!a"))

	out, err := f.client.RunOnce(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.True(t, f.client.Registered())
	assert.Equal(t, 1, f.transport.registers)

	depth, err := f.queue.Depth(context.Background(), "primary")
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Equal(t, delivery.Healthy, f.monitor.State())

	out, err = f.client.RunOnce(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Idle, out)
}

func TestClient_FilterDropsEvents(t *testing.T) {
	dest := delivery.Destination{
		Name: "primary",
		URL:  "http://primary",
		Filter: delivery.Filter{
			EventTypes: []delivery.EventType{delivery.EventPosition},
			DenyNodes:  []string{"!bad"},
		},
	}

	t.Run("partial", func(t *testing.T) {
		f := newFixture(t, dest)
		f.enqueue(t,
			event("e1", delivery.EventPosition, "!a"),
			event("e2", delivery.EventText, "!a"),
			event("e3", delivery.EventPosition, "!bad"),
		)

		out, err := f.client.RunOnce(context.Background(), f.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, Delivered, out)

		sent := f.transport.deliveries()
		require.Len(t, sent, 1)
		require.Len(t, sent[0].Events, 1)
		assert.Equal(t, "e1", sent[0].Events[0].ID)
	})

	t.Run("empty_envelope_is_acked_without_sending", func(t *testing.T) {
		f := newFixture(t, dest)
		f.enqueue(t, event("e2", delivery.EventText, "!a"))

		out, err := f.client.RunOnce(context.Background(), f.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, Filtered, out)
		assert.Empty(t, f.transport.deliveries())

		depth, err := f.queue.Depth(context.Background(), "primary")
		require.NoError(t, err)
		assert.Zero(t, depth)
	})
}

func TestClient_FailureBacksOff(t *testing.T) {
	f := newFixture(t, delivery.Destination{Name: "primary", URL: "http://primary", MaxRetries: 5})
	f.transport.results = []delivery.Result{
		delivery.Failed(delivery.KindServer, errors.New("502")),
	}
	f.enqueue(t, event("e1", delivery.EventText, "!a"))
	ctx := context.Background()

	out, err := f.client.RunOnce(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Failed, out)
	assert.Equal(t, delivery.Degraded, f.monitor.State())

	// Backoff floor is 5s
	out, err = f.client.RunOnce(ctx, f.clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, Waiting, out)

	f.clock.Advance(5 * time.Second)
	out, err = f.client.RunOnce(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Equal(t, delivery.Healthy, f.monitor.State())

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Requeued)
	assert.Equal(t, int64(1), stats[0].Delivered)
}

func TestClient_RetryAfterExtendsDelay(t *testing.T) {
	f := newFixture(t, delivery.Destination{Name: "primary", URL: "http://primary"})
	throttled := delivery.Failed(delivery.KindThrottled, errors.New("429"))
	throttled.RetryAfter = 40 * time.Second
	f.transport.results = []delivery.Result{throttled}
	f.enqueue(t, event("e1", delivery.EventText, "!a"))
	ctx := context.Background()

	_, err := f.client.RunOnce(ctx, f.clock.Now())
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	out, err := f.client.RunOnce(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Waiting, out)

	f.clock.Advance(10 * time.Second)
	out, err = f.client.RunOnce(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Equal(t, 2, len(f.transport.deliveries()))
	assert.Equal(t, 0, f.transport.deliveries()[1].Attempts, "throttling does not count toward retries")
}

func TestClient_UnauthorizedIsPersistent(t *testing.T) {
	f := newFixture(t, delivery.Destination{Name: "primary", URL: "http://primary", MaxRetries: 1})
	unauthorized := delivery.Failed(delivery.KindUnauthorized, errors.New("401"))
	f.transport.results = []delivery.Result{unauthorized, unauthorized, unauthorized}
	f.enqueue(t, event("e1", delivery.EventText, "!a"))
	ctx := context.Background()

	for range 3 {
		out, err := f.client.RunOnce(ctx, f.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, Failed, out)
		f.clock.Advance(5 * time.Minute)
	}

	snap := f.monitor.Snapshot(f.clock.Now())
	assert.True(t, snap.Misconfigured)
	assert.Equal(t, 5*time.Minute, snap.Backoff)

	depth, err := f.queue.Depth(ctx, "primary")
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "unauthorized attempts never exhaust the envelope")
}

func TestClient_ProbesIdleUnhealthyDestination(t *testing.T) {
	f := newFixture(t, delivery.Destination{Name: "primary", URL: "http://primary"})
	ctx := context.Background()
	for range 3 {
		f.monitor.Report(delivery.Failed(delivery.KindTransport, errors.New("refused")), f.clock.Now())
	}
	require.Equal(t, delivery.Unhealthy, f.monitor.State())

	f.clock.Advance(5 * time.Minute)
	out, err := f.client.RunOnce(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Probed, out)
	assert.Equal(t, delivery.Recovering, f.monitor.State())

	// Probes are spaced by ProbeInterval
	f.clock.Advance(10 * time.Second)
	out, err = f.client.RunOnce(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Idle, out)

	f.clock.Advance(time.Minute)
	out, err = f.client.RunOnce(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Probed, out)
	assert.Equal(t, delivery.Healthy, f.monitor.State())
	assert.Equal(t, 2, f.transport.probes)

	// Healthy and idle means no probing
	f.clock.Advance(time.Hour)
	out, err = f.client.RunOnce(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Idle, out)
}

func TestClient_Run(t *testing.T) {
	f := newFixture(t, delivery.Destination{Name: "primary", URL: "http://primary", SendInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.client.Run(ctx) }()

	// The loop parks on the poll timer until an enqueue wakes it
	f.clock.BlockUntil(1)
	f.enqueue(t, event("e1", delivery.EventText, "!a"))

	require.Eventually(t, func() bool {
		return len(f.transport.deliveries()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{Destination: delivery.Destination{Name: "x", URL: "http://x"}})
	assert.Error(t, err)
}

// blockingTransport holds every delivery until release is closed.
type blockingTransport struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingTransport) Deliver(ctx context.Context, env *delivery.Envelope) delivery.Result {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return delivery.Succeeded()
}

func (b *blockingTransport) Register(ctx context.Context) delivery.Result {
	return delivery.Succeeded()
}

func (b *blockingTransport) CheckHealth(ctx context.Context) delivery.Result {
	return delivery.Succeeded()
}

func TestClient_AckSurvivesCancelDuringTransfer(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(ctx, localdb.Config{Path: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dest := delivery.Destination{Name: "primary", URL: "http://primary"}
	fc := clock.NewFake(t0)
	q, err := queue.NewSQLite(ctx, db, []delivery.Destination{dest}, queue.Options{Clock: fc})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	tr := newBlockingTransport()
	c, err := NewClient(Config{
		Destination: dest,
		Queue:       q,
		Transport:   tr,
		Monitor:     health.NewMonitor(dest.Name, health.Config{FailureThreshold: 3}, nil),
		HealthStore: health.NewSQLiteStore(db),
		Clock:       fc,
	})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, &delivery.Envelope{
		Destination: dest.Name,
		Kind:        delivery.KindEvents,
		AgentID:     "agent-1",
		Events:      []delivery.Event{event("e1", delivery.EventText, "!a")},
	}))

	runCtx, cancel := context.WithCancel(ctx)
	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.RunOnce(runCtx, fc.Now())
		done <- result{out, err}
	}()

	<-tr.started
	cancel()
	close(tr.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Delivered, res.out)

	depth, err := q.Depth(ctx, dest.Name)
	require.NoError(t, err)
	assert.Zero(t, depth, "a completed transfer is acked even when shutdown started mid-flight")
}
