package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

// Memory is an in-memory Queue. Contents are lost on restart.
// It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	routes   routes
	opts     Options
	logger   *slog.Logger
	byDest   map[string][]*delivery.Envelope // ordered by Seq
	byID     map[string]*delivery.Envelope
	counters map[string]*delivery.QueueStats
	nextSeq  int64
	notify   notifier
	closed   bool
}

var (
	_ delivery.Queue    = (*Memory)(nil)
	_ delivery.Notifier = (*Memory)(nil)
)

// NewMemory creates an in-memory queue for destinations.
func NewMemory(destinations []delivery.Destination, opts Options) (*Memory, error) {
	r, err := newRoutes(destinations)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()

	q := &Memory{
		routes:   r,
		opts:     opts,
		logger:   opts.Logger.With("component", "queue"),
		byDest:   make(map[string][]*delivery.Envelope),
		byID:     make(map[string]*delivery.Envelope),
		counters: make(map[string]*delivery.QueueStats),
		notify:   newNotifier(r),
	}
	for _, d := range r.ordered {
		q.counters[d.Name] = &delivery.QueueStats{Destination: d.Name}
	}
	return q, nil
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Enqueue stores env. It always accepts; an over-depth destination evicts
// its oldest envelope.
func (q *Memory) Enqueue(ctx context.Context, env *delivery.Envelope) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return delivery.ErrQueueClosed
	}
	if err := prepare(env, q.opts.Clock.Now(), q.routes); err != nil {
		return err
	}

	q.nextSeq++
	stored := env.Clone()
	stored.Seq = q.nextSeq
	env.Seq = stored.Seq
	q.insert(stored)
	q.counters[stored.Destination].Enqueued++
	q.notify.signal(stored.Destination)
	return nil
}

func (q *Memory) insert(env *delivery.Envelope) {
	list := q.byDest[env.Destination]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > env.Seq })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = env
	q.byDest[env.Destination] = list
	q.byID[env.ID] = env
	q.evict(env.Destination)
}

func (q *Memory) evict(destination string) {
	limit := q.routes.byName[destination].MaxQueueDepth
	if limit <= 0 {
		return
	}
	for len(q.byDest[destination]) > limit {
		oldest := q.byDest[destination][0]
		q.removeLocked(oldest)
		q.counters[destination].Evicted++
		q.logger.Warn("queue over depth limit, evicted oldest envelope",
			"destination", destination, "envelope", oldest.ID, "limit", limit)
	}
}

func (q *Memory) removeLocked(env *delivery.Envelope) {
	list := q.byDest[env.Destination]
	for i, e := range list {
		if e.ID == env.ID {
			q.byDest[env.Destination] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(q.byID, env.ID)
}

// NextReady leases the earliest eligible envelope.
func (q *Memory) NextReady(ctx context.Context, now time.Time, destination string) (*delivery.Envelope, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, delivery.ErrQueueClosed
	}

	names, err := q.routes.scan(destination)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		for _, env := range q.byDest[name] {
			if env.NextAttemptAt.After(now) {
				continue
			}
			env.NextAttemptAt = now.Add(q.opts.Lease)
			return env.Clone(), nil
		}
	}
	return nil, delivery.ErrNoReady
}

// Ack removes a delivered envelope.
func (q *Memory) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return delivery.ErrQueueClosed
	}
	env, ok := q.byID[id]
	if !ok {
		return delivery.ErrEnvelopeNotFound
	}
	q.removeLocked(env)
	q.counters[env.Destination].Delivered++
	return nil
}

// Nack records a failed attempt and requeues, dead-letters or drops.
func (q *Memory) Nack(ctx context.Context, id string, res delivery.Result, retryAt time.Time) (delivery.NackOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return delivery.NackOutcome{}, delivery.ErrQueueClosed
	}
	env, ok := q.byID[id]
	if !ok {
		return delivery.NackOutcome{}, delivery.ErrEnvelopeNotFound
	}

	from := env.Destination
	d := decide(env, res, retryAt, q.routes)
	switch d.outcome.Action {
	case delivery.Requeued:
		q.counters[from].Requeued++
	case delivery.DeadLettered:
		// decide already rewrote env.Destination
		env.Destination = from
		q.removeLocked(env)
		env.Destination = d.outcome.Target
		q.insert(env)
		q.counters[from].DeadLetteredOut++
		q.counters[d.outcome.Target].DeadLetteredIn++
		q.notify.signal(d.outcome.Target)
	case delivery.Dropped:
		q.removeLocked(env)
		q.counters[from].Dropped++
	}
	logNack(q.logger, env, d, res)
	return d.outcome, nil
}

// Depth counts queued envelopes for destination, or all when empty.
func (q *Memory) Depth(ctx context.Context, destination string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if destination == "" {
		return len(q.byID), nil
	}
	if _, err := q.routes.get(destination); err != nil {
		return 0, err
	}
	return len(q.byDest[destination]), nil
}

// Stats returns counters for every destination in priority order.
func (q *Memory) Stats(ctx context.Context) ([]delivery.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock.Now()
	out := make([]delivery.QueueStats, 0, len(q.routes.ordered))
	for _, d := range q.routes.ordered {
		s := *q.counters[d.Name]
		s.Depth = len(q.byDest[d.Name])
		for _, env := range q.byDest[d.Name] {
			if !env.NextAttemptAt.After(now) {
				s.Ready++
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Notify returns a channel signalled when destination gains work.
func (q *Memory) Notify(destination string) <-chan struct{} {
	return q.notify.Notify(destination)
}

// Close marks the queue closed. It is idempotent.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
