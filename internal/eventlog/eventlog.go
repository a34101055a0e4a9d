// Package eventlog keeps the collector's recent ingested events for
// diagnostics and the /api/v1/events query.
package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/heymex/MeshyMcMapface/pkg/api"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

var (
	// ErrNegativeOffset is returned when a negative offset is provided
	ErrNegativeOffset = errors.New("offset cannot be negative")
	// ErrLogClosed is returned after Close
	ErrLogClosed = errors.New("event log is closed")
)

// DefaultCapacity is the number of events kept when none is configured.
const DefaultCapacity = 10000

// Log is a bounded, offset-addressed log of ingested events. When full the
// oldest event is dropped. Offsets start at 0 and never repeat.
// It is safe for concurrent use.
type Log struct {
	mu         sync.RWMutex
	capacity   int
	events     []api.StoredEvent // ring, oldest at head
	head       int
	nextOffset int64
	closed     bool
}

// New creates a log holding at most capacity events.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity, events: make([]api.StoredEvent, 0, min(capacity, 1024))}
}

// Append records events received from agentID and returns them with their
// assigned offsets.
func (l *Log) Append(ctx context.Context, agentID string, receivedAt time.Time, events ...delivery.Event) ([]api.StoredEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLogClosed
	}

	out := make([]api.StoredEvent, 0, len(events))
	for _, e := range events {
		se := api.StoredEvent{Offset: l.nextOffset, AgentID: agentID, ReceivedAt: receivedAt, Event: e}
		l.nextOffset++
		l.push(se)
		out = append(out, se)
	}
	return out, nil
}

func (l *Log) push(se api.StoredEvent) {
	if len(l.events) < l.capacity {
		l.events = append(l.events, se)
		return
	}
	l.events[l.head] = se
	l.head = (l.head + 1) % l.capacity
}

// at returns the i-th oldest retained event.
func (l *Log) at(i int) api.StoredEvent {
	return l.events[(l.head+i)%len(l.events)]
}

// Query selects events. Zero values mean no constraint.
type Query struct {
	AgentID string
	Type    delivery.EventType
	// FromOffset skips events with a lower offset.
	FromOffset int64
	Limit      int
}

// Recent returns matching events, newest first.
func (l *Log) Recent(ctx context.Context, q Query) ([]api.StoredEvent, error) {
	if q.FromOffset < 0 {
		return nil, ErrNegativeOffset
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLogClosed
	}

	out := make([]api.StoredEvent, 0)
	for i := len(l.events) - 1; i >= 0; i-- {
		se := l.at(i)
		if se.Offset < q.FromOffset {
			break
		}
		if q.AgentID != "" && se.AgentID != q.AgentID {
			continue
		}
		if q.Type != "" && se.Event.Type != q.Type {
			continue
		}
		out = append(out, se)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// EndOffset is the offset the next appended event will get.
func (l *Log) EndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextOffset
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Prune drops events received before cutoff and returns how many went.
func (l *Log) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLogClosed
	}

	n := 0
	for n < len(l.events) && l.at(n).ReceivedAt.Before(cutoff) {
		n++
	}
	if n == 0 {
		return 0, nil
	}
	kept := make([]api.StoredEvent, 0, len(l.events)-n)
	for i := n; i < len(l.events); i++ {
		kept = append(kept, l.at(i))
	}
	l.events = kept
	l.head = 0
	return n, nil
}

// Close clears the log. It is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.events = nil
	l.head = 0
	l.closed = true
	return nil
}
