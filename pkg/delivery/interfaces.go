package delivery

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrQueueClosed is returned by queue operations after Close
	ErrQueueClosed = errors.New("queue is closed")
	// ErrNoReady is returned by NextReady when nothing is eligible
	ErrNoReady = errors.New("no envelope ready")
	// ErrUnknownDestination is returned for envelopes addressed to an unconfigured destination
	ErrUnknownDestination = errors.New("unknown destination")
	// ErrEnvelopeNotFound is returned by Ack and Nack for unknown ids
	ErrEnvelopeNotFound = errors.New("envelope not found")
	// ErrNilEnvelope is returned when a nil envelope is enqueued
	ErrNilEnvelope = errors.New("envelope cannot be nil")
)

// NackAction is what the queue did with a negatively acknowledged envelope.
type NackAction int

const (
	Requeued NackAction = iota
	DeadLettered
	Dropped
)

func (a NackAction) String() string {
	switch a {
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead-lettered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// NackOutcome describes the result of Nack.
type NackOutcome struct {
	Action NackAction
	// Target is the destination that received a dead-lettered envelope.
	Target   string
	Attempts int
	RetryAt  time.Time
}

// QueueStats are per-destination counters.
type QueueStats struct {
	Destination     string `json:"destination"`
	Depth           int    `json:"depth"`
	Ready           int    `json:"ready"`
	Enqueued        int64  `json:"enqueued"`
	Delivered       int64  `json:"delivered"`
	Requeued        int64  `json:"requeued"`
	DeadLetteredIn  int64  `json:"deadLetteredIn"`
	DeadLetteredOut int64  `json:"deadLetteredOut"`
	Dropped         int64  `json:"dropped"`
	Evicted         int64  `json:"evicted"`
	Corrupt         int64  `json:"corrupt"`
}

// Queue is the durable outbound queue.
//
// Enqueue always accepts the envelope; when a destination is over its depth
// limit the oldest envelope for that destination is evicted and counted.
// NextReady returns the earliest eligible envelope ordered by destination
// priority, then enqueue order. An empty destination means any destination.
// The returned envelope is a copy owned by the caller.
type Queue interface {
	io.Closer

	Enqueue(ctx context.Context, env *Envelope) error
	NextReady(ctx context.Context, now time.Time, destination string) (*Envelope, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string, result Result, retryAt time.Time) (NackOutcome, error)
	Depth(ctx context.Context, destination string) (int, error)
	Stats(ctx context.Context) ([]QueueStats, error)
}

// Notifier is implemented by queues that can signal new work.
type Notifier interface {
	// Notify returns a channel that receives after each Enqueue to destination.
	Notify(destination string) <-chan struct{}
}

// Transport hands an envelope to a destination's collector.
type Transport interface {
	Deliver(ctx context.Context, env *Envelope) Result
	Register(ctx context.Context) Result
	CheckHealth(ctx context.Context) Result
}
