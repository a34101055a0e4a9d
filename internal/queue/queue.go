// Package queue implements the agent's outbound queue.
//
// Envelopes are leased rather than popped: NextReady hides the returned
// envelope until Ack, Nack or lease expiry, so a crash mid-delivery
// redelivers instead of losing data. Two implementations share the routing
// rules: Memory for tests and ephemeral agents, SQLite for durability.
package queue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/heymex/MeshyMcMapface/internal/clock"
	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

// DefaultLease is how long a returned envelope stays hidden.
const DefaultLease = 2 * time.Minute

// Options for both implementations.
type Options struct {
	Lease  time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	o.Clock = clock.OrReal(o.Clock)
	o.Logger = logging.OrDiscard(o.Logger)
}

// routes holds the destination table in priority order.
type routes struct {
	ordered []delivery.Destination
	byName  map[string]delivery.Destination
}

func newRoutes(destinations []delivery.Destination) (routes, error) {
	r := routes{byName: make(map[string]delivery.Destination, len(destinations))}
	for _, d := range destinations {
		if d.Name == "" {
			return routes{}, delivery.ErrEmptyDestinationName
		}
		if _, dup := r.byName[d.Name]; dup {
			return routes{}, fmt.Errorf("duplicate destination %q", d.Name)
		}
		d.SetDefaults()
		r.byName[d.Name] = d
		r.ordered = append(r.ordered, d)
	}
	delivery.SortByPriority(r.ordered)
	return r, nil
}

func (r routes) get(name string) (delivery.Destination, error) {
	d, ok := r.byName[name]
	if !ok {
		return delivery.Destination{}, fmt.Errorf("%w: %s", delivery.ErrUnknownDestination, name)
	}
	return d, nil
}

// scan lists the destinations NextReady should look at, in priority order.
func (r routes) scan(destination string) ([]string, error) {
	if destination != "" {
		if _, err := r.get(destination); err != nil {
			return nil, err
		}
		return []string{destination}, nil
	}
	names := make([]string, 0, len(r.ordered))
	for _, d := range r.ordered {
		names = append(names, d.Name)
	}
	return names, nil
}

// prepare validates a new envelope and fills queue-owned fields.
func prepare(env *delivery.Envelope, now time.Time, r routes) error {
	if env == nil {
		return delivery.ErrNilEnvelope
	}
	if _, err := r.get(env.Destination); err != nil {
		return err
	}
	if env.ID == "" {
		env.ID = uuid.Must(uuid.NewV4()).String()
	}
	if env.Kind == "" {
		env.Kind = delivery.KindEvents
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.EnqueuedAt = now
	env.Attempts = 0
	env.AuthFailures = 0
	return nil
}

// decision is the shared Nack rule.
type decision struct {
	outcome delivery.NackOutcome
	from    string
}

// decide updates env's counters for a failed attempt and works out where it
// goes: back into its queue, to the next lower-priority destination, or out.
func decide(env *delivery.Envelope, res delivery.Result, retryAt time.Time, r routes) decision {
	from := env.Destination
	if res.CountsTowardRetries() {
		env.Attempts++
	} else if res.Kind == delivery.KindUnauthorized {
		env.AuthFailures++
	}

	limit := r.byName[from].MaxRetries
	if env.Attempts <= limit {
		env.NextAttemptAt = retryAt
		return decision{from: from, outcome: delivery.NackOutcome{
			Action:   delivery.Requeued,
			Attempts: env.Attempts,
			RetryAt:  retryAt,
		}}
	}

	attempts := env.Attempts
	target, ok := delivery.DeadLetterTarget(r.ordered, from)
	if !ok {
		return decision{from: from, outcome: delivery.NackOutcome{Action: delivery.Dropped, Attempts: attempts}}
	}
	env.Destination = target.Name
	env.DeadLetteredFrom = append(env.DeadLetteredFrom, from)
	env.Attempts = 0
	env.AuthFailures = 0
	env.NextAttemptAt = time.Time{}
	return decision{from: from, outcome: delivery.NackOutcome{
		Action:   delivery.DeadLettered,
		Target:   target.Name,
		Attempts: attempts,
	}}
}

func logNack(logger *slog.Logger, env *delivery.Envelope, d decision, res delivery.Result) {
	switch d.outcome.Action {
	case delivery.DeadLettered:
		logger.Warn("envelope exhausted retries, moved to lower-priority destination",
			"envelope", env.ID, "from", d.from, "to", d.outcome.Target,
			"attempts", d.outcome.Attempts, "error_kind", res.Kind.String())
	case delivery.Dropped:
		logger.Error("envelope exhausted retries with no lower-priority destination, dropped",
			"envelope", env.ID, "destination", d.from, "items", env.Len(),
			"attempts", d.outcome.Attempts, "error_kind", res.Kind.String())
	default:
		logger.Debug("envelope requeued",
			"envelope", env.ID, "destination", d.from,
			"attempts", d.outcome.Attempts, "retry_at", d.outcome.RetryAt)
	}
}

// notifier fans enqueue signals out per destination.
type notifier struct {
	chans map[string]chan struct{}
}

func newNotifier(r routes) notifier {
	n := notifier{chans: make(map[string]chan struct{}, len(r.ordered))}
	for _, d := range r.ordered {
		n.chans[d.Name] = make(chan struct{}, 1)
	}
	return n
}

func (n notifier) signal(destination string) {
	ch, ok := n.chans[destination]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (n notifier) Notify(destination string) <-chan struct{} {
	return n.chans[destination]
}
