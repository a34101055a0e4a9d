// Package delivery drains one destination's outbound queue.
//
// A Client owns the delivery loop for exactly one destination, so a slow or
// unreachable collector only ever delays its own envelopes.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heymex/MeshyMcMapface/internal/clock"
	"github.com/heymex/MeshyMcMapface/internal/health"
	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

// Config configures a Client.
type Config struct {
	Destination delivery.Destination
	Queue       delivery.Queue
	Transport   delivery.Transport
	Monitor     *health.Monitor

	// HealthStore persists the monitor after every report. Optional.
	HealthStore health.Store

	// PollInterval bounds how long an idle client sleeps without an enqueue
	// notification.
	PollInterval time.Duration

	// ProbeInterval spaces health probes while the destination is not
	// healthy and has nothing queued.
	ProbeInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	c.Destination.SetDefaults()
	if c.PollInterval <= 0 {
		c.PollInterval = c.Destination.SendInterval
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Minute
	}
	c.Clock = clock.OrReal(c.Clock)
	c.Logger = logging.OrDiscard(c.Logger)
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Queue == nil {
		return errors.New("queue is required")
	}
	if c.Transport == nil {
		return errors.New("transport is required")
	}
	if c.Monitor == nil {
		return errors.New("health monitor is required")
	}
	return c.Destination.Validate()
}

// Outcome reports what one RunOnce call did.
type Outcome int

const (
	// Idle means nothing was attempted.
	Idle Outcome = iota
	// Waiting means the destination is backing off.
	Waiting
	// Filtered means the envelope had nothing the destination accepts.
	Filtered
	Delivered
	Failed
	Probed
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Filtered:
		return "filtered"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Probed:
		return "probed"
	default:
		return "unknown"
	}
}

// Client delivers envelopes for one destination.
type Client struct {
	cfg    Config
	dest   delivery.Destination
	logger *slog.Logger

	mu         sync.Mutex
	registered bool
	lastProbe  time.Time
}

// NewClient creates a delivery client
func NewClient(cfg Config) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid delivery config: %w", err)
	}
	return &Client{
		cfg:    cfg,
		dest:   cfg.Destination,
		logger: cfg.Logger.With("destination", cfg.Destination.Name),
	}, nil
}

// Destination returns the destination served by this client.
func (c *Client) Destination() delivery.Destination {
	return c.dest
}

// Monitor returns the destination's health monitor.
func (c *Client) Monitor() *health.Monitor {
	return c.cfg.Monitor
}

// Registered reports whether registration has succeeded.
func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Register announces the agent to the destination. Failures are logged and
// retried before the next delivery.
func (c *Client) Register(ctx context.Context) delivery.Result {
	attemptCtx, cancel := context.WithTimeout(ctx, c.dest.Timeout)
	defer cancel()

	res := c.cfg.Transport.Register(attemptCtx)
	if res.Success {
		c.mu.Lock()
		c.registered = true
		c.mu.Unlock()
		c.logger.Info("registered with destination", "url", c.dest.URL)
	} else {
		c.logger.Warn("registration failed", "kind", res.Kind.String(), "error", res.Err)
	}
	return res
}

// RunOnce makes at most one attempt against the destination.
// In-flight transfers are not cut short by ctx; they run to completion or
// to the per-attempt timeout.
func (c *Client) RunOnce(ctx context.Context, now time.Time) (Outcome, error) {
	if ctx.Err() != nil {
		return Idle, ctx.Err()
	}
	if now.Before(c.cfg.Monitor.ReadyAt()) {
		return Waiting, nil
	}

	env, err := c.cfg.Queue.NextReady(ctx, now, c.dest.Name)
	if errors.Is(err, delivery.ErrNoReady) {
		return c.probe(ctx, now)
	}
	if err != nil {
		return Idle, fmt.Errorf("next envelope: %w", err)
	}
	// Once leased, the outcome is recorded even if ctx is cancelled mid-transfer.
	settle := context.WithoutCancel(ctx)

	if !c.dest.Filter.Apply(env) {
		if err := c.cfg.Queue.Ack(settle, env.ID); err != nil {
			return Filtered, fmt.Errorf("ack filtered envelope: %w", err)
		}
		c.logger.Debug("envelope filtered out", "envelope", env.ID)
		return Filtered, nil
	}

	if !c.Registered() {
		c.Register(settle)
	}

	res := c.attempt(ctx, func(actx context.Context) delivery.Result {
		return c.cfg.Transport.Deliver(actx, env)
	})
	done := c.cfg.Clock.Now()
	c.report(settle, res, done)

	if res.Success {
		if err := c.cfg.Queue.Ack(settle, env.ID); err != nil {
			return Delivered, fmt.Errorf("ack envelope: %w", err)
		}
		c.logger.Info("envelope delivered",
			"envelope", env.ID,
			"kind", string(env.Kind),
			"items", env.Len(),
			"attempts", env.Attempts+1,
			"took", done.Sub(now),
		)
		return Delivered, nil
	}

	out, err := c.cfg.Queue.Nack(settle, env.ID, res, retryAt(done, res, c.cfg.Monitor.Delay()))
	if err != nil {
		return Failed, fmt.Errorf("nack envelope: %w", err)
	}
	c.logger.Warn("delivery failed",
		"envelope", env.ID,
		"kind", res.Kind.String(),
		"error", res.Err,
		"action", out.Action.String(),
		"attempts", out.Attempts,
	)
	return Failed, nil
}

// probe checks an idle, unhealthy destination so it can recover without
// waiting for new traffic.
func (c *Client) probe(ctx context.Context, now time.Time) (Outcome, error) {
	if c.cfg.Monitor.State() == delivery.Healthy {
		return Idle, nil
	}
	c.mu.Lock()
	if !c.lastProbe.IsZero() && now.Sub(c.lastProbe) < c.cfg.ProbeInterval {
		c.mu.Unlock()
		return Idle, nil
	}
	c.lastProbe = now
	c.mu.Unlock()

	res := c.attempt(ctx, c.cfg.Transport.CheckHealth)
	c.report(ctx, res, c.cfg.Clock.Now())
	c.logger.Debug("health probe", "result", res.String())
	return Probed, nil
}

func (c *Client) attempt(ctx context.Context, fn func(context.Context) delivery.Result) delivery.Result {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.dest.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (c *Client) report(ctx context.Context, res delivery.Result, now time.Time) {
	c.cfg.Monitor.Report(res, now)
	if c.cfg.HealthStore == nil {
		return
	}
	if err := c.cfg.HealthStore.SaveHealth(context.WithoutCancel(ctx), c.cfg.Monitor.Snapshot(now)); err != nil {
		c.logger.Error("failed to persist health", "error", err)
	}
}

// Run drives the client until ctx is cancelled. It drains back to back
// while deliveries succeed and otherwise sleeps until the next enqueue,
// the poll interval or the end of backoff.
func (c *Client) Run(ctx context.Context) error {
	var notify <-chan struct{}
	if n, ok := c.cfg.Queue.(delivery.Notifier); ok {
		notify = n.Notify(c.dest.Name)
	}

	for {
		out, err := c.RunOnce(ctx, c.cfg.Clock.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, delivery.ErrQueueClosed) {
				return err
			}
			c.logger.Error("delivery loop error", "error", err)
		}
		if out == Delivered || out == Filtered {
			continue
		}

		wait := c.cfg.PollInterval
		wake := notify
		if readyAt := c.cfg.Monitor.ReadyAt(); !readyAt.IsZero() {
			if d := readyAt.Sub(c.cfg.Clock.Now()); d > 0 {
				wait = d
				wake = nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-c.cfg.Clock.After(wait):
		}
	}
}
