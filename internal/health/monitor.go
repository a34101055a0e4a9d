// Package health tracks per-destination delivery health.
//
// Each destination moves through healthy, degraded, unhealthy and
// recovering as attempts succeed or fail. The monitor also owns the retry
// backoff: it grows multiplicatively on consecutive failures, is pinned at
// the ceiling while unhealthy and drops to the floor on any success.
// Destinations are never disabled; a destination stuck unhealthy past
// AttentionAfter is flagged for operators instead.
package health

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

var (
	// ErrInvalidThreshold is returned for a failure threshold below one
	ErrInvalidThreshold = errors.New("failure threshold must be at least 1")
	// ErrInvalidBackoff is returned when the backoff bounds are inconsistent
	ErrInvalidBackoff = errors.New("backoff floor must be positive and not above the ceiling")
)

// Config bounds the state machine and backoff.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	BackoffFloor     time.Duration `yaml:"backoff_floor" json:"backoff_floor"`
	BackoffCeiling   time.Duration `yaml:"backoff_ceiling" json:"backoff_ceiling"`
	BackoffFactor    float64       `yaml:"backoff_factor" json:"backoff_factor"`
	AttentionAfter   time.Duration `yaml:"attention_after" json:"attention_after"`
}

// SetDefaults applies default values for unset fields.
func (c *Config) SetDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = 5 * time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 5 * time.Minute
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.AttentionAfter <= 0 {
		c.AttentionAfter = time.Hour
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return ErrInvalidThreshold
	}
	if c.BackoffFloor <= 0 || c.BackoffCeiling < c.BackoffFloor {
		return ErrInvalidBackoff
	}
	return nil
}

// Transition is the state change caused by one report.
type Transition struct {
	From delivery.HealthState
	To   delivery.HealthState
}

// Changed reports whether the state moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Monitor is the health state machine for one destination.
// It is safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	rec     delivery.HealthRecord
	readyAt time.Time
	logger  *slog.Logger
}

// NewMonitor creates a healthy monitor for destination.
func NewMonitor(destination string, cfg Config, logger *slog.Logger) *Monitor {
	cfg.SetDefaults()
	return &Monitor{
		cfg:    cfg,
		rec:    delivery.HealthRecord{Destination: destination, State: delivery.Healthy},
		logger: logging.OrDiscard(logger).With("destination", destination),
	}
}

// Destination returns the monitored destination's name.
func (m *Monitor) Destination() string {
	return m.rec.Destination
}

// Report feeds one attempt outcome into the state machine.
func (m *Monitor) Report(res delivery.Result, now time.Time) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.rec.State
	m.rec.LastAttempt = now
	if res.Success {
		m.success(now)
	} else {
		m.failure(res, now)
	}
	t := Transition{From: from, To: m.rec.State}

	if t.Changed() {
		m.logger.Info("destination health changed",
			"from", t.From.String(),
			"to", t.To.String(),
			"consecutive_failures", m.rec.ConsecutiveFailures,
			"backoff", m.rec.Backoff,
		)
	}
	if !res.Success && res.Kind == delivery.KindUnauthorized {
		m.logger.Warn("destination rejected agent credential", "error", res.Err)
	}
	return t
}

func (m *Monitor) success(now time.Time) {
	m.rec.ConsecutiveFailures = 0
	m.rec.ConsecutiveSuccesses++
	m.rec.TotalSuccesses++
	m.rec.LastSuccess = now
	m.rec.Misconfigured = false
	m.rec.Backoff = m.cfg.BackoffFloor

	switch m.rec.State {
	case delivery.Unhealthy:
		m.rec.State = delivery.Recovering
	case delivery.Recovering:
		if m.rec.ConsecutiveSuccesses >= 2 {
			m.rec.State = delivery.Healthy
		}
	case delivery.Degraded:
		m.rec.State = delivery.Healthy
	}

	if m.rec.State == delivery.Healthy {
		m.rec.UnhealthySince = time.Time{}
		m.readyAt = now
		return
	}
	m.readyAt = now.Add(m.rec.Backoff)
}

func (m *Monitor) failure(res delivery.Result, now time.Time) {
	m.rec.ConsecutiveSuccesses = 0
	m.rec.ConsecutiveFailures++
	m.rec.TotalFailures++
	m.rec.LastFailure = now
	m.rec.LastErrorKind = res.Kind.String()

	switch {
	case m.rec.ConsecutiveFailures == 1 && m.rec.State == delivery.Healthy:
		m.rec.Backoff = m.cfg.BackoffFloor
	default:
		next := time.Duration(float64(m.rec.Backoff) * m.cfg.BackoffFactor)
		if next < m.cfg.BackoffFloor {
			next = m.cfg.BackoffFloor
		}
		m.rec.Backoff = min(next, m.cfg.BackoffCeiling)
	}
	if res.Kind == delivery.KindUnauthorized {
		m.rec.Misconfigured = true
		m.rec.Backoff = m.cfg.BackoffCeiling
	}

	switch m.rec.State {
	case delivery.Healthy, delivery.Degraded:
		if m.rec.ConsecutiveFailures >= m.cfg.FailureThreshold {
			m.rec.State = delivery.Unhealthy
		} else {
			m.rec.State = delivery.Degraded
		}
	case delivery.Recovering:
		m.rec.State = delivery.Unhealthy
	}

	if m.rec.State == delivery.Unhealthy {
		m.rec.Backoff = m.cfg.BackoffCeiling
		if m.rec.UnhealthySince.IsZero() {
			m.rec.UnhealthySince = now
		}
	}

	delay := m.rec.Backoff
	if res.RetryAfter > delay {
		delay = res.RetryAfter
	}
	m.readyAt = now.Add(delay)
}

// State returns the current state.
func (m *Monitor) State() delivery.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.State
}

// Delay is the backoff applied before the next attempt. It is zero while
// healthy.
func (m *Monitor) Delay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.State == delivery.Healthy {
		return 0
	}
	return m.rec.Backoff
}

// ReadyAt is the earliest time the next attempt should start.
func (m *Monitor) ReadyAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyAt
}

// NeedsAttention reports whether the destination has been unhealthy for
// longer than AttentionAfter.
func (m *Monitor) NeedsAttention(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsAttention(now)
}

func (m *Monitor) needsAttention(now time.Time) bool {
	if m.rec.UnhealthySince.IsZero() {
		return false
	}
	if m.rec.State != delivery.Unhealthy && m.rec.State != delivery.Recovering {
		return false
	}
	return now.Sub(m.rec.UnhealthySince) > m.cfg.AttentionAfter
}

// Snapshot returns a copy of the record evaluated at now.
func (m *Monitor) Snapshot(now time.Time) delivery.HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.rec
	rec.StateName = rec.State.String()
	rec.NeedsAttention = m.needsAttention(now)
	return rec
}

// Reset returns the monitor to healthy, clearing counters and backoff.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.rec.State
	m.rec = delivery.HealthRecord{
		Destination:    m.rec.Destination,
		State:          delivery.Healthy,
		TotalSuccesses: m.rec.TotalSuccesses,
		TotalFailures:  m.rec.TotalFailures,
		LastSuccess:    m.rec.LastSuccess,
		LastFailure:    m.rec.LastFailure,
	}
	m.readyAt = time.Time{}
	m.logger.Info("destination health reset", "from", from.String())
}

// Restore loads a previously persisted record.
func (m *Monitor) Restore(rec delivery.HealthRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Destination = m.rec.Destination
	m.rec = rec
	if rec.State != delivery.Healthy && !rec.LastAttempt.IsZero() {
		m.readyAt = rec.LastAttempt.Add(rec.Backoff)
	}
}
