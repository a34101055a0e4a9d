package delivery

import "time"

// HealthState is a destination's position in the health state machine
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Unhealthy
	Recovering
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	case Recovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// ParseHealthState is the inverse of String. Unknown names map to Healthy.
func ParseHealthState(s string) HealthState {
	switch s {
	case "degraded":
		return Degraded
	case "unhealthy":
		return Unhealthy
	case "recovering":
		return Recovering
	default:
		return Healthy
	}
}

// HealthRecord is a point-in-time copy of a destination's health.
type HealthRecord struct {
	Destination          string        `json:"destination"`
	State                HealthState   `json:"-"`
	StateName            string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutiveFailures"`
	ConsecutiveSuccesses int           `json:"consecutiveSuccesses"`
	TotalSuccesses       int64         `json:"totalSuccesses"`
	TotalFailures        int64         `json:"totalFailures"`
	Backoff              time.Duration `json:"backoff"`
	LastAttempt          time.Time     `json:"lastAttempt"`
	LastSuccess          time.Time     `json:"lastSuccess"`
	LastFailure          time.Time     `json:"lastFailure"`
	LastErrorKind        string        `json:"lastErrorKind,omitempty"`
	UnhealthySince       time.Time     `json:"unhealthySince"`
	Misconfigured        bool          `json:"misconfigured"`
	NeedsAttention       bool          `json:"needsAttention"`
}
