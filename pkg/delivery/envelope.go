package delivery

import (
	"time"

	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

// EnvelopeKind says which wire operation an envelope maps to.
type EnvelopeKind string

const (
	KindEvents EnvelopeKind = "events"
	KindRoutes EnvelopeKind = "routes"
)

// Envelope is the unit of queued delivery: a batch addressed to exactly one
// destination. The queue owns Seq, Attempts, AuthFailures and NextAttemptAt.
type Envelope struct {
	ID               string                   `json:"id" cbor:"1,keyasint"`
	Key              string                   `json:"key" cbor:"2,keyasint"`
	Destination      string                   `json:"destination" cbor:"3,keyasint"`
	Kind             EnvelopeKind             `json:"kind" cbor:"4,keyasint"`
	AgentID          string                   `json:"agentId" cbor:"5,keyasint"`
	Events           []Event                  `json:"events,omitempty" cbor:"6,keyasint,omitempty"`
	Routes           []topology.ResolvedRoute `json:"routes,omitempty" cbor:"7,keyasint,omitempty"`
	CreatedAt        time.Time                `json:"createdAt" cbor:"8,keyasint"`
	EnqueuedAt       time.Time                `json:"enqueuedAt" cbor:"9,keyasint"`
	Seq              int64                    `json:"seq" cbor:"10,keyasint"`
	Attempts         int                      `json:"attempts" cbor:"11,keyasint"`
	AuthFailures     int                      `json:"authFailures,omitempty" cbor:"12,keyasint,omitempty"`
	NextAttemptAt    time.Time                `json:"nextAttemptAt" cbor:"13,keyasint"`
	DeadLetteredFrom []string                 `json:"deadLetteredFrom,omitempty" cbor:"14,keyasint,omitempty"`
}

// Len is the number of items carried.
func (e *Envelope) Len() int {
	if e.Kind == KindRoutes {
		return len(e.Routes)
	}
	return len(e.Events)
}

// Clone returns a copy whose slices can be modified independently.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Events = append([]Event(nil), e.Events...)
	c.Routes = append([]topology.ResolvedRoute(nil), e.Routes...)
	c.DeadLetteredFrom = append([]string(nil), e.DeadLetteredFrom...)
	return &c
}
