package delivery

import "time"

// EventType classifies a mesh event.
type EventType string

const (
	EventText         EventType = "text"
	EventPosition     EventType = "position"
	EventNodeInfo     EventType = "nodeinfo"
	EventTelemetry    EventType = "telemetry"
	EventNeighborInfo EventType = "neighborinfo"
	EventRouting      EventType = "routing"
	EventTraceroute   EventType = "traceroute"
	EventAgentHealth  EventType = "agent_health"

	// EventRoute is not carried by the radio. Filters use it to accept or
	// reject resolved-route envelopes.
	EventRoute EventType = "route"
)

// Event is one normalised packet observed by an agent.
type Event struct {
	ID        string         `json:"id" cbor:"1,keyasint"`
	Type      EventType      `json:"type" cbor:"2,keyasint"`
	FromNode  string         `json:"fromNode" cbor:"3,keyasint"`
	ToNode    string         `json:"toNode,omitempty" cbor:"4,keyasint,omitempty"`
	Channel   int            `json:"channel,omitempty" cbor:"5,keyasint,omitempty"`
	Timestamp time.Time      `json:"timestamp" cbor:"6,keyasint"`
	HopsAway  *int           `json:"hopsAway,omitempty" cbor:"7,keyasint,omitempty"`
	RSSI      *int           `json:"rssi,omitempty" cbor:"8,keyasint,omitempty"`
	SNR       *float64       `json:"snr,omitempty" cbor:"9,keyasint,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" cbor:"10,keyasint,omitempty"`
}

// Hops returns the hop distance and whether it is known.
func (e Event) Hops() (int, bool) {
	if e.HopsAway == nil || *e.HopsAway < 0 {
		return 0, false
	}
	return *e.HopsAway, true
}
