package topology

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heymex/MeshyMcMapface/pkg/delivery"
	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

// IngestResult counts the rows derived from one event batch.
type IngestResult struct {
	Observations int
	Connections  int
	Skipped      int
}

// Ingest folds an agent's events into the store.
//
// An event with a known hop distance becomes an observation of its sender.
// A zero-hop reception is a direct link from the sender to the agent's own
// radio (localNode). A neighborinfo event adds a link from the sender to
// each neighbour listed in its payload. Events with no timestamp are taken
// as heard at now. Invalid rows are skipped and counted; store errors abort.
func Ingest(ctx context.Context, store topology.Store, agentID, localNode string, events []delivery.Event, now time.Time) (IngestResult, error) {
	var res IngestResult
	for _, e := range events {
		if e.FromNode == "" {
			res.Skipped++
			continue
		}
		heard := e.Timestamp
		if heard.IsZero() {
			heard = now
		}

		if hops, ok := e.Hops(); ok {
			err := store.UpsertObservation(ctx, topology.Observation{
				NodeID:      e.FromNode,
				AgentID:     agentID,
				HopDistance: hops,
				RSSI:        e.RSSI,
				SNR:         e.SNR,
				LastHeard:   heard,
			})
			if err := count(err, &res.Observations, &res.Skipped); err != nil {
				return res, err
			}

			if hops == 0 && localNode != "" && e.FromNode != localNode {
				err := store.UpsertConnection(ctx, topology.DirectConnection{
					FromNode:  e.FromNode,
					ToNode:    localNode,
					AgentID:   agentID,
					RSSI:      e.RSSI,
					SNR:       e.SNR,
					FirstSeen: heard,
					LastSeen:  heard,
				})
				if err := count(err, &res.Connections, &res.Skipped); err != nil {
					return res, err
				}
			}
		}

		if e.Type == delivery.EventNeighborInfo {
			for _, n := range Neighbors(e.Payload) {
				err := store.UpsertConnection(ctx, topology.DirectConnection{
					FromNode:  e.FromNode,
					ToNode:    n.NodeID,
					AgentID:   agentID,
					SNR:       n.SNR,
					FirstSeen: heard,
					LastSeen:  heard,
				})
				if err := count(err, &res.Connections, &res.Skipped); err != nil {
					return res, err
				}
			}
		}
	}
	return res, nil
}

func count(err error, ok, skipped *int) error {
	switch {
	case err == nil:
		*ok++
		return nil
	case errors.Is(err, topology.ErrInvalidObservation):
		*skipped++
		return nil
	default:
		return fmt.Errorf("ingest: %w", err)
	}
}

// Neighbor is one entry of a neighborinfo payload.
type Neighbor struct {
	NodeID string
	SNR    *float64
}

// Neighbors reads payload["neighbors"], a list of {"nodeId", "snr"} objects.
// Malformed entries are ignored.
func Neighbors(payload map[string]any) []Neighbor {
	list, _ := payload["neighbors"].([]any)
	out := make([]Neighbor, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["nodeId"].(string)
		if id == "" {
			continue
		}
		n := Neighbor{NodeID: id}
		if snr, ok := toFloat(m["snr"]); ok {
			n.SNR = &snr
		}
		out = append(out, n)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
