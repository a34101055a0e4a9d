package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heymex/MeshyMcMapface/internal/fanout"
	"github.com/heymex/MeshyMcMapface/internal/grpchealth"
	deliverypkg "github.com/heymex/MeshyMcMapface/pkg/delivery"
	discoverypkg "github.com/heymex/MeshyMcMapface/pkg/discovery"
)

// Status is the agent's introspection view.
type Status struct {
	AgentID        string                     `json:"agentId"`
	Version        string                     `json:"version,omitempty"`
	Started        time.Time                  `json:"started,omitzero"`
	RadioConnected bool                       `json:"radioConnected"`
	Destinations   []fanout.DestinationStatus `json:"destinations"`
	Queue          []deliverypkg.QueueStats   `json:"queue"`
	Discovery      *discoverypkg.Stats        `json:"discovery,omitempty"`
	PriorityNodes  []string                   `json:"priorityNodes,omitempty"`
}

// Status reports destination health, queue counters and discovery stats.
func (a *Agent) Status(ctx context.Context) Status {
	st := Status{
		AgentID:        a.cfg.Agent.ID,
		Version:        a.version,
		Started:        a.started,
		RadioConnected: a.bridge != nil && a.bridge.Connected(),
		Destinations:   a.coord.Status(ctx),
	}
	if qs, err := a.queue.Stats(ctx); err == nil {
		st.Queue = qs
	} else {
		a.logger.Debug("queue stats unavailable", "error", err)
	}
	if a.manager != nil {
		ds := a.manager.Stats()
		st.Discovery = &ds
		st.PriorityNodes = a.manager.PriorityNodes()
	}
	return st
}

func (a *Agent) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Status(r.Context()))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /discovery/refresh", func(w http.ResponseWriter, r *http.Request) {
		if a.manager == nil {
			http.Error(w, "route discovery is disabled", http.StatusNotFound)
			return
		}
		var err error
		queued := 1
		if node := r.URL.Query().Get("node"); node != "" {
			err = a.manager.ForceRefresh(node)
		} else {
			queued, err = a.manager.ForceRefreshAll()
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthChecks maps each enabled destination and the local queue to a
// gRPC health service name.
func (a *Agent) healthChecks() map[string]grpchealth.Check {
	checks := map[string]grpchealth.Check{
		"queue": func(ctx context.Context) error {
			_, err := a.queue.Stats(ctx)
			return err
		},
	}
	for name, m := range a.monitors {
		checks["destination/"+name] = func(context.Context) error {
			if s := m.State(); s == deliverypkg.Unhealthy {
				return fmt.Errorf("destination %s is %s", name, s)
			}
			return nil
		}
	}
	if a.bridge != nil {
		checks["radio"] = func(context.Context) error {
			if !a.bridge.Connected() {
				return errors.New("radio gateway disconnected")
			}
			return nil
		}
	}
	return checks
}
