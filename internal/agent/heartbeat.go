package agent

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	deliverypkg "github.com/heymex/MeshyMcMapface/pkg/delivery"
)

// HostMetrics is the host section of a heartbeat.
type HostMetrics struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
	Hostname      string  `json:"hostname,omitempty"`
}

// ReadHostMetrics samples the host. Unavailable figures are left zero.
func ReadHostMetrics() HostMetrics {
	var m HostMetrics
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
	}
	if info, err := host.Info(); err == nil {
		m.UptimeSeconds = info.Uptime
		m.Hostname = info.Hostname
	}
	return m
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := a.clock.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.heartbeat(ctx)
		}
	}
}

// heartbeat submits an agent_health event describing the agent.
func (a *Agent) heartbeat(ctx context.Context) {
	e := a.heartbeatEvent(ctx, ReadHostMetrics())
	if err := a.Submit(e); err != nil {
		a.logger.Debug("heartbeat not submitted", "error", err)
	}
}

func (a *Agent) heartbeatEvent(ctx context.Context, hm HostMetrics) deliverypkg.Event {
	now := a.clock.Now()
	depths := make(map[string]any)
	if stats, err := a.queue.Stats(ctx); err == nil {
		for _, s := range stats {
			depths[s.Destination] = s.Depth
		}
	}
	destinations := make(map[string]any, len(a.monitors))
	for name, m := range a.monitors {
		destinations[name] = m.State().String()
	}

	payload := map[string]any{
		"host": map[string]any{
			"cpuPercent":    hm.CPUPercent,
			"memoryPercent": hm.MemoryPercent,
			"uptimeSeconds": hm.UptimeSeconds,
			"hostname":      hm.Hostname,
		},
		"version":       a.version,
		"queueDepths":   depths,
		"destinations":  destinations,
		"agentUptimeS":  int64(now.Sub(a.started) / time.Second),
		"radioAttached": a.bridge != nil && a.bridge.Connected(),
	}
	if a.manager != nil {
		st := a.manager.Stats()
		payload["discovery"] = map[string]any{
			"issued":   st.Issued,
			"resolved": st.Resolved,
			"failed":   st.Failed,
			"timedOut": st.TimedOut,
			"pending":  st.Pending,
		}
	}

	return deliverypkg.Event{
		ID:        uuid.Must(uuid.NewV4()).String(),
		Type:      deliverypkg.EventAgentHealth,
		FromNode:  a.cfg.Agent.LocalNodeID,
		Timestamp: now,
		Payload:   payload,
	}
}
