package config

import (
	"fmt"
	"time"

	"github.com/heymex/MeshyMcMapface/internal/discovery"
	"github.com/heymex/MeshyMcMapface/internal/grpchealth"
	"github.com/heymex/MeshyMcMapface/internal/health"
	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/internal/radio"
	"github.com/heymex/MeshyMcMapface/pkg/delivery"
)

// Identity describes the agent to collectors.
type Identity struct {
	ID           string  `yaml:"id" json:"id"`
	LocationName string  `yaml:"location_name" json:"location_name"`
	Latitude     float64 `yaml:"latitude" json:"latitude"`
	Longitude    float64 `yaml:"longitude" json:"longitude"`
	// LocalNodeID is the radio node the agent is attached to.
	LocalNodeID string `yaml:"local_node_id" json:"local_node_id"`
}

// Discovery configures route discovery.
type Discovery struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`
	// PriorityFile lists priority nodes one per line and is watched for
	// changes.
	PriorityFile     string `yaml:"priority_file" json:"priority_file"`
	discovery.Config `yaml:",inline"`
}

// IsEnabled reports whether discovery runs. A nil Enabled means enabled.
func (d Discovery) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Agent is the complete agent configuration.
type Agent struct {
	Agent        Identity               `yaml:"agent" json:"agent"`
	Destinations []delivery.Destination `yaml:"destinations" json:"destinations"`
	// Health applies to every destination. A zero FailureThreshold means
	// each destination's max_retries.
	Health    health.Config  `yaml:"health" json:"health"`
	Discovery Discovery      `yaml:"discovery" json:"discovery"`
	Radio     radio.Config   `yaml:"radio" json:"radio"`
	Logging   logging.Config `yaml:"logging" json:"logging"`

	DatabasePath      string        `yaml:"database_path" json:"database_path"`
	QueueLease        time.Duration `yaml:"queue_lease" json:"queue_lease"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`

	// StatusAddr serves the local status endpoint when set.
	StatusAddr string `yaml:"status_addr" json:"status_addr"`
	// GRPCHealth serves the gRPC health service when its address is set.
	GRPCHealth grpchealth.Config `yaml:"grpc_health" json:"grpc_health"`
}

// LoadAgent reads path, applies environment overrides and defaults and
// validates the result.
func LoadAgent(path string) (*Agent, error) {
	var cfg Agent
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(osGetenv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from MMM_* variables. Destination credentials
// come from MMM_DEST_<NAME>_TOKEN.
func (c *Agent) ApplyEnv(getenv func(string) string) {
	if v, ok := lookup(getenv, "AGENT_ID"); ok {
		c.Agent.ID = v
	}
	if v, ok := lookup(getenv, "LOCAL_NODE_ID"); ok {
		c.Agent.LocalNodeID = v
	}
	if v, ok := lookup(getenv, "RADIO_URL"); ok {
		c.Radio.URL = v
	}
	if v, ok := lookup(getenv, "DATABASE_PATH"); ok {
		c.DatabasePath = v
	}
	if v, ok := lookup(getenv, "LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup(getenv, "STATUS_ADDR"); ok {
		c.StatusAddr = v
	}
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if v, ok := lookup(getenv, "DEST_"+envKey(d.Name)+"_TOKEN"); ok {
			d.Credential = v
		}
		if v, ok := lookup(getenv, "DEST_"+envKey(d.Name)+"_URL"); ok {
			d.URL = v
		}
	}
}

// ApplyDefaults fills unset fields.
func (c *Agent) ApplyDefaults() {
	for i := range c.Destinations {
		c.Destinations[i].SetDefaults()
	}
	c.Discovery.LocalNodeID = c.Agent.LocalNodeID
	c.Discovery.AgentID = c.Agent.ID
	c.Discovery.SetDefaults()
	c.Radio.SetDefaults()
	c.Logging.SetDefaults()
	c.GRPCHealth.SetDefaults()
	if c.DatabasePath == "" {
		c.DatabasePath = "mmm-agent.db"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// HealthFor returns the monitor configuration for one destination.
func (c *Agent) HealthFor(d delivery.Destination) health.Config {
	hc := c.Health
	if hc.FailureThreshold <= 0 {
		hc.FailureThreshold = d.MaxRetries
	}
	hc.SetDefaults()
	return hc
}

// Validate checks the configuration. Errors wrap ErrInvalid.
func (c *Agent) Validate() error {
	if c.Agent.ID == "" {
		return invalid("agent.id is required")
	}
	if len(c.Destinations) == 0 {
		return invalid("at least one destination is required")
	}
	seen := make(map[string]bool, len(c.Destinations))
	for i, d := range c.Destinations {
		if err := d.Validate(); err != nil {
			return invalid("destinations[%d]: %v", i, err)
		}
		if seen[d.Name] {
			return invalid("duplicate destination %q", d.Name)
		}
		seen[d.Name] = true
		if err := c.HealthFor(d).Validate(); err != nil {
			return invalid("health for %s: %v", d.Name, err)
		}
	}
	if c.Discovery.IsEnabled() {
		if c.Radio.URL == "" {
			return invalid("route discovery needs radio.url")
		}
		if err := c.Discovery.Config.Validate(); err != nil {
			return invalid("discovery: %v", err)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging: %v", err)
	}
	return nil
}

// String summarises the configuration for startup logs.
func (c *Agent) String() string {
	return fmt.Sprintf("agent %s with %d destinations", c.Agent.ID, len(c.Destinations))
}
