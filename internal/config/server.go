package config

import (
	"github.com/heymex/MeshyMcMapface/internal/grpchealth"
	"github.com/heymex/MeshyMcMapface/internal/httpapi"
	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/internal/topology"
)

// Redis locates the optional rate-limit and idempotency backend.
type Redis struct {
	URL string `yaml:"url" json:"url"`
}

// Server is the complete collector configuration.
type Server struct {
	HTTP     httpapi.Config          `yaml:"http" json:"http"`
	Postgres topology.PostgresConfig `yaml:"postgres" json:"postgres"`
	Redis    Redis                   `yaml:"redis" json:"redis"`
	Logging  logging.Config          `yaml:"logging" json:"logging"`
	// EventLogCapacity bounds the recent-event log.
	EventLogCapacity int               `yaml:"event_log_capacity" json:"event_log_capacity"`
	GRPCHealth       grpchealth.Config `yaml:"grpc_health" json:"grpc_health"`
}

// LoadServer reads path (optional: an empty path starts from defaults),
// applies environment overrides and defaults and validates the result.
func LoadServer(path string) (*Server, error) {
	var cfg Server
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(osGetenv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from MMM_* variables.
func (c *Server) ApplyEnv(getenv func(string) string) {
	if v, ok := lookup(getenv, "LISTEN_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := lookup(getenv, "JWT_SECRET"); ok {
		c.HTTP.SecretKey = v
	}
	if v, ok := lookup(getenv, "DATABASE_URL"); ok {
		c.Postgres.URL = v
	}
	if v, ok := lookup(getenv, "REDIS_URL"); ok {
		c.Redis.URL = v
	}
	if v, ok := lookup(getenv, "LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
}

// ApplyDefaults fills unset fields.
func (c *Server) ApplyDefaults() {
	c.HTTP.SetDefaults()
	c.Logging.SetDefaults()
	c.GRPCHealth.SetDefaults()
	if c.EventLogCapacity <= 0 {
		c.EventLogCapacity = 10000
	}
}

// Validate checks the configuration. Errors wrap ErrInvalid.
func (c *Server) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return invalid("http: %v", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging: %v", err)
	}
	return nil
}
