// Package httpapi is the collector's HTTP API: agent ingestion, topology
// queries and the live notification stream.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heymex/MeshyMcMapface/internal/clock"
	"github.com/heymex/MeshyMcMapface/internal/eventlog"
	"github.com/heymex/MeshyMcMapface/internal/logging"
	"github.com/heymex/MeshyMcMapface/pkg/api"
	"github.com/heymex/MeshyMcMapface/pkg/topology"
)

// Config holds server configuration
type Config struct {
	Addr      string `yaml:"addr" json:"addr"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	NoAuth    bool   `yaml:"no_auth" json:"no_auth"`
	Version   string `yaml:"-" json:"-"`

	RateLimit      RateLimit     `yaml:"rate_limit" json:"rate_limit"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" json:"idempotency_ttl"`

	// Retention for housekeeping; the original collector kept packets for
	// a day and nodes for a week.
	EventRetention    time.Duration `yaml:"event_retention" json:"event_retention"`
	TopologyRetention time.Duration `yaml:"topology_retention" json:"topology_retention"`
	PruneInterval     time.Duration `yaml:"prune_interval" json:"prune_interval"`
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	c.RateLimit.SetDefaults()
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 24 * time.Hour
	}
	if c.TopologyRetention <= 0 {
		c.TopologyRetention = 7 * 24 * time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Hour
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.NoAuth && c.SecretKey == "" {
		return errors.New("secret key is required unless no_auth is set")
	}
	return nil
}

// Deps are the server's collaborators. Redis is optional; without it rate
// limiting and idempotency keys are kept in process.
type Deps struct {
	Store  topology.Store
	Events *eventlog.Log
	Redis  *redis.Client
	Clock  clock.Clock
	Logger *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	hub        *Hub
	server     *http.Server
	clock      clock.Clock
	logger     *slog.Logger
	memDedupe  *MemoryDeduper
}

// NewServer creates a new HTTP API server
func NewServer(config Config, deps Deps) (*Server, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("topology store is required")
	}
	if deps.Events == nil {
		deps.Events = eventlog.New(0)
	}
	clk := clock.OrReal(deps.Clock)
	logger := logging.OrDiscard(deps.Logger).With("component", "httpapi")

	s := &Server{
		config:  config,
		jwtAuth: NewJWTAuth(config.SecretKey),
		hub:     NewHub(logger),
		clock:   clk,
		logger:  logger,
	}
	s.middleware = NewMiddleware(s.jwtAuth, config.NoAuth, logger)

	var limiter RateLimiter
	var dedupe Deduper
	if deps.Redis != nil {
		limiter = NewRedisLimiter(deps.Redis, config.RateLimit, clk)
		dedupe = NewRedisDeduper(deps.Redis)
	} else {
		limiter = NewMemoryLimiter(config.RateLimit, clk)
		s.memDedupe = NewMemoryDeduper(clk)
		dedupe = s.memDedupe
	}

	s.handlers = &Handlers{
		store:     deps.Store,
		events:    deps.Events,
		hub:       s.hub,
		limiter:   limiter,
		dedupe:    dedupe,
		dedupeTTL: config.IdempotencyTTL,
		noAuth:    config.NoAuth,
		clock:     clk,
		logger:    logger,
		version:   config.Version,
		started:   clk.Now(),
		nodes:     make(map[string]string),
	}

	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Auth returns the token issuer.
func (s *Server) Auth() *JWTAuth {
	return s.jwtAuth
}

// Hub returns the notification hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves on the configured address until Stop.
func (s *Server) Start() error {
	s.logger.Info("collector API listening", "addr", s.config.Addr, "no_auth", s.config.NoAuth)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on l until Stop.
func (s *Server) Serve(l net.Listener) error {
	err := s.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server and disconnects stream clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	m := s.middleware
	h := s.handlers

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return m.Recovery(m.Logging(m.CORS(m.ContentType(m.Decompress(handler)))))
	}

	mux.Handle("GET "+api.PathHealth, withMiddleware(h.Health))

	mux.Handle("POST "+api.PathRegister, withMiddleware(m.AgentRequired(h.Register)))
	mux.Handle("POST "+api.PathAgentEvents, withMiddleware(m.AgentRequired(h.SubmitEvents)))
	mux.Handle("POST "+api.PathAgentRoutes, withMiddleware(m.AgentRequired(h.SubmitRoutes)))

	mux.Handle("GET "+api.PathAgents, withMiddleware(m.AuthRequired(h.Agents)))
	mux.Handle("GET "+api.PathTopology, withMiddleware(m.AuthRequired(h.Topology)))
	mux.Handle("GET "+api.PathConnections, withMiddleware(m.AuthRequired(h.Connections)))
	mux.Handle("GET "+api.PathRoutes, withMiddleware(m.AuthRequired(h.Routes)))
	mux.Handle("GET "+api.PathNodes+"{id}/reachability", withMiddleware(m.AuthRequired(h.Reachability)))
	mux.Handle("GET "+api.PathPath, withMiddleware(m.AuthRequired(h.ShortestPath)))
	mux.Handle("GET "+api.PathEvents, withMiddleware(m.AuthRequired(h.Events)))
	mux.Handle("GET "+api.PathStats, withMiddleware(m.AuthRequired(h.Stats)))

	// The stream skips ContentType so the upgrade response stays clean.
	mux.Handle("GET "+api.PathStream, m.Recovery(m.Logging(m.AuthRequired(s.hub.ServeWS))))
	return mux
}

// Prune applies retention to the event log and the topology store.
func (s *Server) Prune(ctx context.Context) error {
	now := s.clock.Now()
	events, err := s.handlers.events.Prune(ctx, now.Add(-s.config.EventRetention))
	if err != nil {
		return err
	}
	res, err := s.handlers.store.Prune(ctx, now.Add(-s.config.TopologyRetention))
	if err != nil {
		return err
	}
	keys := 0
	if s.memDedupe != nil {
		keys = s.memDedupe.Prune()
	}
	s.logger.Info("housekeeping complete",
		"events", events,
		"observations", res.Observations,
		"connections", res.Connections,
		"routes", res.Routes,
		"idempotency_keys", keys,
	)
	return nil
}

// RunHousekeeping prunes every PruneInterval until ctx is cancelled.
func (s *Server) RunHousekeeping(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("housekeeping failed", "error", err)
			}
		}
	}
}
